package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/barrhawk/labcore/core"
)

// HandlerFunc consumes a delivered message. Handlers run on the client's
// single dispatch goroutine, so handling is strictly FIFO per component.
type HandlerFunc func(msg *core.Message)

// Client is the component-side handle to the bus. LocalClient serves
// in-process deployments and tests; WSClient speaks the websocket wire.
type Client interface {
	ID() string
	Publish(ctx context.Context, msg *core.Message) error
	Request(ctx context.Context, msg *core.Message, timeout time.Duration) (*core.Message, error)
	On(msgType string, handler HandlerFunc)
	OnAny(handler HandlerFunc)
	Close() error
}

// correlationTable maps correlation ids to completion slots. Cancellation
// closes the slot and releases the waiter.
type correlationTable struct {
	mu    sync.Mutex
	slots map[string]chan *core.Message
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{slots: make(map[string]chan *core.Message)}
}

func (t *correlationTable) open(id string) chan *core.Message {
	ch := make(chan *core.Message, 1)
	t.mu.Lock()
	t.slots[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *correlationTable) close(id string) {
	t.mu.Lock()
	delete(t.slots, id)
	t.mu.Unlock()
}

// resolve completes a slot if one is waiting; reports whether it did.
func (t *correlationTable) resolve(msg *core.Message) bool {
	if msg.CorrelationID == "" {
		return false
	}
	t.mu.Lock()
	ch, ok := t.slots[msg.CorrelationID]
	if ok {
		delete(t.slots, msg.CorrelationID)
	}
	t.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// LocalClient attaches a component directly to an in-process bridge.
type LocalClient struct {
	id        string
	bridge    *Bridge
	transport *ChannelTransport

	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	anyHs    []HandlerFunc

	correlations *correlationTable
	stopOnce     sync.Once
	stopCh       chan struct{}
}

// Connect registers a component on the bridge and starts its dispatch and
// heartbeat loops.
func Connect(b *Bridge, componentID, version string) (*LocalClient, error) {
	transport := NewChannelTransport(256)
	if err := b.Register(componentID, transport); err != nil {
		return nil, err
	}
	c := &LocalClient{
		id:           componentID,
		bridge:       b,
		transport:    transport,
		handlers:     make(map[string][]HandlerFunc),
		correlations: newCorrelationTable(),
		stopCh:       make(chan struct{}),
	}
	go c.dispatchLoop()
	go c.heartbeatLoop()

	if version != "" {
		msg, err := core.NewMessage(componentID, core.ComponentBridge, core.TypeVersionAnnounce,
			&core.VersionPayload{ComponentID: componentID, Version: version})
		if err == nil {
			_ = b.Publish(context.Background(), msg)
		}
	}
	return c, nil
}

// ID returns the component id this client registered under.
func (c *LocalClient) ID() string { return c.id }

// Publish sends a message through the bridge.
func (c *LocalClient) Publish(ctx context.Context, msg *core.Message) error {
	return c.bridge.Publish(ctx, msg)
}

// Request publishes msg and waits for the correlated response. The
// message id doubles as the correlation key unless one is already set.
func (c *LocalClient) Request(ctx context.Context, msg *core.Message, timeout time.Duration) (*core.Message, error) {
	corr := msg.CorrelationID
	if corr == "" {
		corr = msg.ID
	}
	slot := c.correlations.open(corr)
	defer c.correlations.close(corr)

	if err := c.Publish(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-slot:
		return resp, nil
	case <-timer.C:
		return nil, core.NewCoreError("client.Request", core.KindTimeout,
			fmt.Errorf("%w: waiting for %s", core.ErrTimeout, corr))
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, core.ErrShuttingDown
	}
}

// On registers a handler for a message type.
func (c *LocalClient) On(msgType string, handler HandlerFunc) {
	c.mu.Lock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
	c.mu.Unlock()
}

// OnAny registers a handler invoked for every delivered message that no
// correlation slot claimed.
func (c *LocalClient) OnAny(handler HandlerFunc) {
	c.mu.Lock()
	c.anyHs = append(c.anyHs, handler)
	c.mu.Unlock()
}

func (c *LocalClient) dispatchLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case msg, ok := <-c.transport.Receive():
			if !ok {
				return
			}
			c.dispatch(msg)
		}
	}
}

func (c *LocalClient) dispatch(msg *core.Message) {
	if c.correlations.resolve(msg) {
		return
	}
	c.mu.RLock()
	typed := append([]HandlerFunc(nil), c.handlers[msg.Type]...)
	anyHs := append([]HandlerFunc(nil), c.anyHs...)
	c.mu.RUnlock()

	for _, h := range typed {
		h(msg)
	}
	for _, h := range anyHs {
		h(msg)
	}
}

func (c *LocalClient) heartbeatLoop() {
	ticker := time.NewTicker(core.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			msg, err := core.NewMessage(c.id, core.ComponentBridge, core.TypeHeartbeat,
				&core.HeartbeatPayload{ComponentID: c.id, Health: core.HealthHealthy})
			if err == nil {
				_ = c.bridge.Publish(context.Background(), msg)
			}
		}
	}
}

// Close unregisters from the bridge and stops the loops.
func (c *LocalClient) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.bridge.Unregister(c.id)
	})
	return nil
}
