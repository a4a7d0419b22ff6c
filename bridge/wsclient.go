package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/barrhawk/labcore/core"
)

// WSClient attaches a component to a remote bridge over websocket. It
// implements the same Client contract as LocalClient; synchronous publish
// failures from the broker arrive as correlated error envelopes instead
// of return values.
type WSClient struct {
	id      string
	version string
	wsURL   string
	secret  string
	logger  core.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	anyHs    []HandlerFunc

	correlations *correlationTable
	stopOnce     sync.Once
	stopCh       chan struct{}
}

// Dial connects to the bridge websocket endpoint and registers the
// component. The url is the base ws endpoint, e.g. ws://bridge:8080/ws.
func Dial(wsURL, componentID, version, secret string, logger core.Logger) (*WSClient, error) {
	if !core.ValidComponentID(componentID) {
		return nil, core.NewCoreError("bridge.Dial", core.KindValidation,
			fmt.Errorf("%w: %q", core.ErrInvalidComponentID, componentID))
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	c := &WSClient{
		id:           componentID,
		version:      version,
		wsURL:        wsURL,
		secret:       secret,
		logger:       core.ComponentLogger(logger, "bus/"+componentID),
		handlers:     make(map[string][]HandlerFunc),
		correlations: newCorrelationTable(),
		stopCh:       make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

func (c *WSClient) connect() error {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return core.NewCoreError("bridge.Dial", core.KindValidation, err)
	}
	q := u.Query()
	q.Set("component", c.id)
	if c.version != "" {
		q.Set("version", c.version)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return core.NewCoreError("bridge.Dial", core.KindTransport,
			fmt.Errorf("%w: %v", core.ErrConnectionFailed, err))
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// ID returns the component id this client registered under.
func (c *WSClient) ID() string { return c.id }

// Publish signs (when configured) and writes the envelope to the broker.
func (c *WSClient) Publish(ctx context.Context, msg *core.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if c.secret != "" && msg.Signature == "" {
		if err := core.SignMessage(msg, c.secret); err != nil {
			return err
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return core.NewCoreError("wsclient.Publish", core.KindValidation, err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return core.ErrConnectionFailed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.NewCoreError("wsclient.Publish", core.KindTransport,
			fmt.Errorf("%w: %v", core.ErrTransportFailed, err))
	}
	return nil
}

// Request publishes msg and waits for the correlated response.
func (c *WSClient) Request(ctx context.Context, msg *core.Message, timeout time.Duration) (*core.Message, error) {
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
		return nil, core.NewCoreError("wsclient.Request", core.KindTimeout,
			fmt.Errorf("%w: waiting for %s", core.ErrTimeout, corr))
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, core.ErrShuttingDown
	}
}

// On registers a handler for a message type.
func (c *WSClient) On(msgType string, handler HandlerFunc) {
	c.mu.Lock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
	c.mu.Unlock()
}

// OnAny registers a handler for every unclaimed delivery.
func (c *WSClient) OnAny(handler HandlerFunc) {
	c.mu.Lock()
	c.anyHs = append(c.anyHs, handler)
	c.mu.Unlock()
}

func (c *WSClient) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.Warn("Bridge connection lost, reconnecting", map[string]interface{}{
				"error": err.Error(),
			})
			if !c.reconnect() {
				return
			}
			continue
		}

		var msg core.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("Malformed frame from bridge", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if c.secret != "" && msg.Signature != "" {
			if err := core.VerifyMessage(&msg, c.secret); err != nil {
				c.logger.Error("Dropping message with bad signature", map[string]interface{}{
					"message_id": msg.ID,
					"source":     msg.Source,
				})
				continue
			}
		}
		c.dispatch(&msg)
	}
}

func (c *WSClient) dispatch(msg *core.Message) {
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

// reconnect redials with backoff until success or shutdown.
func (c *WSClient) reconnect() bool {
	delay := 250 * time.Millisecond
	for {
		select {
		case <-c.stopCh:
			return false
		case <-time.After(delay):
		}
		if err := c.connect(); err == nil {
			c.logger.Info("Reconnected to bridge", map[string]interface{}{})
			return true
		}
		delay *= 2
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
}

func (c *WSClient) heartbeatLoop() {
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
				_ = c.Publish(context.Background(), msg)
			}
		}
	}
}

// Close announces departure and drops the connection.
func (c *WSClient) Close() error {
	c.stopOnce.Do(func() {
		msg, err := core.NewMessage(c.id, core.ComponentBridge, core.TypeComponentUnregister,
			&core.RegisterPayload{ComponentID: c.id})
		if err == nil {
			_ = c.Publish(context.Background(), msg)
		}
		close(c.stopCh)
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	})
	return nil
}
