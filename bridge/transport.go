package bridge

import (
	"context"

	"github.com/barrhawk/labcore/core"
)

// Transport is the delivery handle the bridge holds per component.
// Deliver must be safe for concurrent use; ordering per component is the
// bridge's responsibility.
type Transport interface {
	Deliver(ctx context.Context, msg *core.Message) error
	Close() error
}

// ChannelTransport delivers messages to an in-process consumer. The
// receive loop drains the channel in FIFO order, matching the per-inbox
// ordering guarantee.
type ChannelTransport struct {
	ch     chan *core.Message
	done   chan struct{}
	closed bool
}

// NewChannelTransport creates an in-process transport with the given
// inbox depth.
func NewChannelTransport(depth int) *ChannelTransport {
	if depth <= 0 {
		depth = 256
	}
	return &ChannelTransport{
		ch:   make(chan *core.Message, depth),
		done: make(chan struct{}),
	}
}

// Deliver enqueues the message. A full inbox is a transport failure, not
// a silent drop.
func (t *ChannelTransport) Deliver(ctx context.Context, msg *core.Message) error {
	select {
	case <-t.done:
		return core.ErrTransportFailed
	default:
	}
	select {
	case t.ch <- msg:
		return nil
	case <-t.done:
		return core.ErrTransportFailed
	default:
		return core.NewCoreError("transport.Deliver", core.KindTransport, core.ErrTransportFailed)
	}
}

// Receive returns the inbox channel.
func (t *ChannelTransport) Receive() <-chan *core.Message {
	return t.ch
}

// Close shuts the transport; pending messages remain readable.
func (t *ChannelTransport) Close() error {
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}
