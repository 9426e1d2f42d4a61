package registry

import (
	"errors"
	"sync"

	"crabstack.local/projects/crab-handoff/internal/protocol"
)

var ErrConnClosed = errors.New("connection closed")

// RecordingConn is an in-memory Conn that keeps every event it receives.
type RecordingConn struct {
	id string

	mu     sync.Mutex
	events []protocol.Outbound
	closed bool
	notify chan struct{}
}

func NewRecordingConn(id string) *RecordingConn {
	return &RecordingConn{id: id, notify: make(chan struct{}, 1)}
}

func (c *RecordingConn) ID() string { return c.id }

func (c *RecordingConn) Send(out protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.events = append(c.events, out)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *RecordingConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *RecordingConn) Events() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Outbound, len(c.events))
	copy(out, c.events)
	return out
}

// EventNames lists received event names in arrival order.
func (c *RecordingConn) EventNames() []protocol.EventName {
	events := c.Events()
	names := make([]protocol.EventName, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event)
	}
	return names
}

// Last returns the most recent event with the given name.
func (c *RecordingConn) Last(name protocol.EventName) (protocol.Outbound, bool) {
	events := c.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Event == name {
			return events[i], true
		}
	}
	return protocol.Outbound{}, false
}

// Notify fires after each delivery. It is coalescing: one signal may stand
// for several events.
func (c *RecordingConn) Notify() <-chan struct{} {
	return c.notify
}
