package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// Message is one recorded emission of a Memory channel.
type Message struct {
	Event Event
	Data  json.RawMessage
}

// Memory is an in-process Channel. Emissions are recorded instead of sent and inbound
// events are injected with Deliver. It backs tests and offline runs.
type Memory struct {
	subs *registry

	mu     sync.Mutex
	sent   []Message
	outbox chan Message
	closed bool
}

// NewMemory returns an open in-process channel.
func NewMemory() *Memory {
	return &Memory{
		subs:   newRegistry(),
		outbox: make(chan Message, 1024),
	}
}

func (m *Memory) Emit(ctx context.Context, event Event, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	msg := Message{Event: event, Data: raw}
	m.sent = append(m.sent, msg)
	select {
	case m.outbox <- msg:
	default:
	}
	return nil
}

func (m *Memory) Subscribe(event Event, h Handler) func() {
	return m.subs.add(event, h)
}

// Deliver hands data to every subscriber of event on the calling goroutine.
func (m *Memory) Deliver(event Event, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.subs.dispatch(event, raw)
	return nil
}

// Sent returns the recorded emissions, filtered to events when any are given.
func (m *Memory) Sent(events ...Event) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.sent {
		if len(events) == 0 || containsEvent(events, msg.Event) {
			out = append(out, msg)
		}
	}
	return out
}

// Outbox streams emissions as they happen.
func (m *Memory) Outbox() <-chan Message {
	return m.outbox
}

// Subscribers reports live subscriptions for event, or across all events when event is "".
func (m *Memory) Subscribers(event Event) int {
	if event == "" {
		return m.subs.total()
	}
	return m.subs.count(event)
}

// Close makes further emissions fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func containsEvent(events []Event, e Event) bool {
	for _, x := range events {
		if x == e {
			return true
		}
	}
	return false
}
