package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
)

// ErrClosed is returned by Emit after the channel has been closed.
var ErrClosed = errors.New("realtime channel closed")

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

// Channel is the bidirectional event transport shared by the session, presence reporter
// and proctoring engine. Emit must be safe for concurrent use.
type Channel interface {
	Emit(ctx context.Context, event Event, data any) error
	// Subscribe registers h for event and returns the function that removes it.
	Subscribe(event Event, h Handler) (unsubscribe func())
}

// Decode unmarshals data into a T, for use inside handlers.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}

// registry tracks subscribers per event. Handlers run outside the lock so they may
// subscribe or unsubscribe re-entrantly.
type registry struct {
	mu   sync.Mutex
	next int
	subs map[Event]map[int]Handler
}

func newRegistry() *registry {
	return &registry{subs: make(map[Event]map[int]Handler)}
}

func (r *registry) add(event Event, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	if r.subs[event] == nil {
		r.subs[event] = make(map[int]Handler)
	}
	r.subs[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[event], id)
			if len(r.subs[event]) == 0 {
				delete(r.subs, event)
			}
			r.mu.Unlock()
		})
	}
}

func (r *registry) dispatch(event Event, data json.RawMessage) int {
	r.mu.Lock()
	ids := make([]int, 0, len(r.subs[event]))
	for id := range r.subs[event] {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	// Subscription order keeps delivery deterministic.
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, r.subs[event][id])
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return len(handlers)
}

func (r *registry) count(event Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[event])
}

func (r *registry) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.subs {
		n += len(s)
	}
	return n
}
