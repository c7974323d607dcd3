// Package eventbus implements the broadcast-channel-per-spec subscriber
// fan-out described in spec.md §9 "Subscriber fan-out": a topic is created
// lazily on first subscribe and torn down on last unsubscribe, and carries
// no replay buffer — a subscriber only sees events published after it joins.
package eventbus

import (
	"sync"

	"github.com/ariel-frischer/specforge/internal/sequencer"
)

// Sink receives events for one spec. Matches sequencer.Sink so a Bus can sit
// directly between a running Sequencer and any number of subscribers.
type Sink = sequencer.Sink

type topic struct {
	subs map[uint64]Sink
}

// Bus fans events for a spec out to every current subscriber. Zero value is
// not usable; use New.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	nextID uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Unsubscribe detaches a subscriber and tears down its topic if it was the
// last one, per spec.md §9's "no replay, torn down on last unsubscribe".
type Unsubscribe func()

// Subscribe registers sink to receive every subsequent event published for
// specID, returning a handle to detach it.
func (b *Bus) Subscribe(specID string, sink Sink) Unsubscribe {
	b.mu.Lock()
	t, ok := b.topics[specID]
	if !ok {
		t = &topic{subs: make(map[uint64]Sink)}
		b.topics[specID] = t
	}
	b.nextID++
	id := b.nextID
	t.subs[id] = sink
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		t, ok := b.topics[specID]
		if !ok {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 {
			delete(b.topics, specID)
		}
	}
}

// Publish fans ev out to every current subscriber of specID. Safe to call
// with zero subscribers (dropped silently).
func (b *Bus) Publish(specID string, ev sequencer.Event) {
	b.mu.Lock()
	t, ok := b.topics[specID]
	if !ok {
		b.mu.Unlock()
		return
	}
	sinks := make([]Sink, 0, len(t.subs))
	for _, s := range t.subs {
		sinks = append(sinks, s)
	}
	b.mu.Unlock()

	for _, s := range sinks {
		s(ev)
	}
}

// SubscriberCount reports how many subscribers specID currently has, mostly
// for tests and diagnostics.
func (b *Bus) SubscriberCount(specID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[specID]
	if !ok {
		return 0
	}
	return len(t.subs)
}

// Sink returns a sequencer.Sink that republishes every event it receives
// under specID. Pass this as the sink argument to Sequencer.Run so the bus
// observes a spec's whole run.
func (b *Bus) Sink(specID string) sequencer.Sink {
	return func(ev sequencer.Event) {
		b.Publish(specID, ev)
	}
}
