package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ariel-frischer/specforge/internal/sequencer"
)

func TestSubscribeReceivesOnlyEventsAfterJoining(t *testing.T) {
	b := New()

	// Published before any subscriber exists; must be dropped, not replayed.
	b.Publish("spec-1", sequencer.Event{Type: sequencer.EventSpecStart, SpecID: "spec-1"})

	var mu sync.Mutex
	var got []sequencer.Event
	unsub := b.Subscribe("spec-1", func(ev sequencer.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer unsub()

	b.Publish("spec-1", sequencer.Event{Type: sequencer.EventChunkStart, SpecID: "spec-1", ChunkID: "c1"})

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
	assert.Equal(t, sequencer.EventChunkStart, got[0].Type)
}

func TestUnsubscribeTearsDownTopicOnLastLeave(t *testing.T) {
	b := New()
	unsub1 := b.Subscribe("spec-1", func(sequencer.Event) {})
	unsub2 := b.Subscribe("spec-1", func(sequencer.Event) {})
	assert.Equal(t, 2, b.SubscriberCount("spec-1"))

	unsub1()
	assert.Equal(t, 1, b.SubscriberCount("spec-1"))

	unsub2()
	assert.Equal(t, 0, b.SubscriberCount("spec-1"))
}

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	b := New()
	var mu sync.Mutex
	countA, countB := 0, 0

	unsubA := b.Subscribe("spec-1", func(sequencer.Event) {
		mu.Lock()
		countA++
		mu.Unlock()
	})
	defer unsubA()
	unsubB := b.Subscribe("spec-1", func(sequencer.Event) {
		mu.Lock()
		countB++
		mu.Unlock()
	})
	defer unsubB()

	b.Publish("spec-1", sequencer.Event{Type: sequencer.EventSpecComplete, SpecID: "spec-1"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, countA)
	assert.Equal(t, 1, countB)
}

func TestPublishIgnoresUnrelatedSpec(t *testing.T) {
	b := New()
	var called bool
	unsub := b.Subscribe("spec-1", func(sequencer.Event) { called = true })
	defer unsub()

	b.Publish("spec-2", sequencer.Event{Type: sequencer.EventSpecStart, SpecID: "spec-2"})
	assert.False(t, called)
}

func TestSinkRepublishesUnderSpecID(t *testing.T) {
	b := New()
	var got sequencer.Event
	unsub := b.Subscribe("spec-1", func(ev sequencer.Event) { got = ev })
	defer unsub()

	sink := b.Sink("spec-1")
	sink(sequencer.Event{Type: sequencer.EventSpecComplete})

	assert.Equal(t, sequencer.EventSpecComplete, got.Type)
}
