// Package events fans structured frames out to subscribers (attached
// clients, the dashboard feed) and mirrors them into the append-only
// events table for later querying.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"wharf/pkg/protocol"
	"wharf/pkg/store"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this starts losing frames rather than
// stalling the publisher.
const subscriberBuffer = 64

// Broadcaster delivers frames to every subscriber. Sends never block.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan protocol.Frame

	// Store, when set, mirrors published frames into the events table.
	Store *store.Store
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan protocol.Frame)}
}

// Subscribe registers a new subscriber and returns its feed along with an
// unsubscribe function. The feed channel is closed on unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan protocol.Frame, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan protocol.Frame, subscriberBuffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers the frame to all subscribers, dropping it for any
// subscriber whose buffer is full.
func (b *Broadcaster) Publish(ctx context.Context, frame protocol.Frame) {
	b.mu.Lock()
	for _, sub := range b.subs {
		select {
		case sub <- frame:
		default:
		}
	}
	b.mu.Unlock()

	b.record(ctx, frame)
}

// record appends the frame to the events table. Raw terminal output is
// excluded: it is high-volume and already captured in scrollback.
func (b *Broadcaster) record(ctx context.Context, frame protocol.Frame) {
	if b.Store == nil || frame.Type == protocol.FrameOutput {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Printf("events: marshal %s frame: %v", frame.Type, err)
		return
	}
	sessionID := frame.SessionID()
	if err := b.Store.LogEvent(ctx, string(frame.Type), "hub", sessionID, "", string(payload)); err != nil {
		log.Printf("events: record %s frame: %v", frame.Type, err)
	}
}
