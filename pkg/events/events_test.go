package events

import (
	"context"
	"testing"
	"time"

	"wharf/pkg/protocol"
	"wharf/pkg/store"
)

func statusFrame(sessionID string, status protocol.SessionStatus) protocol.Frame {
	return protocol.Frame{
		Type: protocol.FrameSessionStatus,
		SessionStatus: &protocol.SessionStatusPayload{
			SessionID: sessionID,
			Status:    status,
		},
	}
}

func TestBroadcastFanOut(t *testing.T) {
	b := NewBroadcaster()
	feed1, cancel1 := b.Subscribe()
	feed2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(context.Background(), statusFrame("s1", protocol.StatusActive))

	for i, feed := range []<-chan protocol.Frame{feed1, feed2} {
		select {
		case f := <-feed:
			if f.SessionStatus == nil || f.SessionStatus.SessionID != "s1" {
				t.Errorf("subscriber %d got wrong frame: %+v", i, f)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}

	cancel1()
	if _, ok := <-feed1; ok {
		t.Error("unsubscribed feed not closed")
	}
	// Unsubscribe twice is harmless.
	cancel1()

	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount = %d, want 1", got)
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroadcaster()
	feed, cancel := b.Subscribe()
	defer cancel()

	// Never read: the buffer fills and later frames are dropped, but
	// Publish must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(context.Background(), statusFrame("s1", protocol.StatusActive))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if len(feed) != subscriberBuffer {
		t.Errorf("buffered %d frames, want %d", len(feed), subscriberBuffer)
	}
}

func TestPublishRecordsEvents(t *testing.T) {
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	b := NewBroadcaster()
	b.Store = st
	ctx := context.Background()

	b.Publish(ctx, statusFrame("s1", protocol.StatusCompleted))
	// Raw output is high-volume and stays out of the event log.
	b.Publish(ctx, protocol.Frame{
		Type:   protocol.FrameOutput,
		Output: &protocol.OutputPayload{SessionID: "s1", Data: []byte("x")},
	})

	evs, err := st.QueryEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if evs[0].Type != string(protocol.FrameSessionStatus) {
		t.Errorf("event type = %s, want session_status", evs[0].Type)
	}
}
