package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	message := RealtimeMessage{
		UserID:        "user-1",
		EventType:     RealtimeEventSubmissionsSynced,
		RunID:         "run-1",
		Total:         2,
		SubmissionIDs: []int64{10, 11},
		Timestamp:     time.Now().UTC(),
	}
	dispatcher.Publish(message)

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventSubmissionsSynced {
			t.Fatalf("expected event type %s, got %s", RealtimeEventSubmissionsSynced, received.EventType)
		}
		if len(received.SubmissionIDs) != 2 {
			t.Fatalf("expected 2 submission ids, got %d", len(received.SubmissionIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:        "user-3",
		EventType:     RealtimeEventSubmissionsSynced,
		SubmissionIDs: []int64{42},
		Timestamp:     time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherUnsubscribesOnContextEnd(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user-4")
	defer cleanup()
	if dispatcher.SubscriberCount("user-4") != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("user-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-5")
	defer cleanup()

	for index := 0; index < defaultSubscriberBuffer+5; index++ {
		dispatcher.Publish(RealtimeMessage{UserID: "user-5", EventType: RealtimeEventSubmissionsSynced})
	}
	if len(stream) != defaultSubscriberBuffer {
		t.Fatalf("expected buffer to hold %d messages, got %d", defaultSubscriberBuffer, len(stream))
	}
}
