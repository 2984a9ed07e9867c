package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/todos"
)

func TestSyncDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewSyncDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish(todos.SyncEvent{
		UserID:     "user-1",
		Collection: todos.CollectionTasks,
		ProjectID:  "project-a",
		OldSync:    "s1",
		NewSync:    "s2",
	})

	select {
	case received := <-stream:
		if received.Collection != todos.CollectionTasks || received.ProjectID != "project-a" {
			t.Fatalf("unexpected event %+v", received)
		}
		if received.NewSync != "s2" {
			t.Fatalf("expected new sync s2, got %s", received.NewSync)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected sync event within deadline")
	}
}

func TestSyncDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewSyncDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(todos.SyncEvent{UserID: "user-3", Collection: todos.CollectionProjects, NewSync: "s"})

	select {
	case <-userStream:
		t.Fatal("did not expect sync event for unrelated user")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", event.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected sync event for subscribed user")
	}
}

func TestSyncDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewSyncDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-4")
	defer cleanup()

	for index := 0; index < defaultSyncBufferSize+5; index++ {
		dispatcher.Publish(todos.SyncEvent{UserID: "user-4", Collection: todos.CollectionProjects})
	}
	if len(stream) != defaultSyncBufferSize {
		t.Fatalf("expected buffer to hold %d events, got %d", defaultSyncBufferSize, len(stream))
	}
}

func TestSyncDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewSyncDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user-5")
	defer cleanup()
	if dispatcher.Subscribers("user-5") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers("user-5") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber removal after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSyncDispatcherIgnoresIncompleteEvents(t *testing.T) {
	dispatcher := NewSyncDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-6")
	defer cleanup()
	dispatcher.Publish(todos.SyncEvent{UserID: "user-6"})
	if len(stream) != 0 {
		t.Fatalf("events without a collection must be dropped")
	}

	closed, _ := dispatcher.Subscribe(ctx, "")
	if _, ok := <-closed; ok {
		t.Fatalf("anonymous subscriptions must be closed immediately")
	}
}
