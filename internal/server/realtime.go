package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/todos"
)

const defaultSyncBufferSize = 16

// SyncDispatcher fans token rotations out to the subscribers of each user.
// Publishing never blocks; a full subscriber buffer drops the event.
type SyncDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*syncSubscriber
	nextID      int64
	bufferSize  int
}

type syncSubscriber struct {
	id     int64
	stream chan todos.SyncEvent
}

var _ todos.EventPublisher = (*SyncDispatcher)(nil)

func NewSyncDispatcher() *SyncDispatcher {
	return &SyncDispatcher{
		subscribers: make(map[string]map[int64]*syncSubscriber),
		bufferSize:  defaultSyncBufferSize,
	}
}

// Subscribe streams the events of userID until ctx ends or cleanup is called.
func (d *SyncDispatcher) Subscribe(ctx context.Context, userID string) (<-chan todos.SyncEvent, func()) {
	if userID == "" {
		ch := make(chan todos.SyncEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &syncSubscriber{
		id:     d.nextSequence(),
		stream: make(chan todos.SyncEvent, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *SyncDispatcher) Publish(event todos.SyncEvent) {
	if event.UserID == "" || event.Collection == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*syncSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Subscribers reports how many streams are open for userID.
func (d *SyncDispatcher) Subscribers(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *SyncDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *SyncDispatcher) registerSubscriber(userID string, subscriber *syncSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*syncSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *SyncDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
