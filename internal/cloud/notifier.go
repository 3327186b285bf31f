package cloud

import (
	"context"
	"sync"
)

// storeNotifier fans StoreEvents out to per-document subscribers. Slow
// subscribers drop events rather than blocking writers.
type storeNotifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*storeSubscriber
	nextID      int64
	bufferSize  int
}

type storeSubscriber struct {
	id     int64
	stream chan StoreEvent
}

func newStoreNotifier() *storeNotifier {
	return &storeNotifier{
		subscribers: make(map[string]map[int64]*storeSubscriber),
		bufferSize:  16,
	}
}

func (n *storeNotifier) Subscribe(ctx context.Context, key DocumentKey) (<-chan StoreEvent, func()) {
	subscriber := &storeSubscriber{
		id:     n.nextSequence(),
		stream: make(chan StoreEvent, n.bufferSize),
	}
	n.register(key.String(), subscriber)
	cleanup := func() {
		n.unregister(key.String(), subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (n *storeNotifier) Publish(event StoreEvent) {
	n.mu.RLock()
	subscribers := n.subscribers[event.Key.String()]
	if len(subscribers) == 0 {
		n.mu.RUnlock()
		return
	}
	copies := make([]*storeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	n.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (n *storeNotifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *storeNotifier) register(key string, subscriber *storeSubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[key]; !ok {
		n.subscribers[key] = make(map[int64]*storeSubscriber)
	}
	n.subscribers[key][subscriber.id] = subscriber
}

func (n *storeNotifier) unregister(key string, subscriberID int64) {
	n.mu.Lock()
	subscribers := n.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(n.subscribers, key)
		}
	}
	n.mu.Unlock()
}
