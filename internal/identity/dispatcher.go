package identity

import (
	"context"
	"sync"
	"time"
)

// ChangeEvent announces that the active identity moved from Previous to Current.
// A zero Current means nobody is signed in.
type ChangeEvent struct {
	Previous  Identity
	Current   Identity
	Timestamp time.Time
}

// Dispatcher fans identity changes out to subscribers. Delivery is
// non-blocking; a subscriber with a full buffer misses the event.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan ChangeEvent
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener until ctx is done or the cleanup func runs.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	d.mu.Lock()
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	cleanup := func() {
		d.unregister(sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every subscriber.
func (d *Dispatcher) Publish(event ChangeEvent) {
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	delete(d.subscribers, id)
	d.mu.Unlock()
}
