package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/notesphere/collab/internal/presence"
)

const defaultBufferSize = 16

// Dispatcher fans presence change events out to per-resource subscribers.
// Delivery is FIFO per resource from a single publisher; a subscriber whose
// buffer is full misses the event and resynchronizes on the next full upsert.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber
	bufferSize  int
}

type subscriber struct {
	id     string
	stream chan presence.ChangeEvent
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[string]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe opens a change stream scoped to one resource. The stream closes
// and the registration is released when cleanup runs or the context ends.
func (d *Dispatcher) Subscribe(ctx context.Context, resource presence.ResourceRef) (<-chan presence.ChangeEvent, func(), error) {
	handle, err := uuid.NewV7()
	if err != nil {
		return nil, nil, err
	}

	entry := &subscriber{
		id:     handle.String(),
		stream: make(chan presence.ChangeEvent, d.bufferSize),
	}
	key := resource.String()
	d.register(key, entry)

	cleanup := func() {
		d.unregister(key, entry.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()

	return entry.stream, cleanup, nil
}

// Publish delivers the event to every subscriber of the resource. Slow
// subscribers are skipped rather than blocking the publisher. Sends happen
// under the read lock so they cannot overlap a close in unregister.
func (d *Dispatcher) Publish(resource presence.ResourceRef, event presence.ChangeEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, entry := range d.subscribers[resource.String()] {
		select {
		case entry.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) register(key string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[string]*subscriber)
	}
	d.subscribers[key][entry.id] = entry
}

// unregister removes the subscription and closes its stream under the write
// lock, so in-flight publishes observe either the open channel or no entry.
func (d *Dispatcher) unregister(key, subscriberID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	registered := d.subscribers[key]
	if registered == nil {
		return
	}
	entry, ok := registered[subscriberID]
	if !ok {
		return
	}
	delete(registered, subscriberID)
	if len(registered) == 0 {
		delete(d.subscribers, key)
	}
	close(entry.stream)
}
