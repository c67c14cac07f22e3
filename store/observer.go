package store

import (
	"sync"

	"github.com/teranos/batchpub/document"
)

// Write describes one committed write. Before is nil for inserts, After is
// nil for removals.
type Write struct {
	Collection string
	ID         document.ID
	Before     document.Fields
	After      document.Fields
}

// WriteObserver is notified of committed writes.
// Callbacks run synchronously on the writer's goroutine in commit order and
// must not block; feeds hand the write to the engine loop. Write values
// are shared across observers; do not mutate them.
type WriteObserver interface {
	OnWrite(w Write)
}

// observers is a per-store registry keyed by collection.
type observers struct {
	mu   sync.RWMutex
	byID map[string][]WriteObserver
}

func newObservers() *observers {
	return &observers{byID: make(map[string][]WriteObserver)}
}

// register adds an observer for writes to collection.
func (o *observers) register(collection string, w WriteObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byID[collection] = append(o.byID[collection], w)
}

// unregister removes an observer.
func (o *observers) unregister(collection string, w WriteObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.byID[collection]
	for i, x := range list {
		if x == w {
			o.byID[collection] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(o.byID[collection]) == 0 {
		delete(o.byID, collection)
	}
}

func (o *observers) notify(w Write) {
	o.mu.RLock()
	list := make([]WriteObserver, len(o.byID[w.Collection]))
	copy(list, o.byID[w.Collection])
	o.mu.RUnlock()

	for _, obs := range list {
		obs.OnWrite(w)
	}
}

func (o *observers) count(collection string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.byID[collection])
}
