package client

import (
	"sort"
	"sync"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/wire"
)

// Cache holds the documents a client has received, per collection.
type Cache struct {
	mu          sync.RWMutex
	collections map[string]document.Set
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{collections: make(map[string]document.Set)}
}

// ApplyBatch applies every update of b in order.
func (c *Cache) ApplyBatch(b wire.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range b.Updates {
		c.apply(u)
	}
}

// Apply applies one update. An added update for a known document replaces
// it; a changed update for an unknown one creates it.
func (c *Cache) Apply(u wire.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(u)
}

func (c *Cache) apply(u wire.Update) {
	docs := c.collections[u.Collection]
	switch u.Op {
	case wire.OpAdded:
		if docs == nil {
			docs = document.Set{}
			c.collections[u.Collection] = docs
		}
		docs[u.ID] = u.Fields.Clone()
	case wire.OpChanged:
		if docs == nil {
			docs = document.Set{}
			c.collections[u.Collection] = docs
		}
		prev := docs[u.ID]
		docs[u.ID] = prev.Apply(u.Fields, u.Cleared)
	case wire.OpRemoved:
		delete(docs, u.ID)
		if len(docs) == 0 {
			delete(c.collections, u.Collection)
		}
	}
}

// Get returns a copy of one document.
func (c *Cache) Get(collection string, id document.ID) (document.Fields, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fields, ok := c.collections[collection][id]
	if !ok {
		return nil, false
	}
	return fields.Clone(), true
}

// Find returns copies of every document of collection in id order.
func (c *Cache) Find(collection string) []document.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collections[collection].Clone().Documents()
}

// Len returns the number of documents in collection.
func (c *Cache) Len(collection string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.collections[collection])
}

// Collections returns the names of non-empty collections, sorted.
func (c *Cache) Collections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
