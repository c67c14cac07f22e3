package feed

import (
	"github.com/teranos/batchpub/document"
)

// Cache is the materialized result of a feed. It is updated as events are
// delivered and is owned by the engine loop.
type Cache struct {
	docs document.Set
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{docs: document.Set{}}
}

// Set returns the cached documents.
func (c *Cache) Set() document.Set { return c.docs }

// Len returns the number of cached documents.
func (c *Cache) Len() int { return len(c.docs) }

// Reset drops every document.
func (c *Cache) Reset() { c.docs = document.Set{} }

// Apply folds ev into the cache. It reports false for events that do not
// fit the current state: Added for a known id, Changed or Removed for an
// unknown one.
func (c *Cache) Apply(ev Event) bool {
	switch ev.Kind {
	case Added:
		if _, ok := c.docs[ev.ID]; ok {
			return false
		}
		c.docs[ev.ID] = ev.Fields.Clone()
	case Changed:
		prev, ok := c.docs[ev.ID]
		if !ok {
			return false
		}
		c.docs[ev.ID] = prev.Apply(ev.Fields, ev.Cleared)
	case Removed:
		if _, ok := c.docs[ev.ID]; !ok {
			return false
		}
		delete(c.docs, ev.ID)
	case BulkEnded:
	}
	return true
}

// Diff computes the events that turn the cached state into next. Added and
// Changed events follow the order of next; removals come last in id order.
func (c *Cache) Diff(next []document.Document) []Event {
	var events []Event
	seen := make(map[document.ID]struct{}, len(next))
	for _, doc := range next {
		seen[doc.ID] = struct{}{}
		prev, ok := c.docs[doc.ID]
		if !ok {
			events = append(events, Event{Kind: Added, ID: doc.ID, Fields: doc.Fields})
			continue
		}
		changed, cleared := document.Diff(prev, doc.Fields)
		if len(changed) > 0 || len(cleared) > 0 {
			events = append(events, Event{Kind: Changed, ID: doc.ID, Fields: changed, Cleared: cleared})
		}
	}
	for _, id := range c.docs.IDs() {
		if _, ok := seen[id]; !ok {
			events = append(events, Event{Kind: Removed, ID: id})
		}
	}
	return events
}
