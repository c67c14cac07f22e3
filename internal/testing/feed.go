package testing

import (
	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/feed"
)

// ManualFeed is a change feed driven by the test. Observe delivers Initial
// followed by BulkEnded, unless Deferred is set, in which case the test
// calls DeliverInitial itself.
type ManualFeed struct {
	Initial    []document.Document
	Deferred   bool
	ObserveErr error

	// Observes and Stops count observation starts and stops.
	Observes int
	Stops    int

	collection string
	mode       feed.Mode
	cache      *feed.Cache
	handler    feed.Handler
}

// NewManualFeed returns a feed over collection with the given initial
// documents.
func NewManualFeed(collection string, mode feed.Mode, initial ...document.Document) *ManualFeed {
	return &ManualFeed{
		Initial:    initial,
		collection: collection,
		mode:       mode,
		cache:      feed.NewCache(),
	}
}

func (f *ManualFeed) Collection() string     { return f.collection }
func (f *ManualFeed) Mode() feed.Mode        { return f.mode }
func (f *ManualFeed) Snapshot() document.Set { return f.cache.Set() }

func (f *ManualFeed) Observe(h feed.Handler) (feed.Handle, error) {
	f.Observes++
	if f.ObserveErr != nil {
		return nil, f.ObserveErr
	}
	f.handler = h
	f.cache.Reset()
	if !f.Deferred {
		f.DeliverInitial()
	}
	return feed.StopFunc(func() {
		f.Stops++
		f.handler = nil
		f.cache.Reset()
	}), nil
}

// Active reports whether an observation is running.
func (f *ManualFeed) Active() bool { return f.handler != nil }

// DeliverInitial emits Initial as added events followed by BulkEnded.
func (f *ManualFeed) DeliverInitial() {
	for _, doc := range f.Initial {
		f.Add(doc.ID, doc.Fields)
	}
	f.BulkEnd()
}

// Add emits an added event.
func (f *ManualFeed) Add(id document.ID, fields document.Fields) {
	f.emit(feed.Event{Kind: feed.Added, ID: id, Fields: fields})
}

// Change emits a changed event.
func (f *ManualFeed) Change(id document.ID, fields document.Fields, cleared ...string) {
	f.emit(feed.Event{Kind: feed.Changed, ID: id, Fields: fields, Cleared: cleared})
}

// Remove emits a removed event.
func (f *ManualFeed) Remove(id document.ID) {
	f.emit(feed.Event{Kind: feed.Removed, ID: id})
}

// BulkEnd emits a bulk-ended marker.
func (f *ManualFeed) BulkEnd() {
	f.emit(feed.Event{Kind: feed.BulkEnded})
}

func (f *ManualFeed) emit(ev feed.Event) {
	if f.handler == nil {
		return
	}
	f.cache.Apply(ev)
	f.handler(ev)
}
