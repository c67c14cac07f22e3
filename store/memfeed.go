package store

import (
	"sync"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/query"
)

// memFeed follows writes to a MemoryStore collection. The catch-up burst
// is delivered inside Observe; after it every write that changes the
// result becomes one event.
type memFeed struct {
	store   *MemoryStore
	q       query.Query
	matcher *query.Matcher
	cache   *feed.Cache

	// matching holds every selector match, unprojected, for limited
	// queries whose window must be recomputed on each write.
	matching map[document.ID]document.Fields

	mu     sync.Mutex
	active *memObservation
}

type memObservation struct {
	feed    *memFeed
	handler feed.Handler
	stopped bool
}

// OnWrite hands the write to the engine loop.
func (o *memObservation) OnWrite(w Write) {
	o.feed.store.opts.Scheduler.Post(func() { o.feed.apply(o, w) })
}

func newMemFeed(s *MemoryStore, q query.Query) (*memFeed, error) {
	m, err := query.Compile(q.Selector)
	if err != nil {
		return nil, err
	}
	return &memFeed{store: s, q: q, matcher: m, cache: feed.NewCache()}, nil
}

func (f *memFeed) Collection() string     { return f.q.Collection }
func (f *memFeed) Mode() feed.Mode        { return feed.Incremental }
func (f *memFeed) Snapshot() document.Set { return f.cache.Set() }

func (f *memFeed) Observe(h feed.Handler) (feed.Handle, error) {
	f.mu.Lock()
	if f.active != nil {
		f.mu.Unlock()
		return nil, errors.Newf("feed for %s already observed", f.q.Collection)
	}
	obs := &memObservation{feed: f, handler: h}
	f.active = obs
	f.mu.Unlock()

	s := f.store
	s.mu.RLock()
	var candidates []document.Document
	for id, fields := range s.collections[f.q.Collection] {
		doc := document.Document{ID: id, Fields: fields}
		if f.matcher.Match(doc) {
			candidates = append(candidates, doc)
		}
	}
	s.observers.register(f.q.Collection, obs)
	s.mu.RUnlock()

	if f.q.Limit > 0 {
		f.matching = make(map[document.ID]document.Fields, len(candidates))
		for _, doc := range candidates {
			f.matching[doc.ID] = doc.Fields
		}
	}
	initial, err := f.q.Apply(candidates)
	if err != nil {
		f.stop(obs)
		return nil, err
	}
	for _, doc := range initial {
		f.emit(obs, feed.Event{Kind: feed.Added, ID: doc.ID, Fields: doc.Fields})
		if obs.stopped {
			break
		}
	}
	if !obs.stopped {
		obs.handler(feed.Event{Kind: feed.BulkEnded})
	}
	s.opts.Logger.Debugw("Incremental feed caught up",
		logger.FieldCollection, f.q.Collection,
		logger.FieldCount, len(initial),
	)

	return feed.StopFunc(func() { f.stop(obs) }), nil
}

func (f *memFeed) stop(obs *memObservation) {
	obs.stopped = true
	f.store.observers.unregister(f.q.Collection, obs)
	f.mu.Lock()
	if f.active == obs {
		f.active = nil
	}
	f.mu.Unlock()
	f.cache.Reset()
	f.matching = nil
}

// apply runs on the loop. It compares the write's resulting state with the
// cache, so a write already reflected in the catch-up burst is a no-op.
func (f *memFeed) apply(obs *memObservation, w Write) {
	if obs.stopped {
		return
	}
	matches := w.After != nil && f.matcher.Match(document.Document{ID: w.ID, Fields: w.After})

	if f.q.Limit > 0 {
		f.applyLimited(obs, w, matches)
		return
	}

	prev, known := f.cache.Set()[w.ID]
	switch {
	case known && !matches:
		f.emit(obs, feed.Event{Kind: feed.Removed, ID: w.ID})
	case !known && matches:
		f.emit(obs, feed.Event{Kind: feed.Added, ID: w.ID, Fields: f.q.Project(w.After)})
	case known && matches:
		changed, cleared := document.Diff(prev, f.q.Project(w.After))
		if len(changed) > 0 || len(cleared) > 0 {
			f.emit(obs, feed.Event{Kind: feed.Changed, ID: w.ID, Fields: changed, Cleared: cleared})
		}
	}
}

// applyLimited recomputes the sorted window and emits the difference.
func (f *memFeed) applyLimited(obs *memObservation, w Write, matches bool) {
	if matches {
		f.matching[w.ID] = w.After
	} else {
		delete(f.matching, w.ID)
	}
	candidates := make([]document.Document, 0, len(f.matching))
	for id, fields := range f.matching {
		candidates = append(candidates, document.Document{ID: id, Fields: fields})
	}
	window, err := f.q.Apply(candidates)
	if err != nil {
		f.store.opts.Logger.Errorw("Recomputing limited result failed",
			logger.FieldCollection, f.q.Collection,
			logger.FieldError, err,
		)
		return
	}
	for _, ev := range f.cache.Diff(window) {
		f.emit(obs, ev)
		if obs.stopped {
			return
		}
	}
}

func (f *memFeed) emit(obs *memObservation, ev feed.Event) {
	f.cache.Apply(ev)
	obs.handler(ev)
}
