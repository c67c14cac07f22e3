package store

import (
	"context"
	"sync"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/query"
)

// MemoryStore keeps collections in memory. Feeds for queries that support
// it are incremental; the rest poll.
type MemoryStore struct {
	// writeMu orders commits and their notifications; mu guards the data.
	writeMu     sync.Mutex
	mu          sync.RWMutex
	collections map[string]map[document.ID]document.Fields
	closed      bool

	observers *observers
	opts      Options
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[document.ID]document.Fields),
		observers:   newObservers(),
		opts:        opts.withDefaults("memstore"),
	}
}

func (s *MemoryStore) Insert(_ context.Context, collection string, id document.ID, fields document.Fields) error {
	return s.write(collection, id, func(prev document.Fields, exists bool) (document.Fields, error) {
		if exists {
			return nil, errors.NewInvalidRequestError("document %s/%s already exists", collection, id)
		}
		return fields.Clone(), nil
	})
}

func (s *MemoryStore) Update(_ context.Context, collection string, id document.ID, set document.Fields, unset []string) error {
	return s.write(collection, id, func(prev document.Fields, exists bool) (document.Fields, error) {
		if !exists {
			return nil, errors.Wrapf(errors.ErrNotFound, "document %s/%s", collection, id)
		}
		return prev.Apply(set, unset), nil
	})
}

func (s *MemoryStore) Upsert(_ context.Context, collection string, id document.ID, fields document.Fields) error {
	return s.write(collection, id, func(document.Fields, bool) (document.Fields, error) {
		if fields == nil {
			return document.Fields{}, nil
		}
		return fields.Clone(), nil
	})
}

func (s *MemoryStore) Remove(_ context.Context, collection string, id document.ID) error {
	return s.write(collection, id, func(_ document.Fields, exists bool) (document.Fields, error) {
		if !exists {
			return nil, errors.Wrapf(errors.ErrNotFound, "document %s/%s", collection, id)
		}
		return nil, nil
	})
}

// write applies fn and notifies observers outside the data lock, so
// observers may read the store. Notifications follow commit order.
func (s *MemoryStore) write(collection string, id document.ID, fn func(prev document.Fields, exists bool) (document.Fields, error)) error {
	if collection == "" {
		return errors.WithStack(errors.ErrMissingCollection)
	}
	if err := id.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrClosed, "memory store")
	}
	docs := s.collections[collection]
	prev, exists := docs[id]
	next, err := fn(prev, exists)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if docs == nil {
		docs = make(map[document.ID]document.Fields)
		s.collections[collection] = docs
	}
	if next == nil {
		delete(docs, id)
	} else {
		docs[id] = next
	}
	s.mu.Unlock()

	s.observers.notify(Write{Collection: collection, ID: id, Before: prev, After: next})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, collection string, id document.ID) (document.Fields, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.collections[collection][id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "document %s/%s", collection, id)
	}
	return fields.Clone(), nil
}

func (s *MemoryStore) Find(_ context.Context, q query.Query) ([]document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(q)
}

func (s *MemoryStore) findLocked(q query.Query) ([]document.Document, error) {
	docs := s.collections[q.Collection]
	all := make([]document.Document, 0, len(docs))
	for id, fields := range docs {
		all = append(all, document.Document{ID: id, Fields: fields})
	}
	return q.Apply(all)
}

// Feed returns an incremental feed when q supports it, else a poller.
func (s *MemoryStore) Feed(q query.Query) (feed.ChangeFeed, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if ok, reason := q.SupportsIncremental(); !ok {
		s.opts.Logger.Infow("Query degraded to polling",
			logger.FieldCollection, q.Collection,
			logger.FieldReason, reason,
		)
		s.opts.Metrics.FeedDegraded(q.Collection, reason)
		fetch := func(ctx context.Context) ([]document.Document, error) { return s.Find(ctx, q) }
		return &metered{ChangeFeed: newPollingFeed(q.Collection, fetch, s.observers, s.opts), metrics: s.opts.Metrics}, nil
	}
	f, err := newMemFeed(s, q)
	if err != nil {
		return nil, err
	}
	return &metered{ChangeFeed: f, metrics: s.opts.Metrics}, nil
}

// Close rejects further writes. Running feeds stay usable until stopped.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
