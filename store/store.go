// Package store holds the document stores the engine observes: an
// in-memory store with incremental feeds and a SQLite store with polling
// feeds. Both notify write observers so their feeds react to writes made
// through them.
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/feed"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/loop"
	"github.com/teranos/batchpub/metrics"
	"github.com/teranos/batchpub/query"
)

// Store is the write and observe API shared by the bundled stores.
type Store interface {
	// Insert creates a document; an existing id is an invalid request.
	Insert(ctx context.Context, collection string, id document.ID, fields document.Fields) error
	// Update merges set into an existing document and drops unset.
	Update(ctx context.Context, collection string, id document.ID, set document.Fields, unset []string) error
	// Upsert replaces the document, creating it if needed.
	Upsert(ctx context.Context, collection string, id document.ID, fields document.Fields) error
	// Remove deletes a document.
	Remove(ctx context.Context, collection string, id document.ID) error
	Get(ctx context.Context, collection string, id document.ID) (document.Fields, error)
	Find(ctx context.Context, q query.Query) ([]document.Document, error)
	// Feed builds a change feed for q. It is not observed yet.
	Feed(q query.Query) (feed.ChangeFeed, error)
	Close() error
}

// Options are shared by both stores.
type Options struct {
	Scheduler    loop.Scheduler
	Logger       *zap.SugaredLogger
	Metrics      metrics.Collector
	PollInterval time.Duration
	PollThrottle time.Duration
}

func (o Options) withDefaults(component string) Options {
	if o.Scheduler == nil {
		o.Scheduler = &loop.Inline{}
	}
	o.Logger = logger.Named(o.Logger, component)
	o.Metrics = metrics.OrNop(o.Metrics)
	return o
}

func (o Options) pollerOptions() feed.PollerOptions {
	return feed.PollerOptions{
		Scheduler: o.Scheduler,
		Logger:    o.Logger,
		Interval:  o.PollInterval,
		Throttle:  o.PollThrottle,
	}
}

// metered reports feed observations to the metrics collector.
type metered struct {
	feed.ChangeFeed
	metrics metrics.Collector
}

func (m *metered) Observe(h feed.Handler) (feed.Handle, error) {
	handle, err := m.ChangeFeed.Observe(h)
	if err != nil {
		return nil, err
	}
	collection, mode := m.Collection(), m.Mode().String()
	m.metrics.FeedStarted(collection, mode)
	return feed.StopFunc(func() {
		handle.Stop()
		m.metrics.FeedStopped(collection, mode)
	}), nil
}
