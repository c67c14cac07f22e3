package composite

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/metrics"
)

// Options configure a Registry.
type Options struct {
	Logger  *zap.SugaredLogger
	Metrics metrics.Collector
	// Clock stamps batches; defaults to time.Now.
	Clock func() time.Time
	// Verbosity is the CLI -v count. Trace levels log every feed event,
	// the highest also every message sent.
	Verbosity int
}

// Registry holds the live aggregators. It must only be used from the
// engine loop.
type Registry struct {
	aggs    map[string]*Aggregator
	log     *zap.SugaredLogger
	metrics   metrics.Collector
	now       func() time.Time
	verbosity int
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		aggs:    make(map[string]*Aggregator),
		log:     logger.Named(opts.Logger, "composite"),
		metrics: metrics.OrNop(opts.Metrics),
		now:       opts.Clock,
		verbosity: opts.Verbosity,
	}
}

// GetOrCreate returns the aggregator for key, creating one over defs and
// args when absent.
func (r *Registry) GetOrCreate(key string, defs []Definition, args []any) (*Aggregator, error) {
	if key == "" {
		return nil, errors.NewInvalidRequestError("composite publication has no key")
	}
	if a, ok := r.aggs[key]; ok {
		return a, nil
	}
	for i, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, errors.Wrapf(err, "root %d", i)
		}
	}
	a := &Aggregator{
		key:     key,
		defs:    defs,
		args:    args,
		log:     r.log,
		metrics: r.metrics,
		now:       r.now,
		verbosity: r.verbosity,
		onEmpty:   func(a *Aggregator) { r.evict(a) },
		refs:    newRefCounter(),
		docHash: make(map[docKey]document.Fields),
	}
	r.aggs[key] = a
	return a, nil
}

// Get looks up a live aggregator.
func (r *Registry) Get(key string) (*Aggregator, bool) {
	a, ok := r.aggs[key]
	return a, ok
}

// Evict drops key from the registry without touching its nodes.
func (r *Registry) Evict(key string) {
	delete(r.aggs, key)
}

func (r *Registry) evict(a *Aggregator) {
	if r.aggs[a.key] == a {
		delete(r.aggs, a.key)
	}
}

// Len returns the number of live aggregators.
func (r *Registry) Len() int { return len(r.aggs) }

// Keys returns the live keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.aggs))
	for k := range r.aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
