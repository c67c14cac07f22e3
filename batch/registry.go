package batch

import (
	"sort"
	"time"

	"go.uber.org/zap"

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

// Registry holds the live publications keyed by query fingerprint.
// It must only be used from the engine loop.
type Registry struct {
	pubs    map[string]*Publication
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
		pubs:    make(map[string]*Publication),
		log:     logger.Named(opts.Logger, "batch"),
		metrics: metrics.OrNop(opts.Metrics),
		now:       opts.Clock,
		verbosity: opts.Verbosity,
	}
}

// GetOrCreate returns the publication for key, creating it when absent.
// factory is only used by a newly created publication.
func (r *Registry) GetOrCreate(key, collection string, factory Factory) (*Publication, error) {
	if collection == "" {
		return nil, errors.Wrapf(errors.ErrMissingCollection, "publication %s", key)
	}
	if key == "" {
		return nil, errors.NewInvalidRequestError("publication for %s has no key", collection)
	}
	if factory == nil {
		return nil, errors.NewInvalidRequestError("publication %s has no feed factory", key)
	}
	if p, ok := r.pubs[key]; ok {
		return p, nil
	}
	p := &Publication{
		key:        key,
		collection: collection,
		factory:    factory,
		log:        r.log,
		metrics:    r.metrics,
		now:        r.now,
		verbosity:  r.verbosity,
		onEmpty:    func(p *Publication) { r.evict(p) },
	}
	r.pubs[key] = p
	return p, nil
}

// Get looks up a live publication.
func (r *Registry) Get(key string) (*Publication, bool) {
	p, ok := r.pubs[key]
	return p, ok
}

// Evict drops key from the registry. The publication's feed is not touched.
func (r *Registry) Evict(key string) {
	delete(r.pubs, key)
}

func (r *Registry) evict(p *Publication) {
	if r.pubs[p.key] == p {
		delete(r.pubs, p.key)
	}
}

// Len returns the number of live publications.
func (r *Registry) Len() int { return len(r.pubs) }

// Keys returns the live fingerprints in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.pubs))
	for k := range r.pubs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
