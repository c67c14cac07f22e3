// Package engine ties the publication registries to named publications.
// Subscriptions arrive from transports on their own goroutines and are
// executed on the engine loop, where every registry and feed handler runs.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchpub/batch"
	"github.com/teranos/batchpub/composite"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	"github.com/teranos/batchpub/listener"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/loop"
	"github.com/teranos/batchpub/metrics"
	"github.com/teranos/batchpub/query"
	"github.com/teranos/batchpub/store"
)

// FeedFunc builds the change feed of a batch publication.
type FeedFunc func(q query.Query) (feed.ChangeFeed, error)

// ValidateFunc gates a subscription. Rejected subscriptions are ready and
// empty.
type ValidateFunc func(l listener.Listener, args []any) bool

// BatchSpec declares a static publication of one query. Every subscriber
// of an identical query shares one feed.
type BatchSpec struct {
	Query query.Query
	// Feed defaults to the engine store.
	Feed FeedFunc
	// Redact lists fields stripped from every document.
	Redact []string
	// Key replaces the query fingerprint as the sharing key.
	Key      string
	Validate ValidateFunc
}

func (s BatchSpec) key() string {
	key := s.Key
	if key == "" {
		key = s.Query.Fingerprint()
	}
	if len(s.Redact) > 0 {
		redact := append([]string(nil), s.Redact...)
		sort.Strings(redact)
		key += "+redact:" + strings.Join(redact, ",")
	}
	return key
}

// CompositeSpec declares a derived publication. Roots returns the root
// definitions for the subscription arguments.
type CompositeSpec struct {
	Roots    func(args []any) ([]composite.Definition, error)
	Validate ValidateFunc
}

// StaticRoots returns a Roots function ignoring the arguments.
func StaticRoots(defs ...composite.Definition) func([]any) ([]composite.Definition, error) {
	return func([]any) ([]composite.Definition, error) { return defs, nil }
}

type publication struct {
	name      string
	batch     *BatchSpec
	composite *CompositeSpec
}

// Subscription is the handle of one listener's subscription.
type Subscription struct {
	Name     string
	Args     []any
	Listener listener.Listener

	detach func()
	active bool
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Publications  int `json:"publications"`
	Batches       int `json:"batches"`
	Composites    int `json:"composites"`
	Subscriptions int `json:"subscriptions"`
}

// Engine owns the batch and composite registries.
type Engine struct {
	exec      loop.Executor
	store     store.Store
	log       *zap.SugaredLogger
	metrics   metrics.Collector
	clock     func() time.Time
	verbosity int

	mu      sync.RWMutex
	catalog map[string]publication

	// Owned by the loop.
	batches    *batch.Registry
	composites *composite.Registry
	subs       map[*Subscription]struct{}
	stopped    bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor sets the loop subscriptions run on. Defaults to an inline
// executor.
func WithExecutor(exec loop.Executor) Option {
	return func(e *Engine) { e.exec = exec }
}

// WithStore sets the store batch publications observe by default.
func WithStore(st store.Store) Option {
	return func(e *Engine) { e.store = st }
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithVerbosity sets the CLI -v count. At -vvv every feed event is logged,
// at -vvvv every message sent.
func WithVerbosity(v int) Option {
	return func(e *Engine) { e.verbosity = v }
}

// WithClock sets the clock batches are stamped with.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		catalog: make(map[string]publication),
		subs:    make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exec == nil {
		e.exec = &loop.Inline{}
	}
	e.log = logger.Named(e.log, "engine")
	e.metrics = metrics.OrNop(e.metrics)
	e.batches = batch.NewRegistry(batch.Options{
		Logger:    e.log,
		Metrics:   e.metrics,
		Clock:     e.clock,
		Verbosity: e.verbosity,
	})
	e.composites = composite.NewRegistry(composite.Options{
		Logger:    e.log,
		Metrics:   e.metrics,
		Clock:     e.clock,
		Verbosity: e.verbosity,
	})
	return e
}

// PublishCollection registers a batch publication under name.
func (e *Engine) PublishCollection(name string, spec BatchSpec) error {
	if spec.Query.Collection == "" {
		return errors.Wrapf(errors.ErrMissingCollection, "publication %s", name)
	}
	if err := spec.Query.Validate(); err != nil {
		return errors.Wrapf(err, "publication %s", name)
	}
	if spec.Feed == nil && e.store == nil {
		return errors.NewInvalidRequestError("publication %s has no feed and the engine has no store", name)
	}
	return e.register(publication{name: name, batch: &spec})
}

// PublishComposite registers a composite publication under name.
func (e *Engine) PublishComposite(name string, spec CompositeSpec) error {
	if spec.Roots == nil {
		return errors.NewInvalidRequestError("composite publication %s has no roots", name)
	}
	return e.register(publication{name: name, composite: &spec})
}

func (e *Engine) register(p publication) error {
	if p.name == "" {
		return errors.NewInvalidRequestError("publication name is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.catalog[p.name]; ok {
		return errors.Wrapf(errors.ErrDuplicatePublication, "%s", p.name)
	}
	e.catalog[p.name] = p
	kind := metrics.KindBatch
	if p.composite != nil {
		kind = metrics.KindComposite
	}
	e.log.Infow("Publication registered", logger.FieldPublication, p.name, "kind", kind)
	return nil
}

// Names returns the registered publication names in sorted order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.catalog))
	for n := range e.catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Subscribe attaches l to the named publication. When it returns without
// error l has received, or is about to receive, the current result.
func (e *Engine) Subscribe(ctx context.Context, l listener.Listener, name string, args ...any) (*Subscription, error) {
	e.mu.RLock()
	p, ok := e.catalog[name]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownPublication, "%s", name)
	}

	sub := &Subscription{Name: name, Args: args, Listener: l}
	var err error
	if doErr := e.exec.Do(ctx, func() { err = e.subscribe(sub, p) }); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (e *Engine) subscribe(sub *Subscription, p publication) error {
	if e.stopped {
		return errors.Wrap(errors.ErrClosed, "engine stopped")
	}
	var validate ValidateFunc
	if p.batch != nil {
		validate = p.batch.Validate
	} else {
		validate = p.composite.Validate
	}
	if validate != nil && !validate(sub.Listener, sub.Args) {
		e.log.Infow("Subscription rejected by validation",
			logger.FieldPublication, p.name,
			logger.FieldListener, sub.Listener.ID())
		sub.detach = func() {}
		e.track(sub)
		return nil
	}

	if p.batch != nil {
		return e.subscribeBatch(sub, p.batch)
	}
	return e.subscribeComposite(sub, p.composite)
}

func (e *Engine) subscribeBatch(sub *Subscription, spec *BatchSpec) error {
	pub, err := e.batches.GetOrCreate(spec.key(), spec.Query.Collection, e.batchFactory(spec))
	if err != nil {
		return err
	}
	if err := pub.Attach(sub.Listener); err != nil {
		return errors.Wrapf(err, "subscribe %s", sub.Name)
	}
	l := sub.Listener
	sub.detach = func() { pub.Detach(l) }
	e.track(sub)
	e.log.Debugw("Subscribed",
		logger.FieldPublication, sub.Name,
		logger.FieldListener, l.ID(),
		logger.FieldFingerprint, pub.Key())
	return nil
}

func (e *Engine) batchFactory(spec *BatchSpec) batch.Factory {
	return func() (feed.ChangeFeed, error) {
		source := spec.Feed
		if source == nil {
			source = e.store.Feed
		}
		f, err := source(spec.Query)
		if err != nil {
			return nil, err
		}
		if len(spec.Redact) > 0 {
			f = feed.NewMiddleware(f, feed.Redact(spec.Redact...))
		}
		return f, nil
	}
}

func (e *Engine) subscribeComposite(sub *Subscription, spec *CompositeSpec) error {
	defs, err := spec.Roots(sub.Args)
	if err != nil {
		return errors.Wrapf(err, "roots of %s", sub.Name)
	}
	key, err := composite.Key(sub.Name, sub.Args)
	if err != nil {
		return err
	}
	agg, err := e.composites.GetOrCreate(key, defs, sub.Args)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", sub.Name)
	}
	if err := agg.Subscribe(sub.Listener); err != nil {
		return errors.Wrapf(err, "subscribe %s", sub.Name)
	}
	l := sub.Listener
	sub.detach = func() { agg.Unsubscribe(l) }
	e.track(sub)
	e.log.Debugw("Subscribed",
		logger.FieldPublication, sub.Name,
		logger.FieldListener, l.ID(),
		logger.FieldKey, key)
	return nil
}

func (e *Engine) track(sub *Subscription) {
	sub.active = true
	e.subs[sub] = struct{}{}
}

// Unsubscribe detaches the subscription. It is idempotent.
func (e *Engine) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	return e.exec.Do(ctx, func() { e.unsubscribe(sub) })
}

func (e *Engine) unsubscribe(sub *Subscription) {
	if !sub.active {
		return
	}
	sub.active = false
	delete(e.subs, sub)
	sub.detach()
	e.log.Debugw("Unsubscribed",
		logger.FieldPublication, sub.Name,
		logger.FieldListener, sub.Listener.ID())
}

// Stats reports registry sizes.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	e.mu.RLock()
	st := Stats{Publications: len(e.catalog)}
	e.mu.RUnlock()
	err := e.exec.Do(ctx, func() {
		st.Batches = e.batches.Len()
		st.Composites = e.composites.Len()
		st.Subscriptions = len(e.subs)
	})
	return st, err
}

// Stop detaches every subscription, stopping every feed. Later subscribe
// calls fail with ErrClosed.
func (e *Engine) Stop(ctx context.Context) error {
	return e.exec.Do(ctx, func() {
		if e.stopped {
			return
		}
		e.stopped = true
		count := len(e.subs)
		for sub := range e.subs {
			e.unsubscribe(sub)
		}
		e.log.Infow("Engine stopped", logger.FieldCount, count)
	})
}
