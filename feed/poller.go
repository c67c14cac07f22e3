package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/loop"
)

const (
	// DefaultPollInterval is how often a poller re-runs its query without
	// being poked.
	DefaultPollInterval = 10 * time.Second
	// DefaultPollThrottle is the minimum gap between two poll cycles.
	DefaultPollThrottle = 50 * time.Millisecond
)

// FetchFunc returns the current result of a query in result order.
type FetchFunc func(ctx context.Context) ([]document.Document, error)

// PollerOptions configures a Poller.
type PollerOptions struct {
	Scheduler loop.Scheduler
	Logger    *zap.SugaredLogger
	Interval  time.Duration
	Throttle  time.Duration
}

// Poller is a polling feed over any fetch function. Each cycle fetches off
// the loop, then diffs against the cache on the loop and delivers the diff
// followed by exactly one BulkEnded.
type Poller struct {
	collection string
	fetch      FetchFunc
	sched      loop.Scheduler
	interval   time.Duration
	throttle   time.Duration
	logger     *zap.SugaredLogger

	cache *Cache

	mu     sync.Mutex
	active *pollObservation
}

type pollObservation struct {
	handler Handler
	poke    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	// stopped is only touched on the loop.
	stopped bool
}

// NewPoller creates a polling feed for collection.
func NewPoller(collection string, fetch FetchFunc, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultPollThrottle
	}
	if opts.Scheduler == nil {
		opts.Scheduler = &loop.Inline{}
	}
	return &Poller{
		collection: collection,
		fetch:      fetch,
		sched:      opts.Scheduler,
		interval:   opts.Interval,
		throttle:   opts.Throttle,
		logger:     logger.Named(opts.Logger, "poller").With(logger.FieldCollection, collection),
		cache:      NewCache(),
	}
}

func (p *Poller) Collection() string     { return p.collection }
func (p *Poller) Mode() Mode             { return Polling }
func (p *Poller) Snapshot() document.Set { return p.cache.Set() }

// Observe runs the first poll cycle synchronously, then keeps polling in
// the background on every Poke and every interval.
func (p *Poller) Observe(h Handler) (Handle, error) {
	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return nil, errors.Newf("poller for %s already observed", p.collection)
	}
	ctx, cancel := context.WithCancel(context.Background())
	obs := &pollObservation{
		handler: h,
		poke:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.active = obs
	p.mu.Unlock()

	docs, err := p.fetch(ctx)
	if err != nil {
		cancel()
		close(obs.done)
		p.mu.Lock()
		p.active = nil
		p.mu.Unlock()
		return nil, errors.Wrapf(err, "initial poll of %s", p.collection)
	}
	p.deliver(obs, docs)

	go p.run(ctx, obs)

	return StopFunc(func() {
		obs.stopped = true
		cancel()
		<-obs.done
		p.mu.Lock()
		if p.active == obs {
			p.active = nil
		}
		p.mu.Unlock()
		p.cache.Reset()
	}), nil
}

// Poke schedules a poll cycle, throttled. Safe from any goroutine.
func (p *Poller) Poke() {
	p.mu.Lock()
	obs := p.active
	p.mu.Unlock()
	if obs == nil {
		return
	}
	select {
	case obs.poke <- struct{}{}:
	default:
	}
}

func (p *Poller) run(ctx context.Context, obs *pollObservation) {
	defer close(obs.done)

	limiter := rate.NewLimiter(rate.Every(p.throttle), 1)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-obs.poke:
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		docs, err := p.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warnw("Poll failed", logger.FieldError, err)
			continue
		}
		p.sched.Post(func() { p.deliver(obs, docs) })
	}
}

// deliver runs on the loop.
func (p *Poller) deliver(obs *pollObservation, docs []document.Document) {
	if obs.stopped {
		return
	}
	events := p.cache.Diff(docs)
	for _, ev := range events {
		p.cache.Apply(ev)
		obs.handler(ev)
		if obs.stopped {
			return
		}
	}
	p.logger.Debugw("Poll cycle delivered", logger.FieldCount, len(events))
	obs.handler(Event{Kind: BulkEnded})
}
