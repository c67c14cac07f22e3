package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/loop"
	"github.com/teranos/batchpub/wire"
)

const (
	minRedial = time.Second
	maxRedial = 30 * time.Second
)

// RemoteOptions configures a RemoteFeed.
type RemoteOptions struct {
	URL         string
	Publication string
	Params      []any
	// Collection is the collection relayed. Updates for other collections
	// are dropped.
	Collection string
	Scheduler  loop.Scheduler
	Logger     *zap.SugaredLogger
	// Dial defaults to Dial.
	Dial func(ctx context.Context, url string, opts Options) (*Client, error)
}

// RemoteFeed relays a publication of another server. Each observation
// holds its own session. The initial result, and the result after every
// reconnect, is diffed against what was already delivered and followed by
// BulkEnded once the remote reports ready. Afterwards every updateBatch the
// remote sends is relayed as one cycle ended by BulkEnded, so the batching
// of the remote is kept.
type RemoteFeed struct {
	opts  RemoteOptions
	log   *zap.SugaredLogger
	cache *feed.Cache

	mu     sync.Mutex
	active *remoteObservation
}

type remoteObservation struct {
	handler feed.Handler
	cancel  context.CancelFunc
	done    chan struct{}

	// Loop-owned.
	stopped bool
	synced  bool
	initial document.Set
}

// NewRemoteFeed creates a feed over opts.Publication at opts.URL.
func NewRemoteFeed(opts RemoteOptions) *RemoteFeed {
	if opts.Scheduler == nil {
		opts.Scheduler = &loop.Inline{}
	}
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	return &RemoteFeed{
		opts:  opts,
		log:   logger.Named(opts.Logger, "remote").With(logger.FieldPublication, opts.Publication),
		cache: feed.NewCache(),
	}
}

func (f *RemoteFeed) Collection() string     { return f.opts.Collection }
func (f *RemoteFeed) Mode() feed.Mode        { return feed.Polling }
func (f *RemoteFeed) Snapshot() document.Set { return f.cache.Set() }

// Observe starts connecting in the background and returns immediately.
func (f *RemoteFeed) Observe(h feed.Handler) (feed.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil {
		return nil, errors.Newf("remote feed %s already observed", f.opts.Publication)
	}
	ctx, cancel := context.WithCancel(context.Background())
	obs := &remoteObservation{handler: h, cancel: cancel, done: make(chan struct{})}
	f.active = obs

	go f.run(ctx, obs)

	return feed.StopFunc(func() {
		obs.stopped = true
		cancel()
		<-obs.done
		f.mu.Lock()
		if f.active == obs {
			f.active = nil
		}
		f.mu.Unlock()
		f.cache.Reset()
	}), nil
}

// run keeps one session alive until ctx is cancelled, redialing with
// exponential backoff.
func (f *RemoteFeed) run(ctx context.Context, obs *remoteObservation) {
	defer close(obs.done)

	backoff := minRedial
	for {
		err := f.session(ctx, obs)
		if ctx.Err() != nil {
			return
		}
		f.log.Warnw("Remote session ended, redialing",
			logger.FieldAddress, f.opts.URL,
			logger.FieldError, err,
			"backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxRedial {
			backoff = maxRedial
		}
	}
}

func (f *RemoteFeed) session(ctx context.Context, obs *remoteObservation) error {
	f.opts.Scheduler.Post(func() {
		obs.synced = false
		obs.initial = document.Set{}
	})
	c, err := f.opts.Dial(ctx, f.opts.URL, Options{
		Logger: f.log,
		OnBatch: func(b wire.Batch) {
			f.opts.Scheduler.Post(func() { f.deliver(obs, b.Updates) })
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	sub, err := c.Subscribe(f.opts.Publication, f.opts.Params...)
	if err != nil {
		return err
	}
	if err := sub.Wait(ctx); err != nil {
		return err
	}
	f.opts.Scheduler.Post(func() { f.sync(obs) })
	f.log.Infow("Remote publication ready", logger.FieldAddress, f.opts.URL)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sub.Done():
		if err := sub.Err(); err != nil {
			return err
		}
		return errors.Newf("remote ended subscription %s", f.opts.Publication)
	case <-c.Done():
		return errors.Wrap(errors.ErrClosed, "remote connection closed")
	}
}

// deliver runs on the loop. Before the remote is ready updates build up the
// initial image; afterwards each batch is relayed as one cycle.
func (f *RemoteFeed) deliver(obs *remoteObservation, updates []wire.Update) {
	emitted := false
	for _, u := range updates {
		if obs.stopped {
			return
		}
		if u.Collection != f.opts.Collection {
			f.log.Debugw("Dropping update for other collection", logger.FieldCollection, u.Collection)
			continue
		}
		if !obs.synced {
			foldInitial(obs.initial, u)
			continue
		}
		emitted = f.emit(obs, toEvent(u)) || emitted
	}
	if emitted && !obs.stopped {
		obs.handler(feed.Event{Kind: feed.BulkEnded})
	}
}

func foldInitial(initial document.Set, u wire.Update) {
	switch u.Op {
	case wire.OpAdded:
		initial[u.ID] = u.Fields.Clone()
	case wire.OpChanged:
		initial[u.ID] = initial[u.ID].Apply(u.Fields, u.Cleared)
	case wire.OpRemoved:
		delete(initial, u.ID)
	}
}

// sync runs on the loop once the remote is ready.
func (f *RemoteFeed) sync(obs *remoteObservation) {
	if obs.stopped || obs.synced {
		return
	}
	events := f.cache.Diff(obs.initial.Documents())
	obs.synced = true
	obs.initial = nil
	for _, ev := range events {
		f.emit(obs, ev)
		if obs.stopped {
			return
		}
	}
	obs.handler(feed.Event{Kind: feed.BulkEnded})
}

// emit reports whether an event was delivered.
func (f *RemoteFeed) emit(obs *remoteObservation, ev feed.Event) bool {
	if !f.cache.Apply(ev) {
		// The remote repeated an added or referenced an unknown id.
		ev = f.repair(ev)
		if ev.Kind == 0 {
			return false
		}
		f.cache.Apply(ev)
	}
	obs.handler(ev)
	return true
}

// repair turns an event that does not fit the cache into one that does.
// The zero event means nothing to deliver.
func (f *RemoteFeed) repair(ev feed.Event) feed.Event {
	prev, known := f.cache.Set()[ev.ID]
	switch ev.Kind {
	case feed.Added:
		changed, cleared := document.Diff(prev, ev.Fields)
		if len(changed) == 0 && len(cleared) == 0 {
			return feed.Event{}
		}
		return feed.Event{Kind: feed.Changed, ID: ev.ID, Fields: changed, Cleared: cleared}
	case feed.Changed:
		if !known {
			return feed.Event{Kind: feed.Added, ID: ev.ID, Fields: document.Fields(nil).Apply(ev.Fields, nil)}
		}
	}
	return feed.Event{}
}

func toEvent(u wire.Update) feed.Event {
	switch u.Op {
	case wire.OpAdded:
		return feed.Event{Kind: feed.Added, ID: u.ID, Fields: u.Fields}
	case wire.OpChanged:
		return feed.Event{Kind: feed.Changed, ID: u.ID, Fields: u.Fields, Cleared: u.Cleared}
	default:
		return feed.Event{Kind: feed.Removed, ID: u.ID}
	}
}

var _ feed.ChangeFeed = (*RemoteFeed)(nil)
