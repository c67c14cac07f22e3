// Package batch shares one change feed between every listener of the same
// query and delivers its changes as coalesced updateBatch messages.
package batch

import (
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	"github.com/teranos/batchpub/listener"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/metrics"
	"github.com/teranos/batchpub/wire"
)

// Factory creates the feed of a publication. It is called on the first
// attach and again after the publication has been emptied and reused.
type Factory func() (feed.ChangeFeed, error)

// Publication multiplexes one change feed onto a set of listeners.
// It must only be used from the engine loop.
type Publication struct {
	key        string
	collection string
	factory    Factory
	log        *zap.SugaredLogger
	metrics    metrics.Collector
	now        func() time.Time
	verbosity  int
	onEmpty    func(*Publication)

	feed      feed.ChangeFeed
	handle    feed.Handle
	gen       uint64
	listeners listener.Set

	pending          []wire.Entry
	fullImage        []byte
	sentInitialBatch bool
	lut              time.Time
}

// Key returns the query fingerprint the publication is registered under.
func (p *Publication) Key() string { return p.key }

// Collection returns the published collection.
func (p *Publication) Collection() string { return p.collection }

// LUT returns the time of the last flush that carried updates.
func (p *Publication) LUT() time.Time { return p.lut }

// Listeners returns the attached listeners in attach order.
func (p *Publication) Listeners() []listener.Listener { return p.listeners.All() }

// Active reports whether the feed is being observed.
func (p *Publication) Active() bool { return p.handle != nil }

// Attach adds l. The first attach creates and observes the feed; l then
// receives the initial result through the regular flush. Later attaches
// send l the full image of the current snapshot before it joins.
func (p *Publication) Attach(l listener.Listener) error {
	if p.listeners.Has(l) {
		return nil
	}
	if p.handle != nil {
		p.sendFullImage(l)
		p.listeners.Add(l)
		p.metrics.ListenerAttached(metrics.KindBatch)
		p.log.Debugw("Listener joined publication",
			logger.FieldFingerprint, p.key,
			logger.FieldListener, l.ID(),
			logger.FieldListeners, p.listeners.Len())
		return nil
	}

	f, err := p.factory()
	if err != nil {
		p.evictIfEmpty()
		return errors.Wrapf(err, "create feed for %s", p.collection)
	}
	p.listeners.Add(l)
	p.feed = f
	p.gen++
	gen := p.gen
	handle, err := f.Observe(func(ev feed.Event) {
		if gen == p.gen {
			p.handleEvent(ev)
		}
	})
	if err != nil {
		p.listeners.Remove(l)
		p.reset()
		p.evictIfEmpty()
		return errors.Wrapf(err, "observe %s", p.collection)
	}
	p.handle = handle
	p.metrics.PublicationOpened(metrics.KindBatch)
	p.metrics.ListenerAttached(metrics.KindBatch)
	p.log.Infow("Publication started",
		logger.FieldFingerprint, p.key,
		logger.FieldCollection, p.collection,
		logger.FieldMode, f.Mode().String())
	return nil
}

// Detach sends l a forced removal of every document it holds and drops it.
// The last detach stops the feed and evicts the publication. Detaching a
// listener that is not attached does nothing.
func (p *Publication) Detach(l listener.Listener) {
	if !p.listeners.Has(l) {
		return
	}
	p.sendRemoveAll(l)
	p.listeners.Remove(l)
	p.metrics.ListenerDetached(metrics.KindBatch)
	p.log.Debugw("Listener left publication",
		logger.FieldFingerprint, p.key,
		logger.FieldListener, l.ID(),
		logger.FieldListeners, p.listeners.Len())

	if p.listeners.Len() > 0 {
		return
	}
	if p.handle != nil {
		p.handle.Stop()
		p.metrics.PublicationClosed(metrics.KindBatch)
		p.log.Infow("Publication stopped",
			logger.FieldFingerprint, p.key,
			logger.FieldCollection, p.collection)
	}
	p.reset()
	p.evictIfEmpty()
}

func (p *Publication) reset() {
	p.gen++
	p.handle = nil
	p.feed = nil
	p.pending = nil
	p.fullImage = nil
	p.sentInitialBatch = false
}

func (p *Publication) evictIfEmpty() {
	if p.listeners.Len() == 0 && p.onEmpty != nil {
		p.onEmpty(p)
	}
}

func (p *Publication) handleEvent(ev feed.Event) {
	if logger.ShouldLogTrace(p.verbosity) {
		p.log.Debugw("Feed event",
			logger.FieldFingerprint, p.key,
			"kind", ev.Kind.String(),
			logger.FieldDocID, ev.ID.String())
	}
	var u wire.Update
	switch ev.Kind {
	case feed.Added:
		u = wire.Added("", ev.ID, ev.Fields)
	case feed.Changed:
		u = wire.Changed("", ev.ID, ev.Fields, ev.Cleared)
	case feed.Removed:
		u = wire.Removed("", ev.ID)
	case feed.BulkEnded:
		p.sentInitialBatch = true
		p.flush()
		return
	default:
		return
	}

	entry, err := u.Encode()
	if err != nil {
		panic(errors.Wrapf(err, "publication %s", p.key))
	}
	p.pending = append(p.pending, entry)
	if p.sentInitialBatch && p.feed != nil && p.feed.Mode() == feed.Incremental {
		p.flush()
	}
}

// flush serializes the pending queue once and broadcasts it.
func (p *Publication) flush() {
	if len(p.pending) == 0 {
		return
	}
	p.lut = p.now()
	count := len(p.pending)
	msg, err := wire.EncodeBatch(p.collection, p.lut, p.pending)
	p.pending = nil
	p.fullImage = nil
	if err != nil {
		p.log.Errorw("Failed to encode batch",
			logger.FieldFingerprint, p.key,
			logger.FieldError, err)
		return
	}
	if logger.ShouldLogAll(p.verbosity) {
		p.log.Debugw("Batch message", logger.FieldFingerprint, p.key, "message", string(msg))
	}
	delivered := p.listeners.Broadcast(msg)
	p.metrics.BatchFlushed(metrics.KindBatch, count, len(msg), delivered)
	p.log.Debugw("Batch flushed",
		logger.FieldFingerprint, p.key,
		logger.FieldUpdates, count,
		logger.FieldSize, len(msg),
		logger.FieldListeners, delivered)
}

func (p *Publication) sendFullImage(l listener.Listener) {
	if p.fullImage == nil {
		snapshot := p.feed.Snapshot()
		if len(snapshot) == 0 {
			return
		}
		updates := make([]wire.Update, 0, len(snapshot))
		for _, id := range snapshot.IDs() {
			updates = append(updates, wire.Added("", id, snapshot[id]))
		}
		msg, err := wire.EncodeUpdates(p.collection, p.now(), updates)
		if err != nil {
			p.log.Errorw("Failed to encode full image",
				logger.FieldFingerprint, p.key,
				logger.FieldError, err)
			return
		}
		p.fullImage = msg
	}
	listener.Deliver(l, p.fullImage, false)
}

func (p *Publication) sendRemoveAll(l listener.Listener) {
	if p.feed == nil {
		return
	}
	snapshot := p.feed.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	updates := make([]wire.Update, 0, len(snapshot))
	for _, id := range snapshot.IDs() {
		updates = append(updates, wire.Removed("", id))
	}
	msg, err := wire.EncodeUpdates(p.collection, p.now(), updates)
	if err != nil {
		p.log.Errorw("Failed to encode removals",
			logger.FieldFingerprint, p.key,
			logger.FieldListener, l.ID(),
			logger.FieldError, err)
		return
	}
	listener.Deliver(l, msg, true)
}
