package composite

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/listener"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/metrics"
	"github.com/teranos/batchpub/wire"
)

// Aggregator is the top of a composite publication. It merges what its
// nodes publish into one reference counted document set and delivers the
// differences to its listeners: one message per top-level event of an
// incremental feed, one per poll cycle of a polling feed.
// It must only be used from the engine loop.
type Aggregator struct {
	key     string
	defs    []Definition
	args    []any
	log     *zap.SugaredLogger
	metrics metrics.Collector
	now       func() time.Time
	verbosity int
	onEmpty   func(*Aggregator)

	roots     []*Node
	started   bool
	listeners listener.Set
	refs      *refCounter
	docHash   map[docKey]document.Fields

	depth     int
	held      int
	pending   []wire.Entry
	fullImage []byte
	lut       time.Time
}

// Key returns the registry key of the aggregator.
func (a *Aggregator) Key() string { return a.key }

// Roots returns the root nodes, one per root definition.
func (a *Aggregator) Roots() []*Node { return append([]*Node(nil), a.roots...) }

// Len returns the number of documents currently announced to listeners.
func (a *Aggregator) Len() int { return len(a.docHash) }

// RefCount returns how many nodes publish the document.
func (a *Aggregator) RefCount(collection string, id document.ID) int {
	return a.refs.count(collection, id)
}

// Listeners returns the subscribed listeners in subscribe order.
func (a *Aggregator) Listeners() []listener.Listener { return a.listeners.All() }

// LUT returns the time of the last flush that carried updates.
func (a *Aggregator) LUT() time.Time { return a.lut }

// Subscribe adds l. The first listener builds and publishes the root nodes;
// later listeners receive the full image of the announced documents.
func (a *Aggregator) Subscribe(l listener.Listener) error {
	if a.listeners.Has(l) {
		return nil
	}
	if a.started {
		a.flushHeld()
		a.sendFullImage(l)
		a.listeners.Add(l)
		a.metrics.ListenerAttached(metrics.KindComposite)
		a.log.Debugw("Listener joined composite",
			logger.FieldKey, a.key,
			logger.FieldListener, l.ID(),
			logger.FieldListeners, a.listeners.Len())
		return nil
	}

	a.listeners.Add(l)
	var err error
	a.dispatch(func() {
		err = a.publishRoots()
		if err != nil {
			for _, root := range a.roots {
				root.unpublish()
			}
			a.clear()
		}
	})
	if err != nil {
		a.listeners.Remove(l)
		a.evictIfEmpty()
		return errors.Wrapf(err, "composite %s", a.key)
	}
	a.started = true
	a.metrics.PublicationOpened(metrics.KindComposite)
	a.metrics.ListenerAttached(metrics.KindComposite)
	a.log.Infow("Composite publication started",
		logger.FieldKey, a.key,
		logger.FieldCount, len(a.roots))
	return nil
}

func (a *Aggregator) publishRoots() error {
	for i := range a.defs {
		root := newNode(&a.defs[i], Scope{Args: a.args}, a, a.log, a.verbosity)
		a.roots = append(a.roots, root)
		if _, err := root.publish(); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe sends l a forced removal of every announced document and
// drops it. The last listener unpublishes the tree and evicts the
// aggregator. Unsubscribing a listener that is not subscribed does nothing.
func (a *Aggregator) Unsubscribe(l listener.Listener) {
	if !a.listeners.Has(l) {
		return
	}
	a.flushHeld()
	a.sendRemoveAll(l)
	a.listeners.Remove(l)
	a.metrics.ListenerDetached(metrics.KindComposite)
	a.log.Debugw("Listener left composite",
		logger.FieldKey, a.key,
		logger.FieldListener, l.ID(),
		logger.FieldListeners, a.listeners.Len())
	if a.listeners.Len() > 0 {
		return
	}

	for _, root := range a.roots {
		root.unpublish()
	}
	a.clear()
	if a.started {
		a.started = false
		a.metrics.PublicationClosed(metrics.KindComposite)
		a.log.Infow("Composite publication stopped", logger.FieldKey, a.key)
	}
	a.evictIfEmpty()
}

func (a *Aggregator) clear() {
	a.roots = nil
	a.refs.reset()
	a.docHash = make(map[docKey]document.Fields)
	a.held = 0
	a.pending = nil
	a.fullImage = nil
}

func (a *Aggregator) evictIfEmpty() {
	if a.listeners.Len() == 0 && a.onEmpty != nil {
		a.onEmpty(a)
	}
}

// dispatch runs fn as part of the current top-level event and flushes once
// the outermost dispatch returns and no poll cycle is in progress.
func (a *Aggregator) dispatch(fn func()) {
	a.depth++
	completed := false
	defer func() {
		a.depth--
		if completed && a.depth == 0 && a.held == 0 {
			a.flush()
		}
	}()
	fn()
	completed = true
}

// hold defers flushing until the matching release. The flush itself
// happens when the dispatch that releases the last hold returns.
func (a *Aggregator) hold() { a.held++ }

func (a *Aggregator) release() {
	if a.held > 0 {
		a.held--
	}
}

// flushHeld sends what a poll cycle in progress has queued, so a listener
// joining or leaving sees a document set consistent with its messages.
func (a *Aggregator) flushHeld() {
	if a.depth == 0 && len(a.pending) > 0 {
		a.flush()
	}
}

func (a *Aggregator) added(collection string, id document.ID, fields document.Fields) {
	if _, err := a.refs.increment(collection, id); err != nil {
		panic(err)
	}
	k := docKey{collection, id}
	existing, ok := a.docHash[k]
	if !ok {
		a.docHash[k] = fields.Clone()
		a.queue(wire.Added(collection, id, fields))
		return
	}
	diff := differing(existing, fields)
	if len(diff) == 0 {
		return
	}
	a.docHash[k] = existing.Apply(diff, nil)
	a.queue(wire.Changed(collection, id, diff, nil))
}

func (a *Aggregator) changed(collection string, id document.ID, fields document.Fields, cleared []string) {
	k := docKey{collection, id}
	existing, ok := a.docHash[k]
	if !ok {
		return
	}
	diff := differing(existing, fields)
	var gone []string
	for _, f := range cleared {
		if _, had := existing[f]; had {
			gone = append(gone, f)
		}
	}
	if len(diff) == 0 && len(gone) == 0 {
		return
	}
	a.docHash[k] = existing.Apply(diff, gone)
	a.queue(wire.Changed(collection, id, diff, gone))
}

func (a *Aggregator) removed(collection string, id document.ID) {
	released, known, err := a.refs.decrement(collection, id)
	if err != nil {
		panic(err)
	}
	if !known {
		a.log.Warnw("Release of unclaimed document ignored",
			logger.FieldCollection, collection,
			logger.FieldDocID, id.String())
		return
	}
	if !released {
		a.log.Debugw("Document still claimed",
			logger.FieldCollection, collection,
			logger.FieldDocID, id.String(),
			logger.FieldRefCount, a.refs.count(collection, id))
		return
	}
	delete(a.docHash, docKey{collection, id})
	a.queue(wire.Removed(collection, id))
	a.metrics.DocumentReleased(collection)
}

// differing returns the fields of next whose values differ from prev.
func differing(prev, next document.Fields) document.Fields {
	var out document.Fields
	for k, v := range next {
		if pv, ok := prev[k]; ok && document.Equal(pv, v) {
			continue
		}
		if out == nil {
			out = document.Fields{}
		}
		out[k] = v
	}
	return out
}

func (a *Aggregator) queue(u wire.Update) {
	entry, err := u.Encode()
	if err != nil {
		panic(errors.Wrapf(err, "composite %s", a.key))
	}
	a.pending = append(a.pending, entry)
}

func (a *Aggregator) flush() {
	if len(a.pending) == 0 {
		return
	}
	a.lut = a.now()
	count := len(a.pending)
	msg, err := wire.EncodeBatch("", a.lut, a.pending)
	a.pending = nil
	a.fullImage = nil
	if err != nil {
		a.log.Errorw("Failed to encode batch",
			logger.FieldKey, a.key,
			logger.FieldError, err)
		return
	}
	if logger.ShouldLogAll(a.verbosity) {
		a.log.Debugw("Composite message", logger.FieldKey, a.key, "message", string(msg))
	}
	delivered := a.listeners.Broadcast(msg)
	a.metrics.BatchFlushed(metrics.KindComposite, count, len(msg), delivered)
	a.log.Debugw("Composite batch flushed",
		logger.FieldKey, a.key,
		logger.FieldUpdates, count,
		logger.FieldSize, len(msg),
		logger.FieldListeners, delivered)
}

// sortedKeys orders the announced documents by collection, then id.
func (a *Aggregator) sortedKeys() []docKey {
	keys := make([]docKey, 0, len(a.docHash))
	for k := range a.docHash {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].collection != keys[j].collection {
			return keys[i].collection < keys[j].collection
		}
		return keys[i].id.String() < keys[j].id.String()
	})
	return keys
}

func (a *Aggregator) sendFullImage(l listener.Listener) {
	if a.fullImage == nil {
		if len(a.docHash) == 0 {
			return
		}
		keys := a.sortedKeys()
		updates := make([]wire.Update, 0, len(keys))
		for _, k := range keys {
			updates = append(updates, wire.Added(k.collection, k.id, a.docHash[k]))
		}
		msg, err := wire.EncodeUpdates("", a.now(), updates)
		if err != nil {
			a.log.Errorw("Failed to encode full image",
				logger.FieldKey, a.key,
				logger.FieldError, err)
			return
		}
		a.fullImage = msg
	}
	listener.Deliver(l, a.fullImage, false)
}

func (a *Aggregator) sendRemoveAll(l listener.Listener) {
	if len(a.docHash) == 0 {
		return
	}
	keys := a.sortedKeys()
	updates := make([]wire.Update, 0, len(keys))
	for _, k := range keys {
		updates = append(updates, wire.Removed(k.collection, k.id))
	}
	msg, err := wire.EncodeUpdates("", a.now(), updates)
	if err != nil {
		a.log.Errorw("Failed to encode removals",
			logger.FieldKey, a.key,
			logger.FieldListener, l.ID(),
			logger.FieldError, err)
		return
	}
	listener.Deliver(l, msg, true)
}
