package composite

import (
	"go.uber.org/zap"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	"github.com/teranos/batchpub/logger"
)

// sink receives what nodes publish. Every feed event a node handles runs
// inside dispatch. A polling node holds the sink from the first event of a
// poll cycle until the cycle's bulk end, so the cycle flushes once.
type sink interface {
	added(collection string, id document.ID, fields document.Fields)
	changed(collection string, id document.ID, fields document.Fields, cleared []string)
	removed(collection string, id document.ID)
	dispatch(fn func())
	hold()
	release()
}

type docEntry struct {
	collection string
	fields     document.Fields
	flagged    bool
	children   []*Node
}

// docRegistry holds what a node has published. An id appears once.
type docRegistry struct {
	docs map[document.ID]*docEntry
}

func newDocRegistry() *docRegistry {
	return &docRegistry{docs: make(map[document.ID]*docEntry)}
}

func (r *docRegistry) get(id document.ID) (*docEntry, bool) {
	e, ok := r.docs[id]
	return e, ok
}

func (r *docRegistry) add(id document.ID, e *docEntry) error {
	if id.IsZero() {
		return errors.Wrapf(errors.ErrInvalidDocumentID, "register in %s", e.collection)
	}
	r.docs[id] = e
	return nil
}

func (r *docRegistry) remove(id document.ID) { delete(r.docs, id) }

func (r *docRegistry) len() int { return len(r.docs) }

func (r *docRegistry) ids() []document.ID {
	ids := make([]document.ID, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	document.SortIDs(ids)
	return ids
}

func (r *docRegistry) flagAll() {
	for _, e := range r.docs {
		e.flagged = true
	}
}

// Node is one level of a composite publication bound to a scope. It must
// only be used from the engine loop.
type Node struct {
	def   *Definition
	scope Scope
	sink  sink
	log   *zap.SugaredLogger
	// CLI -v count; trace levels log every event.
	verbosity int

	feed       feed.ChangeFeed
	handle     feed.Handle
	gen        uint64
	collection string
	docs       *docRegistry

	// While republishing, events of the new feed are held until its first
	// bulk end so that documents it no longer returns are removed first.
	republishing bool
	buffered     []feed.Event

	// holding is set while a poll cycle of the feed is in progress.
	holding bool
}

func newNode(def *Definition, scope Scope, s sink, log *zap.SugaredLogger, verbosity int) *Node {
	return &Node{
		def:        def,
		scope:      scope,
		sink:       s,
		log:        log,
		verbosity:  verbosity,
		collection: def.Collection,
		docs:       newDocRegistry(),
	}
}

// Len returns the number of documents the node publishes.
func (n *Node) Len() int { return n.docs.len() }

// Collection returns the collection of the node's documents, empty while
// the node has never observed a feed and its definition names none.
func (n *Node) Collection() string { return n.collection }

// Children returns the child nodes bound to the document id.
func (n *Node) Children(id document.ID) []*Node {
	e, ok := n.docs.get(id)
	if !ok {
		return nil
	}
	return append([]*Node(nil), e.children...)
}

// Inert reports whether the last evaluation of the definition returned no
// feed.
func (n *Node) Inert() bool { return n.handle == nil }

// publish evaluates the definition and observes the resulting feed. It
// reports false when the node is inert.
func (n *Node) publish() (bool, error) {
	f, err := n.def.Find(n.scope)
	if err != nil {
		return false, errors.Wrapf(err, "find %s", n.def.Collection)
	}
	if f == nil {
		n.log.Debugw("Node inert", logger.FieldCollection, n.def.Collection)
		return false, nil
	}
	if n.def.Collection == "" {
		n.collection = f.Collection()
	}
	if n.collection == "" {
		return false, errors.WithStack(errors.ErrMissingCollection)
	}

	n.feed = f
	n.gen++
	gen := n.gen
	polling := f.Mode() == feed.Polling
	handle, err := f.Observe(func(ev feed.Event) {
		if gen != n.gen {
			return
		}
		if polling && ev.Kind != feed.BulkEnded && !n.holding {
			n.holding = true
			n.sink.hold()
		}
		n.sink.dispatch(func() {
			n.handleEvent(ev)
			if ev.Kind == feed.BulkEnded {
				n.releaseHold()
			}
		})
	})
	if err != nil {
		n.feed = nil
		return false, errors.Wrapf(err, "observe %s", n.collection)
	}
	n.handle = handle
	return true, nil
}

// republish re-evaluates the definition. Documents the new feed no longer
// returns are removed with their children before its results are applied.
func (n *Node) republish() {
	n.stop()
	n.docs.flagAll()
	n.republishing = true
	n.buffered = nil
	n.log.Debugw("Republishing node",
		logger.FieldCollection, n.collection,
		logger.FieldCount, n.docs.len())

	observing, err := n.publish()
	if err != nil {
		n.warnInert(err)
	}
	if !observing {
		n.finishRepublish()
	}
}

// warnInert logs a child whose feed could not be built or observed. The
// node stays inert until its parent changes.
func (n *Node) warnInert(err error) {
	n.log.Warnw("Child node inert after failed find",
		logger.FieldCollection, n.def.Collection,
		logger.FieldError, err.Error())
}

func (n *Node) finishRepublish() {
	events := n.buffered
	n.republishing = false
	n.buffered = nil

	for _, ev := range events {
		if ev.Kind != feed.Added {
			continue
		}
		if e, ok := n.docs.get(ev.ID); ok {
			e.flagged = false
		}
	}
	for _, id := range n.docs.ids() {
		if e, ok := n.docs.get(id); ok && e.flagged {
			n.removeDoc(id)
		}
	}
	for _, ev := range events {
		n.apply(ev)
	}
}

// unpublish stops the feed and removes every document with its children.
func (n *Node) unpublish() {
	n.log.Debugw("Unpublishing node",
		logger.FieldCollection, n.collection,
		logger.FieldCount, n.docs.len())
	n.stop()
	n.republishing = false
	n.buffered = nil
	for _, id := range n.docs.ids() {
		n.removeDoc(id)
	}
}

func (n *Node) releaseHold() {
	if n.holding {
		n.holding = false
		n.sink.release()
	}
}

func (n *Node) stop() {
	n.releaseHold()
	n.gen++
	if n.handle != nil {
		n.handle.Stop()
		n.handle = nil
	}
	n.feed = nil
}

func (n *Node) handleEvent(ev feed.Event) {
	if logger.ShouldLogTrace(n.verbosity) {
		n.log.Debugw("Feed event",
			logger.FieldCollection, n.collection,
			"kind", ev.Kind.String(),
			logger.FieldDocID, ev.ID.String(),
			"republishing", n.republishing)
	}
	if n.republishing {
		if ev.Kind == feed.BulkEnded {
			n.finishRepublish()
			return
		}
		n.buffered = append(n.buffered, ev)
		return
	}
	n.apply(ev)
}

func (n *Node) apply(ev feed.Event) {
	switch ev.Kind {
	case feed.Added:
		n.onAdded(ev.ID, ev.Fields)
	case feed.Changed:
		n.onChanged(ev.ID, ev.Fields, ev.Cleared)
	case feed.Removed:
		n.onRemoved(ev.ID)
	case feed.BulkEnded:
	}
}

func (n *Node) onAdded(id document.ID, fields document.Fields) {
	if id.IsZero() {
		panic(errors.Wrapf(errors.ErrInvalidDocumentID, "added to %s", n.collection))
	}
	if e, ok := n.docs.get(id); ok {
		e.flagged = false
		prev := e.fields
		e.fields = fields.Clone()
		changed, cleared := document.Diff(prev, e.fields)
		if len(changed) == 0 && len(cleared) == 0 {
			return
		}
		n.sink.changed(e.collection, id, changed, cleared)
		if n.def.dependsOn(document.ChangedKeys(prev, e.fields)) {
			n.rederiveChildren(id, e)
		}
		return
	}

	e := &docEntry{collection: n.collection, fields: fields.Clone()}
	if err := n.docs.add(id, e); err != nil {
		panic(err)
	}
	n.log.Debugw("Document added",
		logger.FieldCollection, n.collection,
		logger.FieldDocID, id.String())
	n.sink.added(n.collection, id, e.fields)
	n.publishChildren(id, e)
}

func (n *Node) onChanged(id document.ID, fields document.Fields, cleared []string) {
	e, ok := n.docs.get(id)
	if !ok {
		panic(errors.UnknownChild(n.collection, id.String()))
	}
	prev := e.fields
	e.fields = prev.Apply(fields, cleared)
	keys := document.ChangedKeys(prev, e.fields)
	if len(keys) == 0 {
		return
	}
	changed, gone := document.Diff(prev, e.fields)
	n.log.Debugw("Document changed",
		logger.FieldCollection, n.collection,
		logger.FieldDocID, id.String())
	n.sink.changed(e.collection, id, changed, gone)
	if n.def.dependsOn(keys) {
		n.rederiveChildren(id, e)
	}
}

func (n *Node) onRemoved(id document.ID) {
	if _, ok := n.docs.get(id); !ok {
		n.log.Warnw("Removal of unpublished document ignored",
			logger.FieldCollection, n.collection,
			logger.FieldDocID, id.String())
		return
	}
	n.removeDoc(id)
}

func (n *Node) removeDoc(id document.ID) {
	e, ok := n.docs.get(id)
	if !ok {
		panic(errors.UnknownChild(n.collection, id.String()))
	}
	n.log.Debugw("Document removed",
		logger.FieldCollection, e.collection,
		logger.FieldDocID, id.String())
	n.sink.removed(e.collection, id)
	for _, child := range e.children {
		child.unpublish()
	}
	n.docs.remove(id)
}

func (n *Node) publishChildren(id document.ID, e *docEntry) {
	parent := document.Document{ID: id, Fields: e.fields}
	for i := range n.def.Children {
		child := newNode(&n.def.Children[i], n.scope.child(parent), n.sink, n.log, n.verbosity)
		e.children = append(e.children, child)
		if _, err := child.publish(); err != nil {
			child.warnInert(err)
		}
	}
}

// rederiveChildren rebinds the children of id to its current fields and
// republishes them.
func (n *Node) rederiveChildren(id document.ID, e *docEntry) {
	if len(e.children) == 0 {
		n.publishChildren(id, e)
		return
	}
	parent := document.Document{ID: id, Fields: e.fields}
	for _, child := range e.children {
		child.scope.Ancestors[0] = parent
		child.republish()
	}
}
