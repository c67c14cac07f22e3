package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	"github.com/teranos/batchpub/metrics"
	"github.com/teranos/batchpub/query"
)

type degradeRecorder struct {
	metrics.Nop
	degraded []string
	started  int
	stopped  int
}

func (r *degradeRecorder) FeedDegraded(_, reason string) { r.degraded = append(r.degraded, reason) }
func (r *degradeRecorder) FeedStarted(_, _ string)      { r.started++ }
func (r *degradeRecorder) FeedStopped(_, _ string)      { r.stopped++ }

func newMemStore(t *testing.T, m metrics.Collector) *MemoryStore {
	return NewMemoryStore(Options{Logger: zaptest.NewLogger(t).Sugar(), Metrics: m})
}

type recorder struct {
	events []feed.Event
}

func (r *recorder) handle(ev feed.Event) { r.events = append(r.events, ev) }

func (r *recorder) kinds() []feed.EventKind {
	out := make([]feed.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) reset() { r.events = nil }

func TestMemoryStoreWrites(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t, nil)
	id := document.NewID("t1")

	require.NoError(t, s.Insert(ctx, "tasks", id, document.Fields{"title": "a", "done": false}))
	err := s.Insert(ctx, "tasks", id, document.Fields{})
	assert.True(t, errors.IsInvalidRequestError(err))

	require.NoError(t, s.Update(ctx, "tasks", id, document.Fields{"done": true}, []string{"title"}))
	got, err := s.Get(ctx, "tasks", id)
	require.NoError(t, err)
	assert.Equal(t, document.Fields{"done": true}, got)

	assert.True(t, errors.IsNotFoundError(s.Update(ctx, "tasks", document.NewID("nope"), nil, nil)))
	assert.True(t, errors.Is(s.Insert(ctx, "", id, nil), errors.ErrMissingCollection))
	assert.True(t, errors.IsInvalidDocumentID(s.Insert(ctx, "tasks", document.ID{}, nil)))

	require.NoError(t, s.Upsert(ctx, "tasks", id, document.Fields{"title": "b"}))
	got, err = s.Get(ctx, "tasks", id)
	require.NoError(t, err)
	assert.Equal(t, document.Fields{"title": "b"}, got)

	require.NoError(t, s.Remove(ctx, "tasks", id))
	assert.True(t, errors.IsNotFoundError(s.Remove(ctx, "tasks", id)))
	_, err = s.Get(ctx, "tasks", id)
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, s.Close())
	assert.True(t, errors.Is(s.Insert(ctx, "tasks", id, nil), errors.ErrClosed))
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t, nil)
	require.NoError(t, s.Insert(ctx, "c", document.NewID("x"), document.Fields{"n": 1}))

	got, err := s.Get(ctx, "c", document.NewID("x"))
	require.NoError(t, err)
	got["n"] = 2

	again, err := s.Get(ctx, "c", document.NewID("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, again["n"])
}

func TestMemoryFeedIncremental(t *testing.T) {
	ctx := context.Background()
	m := &degradeRecorder{}
	s := newMemStore(t, m)
	for i, title := range []string{"a", "b", "c"} {
		require.NoError(t, s.Insert(ctx, "tasks", document.MustID(i), document.Fields{"title": title, "open": i != 2}))
	}

	f, err := s.Feed(query.Query{Collection: "tasks", Selector: query.Selector{"open": true}, Fields: map[string]bool{"title": true}})
	require.NoError(t, err)
	assert.Equal(t, feed.Incremental, f.Mode())
	assert.Empty(t, m.degraded)

	rec := &recorder{}
	h, err := f.Observe(rec.handle)
	require.NoError(t, err)
	assert.Equal(t, []feed.EventKind{feed.Added, feed.Added, feed.BulkEnded}, rec.kinds())
	assert.Equal(t, document.Fields{"title": "a"}, rec.events[0].Fields)
	assert.Equal(t, 1, m.started)
	rec.reset()

	// enters the result
	require.NoError(t, s.Update(ctx, "tasks", document.MustID(2), document.Fields{"open": true}, nil))
	// projected-out field only: no event
	require.NoError(t, s.Update(ctx, "tasks", document.MustID(0), document.Fields{"priority": 3}, nil))
	// visible change
	require.NoError(t, s.Update(ctx, "tasks", document.MustID(0), document.Fields{"title": "A"}, nil))
	// leaves the result
	require.NoError(t, s.Update(ctx, "tasks", document.MustID(1), document.Fields{"open": false}, nil))
	// other collection
	require.NoError(t, s.Insert(ctx, "notes", document.NewID("n"), document.Fields{"open": true}))

	require.Equal(t, []feed.EventKind{feed.Added, feed.Changed, feed.Removed}, rec.kinds())
	assert.Equal(t, document.MustID(2), rec.events[0].ID)
	assert.Equal(t, document.Fields{"title": "A"}, rec.events[1].Fields)
	assert.Equal(t, document.MustID(1), rec.events[2].ID)
	assert.Len(t, f.Snapshot(), 2)

	assert.Equal(t, 1, s.observers.count("tasks"))
	h.Stop()
	h.Stop()
	assert.Equal(t, 0, s.observers.count("tasks"))
	assert.Equal(t, 1, m.stopped)
	assert.Empty(t, f.Snapshot())

	rec.reset()
	require.NoError(t, s.Remove(ctx, "tasks", document.MustID(0)))
	assert.Empty(t, rec.events, "stopped feeds are silent")
}

func TestMemoryFeedReplayedWriteIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t, nil)
	require.NoError(t, s.Insert(ctx, "c", document.NewID("a"), document.Fields{"v": 1}))

	f, err := s.Feed(query.Query{Collection: "c"})
	require.NoError(t, err)
	rec := &recorder{}
	_, err = f.Observe(rec.handle)
	require.NoError(t, err)
	rec.reset()

	mf := f.(*metered).ChangeFeed.(*memFeed)
	mf.apply(mf.active, Write{Collection: "c", ID: document.NewID("a"), After: document.Fields{"v": 1}})
	assert.Empty(t, rec.events)
}

func TestMemoryFeedLimitedWindow(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t, nil)
	for i, score := range []int{10, 30, 20} {
		require.NoError(t, s.Insert(ctx, "scores", document.MustID(i), document.Fields{"score": score}))
	}

	f, err := s.Feed(query.Query{
		Collection: "scores",
		Sort:       []query.SortField{{Field: "score", Desc: true}},
		Limit:      2,
	})
	require.NoError(t, err)
	assert.Equal(t, feed.Incremental, f.Mode())

	rec := &recorder{}
	_, err = f.Observe(rec.handle)
	require.NoError(t, err)
	assert.ElementsMatch(t, []document.ID{document.MustID(1), document.MustID(2)}, f.Snapshot().IDs())
	rec.reset()

	require.NoError(t, s.Insert(ctx, "scores", document.MustID(3), document.Fields{"score": 25}))
	require.Equal(t, []feed.EventKind{feed.Added, feed.Removed}, rec.kinds())
	assert.Equal(t, document.MustID(3), rec.events[0].ID)
	assert.Equal(t, document.MustID(2), rec.events[1].ID)
	rec.reset()

	require.NoError(t, s.Remove(ctx, "scores", document.MustID(1)))
	require.Equal(t, []feed.EventKind{feed.Added, feed.Removed}, rec.kinds())
	assert.Equal(t, document.MustID(2), rec.events[0].ID)
	assert.NotContains(t, rec.kinds(), feed.BulkEnded)
}

func TestMemoryFeedDegradesToPolling(t *testing.T) {
	m := &degradeRecorder{}
	s := newMemStore(t, m)

	f, err := s.Feed(query.Query{Collection: "tasks", Skip: 1})
	require.NoError(t, err)
	assert.Equal(t, feed.Polling, f.Mode())
	assert.Equal(t, []string{"skip"}, m.degraded)

	_, err = s.Feed(query.Query{Collection: "tasks", Selector: query.Selector{"$bogus": 1}})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestMemoryFeedOneObservationAtATime(t *testing.T) {
	s := newMemStore(t, nil)
	f, err := s.Feed(query.Query{Collection: "c"})
	require.NoError(t, err)

	h, err := f.Observe(func(feed.Event) {})
	require.NoError(t, err)
	_, err = f.Observe(func(feed.Event) {})
	assert.Error(t, err)

	h.Stop()
	_, err = f.Observe(func(feed.Event) {})
	assert.NoError(t, err)
}
