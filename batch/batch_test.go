package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	bptest "github.com/teranos/batchpub/internal/testing"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/wire"
)

var fixedNow = time.UnixMilli(1700000000000)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(Options{
		Logger: zaptest.NewLogger(t).Sugar(),
		Clock:  func() time.Time { return fixedNow },
	})
}

func doc(id string, fields document.Fields) document.Document {
	return document.Document{ID: document.NewID(id), Fields: fields}
}

func factoryFor(f *bptest.ManualFeed, calls *int) Factory {
	return func() (feed.ChangeFeed, error) {
		*calls++
		return f, nil
	}
}

func TestSingleFeedPerFingerprint(t *testing.T) {
	reg := newRegistry(t)
	f := bptest.NewManualFeed("tasks", feed.Incremental,
		doc("t1", document.Fields{"title": "one"}),
		doc("t2", document.Fields{"title": "two"}))
	calls := 0

	a := bptest.NewRecordingListener("a")
	b := bptest.NewRecordingListener("b")
	c := bptest.NewRecordingListener("c")

	for _, l := range []*bptest.RecordingListener{a, b, c} {
		p, err := reg.GetOrCreate("fp-1", "tasks", factoryFor(f, &calls))
		require.NoError(t, err)
		require.NoError(t, p.Attach(l))
	}

	assert.Equal(t, 1, calls, "one feed per fingerprint")
	assert.Equal(t, 1, f.Observes)
	assert.Equal(t, 1, reg.Len())

	// First listener got the initial burst, late joiners the full image.
	for _, l := range []*bptest.RecordingListener{a, b, c} {
		batches := l.Batches(t)
		require.Len(t, batches, 1, l.ID())
		assert.Equal(t, "tasks", batches[0].Collection)
		require.Len(t, batches[0].Updates, 2)
		assert.Equal(t, wire.OpAdded, batches[0].Updates[0].Op)
		assert.Equal(t, document.NewID("t1"), batches[0].Updates[0].ID)
		assert.Equal(t, document.Fields{"title": "one"}, batches[0].Updates[0].Fields)
	}
	assert.Equal(t, b.Messages()[0], c.Messages()[0], "full image is cached")

	p, ok := reg.Get("fp-1")
	require.True(t, ok)
	for _, l := range []*bptest.RecordingListener{a, b, c} {
		l.Reset()
		p.Detach(l)
	}

	assert.Equal(t, 1, f.Stops, "detaching everyone stops exactly one feed")
	assert.Equal(t, 0, reg.Len())
	_, ok = reg.Get("fp-1")
	assert.False(t, ok)

	for _, l := range []*bptest.RecordingListener{a, b, c} {
		updates := l.Updates(t)
		require.Len(t, updates, 2, l.ID())
		assert.Equal(t, wire.OpRemoved, updates[0].Op)
		assert.Equal(t, wire.OpRemoved, updates[1].Op)
	}

	p.Detach(a)
	assert.Equal(t, 1, f.Stops, "detach is idempotent")
}

func TestPollingFlushesOncePerCycle(t *testing.T) {
	reg := newRegistry(t)
	f := bptest.NewManualFeed("tasks", feed.Polling)
	f.Deferred = true
	calls := 0

	p, err := reg.GetOrCreate("fp-poll", "tasks", factoryFor(f, &calls))
	require.NoError(t, err)
	l := bptest.NewRecordingListener("l")
	require.NoError(t, p.Attach(l))

	f.Add(document.NewID("a"), document.Fields{"n": 1})
	f.Add(document.NewID("b"), document.Fields{"n": 2})
	f.Remove(document.NewID("a"))
	assert.Empty(t, l.Messages(), "polling holds events until the cycle ends")

	f.BulkEnd()
	batches := l.Batches(t)
	require.Len(t, batches, 1)
	assert.Equal(t, fixedNow.UnixMilli(), batches[0].LUT.UnixMilli())
	assert.Equal(t, fixedNow, p.LUT())

	ops := make([]wire.Op, 0, 3)
	for _, u := range batches[0].Updates {
		ops = append(ops, u.Op)
	}
	assert.Equal(t, []wire.Op{wire.OpAdded, wire.OpAdded, wire.OpRemoved}, ops)

	// An empty cycle sends nothing.
	f.BulkEnd()
	assert.Len(t, l.Messages(), 1)

	f.Change(document.NewID("b"), document.Fields{"n": 3})
	assert.Len(t, l.Messages(), 1)
	f.BulkEnd()
	require.Len(t, l.Messages(), 2)
}

func TestIncrementalStartupIsOneBatch(t *testing.T) {
	reg := newRegistry(t)
	f := bptest.NewManualFeed("tasks", feed.Incremental)
	f.Deferred = true
	calls := 0

	p, err := reg.GetOrCreate("fp-inc", "tasks", factoryFor(f, &calls))
	require.NoError(t, err)
	l := bptest.NewRecordingListener("l")
	require.NoError(t, p.Attach(l))

	const n = 5
	for i := 0; i < n; i++ {
		f.Add(document.MustID(i+1), document.Fields{"i": i})
	}
	assert.Empty(t, l.Messages(), "catch-up is held until bulk end")

	f.BulkEnd()
	batches := l.Batches(t)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Updates, n)

	f.Change(document.MustID(1), document.Fields{"i": 10})
	f.Remove(document.MustID(2))
	batches = l.Batches(t)
	require.Len(t, batches, 3, "each later event flushes on its own")
	assert.Equal(t, wire.OpChanged, batches[1].Updates[0].Op)
	assert.Equal(t, wire.OpRemoved, batches[2].Updates[0].Op)
	assert.Equal(t, document.MustID(2), batches[2].Updates[0].ID)
}

func TestPausedListenersAreSkipped(t *testing.T) {
	reg := newRegistry(t)
	f := bptest.NewManualFeed("tasks", feed.Incremental, doc("t1", document.Fields{"x": 1}))
	calls := 0

	p, err := reg.GetOrCreate("fp", "tasks", factoryFor(f, &calls))
	require.NoError(t, err)
	active := bptest.NewRecordingListener("active")
	paused := bptest.NewRecordingListener("paused")
	require.NoError(t, p.Attach(active))
	require.NoError(t, p.Attach(paused))
	paused.SetReady(false)
	paused.Reset()

	f.Add(document.NewID("t2"), document.Fields{"x": 2})
	assert.Len(t, active.Messages(), 2)
	assert.Empty(t, paused.Messages())

	paused.Deactivate()
	p.Detach(paused)
	require.Len(t, paused.Messages(), 1, "remove-all is forced")
	assert.Len(t, paused.Updates(t), 2)
	assert.Equal(t, 0, f.Stops)
}

func TestReattachAfterEviction(t *testing.T) {
	reg := newRegistry(t)
	f := bptest.NewManualFeed("tasks", feed.Polling, doc("t1", nil))
	calls := 0
	l := bptest.NewRecordingListener("l")

	p, err := reg.GetOrCreate("fp", "tasks", factoryFor(f, &calls))
	require.NoError(t, err)
	require.NoError(t, p.Attach(l))
	p.Detach(l)
	require.Equal(t, 0, reg.Len())

	p2, err := reg.GetOrCreate("fp", "tasks", factoryFor(f, &calls))
	require.NoError(t, err)
	assert.NotSame(t, p, p2)
	require.NoError(t, p2.Attach(l))
	assert.Equal(t, 2, calls)
	assert.True(t, p2.Active())
}

func TestAttachFailures(t *testing.T) {
	reg := newRegistry(t)

	_, err := reg.GetOrCreate("fp", "", func() (feed.ChangeFeed, error) { return nil, nil })
	assert.True(t, errors.Is(err, errors.ErrMissingCollection))
	assert.Equal(t, 0, reg.Len(), "no partial state")

	f := bptest.NewManualFeed("tasks", feed.Incremental)
	f.ObserveErr = errors.New("store closed")
	calls := 0
	p, err := reg.GetOrCreate("fp", "tasks", factoryFor(f, &calls))
	require.NoError(t, err)

	err = p.Attach(bptest.NewRecordingListener("l"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store closed")
	assert.False(t, p.Active())
	assert.Equal(t, 0, reg.Len())
}

func TestInvalidIDPanicsInHandler(t *testing.T) {
	reg := newRegistry(t)
	f := bptest.NewManualFeed("tasks", feed.Incremental)
	calls := 0
	p, err := reg.GetOrCreate("fp", "tasks", factoryFor(f, &calls))
	require.NoError(t, err)
	require.NoError(t, p.Attach(bptest.NewRecordingListener("l")))

	assert.Panics(t, func() { f.Add(document.ID{}, nil) })
}

func TestVerbosityGatesEventAndMessageLogs(t *testing.T) {
	cases := []struct {
		verbosity int
		events    int
		messages  int
	}{
		{logger.VerbosityDebug, 0, 0},
		{logger.VerbosityTrace, 2, 0},
		{logger.VerbosityAll, 2, 1},
	}
	for _, tc := range cases {
		t.Run(logger.LevelName(tc.verbosity), func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			reg := NewRegistry(Options{
				Logger:    zap.New(core).Sugar(),
				Clock:     func() time.Time { return fixedNow },
				Verbosity: tc.verbosity,
			})
			f := bptest.NewManualFeed("tasks", feed.Incremental, doc("t1", document.Fields{"n": 1}))
			p, err := reg.GetOrCreate("fp", "tasks", factoryFor(f, new(int)))
			require.NoError(t, err)
			require.NoError(t, p.Attach(bptest.NewRecordingListener("l")))

			assert.Equal(t, tc.events, logs.FilterMessage("Feed event").Len())
			dumps := logs.FilterMessage("Batch message").All()
			require.Len(t, dumps, tc.messages)
			if tc.messages > 0 {
				assert.Contains(t, dumps[0].ContextMap()["message"], "updateBatch")
			}
		})
	}
}
