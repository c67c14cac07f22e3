package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/batchpub/composite"
	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	bptest "github.com/teranos/batchpub/internal/testing"
	"github.com/teranos/batchpub/listener"
	"github.com/teranos/batchpub/loop"
	"github.com/teranos/batchpub/query"
	"github.com/teranos/batchpub/store"
	"github.com/teranos/batchpub/wire"
)

func setup(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	st := store.NewMemoryStore(store.Options{Logger: log})
	t.Cleanup(func() { st.Close() })
	return New(WithStore(st), WithLogger(log)), st
}

func seed(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Insert(ctx, "tasks", document.NewID("t1"), document.Fields{"title": "one", "owner": "ada", "secret": "x"}))
	require.NoError(t, st.Insert(ctx, "tasks", document.NewID("t2"), document.Fields{"title": "two", "owner": "bob", "secret": "y"}))
}

func TestPublishValidation(t *testing.T) {
	e, _ := setup(t)

	err := e.PublishCollection("tasks", BatchSpec{})
	assert.True(t, errors.Is(err, errors.ErrMissingCollection))

	err = e.PublishCollection("bad", BatchSpec{Query: query.Query{
		Collection: "tasks",
		Selector:   query.Selector{"n": map[string]any{"$bogus": 1}},
	}})
	assert.True(t, errors.IsInvalidRequestError(err))

	require.NoError(t, e.PublishCollection("tasks", BatchSpec{Query: query.Query{Collection: "tasks"}}))
	err = e.PublishCollection("tasks", BatchSpec{Query: query.Query{Collection: "tasks"}})
	assert.True(t, errors.Is(err, errors.ErrDuplicatePublication))

	err = e.PublishComposite("tree", CompositeSpec{})
	assert.True(t, errors.IsInvalidRequestError(err))

	storeless := New()
	err = storeless.PublishCollection("tasks", BatchSpec{Query: query.Query{Collection: "tasks"}})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = e.Subscribe(context.Background(), bptest.NewRecordingListener("l"), "missing")
	assert.True(t, errors.Is(err, errors.ErrUnknownPublication))

	assert.Equal(t, []string{"tasks"}, e.Names())
}

func TestIdenticalQueriesShareOneFeed(t *testing.T) {
	ctx := context.Background()
	e, st := setup(t)
	seed(t, st)

	q := query.Query{Collection: "tasks", Sort: []query.SortField{{Field: "title"}}}
	require.NoError(t, e.PublishCollection("tasks", BatchSpec{Query: q}))
	require.NoError(t, e.PublishCollection("tasks-alias", BatchSpec{Query: q}))

	a := bptest.NewRecordingListener("a")
	b := bptest.NewRecordingListener("b")
	subA, err := e.Subscribe(ctx, a, "tasks")
	require.NoError(t, err)
	_, err = e.Subscribe(ctx, b, "tasks-alias")
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Publications: 2, Batches: 1, Subscriptions: 2}, stats)

	require.NoError(t, st.Update(ctx, "tasks", document.NewID("t1"), document.Fields{"title": "uno"}, nil))
	assert.Len(t, a.Messages(), 2)
	assert.Len(t, b.Messages(), 2)

	a.Reset()
	require.NoError(t, e.Unsubscribe(ctx, subA))
	require.NoError(t, e.Unsubscribe(ctx, subA))
	assert.Len(t, a.Updates(t), 2, "remove-all on unsubscribe")

	stats, err = e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Batches)
	assert.Equal(t, 1, stats.Subscriptions)
}

func TestRedactedPublication(t *testing.T) {
	ctx := context.Background()
	e, st := setup(t)
	seed(t, st)

	q := query.Query{Collection: "tasks"}
	require.NoError(t, e.PublishCollection("public", BatchSpec{Query: q, Redact: []string{"secret"}}))
	require.NoError(t, e.PublishCollection("private", BatchSpec{Query: q}))

	pub := bptest.NewRecordingListener("pub")
	priv := bptest.NewRecordingListener("priv")
	_, err := e.Subscribe(ctx, pub, "public")
	require.NoError(t, err)
	_, err = e.Subscribe(ctx, priv, "private")
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Batches, "redaction changes the sharing key")

	for _, u := range pub.Updates(t) {
		assert.NotContains(t, u.Fields, "secret")
	}
	for _, u := range priv.Updates(t) {
		assert.Contains(t, u.Fields, "secret")
	}
}

func TestValidationRejectsWithEmptySubscription(t *testing.T) {
	ctx := context.Background()
	e, st := setup(t)
	seed(t, st)

	require.NoError(t, e.PublishCollection("mine", BatchSpec{
		Query: query.Query{Collection: "tasks"},
		Validate: func(l listener.Listener, args []any) bool {
			return len(args) == 1 && args[0] == "token"
		},
	}))

	denied := bptest.NewRecordingListener("denied")
	sub, err := e.Subscribe(ctx, denied, "mine")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Empty(t, denied.Messages())

	allowed := bptest.NewRecordingListener("allowed")
	_, err = e.Subscribe(ctx, allowed, "mine", "token")
	require.NoError(t, err)
	assert.Len(t, allowed.Messages(), 1)

	require.NoError(t, e.Unsubscribe(ctx, sub))
	assert.Empty(t, denied.Messages())
}

func TestCompositeSubscriptionsKeyedByArgs(t *testing.T) {
	ctx := context.Background()
	e, st := setup(t)
	seed(t, st)
	require.NoError(t, st.Insert(ctx, "users", document.NewID("ada"), document.Fields{"name": "Ada"}))
	require.NoError(t, st.Insert(ctx, "users", document.NewID("bob"), document.Fields{"name": "Bob"}))

	require.NoError(t, e.PublishComposite("tasksOf", CompositeSpec{
		Roots: func(args []any) ([]composite.Definition, error) {
			owner, _ := args[0].(string)
			return []composite.Definition{{
				Find: func(composite.Scope) (feed.ChangeFeed, error) {
					return st.Feed(query.Query{Collection: "tasks", Selector: query.Selector{"owner": owner}})
				},
				DependsOn: []string{"owner"},
				Children: []composite.Definition{{
					Find: func(s composite.Scope) (feed.ChangeFeed, error) {
						parent, _ := s.Parent()
						return st.Feed(query.Query{Collection: "users", Selector: query.Selector{"_id": parent.Fields["owner"]}})
					},
				}},
			}}, nil
		},
	}))

	ada := bptest.NewRecordingListener("ada")
	ada2 := bptest.NewRecordingListener("ada2")
	bob := bptest.NewRecordingListener("bob")
	for l, owner := range map[*bptest.RecordingListener]string{ada: "ada", ada2: "ada", bob: "bob"} {
		_, err := e.Subscribe(ctx, l, "tasksOf", owner)
		require.NoError(t, err)
	}

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Composites)

	updates := ada.Updates(t)
	require.Len(t, updates, 2)
	assert.Equal(t, "tasks", updates[0].Collection)
	assert.Equal(t, document.NewID("t1"), updates[0].ID)
	assert.Equal(t, "users", updates[1].Collection)
	assert.Equal(t, document.NewID("ada"), updates[1].ID)
	assert.Len(t, ada2.Updates(t), 2)
}

func TestStopDetachesEverything(t *testing.T) {
	ctx := context.Background()
	e, st := setup(t)
	seed(t, st)
	require.NoError(t, e.PublishCollection("tasks", BatchSpec{Query: query.Query{Collection: "tasks"}}))

	l := bptest.NewRecordingListener("l")
	_, err := e.Subscribe(ctx, l, "tasks")
	require.NoError(t, err)
	l.Reset()

	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.Len(t, l.Updates(t), 2)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Batches)
	assert.Equal(t, 0, stats.Subscriptions)

	_, err = e.Subscribe(ctx, l, "tasks")
	assert.True(t, errors.Is(err, errors.ErrClosed))

	// The stopped feed no longer reacts to writes.
	require.NoError(t, st.Insert(ctx, "tasks", document.NewID("t3"), document.Fields{"title": "three"}))
	assert.Len(t, l.Messages(), 1)
}

func TestEngineOnLoop(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	lp := loop.New(log)
	ctx, cancel := context.WithCancel(context.Background())
	go lp.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-lp.Done()
	})

	st := store.NewMemoryStore(store.Options{Scheduler: lp, Logger: log})
	t.Cleanup(func() { st.Close() })
	e := New(WithExecutor(lp), WithStore(st), WithLogger(log))
	require.NoError(t, e.PublishCollection("tasks", BatchSpec{Query: query.Query{Collection: "tasks"}}))

	l := bptest.NewRecordingListener("l")
	_, err := e.Subscribe(ctx, l, "tasks")
	require.NoError(t, err)
	assert.Empty(t, l.Messages(), "empty initial result sends nothing")

	require.NoError(t, st.Insert(ctx, "tasks", document.NewID("t1"), document.Fields{"title": "one"}))
	require.Eventually(t, func() bool { return len(l.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	updates := l.Updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, wire.OpAdded, updates[0].Op)
	assert.Equal(t, document.Fields{"title": "one"}, updates[0].Fields)

	require.NoError(t, e.Stop(ctx))
}
