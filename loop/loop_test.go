package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/batchpub/errors"
)

func startLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()
	l := New(zaptest.NewLogger(t).Sugar(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopFollowUpTasksRunAfterCurrent(t *testing.T) {
	l := startLoop(t)

	var got []string
	require.NoError(t, l.Do(context.Background(), func() {
		l.Post(func() { got = append(got, "follow-up") })
		got = append(got, "first")
	}))
	require.NoError(t, l.Do(context.Background(), func() {}))

	assert.Equal(t, []string{"first", "follow-up"}, got)
}

func TestLoopSerializesConcurrentPosts(t *testing.T) {
	l := startLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var final int
	require.NoError(t, l.Do(context.Background(), func() { final = counter }))
	assert.Equal(t, 2000, final)
}

func TestLoopRecoversPanics(t *testing.T) {
	recovered := make(chan any, 1)
	l := startLoop(t, WithPanicHandler(func(r any) { recovered <- r }))

	l.Post(func() { panic(errors.UnknownChild("posts", "p1")) })

	select {
	case r := <-recovered:
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, errors.ErrUnknownChildPublication))
	case <-time.After(time.Second):
		t.Fatal("panic handler not called")
	}

	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran, "loop keeps running after a recovered panic")
}

func TestLoopCloseDrainsAndRejects(t *testing.T) {
	l := New(zaptest.NewLogger(t).Sugar())

	ran := 0
	l.Post(func() { ran++ })
	l.Post(func() { ran++ })
	l.Close()
	l.Post(func() { ran++ })

	l.Run(context.Background())
	assert.Equal(t, 2, ran)

	err := l.Do(context.Background(), func() {})
	assert.True(t, errors.Is(err, errors.ErrClosed))
}

func TestLoopDoHonoursContext(t *testing.T) {
	l := New(zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInlineRunToCompletion(t *testing.T) {
	var in Inline
	var got []string

	in.Post(func() {
		got = append(got, "outer-start")
		in.Post(func() { got = append(got, "nested") })
		got = append(got, "outer-end")
	})
	in.Post(func() { got = append(got, "next") })

	assert.Equal(t, []string{"outer-start", "outer-end", "nested", "next"}, got)
}

func TestInlineImplementsScheduler(t *testing.T) {
	var s Scheduler = &Inline{}
	done := false
	s.Post(func() { done = true })
	assert.True(t, done)

	s = New(zaptest.NewLogger(t).Sugar())
	assert.NotNil(t, s)
}

func TestInlineDo(t *testing.T) {
	var e Executor = &Inline{}
	ran := false
	require.NoError(t, e.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}
