// Package loop runs the engine's event handlers one at a time on a single
// goroutine. Feeds, stores and transports hand work to the loop through
// Scheduler.Post; everything the core owns is touched only from inside a
// posted task, so the core takes no locks.
package loop

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/logger"
)

// Scheduler accepts tasks to run on the engine goroutine.
type Scheduler interface {
	Post(task func())
}

// Executor is a Scheduler that can also run a task and wait for it.
type Executor interface {
	Scheduler
	Do(ctx context.Context, task func()) error
}

// PanicHandler receives a value recovered from a task.
type PanicHandler func(recovered any)

// Loop is a FIFO task executor backed by one goroutine. The queue is
// unbounded so tasks may post follow-ups without blocking.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
	onPanic PanicHandler
	logger  *zap.SugaredLogger
}

// Option configures a Loop.
type Option func(*Loop)

// WithPanicHandler replaces the default handler, which re-panics.
func WithPanicHandler(h PanicHandler) Option {
	return func(l *Loop) { l.onPanic = h }
}

// New creates a loop. Call Run to start it.
func New(log *zap.SugaredLogger, opts ...Option) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.Named(log, "loop"),
		onPanic: func(r any) {
			panic(r)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post queues task. Tasks posted after Close are dropped.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Debugw("Dropping task posted after close")
		return
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs task on the loop and waits for it to finish. It must not be
// called from inside a task.
func (l *Loop) Do(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return errors.Wrap(errors.ErrClosed, "loop")
	}
	l.Post(func() {
		defer close(finished)
		task()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return errors.Wrap(errors.ErrClosed, "loop stopped before task ran")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued tasks until ctx is cancelled or Close is called.
// Tasks still queued at shutdown are run before Run returns.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	l.logger.Debugw("Loop started")
	for {
		select {
		case <-ctx.Done():
			l.Close()
			l.drain()
			l.logger.Debugw("Loop stopping due to context cancellation")
			return
		case <-l.wake:
			if !l.drain() {
				l.logger.Debugw("Loop stopped")
				return
			}
		}
	}
}

// drain runs every queued task; it reports false once the loop is closed
// and empty.
func (l *Loop) drain() bool {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			closed := l.closed
			l.mu.Unlock()
			return !closed
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.run(task)
	}
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorw("Task panicked",
				logger.FieldError, fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			l.onPanic(r)
		}
	}()
	task()
}

// Close stops accepting tasks. Run returns after draining what is queued.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }
