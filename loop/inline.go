package loop

import (
	"context"
	"sync"
)

// Inline runs tasks on the calling goroutine. A task posted while another
// is running is queued and runs after it, preserving run-to-completion.
// Used by tests and by single-goroutine embedders.
type Inline struct {
	mu      sync.Mutex
	running bool
	queue   []func()
}

// Post runs task now, or after the task currently running.
func (in *Inline) Post(task func()) {
	in.mu.Lock()
	if in.running {
		in.queue = append(in.queue, task)
		in.mu.Unlock()
		return
	}
	in.running = true
	in.mu.Unlock()

	defer func() {
		in.mu.Lock()
		in.running = false
		in.queue = nil
		in.mu.Unlock()
	}()

	for task != nil {
		task()
		in.mu.Lock()
		if len(in.queue) == 0 {
			task = nil
		} else {
			task = in.queue[0]
			in.queue = in.queue[1:]
		}
		in.mu.Unlock()
	}
}

// Do runs task through Post. Called from inside a running task it only
// queues task and returns before it runs.
func (in *Inline) Do(_ context.Context, task func()) error {
	in.Post(task)
	return nil
}
