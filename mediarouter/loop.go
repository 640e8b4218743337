package mediarouter

import (
	"context"
	"sync"
	"time"
)

// Runner executes posted tasks one at a time, in posting order.
// Every Provider method expects to be called from the runner's goroutine.
type Runner interface {
	Post(task func())
}

// Loop is a Runner backed by a single goroutine and an unbounded queue,
// so posting from inside a running task never blocks.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// NewLoop constructor generates an idle Loop; call Run to start it.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues task for execution on the loop goroutine.
func (l *Loop) Post(task func()) {
	if task == nil {
		return
	}

	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostDelayed queues task after d has elapsed. The returned timer can be
// stopped to cancel a task that has not been queued yet.
func (l *Loop) PostDelayed(d time.Duration, task func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(task) })
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, task := range tasks {
			task()
		}

		if len(tasks) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}
