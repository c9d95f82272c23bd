// Package loop provides the single-threaded event loop the client core runs on.
// All component state is mutated from loop tasks only; blocking work is moved
// off the loop with Go and its result is posted back.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a handle to a scheduled task.
type Timer interface {
	Stop()
}

// Scheduler is the loop's task and timer primitive.
type Scheduler interface {
	Now() time.Time
	// Post runs fn on the loop after the current task completes.
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
	// Go runs work off the loop and posts done with its result.
	Go(work func() error, done func(error))
}

type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	quit   chan struct{}
	once   sync.Once
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains tasks until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}
		if len(tasks) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		case <-l.wake:
		}
	}
}

// Call posts fn and waits for it to run. It must not be called from the loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-l.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.quit)
	})
}

type loopTimer struct {
	stopped atomic.Bool
	timer   *time.Timer
	stop    chan struct{}
	once    sync.Once
}

func (t *loopTimer) Stop() {
	t.stopped.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.stop != nil {
		t.once.Do(func() { close(t.stop) })
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if !t.stopped.Load() {
				fn()
			}
		})
	})
	return t
}

func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Post(func() {
					if !t.stopped.Load() {
						fn()
					}
				})
			case <-t.stop:
				return
			case <-l.quit:
				return
			}
		}
	}()
	return t
}

func (l *Loop) Go(work func() error, done func(error)) {
	go func() {
		err := work()
		l.Post(func() { done(err) })
	}()
}
