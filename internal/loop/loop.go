// Package loop provides the single-goroutine event loop that serializes every
// packet handler, timer callback and lifecycle hook of the game server.
//
// Code running on the loop may mutate session, room and matchmaking state
// without locking. Work that blocks (store lookups, token verification) runs
// on its own goroutine and posts its completion back with Post.
package loop

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned by Run when the loop was already stopped.
var ErrStopped = errors.New("loop stopped")

// Loop executes posted tasks one at a time, in FIFO order.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	running bool
}

// New creates a stopped Loop.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a Loop ready for Run. Tasks posted before Run are kept.
func New(logger *zap.Logger) *Loop {
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run executes tasks until Stop is called. It blocks the calling goroutine.
//
// Postcondition: Returns nil after Stop, or ErrStopped if Stop preceded Run.
func (l *Loop) Run() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("loop already running")
	}
	select {
	case <-l.quit:
		l.mu.Unlock()
		return ErrStopped
	default:
	}
	l.running = true
	l.mu.Unlock()
	defer close(l.done)

	for {
		select {
		case <-l.quit:
			return nil
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, task := range batch {
			select {
			case <-l.quit:
				return nil
			default:
			}
			l.exec(task)
		}
	}
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"),
			)
		}
	}()
	task()
}

// Stop terminates Run after the task in progress. Safe to call multiple times.
//
// Postcondition: No further tasks execute. Run has returned if it was running.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.quit) })
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if running {
		<-l.done
	}
}

// Post enqueues fn for execution on the loop. Post never blocks and may be
// called from any goroutine, including the loop itself.
//
// Postcondition: Returns false if the loop is stopped and fn was dropped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine.
//
// Postcondition: Returns true if fn ran, false if the loop stopped first.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.quit:
		return false
	}
}
