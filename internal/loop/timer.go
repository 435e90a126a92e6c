package loop

import (
	"sync"
	"time"
)

// Timer is a cancellable handle for a callback scheduled on a Loop.
// It is safe for concurrent use.
type Timer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// Stop prevents the callback from firing. Safe to call multiple times.
//
// Postcondition: When called on the loop, the callback will not run after Stop returns.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Stopped reports whether the timer was stopped or, for one-shot timers, has fired.
func (t *Timer) Stopped() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// claim marks a one-shot timer as fired. It returns false if Stop won the race.
func (t *Timer) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// AfterFunc schedules fn to run on the loop once, after d.
//
// Precondition: fn must not be nil.
// Postcondition: Returns a running Timer; fn runs on the loop unless Stop is called first.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.mu.Lock()
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.claim() {
				fn()
			}
		})
	})
	t.mu.Unlock()
	return t
}

// Every schedules fn to run on the loop every d until stopped. The next
// period starts after fn returns, so slow callbacks never overlap.
//
// Precondition: d > 0; fn must not be nil.
// Postcondition: Returns a running Timer.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		panic("loop.Every: interval must be > 0")
	}
	t := &Timer{}
	var arm func()
	arm = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.stopped {
			return
		}
		t.timer = time.AfterFunc(d, func() {
			l.Post(func() {
				if t.Stopped() {
					return
				}
				fn()
				arm()
			})
		})
	}
	arm()
	return t
}
