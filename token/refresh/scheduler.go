package refresh

import (
	"sync"
	"time"
)

// DefaultBuffer is how long before expiry a refresh is attempted.
const DefaultBuffer = 300 * time.Second

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// Timer is a pending scheduled call that can be stopped.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d. time.AfterFunc satisfies it via WithAfterFunc's default.
type AfterFunc func(d time.Duration, f func()) Timer

// Scheduler is a single-slot refresh timer. Arming always cancels the pending
// timer first, so at most one refresh is ever pending.
type Scheduler struct {
	lock      sync.Mutex
	buffer    time.Duration
	nowFunc   func() time.Time
	afterFunc AfterFunc
	onFire    func()

	timer  Timer
	fireAt time.Time
	seq    uint64
}

// SchedulerOption defines a function type to modify the Scheduler instance.
type SchedulerOption func(*Scheduler)

// WithBuffer sets how long before expiry the refresh fires.
func WithBuffer(buffer time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.buffer = buffer
	}
}

// WithNowFunc sets the time source (primarily for testing)
func WithNowFunc(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.nowFunc = now
	}
}

// WithAfterFunc sets the timer factory (primarily for testing)
func WithAfterFunc(af AfterFunc) SchedulerOption {
	return func(s *Scheduler) {
		s.afterFunc = af
	}
}

// NewScheduler creates a scheduler that calls onFire when a refresh is due.
// onFire runs on the timer's goroutine and must not call back into Arm or
// Cancel while holding locks the caller of Arm also holds.
func NewScheduler(onFire func(), options ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		buffer: DefaultBuffer,
		onFire: onFire,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.nowFunc == nil {
		s.nowFunc = NowTimeFunc
	}
	if s.afterFunc == nil {
		s.afterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	return s
}

// Arm schedules a refresh at expiresAt minus the buffer, replacing any pending
// one. If that moment has already passed the refresh is triggered immediately.
// It returns the delay that was scheduled.
func (s *Scheduler) Arm(expiresAt time.Time) time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.cancelLocked()

	fireAt := expiresAt.Add(-s.buffer)
	delay := fireAt.Sub(s.nowFunc())
	if delay < 0 {
		delay = 0
	}

	s.seq++
	seq := s.seq
	s.fireAt = fireAt
	s.timer = s.afterFunc(delay, func() { s.fire(seq) })
	return delay
}

// Cancel stops the pending refresh, if any.
func (s *Scheduler) Cancel() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.cancelLocked()
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.fireAt = time.Time{}
	// Bumping the sequence invalidates a timer that already started firing.
	s.seq++
}

// Pending reports whether a refresh is scheduled and has not fired.
func (s *Scheduler) Pending() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.timer != nil
}

// FireAt returns when the pending refresh is due.
func (s *Scheduler) FireAt() (time.Time, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.timer == nil {
		return time.Time{}, false
	}
	return s.fireAt, true
}

// Buffer returns the configured refresh buffer.
func (s *Scheduler) Buffer() time.Duration {
	return s.buffer
}

func (s *Scheduler) fire(seq uint64) {
	s.lock.Lock()
	if seq != s.seq {
		s.lock.Unlock()
		return
	}
	s.timer = nil
	s.fireAt = time.Time{}
	s.lock.Unlock()

	if s.onFire != nil {
		s.onFire()
	}
}
