package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Stopper is the part of *time.Timer the monitor relies on.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it via a small adapter.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// TimeoutMonitor is a single countdown bound to a session generation. On
// expiry it invokes the termination callback at most once per generation.
type TimeoutMonitor struct {
	onExpire  func(gen uint64)
	afterFunc AfterFunc

	mu       sync.Mutex
	timer    Stopper
	armID    uint64
	armedGen uint64
	armed    bool
	firedGen uint64
	fired    bool
}

type TimeoutOption func(*TimeoutMonitor)

// WithAfterFunc replaces the timer factory, mostly for tests.
func WithAfterFunc(f AfterFunc) TimeoutOption {
	return func(t *TimeoutMonitor) {
		if f != nil {
			t.afterFunc = f
		}
	}
}

func NewTimeoutMonitor(onExpire func(gen uint64), opts ...TimeoutOption) *TimeoutMonitor {
	t := &TimeoutMonitor{
		onExpire:  onExpire,
		afterFunc: realAfterFunc,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Arm starts a countdown of maxDurationMs for generation gen. Arming while
// armed disarms the previous countdown first; the full duration always
// restarts.
func (t *TimeoutMonitor) Arm(gen uint64, maxDurationMs int64) error {
	if maxDurationMs <= 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "timeout must be positive, got %dms", maxDurationMs)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.armID++
	id := t.armID
	t.armedGen = gen
	t.armed = true
	t.timer = t.afterFunc(time.Duration(maxDurationMs)*time.Millisecond, func() {
		t.fire(id)
	})
	log.Debug().
		Str("component", "timeout").
		Uint64("generation", gen).
		Int64("max_duration_ms", maxDurationMs).
		Msg("timeout armed")
	return nil
}

// Disarm cancels the pending countdown, if any.
func (t *TimeoutMonitor) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		log.Debug().Str("component", "timeout").Uint64("generation", t.armedGen).Msg("timeout disarmed")
	}
	t.stopLocked()
}

// Armed reports whether a countdown is pending and for which generation.
func (t *TimeoutMonitor) Armed() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armedGen, t.armed
}

func (t *TimeoutMonitor) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.armed = false
	// A callback that already started racing past Stop sees a different id.
	t.armID++
}

func (t *TimeoutMonitor) fire(id uint64) {
	t.mu.Lock()
	if !t.armed || id != t.armID {
		t.mu.Unlock()
		return
	}
	gen := t.armedGen
	t.armed = false
	t.timer = nil
	if t.fired && t.firedGen == gen {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.firedGen = gen
	cb := t.onExpire
	t.mu.Unlock()

	log.Info().Str("component", "timeout").Uint64("generation", gen).Msg("session timeout expired")
	if cb != nil {
		cb(gen)
	}
}
