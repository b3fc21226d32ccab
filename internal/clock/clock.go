package clock

import (
	"sync"
	"time"
)

// #region clock
// Clock is the time source the controller reads. Nothing in the control
// path sleeps on it.
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// #endregion clock

// #region manual
// Manual is a clock that only moves when told to. Replays and tests use it so
// timeouts fire on an exact tick.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a manual clock starting at start.
// A zero start means the Unix epoch.
func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// #endregion manual

// #region micros
// Micros converts t to the microsecond timestamps guardians stamp on alerts.
func Micros(t time.Time) uint64 {
	us := t.UnixMicro()
	if us < 0 {
		return 0
	}
	return uint64(us)
}

// #endregion micros
