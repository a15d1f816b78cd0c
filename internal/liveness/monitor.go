package liveness

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Monitor tracks when the last signal from the printer arrived and decides
// whether the connection has gone silent. It does not know about snapshots;
// the owner runs the check inside its own write path.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	last     atomic.Int64 // unix nanos, 0 until the first signal
}

func New(interval, timeout time.Duration, now func() time.Time) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{interval: interval, timeout: timeout, now: now}
}

func (m *Monitor) Interval() time.Duration { return m.interval }
func (m *Monitor) Timeout() time.Duration  { return m.timeout }

// Touch records a signal at the current time.
func (m *Monitor) Touch() {
	m.last.Store(m.now().UnixNano())
}

// Last returns the time of the most recent signal.
func (m *Monitor) Last() (time.Time, bool) {
	n := m.last.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// Clear forgets the last signal, e.g. after the session was torn down.
func (m *Monitor) Clear() {
	m.last.Store(0)
}

// Expired reports how long the printer has been silent and whether that
// exceeds the timeout. Never-seen is not expired.
func (m *Monitor) Expired() (time.Duration, bool) {
	last, ok := m.Last()
	if !ok {
		return 0, false
	}
	silence := m.now().Sub(last)
	return silence, silence > m.timeout
}

// Reason is the snapshot error for a liveness timeout.
func Reason(silence time.Duration) string {
	return fmt.Sprintf("no update received for %s (liveness timeout)", silence.Truncate(time.Second))
}

// Run calls check every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, check func()) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
