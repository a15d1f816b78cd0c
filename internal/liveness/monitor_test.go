package liveness

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t atomic.Int64 }

func (c *fakeClock) now() time.Time          { return time.Unix(0, c.t.Load()) }
func (c *fakeClock) advance(d time.Duration) { c.t.Add(int64(d)) }

func newClock() *fakeClock {
	c := &fakeClock{}
	c.t.Store(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func TestNeverSeenIsNotExpired(t *testing.T) {
	c := newClock()
	m := New(0, 0, c.now)
	c.advance(time.Hour)
	_, expired := m.Expired()
	assert.False(t, expired)
	_, ok := m.Last()
	assert.False(t, ok)
}

func TestExpiresAfterTimeout(t *testing.T) {
	c := newClock()
	m := New(time.Second, 10*time.Second, c.now)
	m.Touch()

	c.advance(10 * time.Second)
	_, expired := m.Expired()
	assert.False(t, expired, "exactly the timeout is still alive")

	c.advance(time.Second)
	silence, expired := m.Expired()
	assert.True(t, expired)
	assert.Equal(t, 11*time.Second, silence)

	m.Touch()
	_, expired = m.Expired()
	assert.False(t, expired)

	m.Clear()
	_, ok := m.Last()
	assert.False(t, ok)
}

func TestDefaults(t *testing.T) {
	m := New(0, 0, nil)
	assert.Equal(t, DefaultInterval, m.Interval())
	assert.Equal(t, DefaultTimeout, m.Timeout())
	assert.Contains(t, Reason(11500*time.Millisecond), "11s")
}

func TestRunTicksUntilCancelled(t *testing.T) {
	m := New(5*time.Millisecond, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan struct{})
	go func() {
		m.Run(ctx, func() { ticks.Add(1) })
		close(done)
	}()
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
