package status

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []Snapshot
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) listen(s Snapshot) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func (r *recorder) snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.got...)
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshots()) >= n }, time.Second, 5*time.Millisecond)
}

func TestSubscribeReplaysSynchronously(t *testing.T) {
	b := NewBroadcaster(Initial(), 0, nil)
	live := Initial()
	live.MarkAlive("opc.tcp://p:4840/")
	b.Emit(live)

	rec := newRecorder()
	unsub := b.Subscribe(rec.listen)
	defer unsub()

	got := rec.snapshots()
	require.Len(t, got, 1, "replay must happen before Subscribe returns")
	assert.True(t, got[0].Connected)
	assert.Equal(t, "opc.tcp://p:4840/", got[0].Endpoint)
}

func TestEmitReachesAllSubscribersInOrder(t *testing.T) {
	b := NewBroadcaster(Initial(), 0, nil)
	r1, r2 := newRecorder(), newRecorder()
	defer b.Subscribe(r1.listen)()
	defer b.Subscribe(r2.listen)()

	for _, reason := range []string{"a", "b", "c"} {
		s := Initial()
		s.Error = reason
		b.Emit(s)
	}
	for _, r := range []*recorder{r1, r2} {
		r.wait(t, 4)
		got := r.snapshots()
		assert.Equal(t, InitialError, got[0].Error)
		assert.Equal(t, "a", got[1].Error)
		assert.Equal(t, "b", got[2].Error)
		assert.Equal(t, "c", got[3].Error)
	}
	assert.Equal(t, 2, b.Len())
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	b := NewBroadcaster(Initial(), 0, nil)
	var calls atomic.Int32
	defer b.Subscribe(func(Snapshot) {
		calls.Add(1)
		panic("boom")
	})()
	rec := newRecorder()
	defer b.Subscribe(rec.listen)()

	b.Emit(Initial())
	rec.wait(t, 2)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSlowListenerDoesNotBlockEmit(t *testing.T) {
	b := NewBroadcaster(Initial(), 2, nil)
	release := make(chan struct{})
	var last atomic.Value
	var calls atomic.Int32
	unsub := b.Subscribe(func(s Snapshot) {
		last.Store(s.Error)
		if calls.Add(1) == 2 {
			<-release
		}
	})
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s := Initial()
			s.Error = string(rune('a' + i%26))
			b.Emit(s)
		}
		final := Initial()
		final.Error = "final"
		b.Emit(final)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow listener")
	}
	close(release)
	require.Eventually(t, func() bool { return last.Load() == "final" }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroadcaster(Initial(), 0, nil)
	rec := newRecorder()
	unsub := b.Subscribe(rec.listen)
	require.Equal(t, 1, b.Len())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); unsub() }()
		go func() { defer wg.Done(); b.Emit(Initial()) }()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Len())
	assert.NotPanics(t, unsub)

	time.Sleep(20 * time.Millisecond)
	n := len(rec.snapshots())
	b.Emit(Initial())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(rec.snapshots()))
}

func TestSubscribeAfterUpdatesSeesThem(t *testing.T) {
	bc := NewBroadcaster(Initial(), 0, nil)
	store := NewStore(bc.Emit)
	reg := testRegistry(t)
	def, _ := reg.ByName("A")
	store.Update(func(s *Snapshot) bool {
		s.PutNode(reg, def, true, LampError)
		return s.MarkAlive("opc.tcp://p:4840/")
	})

	rec := newRecorder()
	defer bc.Subscribe(rec.listen)()
	got := rec.snapshots()
	require.Len(t, got, 1)
	n, ok := got[0].Node("A")
	require.True(t, ok)
	assert.Equal(t, LampError, n.Status)
	assert.True(t, got[0].Connected)
}

func TestCloseDetachesEveryone(t *testing.T) {
	b := NewBroadcaster(Initial(), 0, nil)
	b.Subscribe(func(Snapshot) {})
	unsub := b.Subscribe(func(Snapshot) {})
	b.Close()
	assert.Equal(t, 0, b.Len())
	assert.NotPanics(t, unsub)
}

func TestSubscribeAfterCloseIsNoop(t *testing.T) {
	b := NewBroadcaster(Initial(), 0, nil)
	b.Close()

	var calls atomic.Int32
	unsub := b.Subscribe(func(Snapshot) { calls.Add(1) })
	assert.Equal(t, 0, b.Len())
	assert.Zero(t, calls.Load())

	b.Emit(Snapshot{Connected: true})
	assert.Equal(t, 0, b.Len())
	assert.Zero(t, calls.Load())
	assert.NotPanics(t, unsub)
}
