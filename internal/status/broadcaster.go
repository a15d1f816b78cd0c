package status

import (
	"log/slog"
	"sync"
)

// DefaultQueueSize bounds the snapshots buffered per subscriber.
const DefaultQueueSize = 16

// Broadcaster fans snapshots out to any number of listeners. Every listener
// has its own queue and goroutine, so Emit never waits on a listener.
type Broadcaster struct {
	mu        sync.Mutex
	latest    Snapshot
	subs      []*subscriber
	queueSize int
	logger    *slog.Logger
	closed    bool
}

type subscriber struct {
	fn    Listener
	queue chan Snapshot
	done  chan struct{}
	once  sync.Once
}

// NewBroadcaster replays initial to subscribers until the first Emit.
func NewBroadcaster(initial Snapshot, queueSize int, logger *slog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{latest: initial.Clone(), queueSize: queueSize, logger: logger}
}

// Subscribe registers fn and calls it once with the latest snapshot before
// returning. The returned func detaches fn and is safe to call repeatedly.
// After Close, Subscribe registers nothing and returns a no-op.
func (b *Broadcaster) Subscribe(fn Listener) func() {
	s := &subscriber{
		fn:    fn,
		queue: make(chan Snapshot, b.queueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	replay := b.latest.Clone()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	// Emits racing with the replay queue up behind it.
	b.deliver(s, replay)
	go b.pump(s)

	return func() { b.unsubscribe(s) }
}

// Emit hands a copy of snap to every subscriber in registration order. A full
// queue drops its oldest entry.
func (b *Broadcaster) Emit(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest = snap.Clone()
	for _, s := range b.subs {
		offer(s.queue, snap.Clone())
	}
}

// Latest returns the last emitted snapshot.
func (b *Broadcaster) Latest() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest.Clone()
}

func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
	}
}

func (b *Broadcaster) unsubscribe(s *subscriber) {
	s.once.Do(func() {
		b.mu.Lock()
		for i, x := range b.subs {
			if x == s {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(s.done)
	})
}

func (b *Broadcaster) pump(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case snap := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			b.deliver(s, snap)
		}
	}
}

func (b *Broadcaster) deliver(s *subscriber, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("status listener panicked", "panic", r)
		}
	}()
	s.fn(snap)
}

func offer(q chan Snapshot, snap Snapshot) {
	for {
		select {
		case q <- snap:
			return
		default:
		}
		select {
		case <-q:
		default:
		}
	}
}
