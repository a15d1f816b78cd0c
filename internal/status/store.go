package status

import (
	"sync"
	"sync/atomic"
)

// Listener receives status snapshots.
type Listener func(Snapshot)

// Store holds the current snapshot. Readers load an immutable pointer; writers
// are serialized and publish a fresh copy on every change.
type Store struct {
	mu       sync.Mutex
	cur      atomic.Pointer[Snapshot]
	onChange []Listener
}

// NewStore starts at Initial. onChange listeners run under the writer lock in
// mutation order and must not block.
func NewStore(onChange ...Listener) *Store {
	s := &Store{onChange: onChange}
	first := Initial()
	s.cur.Store(&first)
	return s
}

// Load returns a copy of the current snapshot.
func (s *Store) Load() Snapshot {
	return s.cur.Load().Clone()
}

// Update applies fn to a private copy and publishes it when fn reports a change.
func (s *Store) Update(fn func(*Snapshot) bool) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Load().Clone()
	if !fn(&next) {
		return next, false
	}
	s.cur.Store(&next)
	for _, l := range s.onChange {
		l(next.Clone())
	}
	return next.Clone(), true
}

// Reset publishes the initial snapshot.
func (s *Store) Reset() Snapshot {
	snap, _ := s.Update(func(sn *Snapshot) bool {
		*sn = Initial()
		return true
	})
	return snap
}
