package fog

import (
	"sync"
	"sync/atomic"
	"time"
)

// SessionStore holds the ordered fixes of the active session.
//
// Mutations are serialized by an internal mutex; in practice the tracker's
// ingestion loop is the only appender and enrichment completions only patch
// existing fixes. Readers never block: every mutation publishes a fresh
// immutable snapshot.
type SessionStore struct {
	mu       sync.Mutex
	seen     map[GeoPoint]string // rounded point -> fix ID
	epoch    uint64
	snapshot atomic.Pointer[ActiveSession]
}

// NewSessionStore returns an empty session started at startedAt.
func NewSessionStore(startedAt time.Time) *SessionStore {
	s := &SessionStore{seen: make(map[GeoPoint]string)}
	s.snapshot.Store(&ActiveSession{StartedAt: startedAt})
	return s
}

// Snapshot returns the current immutable session snapshot.
func (s *SessionStore) Snapshot() ActiveSession {
	return *s.snapshot.Load()
}

// CurrentPath returns the fix coordinates in arrival order.
func (s *SessionStore) CurrentPath() []GeoPoint {
	return s.snapshot.Load().Path()
}

// Len returns the number of fixes in the session.
func (s *SessionStore) Len() int {
	return len(s.snapshot.Load().Fixes)
}

// Append adds fix unless a fix with the same rounded coordinate already
// exists. It reports whether the fix was added.
func (s *SessionStore) Append(fix Fix) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[fix.Point]; dup {
		return false
	}

	cur := s.snapshot.Load()
	next := &ActiveSession{
		StartedAt: cur.StartedAt,
		// Appending may reuse spare capacity in cur's array. Older snapshots
		// only see their own length, so they are unaffected.
		Fixes:   append(cur.Fixes, fix),
		Epoch:   s.epoch,
		Version: cur.Version + 1,
	}
	s.seen[fix.Point] = fix.ID
	s.snapshot.Store(next)
	return true
}

// Enrich patches the fix identified by id. A non-nil point replaces the
// coordinate unless another fix already occupies it; a non-nil place replaces
// the place name. It returns whether the coordinate changed and whether the
// fix was found.
func (s *SessionStore) Enrich(id string, point *GeoPoint, place *Place) (moved, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot.Load()
	idx := -1
	for i := len(cur.Fixes) - 1; i >= 0; i-- {
		if cur.Fixes[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, false
	}

	fix := cur.Fixes[idx]
	if point != nil && *point != fix.Point {
		if _, taken := s.seen[*point]; !taken {
			delete(s.seen, fix.Point)
			s.seen[*point] = fix.ID
			fix.Point = *point
			fix.Snapped = true
			moved = true
		}
	}
	if place != nil {
		p := *place
		fix.Place = &p
	}

	fixes := make([]Fix, len(cur.Fixes))
	copy(fixes, cur.Fixes)
	fixes[idx] = fix
	s.snapshot.Store(&ActiveSession{
		StartedAt: cur.StartedAt,
		Fixes:     fixes,
		Epoch:     s.epoch,
		Version:   cur.Version + 1,
	})
	return moved, true
}

// Reset discards every fix and starts a new session.
func (s *SessionStore) Reset(startedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot.Load()
	s.epoch++
	s.seen = make(map[GeoPoint]string)
	s.snapshot.Store(&ActiveSession{StartedAt: startedAt, Epoch: s.epoch, Version: cur.Version + 1})
}

// Restore replaces the session with a previously cached one. Duplicate
// coordinates in the cached fixes are dropped.
func (s *SessionStore) Restore(session ActiveSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot.Load()
	s.epoch++
	s.seen = make(map[GeoPoint]string, len(session.Fixes))
	fixes := make([]Fix, 0, len(session.Fixes))
	for _, f := range session.Fixes {
		if _, dup := s.seen[f.Point]; dup {
			continue
		}
		s.seen[f.Point] = f.ID
		fixes = append(fixes, f)
	}
	s.snapshot.Store(&ActiveSession{
		StartedAt: session.StartedAt,
		Fixes:     fixes,
		Epoch:     s.epoch,
		Version:   cur.Version + 1,
	})
}
