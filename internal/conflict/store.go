package conflict

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cybertec-postgresql/finsync/internal/record"
)

// Store holds the queue of unresolved conflicts plus the audit records of
// those resolved during the session. At most one unresolved conflict exists
// per (table, recordId).
//
// Callers that read, decide and then write (ingest, resolution) must hold
// the per-record lock returned by Lock for the whole sequence. Readers never
// take it.
type Store struct {
	mu       sync.RWMutex
	pending  map[string]*entry
	byKey    map[record.Key]string
	resolved map[string]Conflict
	seq      uint64

	locks keyLocks
	newID func() string
	now   func() time.Time
}

type entry struct {
	conflict Conflict
	seq      uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator replaces the default UUID generator.
func WithIDGenerator(fn func() string) StoreOption {
	return func(s *Store) { s.newID = fn }
}

// WithStoreClock replaces time.Now for DetectedAt stamps.
func WithStoreClock(fn func() time.Time) StoreOption {
	return func(s *Store) { s.now = fn }
}

// NewStore creates an empty conflict store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		pending:  make(map[string]*entry),
		byKey:    make(map[record.Key]string),
		resolved: make(map[string]Conflict),
		locks:    keyLocks{m: make(map[record.Key]*keyLock)},
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add queues a new conflict and returns its id. If the record already has an
// unresolved conflict, the id of that conflict is returned together with
// ErrDuplicateConflict.
func (s *Store) Add(c Conflict) (string, error) {
	key := c.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		return id, fmt.Errorf("%w: %s (conflict %s)", ErrDuplicateConflict, key, id)
	}

	if c.ID == "" {
		c.ID = s.newID()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = s.now()
	}
	c.Resolution = nil

	s.seq++
	s.pending[c.ID] = &entry{conflict: c, seq: s.seq}
	s.byKey[key] = c.ID
	return c.ID, nil
}

// Replace swaps the versions of an unresolved conflict for a newer
// disagreement on the same record. ID, DetectedAt and queue position are
// kept.
func (s *Store) Replace(id string, latest Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.conflict.Key() != latest.Key() {
		return fmt.Errorf("%w: conflict %s belongs to %s, not %s", ErrInvariantViolation, id, e.conflict.Key(), latest.Key())
	}

	updated := e.conflict
	updated.Type = latest.Type
	updated.Server = latest.Server
	updated.Client = latest.Client
	updated.Baseline = latest.Baseline
	updated.DifferingFields = latest.DifferingFields
	e.conflict = updated
	return nil
}

// List returns the unresolved conflicts, oldest first.
func (s *Store) List() []Conflict {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.pending))
	for _, e := range s.pending {
		entries = append(entries, e)
	}
	out := make([]Conflict, len(entries))
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.conflict.DetectedAt.Equal(b.conflict.DetectedAt) {
			return a.conflict.DetectedAt.Before(b.conflict.DetectedAt)
		}
		return a.seq < b.seq
	})
	for i, e := range entries {
		out[i] = e.conflict
	}
	s.mu.RUnlock()
	return out
}

// Get returns an unresolved conflict.
func (s *Store) Get(id string) (Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.pending[id]
	if !ok {
		return Conflict{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.conflict, nil
}

// FindByKey returns the unresolved conflict of a record, if any.
func (s *Store) FindByKey(key record.Key) (Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return Conflict{}, false
	}
	return s.pending[id].conflict, true
}

// MarkResolved attaches the resolution, drops the conflict from the queue
// and keeps it as an audit record. Marking an already resolved conflict
// returns the stored record unchanged.
func (s *Store) MarkResolved(id string, res Resolution) (Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if done, ok := s.resolved[id]; ok {
		return done, nil
	}
	e, ok := s.pending[id]
	if !ok {
		return Conflict{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	done := e.conflict
	done.Resolution = &res
	s.resolved[id] = done
	s.removeLocked(id)
	return done, nil
}

// Remove drops a conflict from the unresolved queue. Removing an unknown id
// is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	s.removeLocked(id)
	s.mu.Unlock()
}

func (s *Store) removeLocked(id string) {
	e, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.byKey, e.conflict.Key())
	delete(s.pending, id)
}

// Resolved returns the audit record of a resolved conflict.
func (s *Store) Resolved(id string) (Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.resolved[id]
	return c, ok
}

// Len is the number of unresolved conflicts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Lock acquires the per-record lock and returns its release function.
func (s *Store) Lock(key record.Key) (unlock func()) {
	return s.locks.lock(key)
}

type keyLocks struct {
	mu sync.Mutex
	m  map[record.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (l *keyLocks) lock(key record.Key) func() {
	l.mu.Lock()
	kl, ok := l.m[key]
	if !ok {
		kl = &keyLock{}
		l.m[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
