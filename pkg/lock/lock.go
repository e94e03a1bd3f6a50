// Package lock implements the lock service of spec §4.4: named read/write
// locks keyed by a write.Token, plus range locks keyed by a query.Predicate
// that conflict on interval overlap. It generalizes the teacher's two
// concurrency idioms, pkg/btree/btree.go's per-node sync.RWMutex latch
// crabbing (lock scoped narrowly, released on every exit path) and
// pkg/storage/engine.go's per-table Lock()/RLock(), into "one named lock
// per Token, looked up in a map, released via a returned closure."
package lock

import (
	"sync"
	"time"

	"github.com/bobboyms/recordstore/pkg/errors"
	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/write"
)

// Release unlocks whatever Grab* returned it. Idempotent: calling it more
// than once is a no-op.
type Release func()

// Service grants scoped read/write locks named by Token, and range locks
// named by a query.Predicate, with a bounded acquisition timeout (spec §5:
// "lock-acquisition timeout is the only implicit timeout").
type Service struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[write.Token]*entry

	rangeMu    sync.Mutex
	rangeLocks map[string][]*rangeHold // bucketed by key for cheap lookup
}

type entry struct {
	mu   sync.RWMutex
	refs int
}

type rangeHold struct {
	predicate query.Predicate
	write     bool
	mu        sync.RWMutex
}

// NewService creates a lock service with the given acquisition timeout.
func NewService(timeout time.Duration) *Service {
	return &Service{
		timeout:    timeout,
		entries:    make(map[write.Token]*entry),
		rangeLocks: make(map[string][]*rangeHold),
	}
}

// Timeout reports the acquisition timeout this service was constructed
// with, so a caller building a nested AtomicOperation/Transaction can reuse
// the same bound without threading it through separately.
func (s *Service) Timeout() time.Duration { return s.timeout }

func (s *Service) ref(tok write.Token) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tok]
	if !ok {
		e = &entry{}
		s.entries[tok] = e
	}
	e.refs++
	return e
}

func (s *Service) unref(tok write.Token, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		delete(s.entries, tok)
	}
}

// GrabReadLock acquires a shared lock on tok, bounded by the service
// timeout. The returned Release must be called on every exit path.
func (s *Service) GrabReadLock(tok write.Token) (Release, error) {
	e := s.ref(tok)
	if !acquire(s.timeout, e.mu.TryRLock) {
		s.unref(tok, e)
		return nil, errors.NewConflictError("read lock acquisition timed out", tok.String())
	}
	return s.releaseFunc(tok, e, false), nil
}

// GrabWriteLock acquires an exclusive lock on tok, bounded by the service
// timeout. The returned Release must be called on every exit path.
func (s *Service) GrabWriteLock(tok write.Token) (Release, error) {
	e := s.ref(tok)
	if !acquire(s.timeout, e.mu.TryLock) {
		s.unref(tok, e)
		return nil, errors.NewConflictError("write lock acquisition timed out", tok.String())
	}
	return s.releaseFunc(tok, e, true), nil
}

func (s *Service) releaseFunc(tok write.Token, e *entry, exclusive bool) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			if exclusive {
				e.mu.Unlock()
			} else {
				e.mu.RUnlock()
			}
			s.unref(tok, e)
		})
	}
}

// GrabRangeReadLock acquires a shared range lock for predicate, conflicting
// only with overlapping range-write locks (spec §4.4: "two range-reads on
// overlapping intervals do not conflict").
func (s *Service) GrabRangeReadLock(predicate query.Predicate) (Release, error) {
	return s.grabRange(predicate, false)
}

// GrabRangeWriteLock acquires an exclusive range lock for predicate,
// conflicting with any overlapping range read or write.
func (s *Service) GrabRangeWriteLock(predicate query.Predicate) (Release, error) {
	return s.grabRange(predicate, true)
}

func (s *Service) grabRange(predicate query.Predicate, exclusive bool) (Release, error) {
	hold := &rangeHold{predicate: predicate, write: exclusive}

	tryLock := func() bool {
		s.rangeMu.Lock()
		for _, other := range s.rangeLocks[predicate.Key] {
			if !predicate.Overlaps(other.predicate) {
				continue
			}
			if exclusive || other.write {
				s.rangeMu.Unlock()
				return false
			}
		}
		s.rangeLocks[predicate.Key] = append(s.rangeLocks[predicate.Key], hold)
		s.rangeMu.Unlock()
		return true
	}

	if !acquire(s.timeout, tryLock) {
		return nil, errors.NewConflictError("range lock acquisition timed out", predicate.Key)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.rangeMu.Lock()
			defer s.rangeMu.Unlock()
			holds := s.rangeLocks[predicate.Key]
			for i, h := range holds {
				if h == hold {
					s.rangeLocks[predicate.Key] = append(holds[:i], holds[i+1:]...)
					break
				}
			}
			if len(s.rangeLocks[predicate.Key]) == 0 {
				delete(s.rangeLocks, predicate.Key)
			}
		})
	}
	return release, nil
}

// acquire polls tryLock with exponential backoff until it succeeds or
// timeout elapses.
func acquire(timeout time.Duration, tryLock func() bool) bool {
	if tryLock() {
		return true
	}
	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond
	for time.Now().Before(deadline) {
		time.Sleep(backoff)
		if tryLock() {
			return true
		}
		if backoff < 16*time.Millisecond {
			backoff *= 2
		}
	}
	return false
}

// NoOp is the lock service variant returned to nested AtomicOperations
// inside a Transaction (spec §4.4: "returned to nested atomic operations
// inside a Transaction, since the outer Transaction already holds
// coordination responsibility"). Every Grab* call succeeds immediately and
// releases are no-ops.
type NoOp struct{}

func (NoOp) GrabReadLock(write.Token) (Release, error)             { return func() {}, nil }
func (NoOp) GrabWriteLock(write.Token) (Release, error)            { return func() {}, nil }
func (NoOp) GrabRangeReadLock(query.Predicate) (Release, error)    { return func() {}, nil }
func (NoOp) GrabRangeWriteLock(query.Predicate) (Release, error)   { return func() {}, nil }

// Locker is the interface AtomicOperation/Transaction depend on, satisfied
// by both *Service and NoOp (spec §9 "capability-based" polymorphism: each
// layer consumes exactly the interface it needs).
type Locker interface {
	GrabReadLock(write.Token) (Release, error)
	GrabWriteLock(write.Token) (Release, error)
	GrabRangeReadLock(query.Predicate) (Release, error)
	GrabRangeWriteLock(query.Predicate) (Release, error)
}

var (
	_ Locker = (*Service)(nil)
	_ Locker = NoOp{}
)

// Mode distinguishes a held read lock from a held write lock in a
// persisted Description (spec §6 "LockDescription").
type Mode uint8

const (
	ModeRead Mode = iota + 1
	ModeWrite
)

// Description serializes one lock reservation so a Transaction backup can
// recreate it during recovery (spec §6: "[u8 mode][u8 kind][token bytes]").
// Token.Encode already leads with the kind byte, so Description.Encode need
// only prepend mode.
type Description struct {
	Mode  Mode
	Token write.Token
}

// Encode renders the Description per spec §6.
func (d Description) Encode() []byte {
	tokBytes := d.Token.Encode()
	buf := make([]byte, 0, 1+len(tokBytes))
	buf = append(buf, byte(d.Mode))
	buf = append(buf, tokBytes...)
	return buf
}

// DecodeDescription parses a Description from buf, returning it and the
// number of bytes consumed.
func DecodeDescription(buf []byte) (Description, int, error) {
	if len(buf) < 1 {
		return Description{}, 0, errors.NewCorruptBackupError("", "truncated lock description")
	}
	mode := Mode(buf[0])
	tok, n, err := write.DecodeToken(buf[1:])
	if err != nil {
		return Description{}, 0, err
	}
	return Description{Mode: mode, Token: tok}, 1 + n, nil
}
