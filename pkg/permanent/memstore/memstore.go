// Package memstore is an in-memory reference implementation of
// permanent.Compoundable, grounded on the teacher's table metadata pattern
// (pkg/storage/table.go's TableMetaData: a map of named collections guarded
// by ordinary Go maps). Indexing and compaction are explicitly out of scope
// for the permanent store (spec §1); this implementation keeps every
// accepted write in an append-ordered slice and folds it on every read,
// which is correct but not the tuned storage engine the spec delegates
// elsewhere.
package memstore

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bobboyms/recordstore/pkg/errors"
	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/permanent"
	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

// Store is the in-memory permanent.Compoundable implementation.
type Store struct {
	mu     sync.RWMutex
	writes []write.Write
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{writes: make([]write.Write, 0)}
}

var (
	_ permanent.Store       = (*Store)(nil)
	_ permanent.Compoundable = (*Store)(nil)
)

func (s *Store) Accept(w write.Write) error {
	if !w.IsStorable() {
		return errors.NewInvalidWriteError("permanent store cannot accept a COMPARE write")
	}
	s.mu.Lock()
	s.writes = append(s.writes, w)
	s.mu.Unlock()
	return nil
}

func (s *Store) Audit(record uint64) (map[uint64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64]string)
	for _, w := range s.writes {
		if w.Record != record {
			continue
		}
		out[w.Version] = revisionString(w)
	}
	return out, nil
}

func (s *Store) AuditField(key string, record uint64) (map[uint64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64]string)
	for _, w := range s.writes {
		if w.Record != record || w.Key != key {
			continue
		}
		out[w.Version] = revisionString(w)
	}
	return out, nil
}

func revisionString(w write.Write) string {
	return permanent.Revision(w)
}

func (s *Store) Browse(key string, timestamp uint64, ctx limbo.KeyContext) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.browseUnsafe(key, timestamp, ctx)
}

func (s *Store) BrowseUnsafe(key string, timestamp uint64, ctx limbo.KeyContext) error {
	return s.browseUnsafe(key, timestamp, ctx)
}

func (s *Store) browseUnsafe(key string, timestamp uint64, ctx limbo.KeyContext) error {
	for _, w := range s.writes {
		if w.Version > timestamp || w.Key != key {
			continue
		}
		set, ok := ctx[w.Value]
		if !ok {
			set = mapset.NewThreadUnsafeSet[uint64]()
		}
		if w.Action == write.ADD {
			set.Add(w.Record)
		} else {
			set.Remove(w.Record)
		}
		if set.Cardinality() == 0 {
			delete(ctx, w.Value)
		} else {
			ctx[w.Value] = set
		}
	}
	return nil
}

func (s *Store) BrowseRecord(record uint64, timestamp uint64, ctx limbo.RecordContext) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.browseRecordUnsafe(record, timestamp, ctx)
}

func (s *Store) BrowseRecordUnsafe(record uint64, timestamp uint64, ctx limbo.RecordContext) error {
	return s.browseRecordUnsafe(record, timestamp, ctx)
}

func (s *Store) browseRecordUnsafe(record uint64, timestamp uint64, ctx limbo.RecordContext) error {
	for _, w := range s.writes {
		if w.Version > timestamp || w.Record != record {
			continue
		}
		set, ok := ctx[w.Key]
		if !ok {
			set = mapset.NewThreadUnsafeSet[value.Value]()
		}
		if w.Action == write.ADD {
			set.Add(w.Value)
		} else {
			set.Remove(w.Value)
		}
		if set.Cardinality() == 0 {
			delete(ctx, w.Key)
		} else {
			ctx[w.Key] = set
		}
	}
	return nil
}

func (s *Store) Select(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectUnsafe(key, record, timestamp, ctx)
}

func (s *Store) SelectUnsafe(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error {
	return s.selectUnsafe(key, record, timestamp, ctx)
}

func (s *Store) selectUnsafe(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error {
	for _, w := range s.writes {
		if w.Version > timestamp || w.Key != key || w.Record != record {
			continue
		}
		if w.Action == write.ADD {
			ctx.Add(w.Value)
		} else {
			ctx.Remove(w.Value)
		}
	}
	return nil
}

func (s *Store) Verify(key string, v value.Value, record uint64, timestamp uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifyUnsafe(key, v, record, timestamp), nil
}

func (s *Store) VerifyUnsafe(key string, v value.Value, record uint64, timestamp uint64) (bool, error) {
	return s.verifyUnsafe(key, v, record, timestamp), nil
}

func (s *Store) verifyUnsafe(key string, v value.Value, record uint64, timestamp uint64) bool {
	present := false
	for _, w := range s.writes {
		if w.Version > timestamp {
			continue
		}
		if w.Matches(key, v, record) {
			present = !present
		}
	}
	return present
}

func (s *Store) Explore(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exploreUnsafe(predicate, timestamp, ctx)
}

func (s *Store) ExploreUnsafe(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error {
	return s.exploreUnsafe(predicate, timestamp, ctx)
}

func (s *Store) exploreUnsafe(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error {
	for _, w := range s.writes {
		if w.Version > timestamp || w.Key != predicate.Key {
			continue
		}
		if !predicate.Matches(w.Value) {
			continue
		}
		set, ok := ctx[w.Record]
		if !ok {
			set = mapset.NewThreadUnsafeSet[value.Value]()
		}
		if w.Action == write.ADD {
			set.Add(w.Value)
		} else {
			set.Remove(w.Value)
		}
		if set.Cardinality() == 0 {
			delete(ctx, w.Record)
		} else {
			ctx[w.Record] = set
		}
	}
	return nil
}

func (s *Store) GetVersion(tok write.Token) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for _, w := range s.writes {
		if !tokenMatches(tok, w) {
			continue
		}
		if w.Version > max {
			max = w.Version
		}
	}
	return max
}

func tokenMatches(tok write.Token, w write.Write) bool {
	switch tok.Kind {
	case write.ScopeRecord:
		return w.Record == tok.Record
	case write.ScopeKey:
		return w.Key == tok.Key
	case write.ScopeKeyRecord:
		return w.Key == tok.Key && w.Record == tok.Record
	default:
		return false
	}
}
