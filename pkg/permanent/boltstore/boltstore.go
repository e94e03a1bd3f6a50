// Package boltstore is a durable reference implementation of
// permanent.Compoundable backed by go.etcd.io/bbolt, grounded on the pack's
// own bbolt usage (cuemby-warren's pkg/storage/boltdb.go: bolt.Open with a
// fixed-mode file, one bucket per concern, db.Update/db.View transactions).
// Every accepted write is appended to a single bucket keyed by its
// monotonic version (bbolt's cursor iterates keys in byte order, so an
// 8-byte big-endian version key gives version-ordered replay for free) and
// mirrored into an in-memory cache that serves reads the same way memstore
// does; indexing/compaction remain out of scope for the permanent store
// core (spec §1).
package boltstore

import (
	"encoding/binary"
	"path/filepath"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/bobboyms/recordstore/pkg/errors"
	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/permanent"
	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

var bucketWrites = []byte("writes")

// Store is the bbolt-backed permanent.Compoundable implementation.
type Store struct {
	db *bolt.DB

	mu     sync.RWMutex
	writes []write.Write
}

// Open opens (creating if necessary) a bbolt database under dataDir and
// replays its write log into the in-memory read cache.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "recordstore.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errors.NewIOError("boltstore.Open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWrites)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.NewIOError("boltstore.Open: create bucket", err)
	}

	s := &Store{db: db}
	if err := s.loadCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadCache() error {
	var writes []write.Write
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWrites)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			w, _, err := write.Decode(v)
			if err != nil {
				return errors.Wrapf(err, "boltstore: decode write at key %x", k)
			}
			writes = append(writes, w)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.writes = writes
	s.mu.Unlock()
	return nil
}

// Close releases the underlying bbolt database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ permanent.Store        = (*Store)(nil)
	_ permanent.Compoundable = (*Store)(nil)
)

func versionKey(version uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	return buf
}

func (s *Store) Accept(w write.Write) error {
	if !w.IsStorable() {
		return errors.NewInvalidWriteError("permanent store cannot accept a COMPARE write")
	}
	encoded, err := w.Encode()
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWrites)
		return b.Put(versionKey(w.Version), encoded)
	})
	if err != nil {
		return errors.NewIOError("boltstore.Accept", err)
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
