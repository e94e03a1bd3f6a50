package store

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/lock"
	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

// lockable is the narrow slice of lock.Locker that member()'s lockOnVerify
// path needs, kept local so pkg/store doesn't force every BufferedStore
// caller to depend on lock.Locker's full range-lock surface.
type lockable interface {
	GrabReadLock(write.Token) (lock.Release, error)
}

// BufferedStore composes a buffer and a destination into the single logical
// store of spec §4.3: reads fold the buffer's pending writes over a
// baseline context read from the destination ("XOR merge"); writes land
// only in the buffer, reaching the destination through a later transport.
//
// unsafeReads selects which destination method family reads go through:
// false for a plain BufferedStore fronting a real permanent store (no
// surrounding JIT protocol, so the destination's own locking applies), true
// for the BufferedStore an AtomicOperation embeds (spec §4.5 step 1: "the
// read using *Unsafe paths, since locks will be taken only at commit").
// BufferedStore itself holds no lock of its own around the merge (spec:
// "concurrency is delegated to subclasses"), so its own *Unsafe methods are
// identical to the safe ones, since there is nothing here to bypass.
type BufferedStore struct {
	buffer      limbo.Buffer
	destination Destination
	clock       *write.Clock
	unsafeReads bool
}

// NewBufferedStore constructs a BufferedStore over buffer and destination.
func NewBufferedStore(buffer limbo.Buffer, destination Destination, clock *write.Clock, unsafeReads bool) *BufferedStore {
	return &BufferedStore{buffer: buffer, destination: destination, clock: clock, unsafeReads: unsafeReads}
}

func (s *BufferedStore) readBaseline(key string, v value.Value, record uint64, timestamp uint64) (bool, error) {
	if s.unsafeReads {
		return s.destination.VerifyUnsafe(key, v, record, timestamp)
	}
	return s.destination.Verify(key, v, record, timestamp)
}

// Verify folds the destination's baseline membership with the buffer's
// toggles, the shared primitive every read and write-precondition check
// uses (spec §4.1 verify()).
func (s *BufferedStore) Verify(key string, v value.Value, record uint64, timestamp uint64) (bool, error) {
	baseline, err := s.readBaseline(key, v, record, timestamp)
	if err != nil {
		return false, err
	}
	probe := write.Write{Action: write.COMPARE, Key: key, Value: v, Record: record, Version: timestamp}
	return s.buffer.Verify(probe, baseline), nil
}

func (s *BufferedStore) Browse(key string, timestamp uint64, ctx limbo.KeyContext) error {
	var err error
	if s.unsafeReads {
		err = s.destination.BrowseUnsafe(key, timestamp, ctx)
	} else {
		err = s.destination.Browse(key, timestamp, ctx)
	}
	if err != nil {
		return err
	}
	s.buffer.BrowseKey(key, timestamp, ctx)
	return nil
}

func (s *BufferedStore) BrowseRecord(record uint64, timestamp uint64, ctx limbo.RecordContext) error {
	var err error
	if s.unsafeReads {
		err = s.destination.BrowseRecordUnsafe(record, timestamp, ctx)
	} else {
		err = s.destination.BrowseRecord(record, timestamp, ctx)
	}
	if err != nil {
		return err
	}
	s.buffer.BrowseRecord(record, timestamp, ctx)
	return nil
}

func (s *BufferedStore) Select(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error {
	var err error
	if s.unsafeReads {
		err = s.destination.SelectUnsafe(key, record, timestamp, ctx)
	} else {
		err = s.destination.Select(key, record, timestamp, ctx)
	}
	if err != nil {
		return err
	}
	s.buffer.Select(key, record, timestamp, ctx)
	return nil
}

func (s *BufferedStore) Explore(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error {
	var err error
	if s.unsafeReads {
		err = s.destination.ExploreUnsafe(predicate, timestamp, ctx)
	} else {
		err = s.destination.Explore(predicate, timestamp, ctx)
	}
	if err != nil {
		return err
	}
	s.buffer.Explore(ctx, timestamp, predicate)
	return nil
}

// Search resolves spec §9 Open Question (a) the same way pkg/limbo.Search
// does: replay buffer toggles against the destination's hit set via Explore
// with the Regex operator, rather than a naive set-symmetric-difference.
func (s *BufferedStore) Search(key string, pattern string) (mapset.Set[uint64], error) {
	predicate := query.Predicate{Key: key, Operator: query.Regex, Values: []value.Value{value.String(pattern)}}
	ctx := make(limbo.ExploreContext)
	if err := s.Explore(predicate, limbo.Now(), ctx); err != nil {
		return nil, err
	}
	records := mapset.NewThreadUnsafeSet[uint64]()
	for record := range ctx {
		records.Add(record)
	}
	return records, nil
}

// member reports whether (key, value, record) is present at the present
// time, optionally holding a read lock across the check (spec §4.3
// "lockOnVerify acquires a read lock during the membership check").
func (s *BufferedStore) member(locks lockable, key string, v value.Value, record uint64, lockOnVerify bool) (bool, error) {
	if lockOnVerify {
		release, err := locks.GrabReadLock(write.KeyRecordToken(key, record))
		if err != nil {
			return false, err
		}
		defer release()
	}
	return s.Verify(key, v, record, limbo.Now())
}

// Add inserts an ADD write iff validate is false or the field does not
// currently contain v (spec §4.3).
func (s *BufferedStore) Add(locks lockable, key string, v value.Value, record uint64, sync, validate, lockOnVerify bool) error {
	if validate {
		present, err := s.member(locks, key, v, record, lockOnVerify)
		if err != nil {
			return err
		}
		if present {
			return nil
		}
	}
	w := write.New(write.ADD, key, v, record, s.clock)
	_, err := s.buffer.Insert(w, sync)
	return err
}

// Remove inserts a REMOVE write iff validate is false or the field
// currently contains v (spec §4.3).
func (s *BufferedStore) Remove(locks lockable, key string, v value.Value, record uint64, sync, validate, lockOnVerify bool) error {
	if validate {
		present, err := s.member(locks, key, v, record, lockOnVerify)
		if err != nil {
			return err
		}
		if !present {
			return nil
		}
	}
	w := write.New(write.REMOVE, key, v, record, s.clock)
	_, err := s.buffer.Insert(w, sync)
	return err
}

// Set unconditionally emits REMOVEs for every value currently in the field
// then an ADD for v; it performs no existence check (spec §4.3).
func (s *BufferedStore) Set(key string, v value.Value, record uint64, sync bool) error {
	existing := mapset.NewThreadUnsafeSet[value.Value]()
	if err := s.Select(key, record, limbo.Now(), existing); err != nil {
		return err
	}
	for val := range existing.Iter() {
		w := write.New(write.REMOVE, key, val, record, s.clock)
		if _, err := s.buffer.Insert(w, sync); err != nil {
			return err
		}
	}
	w := write.New(write.ADD, key, v, record, s.clock)
	_, err := s.buffer.Insert(w, sync)
	return err
}

// Accept stages w directly into the buffer: "the destination only receives
// data via buffer.transport" (spec §4.3), so accepting into a BufferedStore
// is itself just a buffer insert.
func (s *BufferedStore) Accept(w write.Write) error {
	_, err := s.buffer.Insert(w, false)
	return err
}

// Transport drains the buffer FIFO into the destination.
func (s *BufferedStore) Transport() error {
	return s.buffer.Transport(s.destination)
}

// GetVersion composes the buffer's and destination's versions for scope
// (spec §4.6 "getVersion(scope) returns max(buffer.version(scope),
// engine.version(scope))", the same composition serves any BufferedStore,
// not just a Transaction's).
func (s *BufferedStore) GetVersion(tok write.Token) uint64 {
	bufferVersion := s.buffer.GetVersion(tok)
	destinationVersion := s.destination.GetVersion(tok)
	if bufferVersion > destinationVersion {
		return bufferVersion
	}
	return destinationVersion
}

// Len reports the number of writes currently staged in the buffer.
// Transaction.Commit uses it to decide whether a commit has anything to
// drain (spec §4.6 "if the Transaction is read-only (buffer empty), skip
// backup").
func (s *BufferedStore) Len() int {
	return s.buffer.Len()
}

// Writes returns the ordered, in-flight contents of the buffer, used by a
// Transaction to serialize its pending writes into a backup file.
func (s *BufferedStore) Writes() []write.Write {
	return s.buffer.Iterate()
}

// BrowseUnsafe, BrowseRecordUnsafe, SelectUnsafe, VerifyUnsafe, and
// ExploreUnsafe satisfy the Destination interface for a BufferedStore
// acting as someone else's destination. BufferedStore holds no lock of its
// own to bypass, so these are identical to the safe methods.
func (s *BufferedStore) BrowseUnsafe(key string, timestamp uint64, ctx limbo.KeyContext) error {
	return s.Browse(key, timestamp, ctx)
}

func (s *BufferedStore) BrowseRecordUnsafe(record uint64, timestamp uint64, ctx limbo.RecordContext) error {
	return s.BrowseRecord(record, timestamp, ctx)
}

func (s *BufferedStore) SelectUnsafe(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error {
	return s.Select(key, record, timestamp, ctx)
}

func (s *BufferedStore) VerifyUnsafe(key string, v value.Value, record uint64, timestamp uint64) (bool, error) {
	return s.Verify(key, v, record, timestamp)
}

func (s *BufferedStore) ExploreUnsafe(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error {
	return s.Explore(predicate, timestamp, ctx)
}

var _ Destination = (*BufferedStore)(nil)
