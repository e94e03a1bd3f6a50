package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

func TestReadLocksDoNotConflict(t *testing.T) {
	s := NewService(time.Second)
	tok := write.RecordToken(1)

	release1, err := s.GrabReadLock(tok)
	require.NoError(t, err)
	defer release1()

	release2, err := s.GrabReadLock(tok)
	require.NoError(t, err)
	defer release2()
}

func TestWriteLockBlocksReadLockUntilReleased(t *testing.T) {
	s := NewService(50 * time.Millisecond)
	tok := write.RecordToken(1)

	release, err := s.GrabWriteLock(tok)
	require.NoError(t, err)

	_, err = s.GrabReadLock(tok)
	require.Error(t, err)

	release()

	release2, err := s.GrabReadLock(tok)
	require.NoError(t, err)
	release2()
}

func TestWriteLockIsExclusive(t *testing.T) {
	s := NewService(50 * time.Millisecond)
	tok := write.RecordToken(1)

	release, err := s.GrabWriteLock(tok)
	require.NoError(t, err)
	defer release()

	_, err = s.GrabWriteLock(tok)
	require.Error(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := NewService(time.Second)
	tok := write.RecordToken(1)

	release, err := s.GrabWriteLock(tok)
	require.NoError(t, err)
	release()
	require.NotPanics(t, release)
}

func TestRangeReadLocksOverlapWithoutConflict(t *testing.T) {
	s := NewService(50 * time.Millisecond)
	p1 := query.Predicate{Key: "age", Operator: query.Gte, Values: []value.Value{value.Long(10)}}
	p2 := query.Predicate{Key: "age", Operator: query.Lte, Values: []value.Value{value.Long(20)}}

	release1, err := s.GrabRangeReadLock(p1)
	require.NoError(t, err)
	defer release1()

	release2, err := s.GrabRangeReadLock(p2)
	require.NoError(t, err)
	defer release2()
}

func TestRangeWriteLockConflictsWithOverlappingRangeRead(t *testing.T) {
	s := NewService(50 * time.Millisecond)
	p1 := query.Predicate{Key: "age", Operator: query.Gte, Values: []value.Value{value.Long(10)}}
	p2 := query.Predicate{Key: "age", Operator: query.Lte, Values: []value.Value{value.Long(20)}}

	release, err := s.GrabRangeReadLock(p1)
	require.NoError(t, err)
	defer release()

	_, err = s.GrabRangeWriteLock(p2)
	require.Error(t, err)
}

func TestNoOpLockerNeverBlocks(t *testing.T) {
	var locker Locker = NoOp{}
	release, err := locker.GrabWriteLock(write.RecordToken(1))
	require.NoError(t, err)
	require.NotPanics(t, release)
}

func TestDescriptionEncodeDecodeRoundTrips(t *testing.T) {
	d := Description{Mode: ModeWrite, Token: write.KeyRecordToken("name", 42)}
	buf := d.Encode()

	decoded, n, err := DecodeDescription(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, d, decoded)
}

func TestDecodeDescriptionRejectsTruncatedInput(t *testing.T) {
	_, _, err := DecodeDescription(nil)
	require.Error(t, err)
}

func TestServiceIsSafeForConcurrentUse(t *testing.T) {
	s := NewService(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := write.RecordToken(uint64(i % 5))
			release, err := s.GrabWriteLock(tok)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			release()
		}(i)
	}
	wg.Wait()
}
