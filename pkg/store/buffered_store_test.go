package store

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/lock"
	"github.com/bobboyms/recordstore/pkg/permanent/memstore"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

func newTestBufferedStore() (*BufferedStore, *memstore.Store, *write.Clock) {
	dest := memstore.New()
	clock := write.NewClock(0)
	return NewBufferedStore(limbo.NewLog(), dest, clock, false), dest, clock
}

func TestBufferedStoreAddThenVerify(t *testing.T) {
	s, _, _ := newTestBufferedStore()
	require.NoError(t, s.Add(lock.NoOp{}, "name", value.String("alice"), 1, false, true, false))

	present, err := s.Verify("name", value.String("alice"), 1, limbo.Now())
	require.NoError(t, err)
	require.True(t, present)
}

func TestBufferedStoreAddIsIdempotent(t *testing.T) {
	s, _, _ := newTestBufferedStore()
	require.NoError(t, s.Add(lock.NoOp{}, "name", value.String("alice"), 1, false, true, false))
	require.NoError(t, s.Add(lock.NoOp{}, "name", value.String("alice"), 1, false, true, false))
	require.Equal(t, 1, s.Len())
}

func TestBufferedStoreRemoveSkippedWhenAbsent(t *testing.T) {
	s, _, _ := newTestBufferedStore()
	require.NoError(t, s.Remove(lock.NoOp{}, "name", value.String("alice"), 1, false, true, false))
	require.Equal(t, 0, s.Len())
}

func TestBufferedStoreSetReplacesAllValues(t *testing.T) {
	s, _, _ := newTestBufferedStore()
	require.NoError(t, s.Add(lock.NoOp{}, "tags", value.String("a"), 1, false, true, false))
	require.NoError(t, s.Add(lock.NoOp{}, "tags", value.String("b"), 1, false, true, false))

	require.NoError(t, s.Set("tags", value.String("c"), 1, false))

	ctx := mapset.NewThreadUnsafeSet[value.Value]()
	require.NoError(t, s.Select("tags", 1, limbo.Now(), ctx))
	require.Equal(t, 1, ctx.Cardinality())
	require.True(t, ctx.Contains(value.String("c")))
}

func TestBufferedStoreFoldsDestinationAndBuffer(t *testing.T) {
	s, dest, clock := newTestBufferedStore()
	require.NoError(t, dest.Accept(write.New(write.ADD, "name", value.String("bob"), 1, clock)))

	ctx := mapset.NewThreadUnsafeSet[value.Value]()
	require.NoError(t, s.Select("name", 1, limbo.Now(), ctx))
	require.True(t, ctx.Contains(value.String("bob")))

	require.NoError(t, s.Remove(lock.NoOp{}, "name", value.String("bob"), 1, false, true, false))
	ctx2 := mapset.NewThreadUnsafeSet[value.Value]()
	require.NoError(t, s.Select("name", 1, limbo.Now(), ctx2))
	require.False(t, ctx2.Contains(value.String("bob")))
}

func TestBufferedStoreTransportDrainsIntoDestination(t *testing.T) {
	s, dest, _ := newTestBufferedStore()
	require.NoError(t, s.Add(lock.NoOp{}, "name", value.String("alice"), 1, false, true, false))
	require.NoError(t, s.Transport())
	require.Equal(t, 0, s.Len())

	present, err := dest.Verify("name", value.String("alice"), 1, limbo.Now())
	require.NoError(t, err)
	require.True(t, present)
}

func TestBufferedStoreGetVersionComposesBufferAndDestination(t *testing.T) {
	s, dest, clock := newTestBufferedStore()
	require.NoError(t, dest.Accept(write.New(write.ADD, "name", value.String("bob"), 1, clock)))
	destVersion := dest.GetVersion(write.KeyRecordToken("name", 1))
	require.Equal(t, destVersion, s.GetVersion(write.KeyRecordToken("name", 1)))

	require.NoError(t, s.Add(lock.NoOp{}, "name", value.String("carol"), 1, false, true, false))
	require.Greater(t, s.GetVersion(write.KeyRecordToken("name", 1)), destVersion)
}
