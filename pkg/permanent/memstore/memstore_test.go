package memstore

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

func TestAcceptRejectsCompare(t *testing.T) {
	s := New()
	w := write.New(write.COMPARE, "name", value.String("x"), 1, write.NewClock(0))
	require.Error(t, s.Accept(w))
}

func TestAcceptThenSelectRoundTrips(t *testing.T) {
	s := New()
	clock := write.NewClock(0)

	require.NoError(t, s.Accept(write.New(write.ADD, "name", value.String("alice"), 1, clock)))

	got := mapset.NewThreadUnsafeSet[value.Value]()
	require.NoError(t, s.Select("name", 1, limbo.Now(), got))
	require.True(t, got.Contains(value.Value(value.String("alice"))))
}

func TestVerifyObeysXorSemantics(t *testing.T) {
	s := New()
	clock := write.NewClock(0)

	add := write.New(write.ADD, "k", value.Long(7), 1, clock)
	require.NoError(t, s.Accept(add))
	present, err := s.Verify("k", value.Long(7), 1, limbo.Now())
	require.NoError(t, err)
	require.True(t, present)

	remove := write.New(write.REMOVE, "k", value.Long(7), 1, clock)
	require.NoError(t, s.Accept(remove))
	present, err = s.Verify("k", value.Long(7), 1, limbo.Now())
	require.NoError(t, err)
	require.False(t, present)
}

func TestExploreReturnsRecordsMatchingOperator(t *testing.T) {
	s := New()
	clock := write.NewClock(0)
	require.NoError(t, s.Accept(write.New(write.ADD, "age", value.Integer(5), 1, clock)))
	require.NoError(t, s.Accept(write.New(write.ADD, "age", value.Integer(10), 2, clock)))

	predicate := query.Predicate{Key: "age", Operator: query.Gt, Values: []value.Value{value.Integer(3)}}
	ctx := make(limbo.ExploreContext)
	require.NoError(t, s.Explore(predicate, limbo.Now(), ctx))

	require.Contains(t, ctx, uint64(1))
	require.Contains(t, ctx, uint64(2))
}

func TestGetVersionTracksScope(t *testing.T) {
	s := New()
	clock := write.NewClock(0)
	require.NoError(t, s.Accept(write.New(write.ADD, "k", value.Long(1), 1, clock)))
	last := write.New(write.ADD, "k", value.Long(2), 1, clock)
	require.NoError(t, s.Accept(last))

	require.Equal(t, last.Version, s.GetVersion(write.RecordToken(1)))
}

func TestAuditListsRevisionsForRecord(t *testing.T) {
	s := New()
	clock := write.NewClock(0)
	w := write.New(write.ADD, "k", value.Long(1), 42, clock)
	require.NoError(t, s.Accept(w))

	revisions, err := s.Audit(42)
	require.NoError(t, err)
	require.Contains(t, revisions, w.Version)
}
