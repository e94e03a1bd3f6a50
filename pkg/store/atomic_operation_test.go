package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	errs "github.com/bobboyms/recordstore/pkg/errors"
	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/permanent/memstore"
	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dest := memstore.New()
	e, err := Open(dest, Config{LockTimeout: time.Second, BackupDir: t.TempDir()})
	require.NoError(t, err)
	return e
}

func TestAtomicOperationCommitAppliesWrites(t *testing.T) {
	e := newTestEngine(t)
	op := e.StartAtomicOperation()
	require.NoError(t, op.Add("name", value.String("alice"), 1))
	require.NoError(t, op.Commit())
	require.Equal(t, StateCommitted, op.State())

	present, err := e.Verify("name", value.String("alice"), 1, limbo.Now())
	require.NoError(t, err)
	require.True(t, present)
}

func TestAtomicOperationRejectsOperationsAfterCommit(t *testing.T) {
	e := newTestEngine(t)
	op := e.StartAtomicOperation()
	require.NoError(t, op.Add("name", value.String("alice"), 1))
	require.NoError(t, op.Commit())

	err := op.Add("name", value.String("bob"), 1)
	require.Error(t, err)
}

func TestAtomicOperationConflictsWhenScopeChangesBeforeCommit(t *testing.T) {
	e := newTestEngine(t)

	opA := e.StartAtomicOperation()
	_, err := opA.Verify("name", value.String("alice"), 1, limbo.Now())
	require.NoError(t, err)

	opB := e.StartAtomicOperation()
	require.NoError(t, opB.Add("name", value.String("bob"), 1))
	require.NoError(t, opB.Commit())

	// opB's commit notifies opA (a listener on the same scope) synchronously,
	// so the conflict surfaces on opA's very next operation.
	err = opA.Add("name", value.String("carol"), 1)
	require.Error(t, err)
	require.True(t, errs.IsConflict(err))
	require.Equal(t, StateAborted, opA.State())
}

func TestAtomicOperationAbortDiscardsWrites(t *testing.T) {
	e := newTestEngine(t)
	op := e.StartAtomicOperation()
	require.NoError(t, op.Add("name", value.String("alice"), 1))
	require.NoError(t, op.Abort())

	present, err := e.Verify("name", value.String("alice"), 1, limbo.Now())
	require.NoError(t, err)
	require.False(t, present)
}

func TestAtomicOperationAddIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	op := e.StartAtomicOperation()
	require.NoError(t, op.Add("tag", value.String("x"), 1))
	require.NoError(t, op.Add("tag", value.String("x"), 1))
	require.NoError(t, op.Commit())

	ctx := make(limbo.ExploreContext)
	predicate := query.Predicate{Key: "tag", Operator: query.Eq, Values: []value.Value{value.String("x")}}
	require.NoError(t, e.Explore(predicate, limbo.Now(), ctx))
	require.Equal(t, 1, ctx[1].Cardinality())
}

func TestAtomicOperationUpgradesRangeLockWhenItsOwnWriteMatchesAnExploredPredicate(t *testing.T) {
	predicate := query.Predicate{Key: "age", Operator: query.Gte, Values: []value.Value{value.Long(18)}}
	w := write.New(write.ADD, "age", value.Long(21), 1, write.NewClock(0))
	require.True(t, rangeMadeVisibleByWrite(predicate, []write.Write{w}))

	other := write.New(write.ADD, "age", value.Long(10), 1, write.NewClock(0))
	require.False(t, rangeMadeVisibleByWrite(predicate, []write.Write{other}))
}

func TestAtomicOperationCommitsWithRangeWriteLockWhenPredicateOverlapsOwnWrite(t *testing.T) {
	e := newTestEngine(t)
	op := e.StartAtomicOperation()

	predicate := query.Predicate{Key: "age", Operator: query.Gte, Values: []value.Value{value.Long(18)}}
	ctx := make(limbo.ExploreContext)
	require.NoError(t, op.Explore(predicate, limbo.Now(), ctx))
	require.NoError(t, op.Add("age", value.Long(21), 1))
	require.NoError(t, op.Commit())
}
