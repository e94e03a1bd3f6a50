package boltstore

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

func TestAcceptPersistsAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	clock := write.NewClock(0)

	s, err := Open(dir)
	require.NoError(t, err)

	w := write.New(write.ADD, "name", value.String("alice"), 1, clock)
	require.NoError(t, s.Accept(w))
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got := mapset.NewThreadUnsafeSet[value.Value]()
	require.NoError(t, reopened.Select("name", 1, limbo.Now(), got))
	require.True(t, got.Contains(value.Value(value.String("alice"))))
}

func TestAcceptRejectsCompare(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	w := write.New(write.COMPARE, "name", value.String("x"), 1, write.NewClock(0))
	require.Error(t, s.Accept(w))
}

func TestGetVersionAfterReopen(t *testing.T) {
	dir := t.TempDir()
	clock := write.NewClock(0)

	s, err := Open(dir)
	require.NoError(t, err)
	last := write.New(write.ADD, "k", value.Long(9), 3, clock)
	require.NoError(t, s.Accept(write.New(write.ADD, "k", value.Long(1), 3, clock)))
	require.NoError(t, s.Accept(last))
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, last.Version, reopened.GetVersion(write.RecordToken(3)))
}
