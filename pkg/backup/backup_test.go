package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/recordstore/pkg/lock"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txn-1.txn")
	clock := write.NewClock(0)

	locks := []lock.Description{
		{Mode: lock.ModeRead, Token: write.KeyToken("name")},
		{Mode: lock.ModeWrite, Token: write.KeyRecordToken("name", 1)},
	}
	writes := []write.Write{
		write.New(write.ADD, "name", value.String("alice"), 1, clock),
		write.New(write.REMOVE, "name", value.String("bob"), 1, clock),
	}

	require.NoError(t, Write(path, locks, writes))

	gotLocks, gotWrites, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, locks, gotLocks)
	require.Equal(t, writes, gotWrites)
}

func TestWriteRefusesToOverwriteExistingBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txn-1.txn")
	require.NoError(t, Write(path, nil, nil))
	require.Error(t, Write(path, nil, nil))
}

func TestReadRejectsTruncatedHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.txn")
	require.NoError(t, os.WriteFile(path, []byte{1, 2}, 0600))

	_, _, err := Read(path)
	require.Error(t, err)
}

func TestReadRejectsTruncatedLockSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.txn")
	// Claims a 100-byte lock section but supplies none.
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 0, 100}, 0600))

	_, _, err := Read(path)
	require.Error(t, err)
}
