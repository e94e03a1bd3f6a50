package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/recordstore/pkg/backup"
	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/lock"
	"github.com/bobboyms/recordstore/pkg/permanent/memstore"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

func TestEngineRecoversLeftoverBackupOnOpen(t *testing.T) {
	dir := t.TempDir()
	clock := write.NewClock(0)
	w := write.New(write.ADD, "name", value.String("alice"), 1, clock)
	locks := []lock.Description{{Mode: lock.ModeWrite, Token: write.KeyRecordToken("name", 1)}}
	path := filepath.Join(dir, "leftover.txn")
	require.NoError(t, backup.Write(path, locks, []write.Write{w}))

	dest := memstore.New()
	e, err := Open(dest, Config{LockTimeout: time.Second, BackupDir: dir})
	require.NoError(t, err)

	present, err := e.Verify("name", value.String("alice"), 1, limbo.Now())
	require.NoError(t, err)
	require.True(t, present)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestEngineRecoveryDiscardsCorruptBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.txn")
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 0, 100}, 0600))

	dest := memstore.New()
	_, err := Open(dest, Config{LockTimeout: time.Second, BackupDir: dir})
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestEngineRegistryTracksActiveTransactions(t *testing.T) {
	e := newTestEngine(t)
	txn := e.StartTransaction()
	require.Equal(t, int64(1), e.Registry().Count())

	require.NoError(t, txn.Commit())
	e.EndTransaction(txn)
	require.Equal(t, int64(0), e.Registry().Count())
}

func TestEngineSearchMatchesBufferedAndPermanentWrites(t *testing.T) {
	e := newTestEngine(t)
	op := e.StartAtomicOperation()
	require.NoError(t, op.Add("name", value.String("alice"), 1))
	require.NoError(t, op.Commit())
	require.NoError(t, e.Transport())

	op2 := e.StartAtomicOperation()
	require.NoError(t, op2.Add("name", value.String("alicia"), 2))
	require.NoError(t, op2.Commit())

	records, err := e.Search("name", "^alic")
	require.NoError(t, err)
	require.True(t, records.Contains(uint64(1)))
	require.True(t, records.Contains(uint64(2)))
}
