package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/permanent/memstore"
	"github.com/bobboyms/recordstore/pkg/value"
)

func TestTransactionCommitPersistsWrites(t *testing.T) {
	e := newTestEngine(t)
	txn := e.StartTransaction()
	require.NoError(t, txn.Add("name", value.String("alice"), 1))
	require.NoError(t, txn.Commit())
	e.EndTransaction(txn)

	present, err := e.Verify("name", value.String("alice"), 1, limbo.Now())
	require.NoError(t, err)
	require.True(t, present)
}

func TestTransactionReadOnlyCommitWritesNoBackupFile(t *testing.T) {
	dir := t.TempDir()
	dest := memstore.New()
	e, err := Open(dest, Config{LockTimeout: time.Second, BackupDir: dir})
	require.NoError(t, err)

	txn := e.StartTransaction()
	_, err = txn.Verify("name", value.String("alice"), 1, limbo.Now())
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	e.EndTransaction(txn)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTransactionCommitRemovesBackupFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	dest := memstore.New()
	e, err := Open(dest, Config{LockTimeout: time.Second, BackupDir: dir})
	require.NoError(t, err)

	txn := e.StartTransaction()
	require.NoError(t, txn.Add("name", value.String("alice"), 1))
	require.NoError(t, txn.Commit())
	e.EndTransaction(txn)

	path := filepath.Join(dir, txn.ID()+".txn")
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestTransactionNestedAtomicOperationIsIdempotentAcrossSiblings(t *testing.T) {
	e := newTestEngine(t)
	txn := e.StartTransaction()

	child1 := txn.StartAtomicOperation()
	require.NoError(t, child1.Add("tag", value.String("x"), 1))
	require.NoError(t, child1.Commit())

	child2 := txn.StartAtomicOperation()
	require.NoError(t, child2.Add("tag", value.String("x"), 1))
	require.NoError(t, child2.Commit())

	require.NoError(t, txn.Commit())
	e.EndTransaction(txn)

	ctx := make(limbo.KeyContext)
	require.NoError(t, e.Browse("tag", limbo.Now(), ctx))
	holders, ok := ctx[value.String("x")]
	require.True(t, ok)
	require.Equal(t, 1, holders.Cardinality())
}

func TestTransactionAbortRemovesNothingPersisted(t *testing.T) {
	e := newTestEngine(t)
	txn := e.StartTransaction()
	require.NoError(t, txn.Add("name", value.String("alice"), 1))
	require.NoError(t, txn.Abort())
	e.EndTransaction(txn)

	present, err := e.Verify("name", value.String("alice"), 1, limbo.Now())
	require.NoError(t, err)
	require.False(t, present)
}
