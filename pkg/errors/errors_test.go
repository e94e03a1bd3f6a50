package errors

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMethods(t *testing.T) {
	errs := []error{
		&AtomicStateError{Operation: "commit", State: "ABORTED"},
		&TransactionStateError{Operation: "commit", State: "CLOSED"},
		&ConflictError{Reason: "version changed", Token: "record:1"},
		&InvalidWriteError{Reason: "COMPARE submitted to accept"},
		&CorruptBackupError{Path: "/tmp/1.txn", Reason: "truncated header"},
		&IOError{Op: "fsync", cause: New("disk full")},
	}

	for _, e := range errs {
		require.NotEmpty(t, e.Error())
	}
}

func TestIsConflict(t *testing.T) {
	err := NewConflictError("version changed", "key:name")
	require.True(t, IsConflict(err))
	require.False(t, IsConflict(New("some other error")))
}

func TestIOErrorUnwrap(t *testing.T) {
	cause := New("disk full")
	err := NewIOError("fsync", cause)
	require.ErrorIs(t, err, cause)
}
