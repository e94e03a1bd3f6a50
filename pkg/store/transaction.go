package store

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bobboyms/recordstore/pkg/backup"
	"github.com/bobboyms/recordstore/pkg/errors"
	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/lock"
	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/telemetry"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Transaction is the durable, nestable unit of work of spec §4.6: it embeds
// an AtomicOperation as its own top-level scope (an "is-a" relationship,
// spec §9's capability-based alternative to a class hierarchy), adds a
// write-ahead backup file around commit, and routes version-change
// notifications to whichever nested AtomicOperation actually touched the
// scope that changed.
type Transaction struct {
	*AtomicOperation

	id        string
	engine    *Engine
	backupDir string
	timeout   time.Duration
	closed    atomic.Bool

	routeMu     sync.Mutex
	childTokens map[write.Token][]VersionListener
	subscribed  map[write.Token]struct{}
}

func newTransaction(id string, engine *Engine, timeout time.Duration) *Transaction {
	t := &Transaction{
		id:          id,
		engine:      engine,
		backupDir:   engine.backupDir,
		timeout:     timeout,
		childTokens: make(map[write.Token][]VersionListener),
		subscribed:  make(map[write.Token]struct{}),
	}
	t.AtomicOperation = NewAtomicOperation(engine, engine, engine.locks, engine.clock, timeout)
	return t
}

// ID returns the identifier this Transaction's backup file is named after.
func (t *Transaction) ID() string { return t.id }

// StartAtomicOperation opens a nested AtomicOperation scoped to this
// Transaction: it reads and writes through the Transaction (not directly
// through the Engine) and its lock service is the no-op variant, since the
// Transaction is already the serializing authority for everything its
// children touch (spec §4.6: "the child's lock services are the noOp
// variant").
func (t *Transaction) StartAtomicOperation() *AtomicOperation {
	return NewAtomicOperation(t, t, lock.NoOp{}, t.clock, t.timeout)
}

// Accept implements Destination for a nested AtomicOperation's commit: it
// re-validates and restages the write through the Transaction's own
// Add/Remove rather than replaying the child's write object verbatim, which
// is what makes add-then-add idempotent even across sibling nested
// operations (spec §8).
func (t *Transaction) Accept(w write.Write) error {
	switch w.Action {
	case write.ADD:
		return t.Add(w.Key, w.Value, w.Record)
	case write.REMOVE:
		return t.Remove(w.Key, w.Value, w.Record)
	default:
		return errors.NewInvalidWriteError("transaction cannot accept a COMPARE write")
	}
}

// BrowseUnsafe, BrowseRecordUnsafe, SelectUnsafe, VerifyUnsafe, and
// ExploreUnsafe are the read half of Destination a nested AtomicOperation
// uses. They reach the Transaction's own buffered view directly, bypassing
// trackScope/listener registration: the child is responsible for its own
// observe bookkeeping (registered against the Transaction as its
// registrar), not the Transaction's.
func (t *Transaction) BrowseUnsafe(key string, timestamp uint64, ctx limbo.KeyContext) error {
	return t.store.Browse(key, timestamp, ctx)
}

func (t *Transaction) BrowseRecordUnsafe(record uint64, timestamp uint64, ctx limbo.RecordContext) error {
	return t.store.BrowseRecord(record, timestamp, ctx)
}

func (t *Transaction) SelectUnsafe(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error {
	return t.store.Select(key, record, timestamp, ctx)
}

func (t *Transaction) VerifyUnsafe(key string, v value.Value, record uint64, timestamp uint64) (bool, error) {
	return t.store.Verify(key, v, record, timestamp)
}

func (t *Transaction) ExploreUnsafe(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error {
	return t.store.Explore(predicate, timestamp, ctx)
}

// GetVersion composes the Transaction's own buffer with the Engine's
// version for tok (spec §4.6: "max(buffer.version(scope),
// engine.version(scope))").
func (t *Transaction) GetVersion(tok write.Token) uint64 {
	return t.store.GetVersion(tok)
}

// AddVersionChangeListener subscribes listener for tok, lazily subscribing
// the Transaction itself to the Engine the first time any child cares about
// that token (spec §4.6 "listener routing").
func (t *Transaction) AddVersionChangeListener(tok write.Token, listener VersionListener) {
	t.routeMu.Lock()
	defer t.routeMu.Unlock()
	t.childTokens[tok] = append(t.childTokens[tok], listener)
	if _, ok := t.subscribed[tok]; !ok {
		t.subscribed[tok] = struct{}{}
		t.engine.AddVersionChangeListener(tok, t)
	}
}

// RemoveVersionChangeListener unsubscribes listener from tok, and the
// Transaction from the Engine once no child cares about tok anymore.
func (t *Transaction) RemoveVersionChangeListener(tok write.Token, listener VersionListener) {
	t.routeMu.Lock()
	defer t.routeMu.Unlock()
	listeners := t.childTokens[tok]
	for i, l := range listeners {
		if l == listener {
			listeners = append(listeners[:i], listeners[i+1:]...)
			break
		}
	}
	if len(listeners) == 0 {
		delete(t.childTokens, tok)
		if _, ok := t.subscribed[tok]; ok {
			delete(t.subscribed, tok)
			t.engine.RemoveVersionChangeListener(tok, t)
		}
	} else {
		t.childTokens[tok] = listeners
	}
}

// OnVersionChange routes an Engine notification to whichever nested
// AtomicOperations registered interest in tok; if none did, the Transaction
// read or wrote that scope directly itself, so it escalates to its own
// embedded conflict handling (spec §4.6).
func (t *Transaction) OnVersionChange(tok write.Token) {
	t.routeMu.Lock()
	listeners := t.childTokens[tok]
	delete(t.childTokens, tok)
	wasSubscribed := false
	if _, ok := t.subscribed[tok]; ok {
		wasSubscribed = true
		delete(t.subscribed, tok)
	}
	t.routeMu.Unlock()

	if wasSubscribed {
		t.engine.RemoveVersionChangeListener(tok, t)
	}

	if len(listeners) > 0 {
		for _, l := range listeners {
			l.OnVersionChange(tok)
		}
		return
	}
	t.AtomicOperation.OnVersionChange(tok)
}

// describeLocks derives the backup file's lock section from the
// Transaction's own tracked scopes: a lock.Description per observed token,
// ModeWrite for scopes the Transaction wrote, ModeRead otherwise. Range
// predicates are not represented: spec §6's LockDescription format is
// token-shaped only, so recovery re-acquires token locks and no range locks.
func (t *Transaction) describeLocks() []lock.Description {
	observed, writeTokens, _ := t.scopeSnapshot()
	descs := make([]lock.Description, 0, len(observed))
	for tok := range observed {
		mode := lock.ModeRead
		if _, isWrite := writeTokens[tok]; isWrite {
			mode = lock.ModeWrite
		}
		descs = append(descs, lock.Description{Mode: mode, Token: tok})
	}
	return descs
}

// Commit writes a durable backup of the Transaction's pending locks and
// writes before draining them into the Engine, so a crash between the two
// can be recovered by replaying the file (spec §4.6/§6). A read-only
// Transaction (nothing staged) commits without ever creating a backup file
// (spec §8).
func (t *Transaction) Commit() error {
	if t.closed.Load() {
		return errors.NewTransactionStateError("commit", "closed")
	}

	if t.store.Len() == 0 {
		err := t.AtomicOperation.Commit()
		if err == nil {
			t.closed.Store(true)
		}
		return err
	}

	writes := t.store.Writes()
	locks := t.describeLocks()
	path := filepath.Join(t.backupDir, t.id+".txn")
	if err := backup.Write(path, locks, writes); err != nil {
		return err
	}

	if err := t.AtomicOperation.Commit(); err != nil {
		// Backup is deliberately left on disk: a later recovery pass can
		// still replay it.
		return err
	}

	if err := removeBackup(path); err != nil {
		return err
	}
	t.closed.Store(true)
	telemetry.Log.Debug().Str("transaction", t.id).Msg("committed")
	return nil
}

// Abort discards the Transaction's staged writes and, if a backup was
// already written, removes it.
func (t *Transaction) Abort() error {
	if t.closed.Swap(true) {
		return nil
	}
	_ = t.AtomicOperation.Abort()
	path := filepath.Join(t.backupDir, t.id+".txn")
	return removeBackup(path)
}

func removeBackup(path string) error {
	if err := removeIfExists(path); err != nil {
		return errors.NewIOError("transaction.Commit: remove backup", err)
	}
	return nil
}

var _ Destination = (*Transaction)(nil)
var _ ListenerRegistrar = (*Transaction)(nil)
var _ VersionListener = (*Transaction)(nil)
