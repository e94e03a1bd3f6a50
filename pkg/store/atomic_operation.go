package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bobboyms/recordstore/pkg/errors"
	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/lock"
	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/telemetry"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

// State is the lifecycle of an AtomicOperation (spec §4.5).
type State int32

const (
	StateOpen State = iota
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// AtomicOperation is the just-in-time-locked unit of work of spec §4.5: it
// reads through *Unsafe destination paths and stages writes in its own
// Queue, deferring every lock acquisition to Commit, where it takes every
// touched scope's lock in one deterministic pass and re-checks that nothing
// it observed has changed version since.
type AtomicOperation struct {
	destination Destination
	registrar   ListenerRegistrar
	locks       lock.Locker
	clock       *write.Clock
	timeout     time.Duration

	store *BufferedStore

	mu             sync.Mutex
	state          atomic.Int32
	conflicted     atomic.Bool
	observedTokens map[write.Token]uint64
	writeTokens    map[write.Token]struct{}
	rangeReads     []query.Predicate
}

// NewAtomicOperation constructs an AtomicOperation reading/writing through
// destination, subscribing for version-change notifications via registrar,
// and acquiring scope locks (at commit time) via locks.
func NewAtomicOperation(destination Destination, registrar ListenerRegistrar, locks lock.Locker, clock *write.Clock, timeout time.Duration) *AtomicOperation {
	op := &AtomicOperation{
		destination:    destination,
		registrar:      registrar,
		locks:          locks,
		clock:          clock,
		timeout:        timeout,
		observedTokens: make(map[write.Token]uint64),
		writeTokens:    make(map[write.Token]struct{}),
	}
	op.store = NewBufferedStore(limbo.NewQueue(), destination, clock, true)
	op.state.Store(int32(StateOpen))
	return op
}

// State reports the operation's current lifecycle state.
func (op *AtomicOperation) State() State {
	return State(op.state.Load())
}

func (op *AtomicOperation) checkOpen(operation string) error {
	if op.conflicted.Load() {
		op.abort()
		return errors.NewConflictError("operation observed a version change", operation)
	}
	if State(op.state.Load()) != StateOpen {
		return errors.NewAtomicStateError(operation, op.State().String())
	}
	return nil
}

// trackScope records tok as observed (capturing its baseline version on
// first sight) and, for writes, marks it as needing a write lock at commit
// (spec §4.5 steps 1-2).
func (op *AtomicOperation) trackScope(tok write.Token, forWrite bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if _, seen := op.observedTokens[tok]; !seen {
		op.observedTokens[tok] = op.destination.GetVersion(tok)
		op.registrar.AddVersionChangeListener(tok, op)
	}
	if forWrite {
		op.writeTokens[tok] = struct{}{}
	}
}

func (op *AtomicOperation) trackRange(predicate query.Predicate) {
	op.mu.Lock()
	op.rangeReads = append(op.rangeReads, predicate)
	op.mu.Unlock()
}

// Browse folds the destination and buffer for key (spec §4.1 browse(key)).
func (op *AtomicOperation) Browse(key string, timestamp uint64, ctx limbo.KeyContext) error {
	if err := op.checkOpen("browse"); err != nil {
		return err
	}
	op.trackScope(write.KeyToken(key), false)
	return op.store.Browse(key, timestamp, ctx)
}

// BrowseRecord folds the destination and buffer for record (spec §4.1
// browse(record)).
func (op *AtomicOperation) BrowseRecord(record uint64, timestamp uint64, ctx limbo.RecordContext) error {
	if err := op.checkOpen("browseRecord"); err != nil {
		return err
	}
	op.trackScope(write.RecordToken(record), false)
	return op.store.BrowseRecord(record, timestamp, ctx)
}

// Select folds the destination and buffer for one field (spec §4.1 select).
func (op *AtomicOperation) Select(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error {
	if err := op.checkOpen("select"); err != nil {
		return err
	}
	op.trackScope(write.KeyRecordToken(key, record), false)
	return op.store.Select(key, record, timestamp, ctx)
}

// Verify reports whether a field currently contains v (spec §4.1 verify).
func (op *AtomicOperation) Verify(key string, v value.Value, record uint64, timestamp uint64) (bool, error) {
	if err := op.checkOpen("verify"); err != nil {
		return false, err
	}
	op.trackScope(write.KeyRecordToken(key, record), false)
	return op.store.Verify(key, v, record, timestamp)
}

// Explore folds the destination and buffer for every value matching
// predicate (spec §4.1 explore), recording a range-read lock requirement
// for commit.
func (op *AtomicOperation) Explore(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error {
	if err := op.checkOpen("explore"); err != nil {
		return err
	}
	op.trackScope(write.KeyToken(predicate.Key), false)
	op.trackRange(predicate)
	return op.store.Explore(predicate, timestamp, ctx)
}

// Search implements spec §4.1 search(key, pattern) / §9 Open Question (a).
func (op *AtomicOperation) Search(key string, pattern string) (mapset.Set[uint64], error) {
	if err := op.checkOpen("search"); err != nil {
		return nil, err
	}
	op.trackScope(write.KeyToken(key), false)
	op.trackRange(query.Predicate{Key: key, Operator: query.Regex, Values: []value.Value{value.String(pattern)}})
	return op.store.Search(key, pattern)
}

// Add stages an ADD write iff the field does not already contain v (spec
// §4.3). No lock is held across the check: JIT locking defers that to
// Commit, relying on the version re-check to catch a racing writer.
func (op *AtomicOperation) Add(key string, v value.Value, record uint64) error {
	if err := op.checkOpen("add"); err != nil {
		return err
	}
	tok := write.KeyRecordToken(key, record)
	op.trackScope(tok, true)
	return op.store.Add(lock.NoOp{}, key, v, record, false, true, false)
}

// Remove stages a REMOVE write iff the field currently contains v (spec
// §4.3).
func (op *AtomicOperation) Remove(key string, v value.Value, record uint64) error {
	if err := op.checkOpen("remove"); err != nil {
		return err
	}
	tok := write.KeyRecordToken(key, record)
	op.trackScope(tok, true)
	return op.store.Remove(lock.NoOp{}, key, v, record, false, true, false)
}

// Set replaces every value currently in the field with v, with no existence
// check (spec §4.3).
func (op *AtomicOperation) Set(key string, v value.Value, record uint64) error {
	if err := op.checkOpen("set"); err != nil {
		return err
	}
	tok := write.KeyRecordToken(key, record)
	op.trackScope(tok, true)
	return op.store.Set(key, v, record, false)
}

// GetVersion composes the operation's own staged writes with its
// destination's version for tok.
func (op *AtomicOperation) GetVersion(tok write.Token) uint64 {
	return op.store.GetVersion(tok)
}

// OnVersionChange implements VersionListener: any notification at all means
// a scope this operation touched has moved, so the operation can no longer
// commit (spec §4.5 step 3).
func (op *AtomicOperation) OnVersionChange(write.Token) {
	op.conflicted.Store(true)
}

// scopeSnapshot returns defensive copies of the operation's tracked scopes,
// used by Commit and by a Transaction computing its backup's lock section.
func (op *AtomicOperation) scopeSnapshot() (observed map[write.Token]uint64, writes map[write.Token]struct{}, ranges []query.Predicate) {
	op.mu.Lock()
	defer op.mu.Unlock()
	observed = make(map[write.Token]uint64, len(op.observedTokens))
	for tok, v := range op.observedTokens {
		observed[tok] = v
	}
	writes = make(map[write.Token]struct{}, len(op.writeTokens))
	for tok := range op.writeTokens {
		writes[tok] = struct{}{}
	}
	ranges = append(ranges, op.rangeReads...)
	return observed, writes, ranges
}

func (op *AtomicOperation) unsubscribeAll() {
	op.mu.Lock()
	tokens := make([]write.Token, 0, len(op.observedTokens))
	for tok := range op.observedTokens {
		tokens = append(tokens, tok)
	}
	op.mu.Unlock()
	for _, tok := range tokens {
		op.registrar.RemoveVersionChangeListener(tok, op)
	}
}

// abort transitions the operation to StateAborted from any non-terminal
// state and unsubscribes its listeners. It is idempotent.
func (op *AtomicOperation) abort() {
	for {
		cur := State(op.state.Load())
		if cur == StateCommitted || cur == StateAborted {
			return
		}
		if op.state.CompareAndSwap(int32(cur), int32(StateAborted)) {
			op.unsubscribeAll()
			return
		}
	}
}

// Abort discards the operation's staged writes and releases its
// subscriptions without ever touching the destination.
func (op *AtomicOperation) Abort() error {
	op.abort()
	return nil
}

// Commit performs the JIT commit protocol of spec §4.5 step 2: acquire
// every touched scope's lock in deterministic order, re-check for
// conflicts, drain the buffer into the destination, then release.
func (op *AtomicOperation) Commit() error {
	op.mu.Lock()
	if op.conflicted.Load() {
		op.mu.Unlock()
		op.abort()
		telemetry.ConflictsTotal.Inc()
		return errors.NewConflictError("operation observed a version change before commit", "")
	}
	if State(op.state.Load()) != StateOpen {
		state := op.State().String()
		op.mu.Unlock()
		return errors.NewAtomicStateError("commit", state)
	}
	op.state.Store(int32(StateCommitting))
	op.mu.Unlock()

	observed, writeTokens, ranges := op.scopeSnapshot()

	tokens := make([]write.Token, 0, len(observed))
	for tok := range observed {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].String() < tokens[j].String() })

	var releases []lock.Release
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, tok := range tokens {
		var release lock.Release
		var err error
		if _, isWrite := writeTokens[tok]; isWrite {
			release, err = op.locks.GrabWriteLock(tok)
		} else {
			release, err = op.locks.GrabReadLock(tok)
		}
		if err != nil {
			releaseAll()
			op.abort()
			telemetry.LockTimeoutsTotal.Inc()
			return err
		}
		releases = append(releases, release)
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Key < ranges[j].Key })
	writes := op.store.Writes()
	for _, predicate := range ranges {
		var release lock.Release
		var err error
		if rangeMadeVisibleByWrite(predicate, writes) {
			release, err = op.locks.GrabRangeWriteLock(predicate)
		} else {
			release, err = op.locks.GrabRangeReadLock(predicate)
		}
		if err != nil {
			releaseAll()
			op.abort()
			telemetry.LockTimeoutsTotal.Inc()
			return err
		}
		releases = append(releases, release)
	}

	if op.conflicted.Load() {
		releaseAll()
		op.abort()
		telemetry.ConflictsTotal.Inc()
		return errors.NewConflictError("operation observed a version change while acquiring locks", "")
	}
	for tok, baseline := range observed {
		if op.destination.GetVersion(tok) != baseline {
			releaseAll()
			op.abort()
			telemetry.ConflictsTotal.Inc()
			return errors.NewConflictError("scope version changed since it was first observed", tok.String())
		}
	}

	if err := op.store.Transport(); err != nil {
		releaseAll()
		op.abort()
		return errors.Wrap(err, "commit: transport")
	}

	op.state.Store(int32(StateCommitted))
	releaseAll()
	op.unsubscribeAll()
	telemetry.CommitsTotal.Inc()
	return nil
}

// rangeMadeVisibleByWrite reports whether one of the operation's own staged
// writes falls inside predicate, meaning commit must take a range-write
// lock for it (spec §4.5 step 2: "range-write locks for any range predicate
// the operation made visible through writes") rather than a plain
// range-read lock.
func rangeMadeVisibleByWrite(predicate query.Predicate, writes []write.Write) bool {
	for _, w := range writes {
		if w.Key == predicate.Key && predicate.Matches(w.Value) {
			return true
		}
	}
	return false
}

var _ VersionListener = (*AtomicOperation)(nil)
