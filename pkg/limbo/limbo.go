// Package limbo implements the Buffer (Limbo) of spec §4.1: an ordered,
// volatile write log that folds into present-time or historical read
// contexts using XOR-fold semantics, and drains FIFO into a destination on
// transport. It generalizes two teacher idioms: pkg/wal/writer.go's
// append-ordered, mutex-guarded FIFO write path, and pkg/heap/heap.go's
// version-chain walk (CreateLSN/DeleteLSN/PrevOffset), reshaped here from
// "bytes on disk" into "ordered in-memory Writes folded into a caller's
// context map."
package limbo

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

// nowVersion is used as the upper timestamp bound for present-time reads: no
// real Write will ever reach this version within a process lifetime.
const nowVersion = ^uint64(0)

// KeyContext folds buffer writes for one key into value -> holder records,
// the shape spec §4.1's browse(key, ...) overload folds into.
type KeyContext map[value.Value]mapset.Set[uint64]

// RecordContext folds buffer writes for one record into key -> value set,
// the shape spec §4.1's browse(record, ...) overload folds into.
type RecordContext map[string]mapset.Set[value.Value]

// ExploreContext maps record -> the set of values (for one key) that
// satisfy a predicate, the shape both explore() and the Search()
// redesign (spec §9 Open Question (a)) fold into.
type ExploreContext map[uint64]mapset.Set[value.Value]

// Acceptor is the sink transport() drains into: a parent BufferedStore,
// AtomicOperation, Transaction, or permanent store.
type Acceptor interface {
	Accept(w write.Write) error
}

// Buffer is the contract spec §4.1 names. Queue (AtomicOperation/Transaction
// scope) and Log (the top-level engine's buffer) are both realized by the
// same concrete type below; the spec's distinction between them is about
// durability strategy, which is the buffer's own concern and explicitly out
// of scope for this core (spec §1).
type Buffer interface {
	Insert(w write.Write, sync bool) (bool, error)
	Iterate() []write.Write
	BrowseKey(key string, timestamp uint64, ctx KeyContext)
	BrowseRecord(record uint64, timestamp uint64, ctx RecordContext)
	Select(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value])
	Verify(probe write.Write, baseline bool) bool
	Explore(ctx ExploreContext, timestamp uint64, predicate query.Predicate)
	Search(key string, pattern string) mapset.Set[uint64]
	Transport(dest Acceptor) error
	GetVersion(tok write.Token) uint64
	Len() int
}

type buffer struct {
	mu     chan struct{} // 1-buffered channel used as a cheap mutex that never blocks Insert behind a long Transport
	writes []write.Write
}

func newBuffer() *buffer {
	b := &buffer{mu: make(chan struct{}, 1), writes: make([]write.Write, 0)}
	b.mu <- struct{}{}
	return b
}

func (b *buffer) lock()   { <-b.mu }
func (b *buffer) unlock() { b.mu <- struct{}{} }

// NewLog creates the general-purpose ordered buffer used by the top-level
// engine's BufferedStore (spec §4.1: "a general ordered log for the main
// engine").
func NewLog() Buffer { return newBuffer() }

// NewQueue creates the short-lived, in-memory, no-sync buffer an
// AtomicOperation or Transaction scopes its writes in (spec §4.1: "a Queue /
// TransactionQueue for atomic and transaction scopes").
func NewQueue() Buffer { return newBuffer() }

func (b *buffer) Insert(w write.Write, sync bool) (bool, error) {
	if !w.IsStorable() {
		return false, nil
	}
	b.lock()
	b.writes = append(b.writes, w)
	b.unlock()
	// sync is accepted for interface parity with spec §4.1's insert(write,
	// sync) contract; real fsync durability is the buffer implementation's
	// own concern (spec §1, out of scope for this core).
	_ = sync
	return true, nil
}

func (b *buffer) Iterate() []write.Write {
	b.lock()
	defer b.unlock()
	out := make([]write.Write, len(b.writes))
	copy(out, b.writes)
	return out
}

func (b *buffer) Len() int {
	b.lock()
	defer b.unlock()
	return len(b.writes)
}

func (b *buffer) BrowseKey(key string, timestamp uint64, ctx KeyContext) {
	b.lock()
	writes := b.writes
	defer b.unlock()
	for _, w := range writes {
		if w.Version > timestamp || w.Key != key {
			continue
		}
		set, ok := ctx[w.Value]
		if !ok {
			set = mapset.NewThreadUnsafeSet[uint64]()
		}
		if w.Action == write.ADD {
			set.Add(w.Record)
		} else {
			set.Remove(w.Record)
		}
		if set.Cardinality() == 0 {
			delete(ctx, w.Value)
		} else {
			ctx[w.Value] = set
		}
	}
}

func (b *buffer) BrowseRecord(record uint64, timestamp uint64, ctx RecordContext) {
	b.lock()
	writes := b.writes
	defer b.unlock()
	for _, w := range writes {
		if w.Version > timestamp || w.Record != record {
			continue
		}
		set, ok := ctx[w.Key]
		if !ok {
			set = mapset.NewThreadUnsafeSet[value.Value]()
		}
		if w.Action == write.ADD {
			set.Add(w.Value)
		} else {
			set.Remove(w.Value)
		}
		if set.Cardinality() == 0 {
			delete(ctx, w.Key)
		} else {
			ctx[w.Key] = set
		}
	}
}

func (b *buffer) Select(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) {
	b.lock()
	writes := b.writes
	defer b.unlock()
	for _, w := range writes {
		if w.Version > timestamp || w.Key != key || w.Record != record {
			continue
		}
		if w.Action == write.ADD {
			ctx.Add(w.Value)
		} else {
			ctx.Remove(w.Value)
		}
	}
}

func (b *buffer) Verify(probe write.Write, baseline bool) bool {
	b.lock()
	writes := b.writes
	b.unlock()

	parity := false
	for _, w := range writes {
		if w.Version > probe.Version {
			continue
		}
		if w.Matches(probe.Key, probe.Value, probe.Record) {
			parity = !parity
		}
	}
	return baseline != parity
}

func (b *buffer) Explore(ctx ExploreContext, timestamp uint64, predicate query.Predicate) {
	b.lock()
	writes := b.writes
	defer b.unlock()
	for _, w := range writes {
		if w.Version > timestamp || w.Key != predicate.Key {
			continue
		}
		if !predicate.Matches(w.Value) {
			continue
		}
		set, ok := ctx[w.Record]
		if !ok {
			set = mapset.NewThreadUnsafeSet[value.Value]()
		}
		if w.Action == write.ADD {
			set.Add(w.Value)
		} else {
			set.Remove(w.Value)
		}
		if set.Cardinality() == 0 {
			delete(ctx, w.Record)
		} else {
			ctx[w.Record] = set
		}
	}
}

// Search implements spec §4.1's search(key, query): the set of records whose
// buffer-recorded values for key satisfy a textual predicate. Per spec §9
// Open Question (a), this is unified with explore() using the Regex
// operator rather than the naive set-symmetric-difference the teacher's
// domain never actually modeled: both need the same "refine a record's
// matching-value set by replaying toggles" fold.
func (b *buffer) Search(key string, pattern string) mapset.Set[uint64] {
	ctx := make(ExploreContext)
	predicate := query.Predicate{Key: key, Operator: query.Regex, Values: []value.Value{value.String(pattern)}}
	b.Explore(ctx, nowVersion, predicate)

	records := mapset.NewThreadUnsafeSet[uint64]()
	for record := range ctx {
		records.Add(record)
	}
	return records
}

func (b *buffer) Transport(dest Acceptor) error {
	b.lock()
	drained := b.writes
	b.writes = make([]write.Write, 0)
	b.unlock()

	for _, w := range drained {
		if err := dest.Accept(w); err != nil {
			return err
		}
	}
	return nil
}

func (b *buffer) GetVersion(tok write.Token) uint64 {
	b.lock()
	writes := b.writes
	b.unlock()

	var max uint64
	for _, w := range writes {
		if !tokenMatches(tok, w) {
			continue
		}
		if w.Version > max {
			max = w.Version
		}
	}
	return max
}

func tokenMatches(tok write.Token, w write.Write) bool {
	switch tok.Kind {
	case write.ScopeRecord:
		return w.Record == tok.Record
	case write.ScopeKey:
		return w.Key == tok.Key
	case write.ScopeKeyRecord:
		return w.Key == tok.Key && w.Record == tok.Record
	default:
		return false
	}
}

// Now returns the sentinel "present time" version bound used by present-time
// reads (as opposed to a caller-supplied historical timestamp).
func Now() uint64 { return nowVersion }
