// Package permanent defines the permanent-store contract of spec §4.2: the
// durable, queryable substrate the core consumes only through an abstract
// interface: its on-disk layout, indexing, compaction, and search
// implementations are explicitly out of scope (spec §1). Concrete
// implementations (pkg/permanent/memstore, pkg/permanent/boltstore) are
// reference collaborators exercised by tests, not the tuned storage engine
// itself.
package permanent

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

// Store is the permanent-store contract of spec §4.2, consumed by
// BufferedStore as its destination. Present-time and historical reads share
// one signature, parameterized by timestamp (limbo.Now() for present-time),
// following the teacher's own uniform snapshot-parameter convention
// (pkg/storage/engine.go takes an LSN parameter on every read path rather
// than maintaining separate present/historical call families).
type Store interface {
	// Accept absorbs one already-validated write. Ordering across Accept
	// calls must be preserved (spec: "ordering across accepts must be
	// preserved").
	Accept(w write.Write) error

	// Audit returns timestamp -> human-readable revision string for every
	// write that touched record.
	Audit(record uint64) (map[uint64]string, error)
	// AuditField is Audit scoped to one (key, record) field.
	AuditField(key string, record uint64) (map[uint64]string, error)

	Browse(key string, timestamp uint64, ctx limbo.KeyContext) error
	BrowseRecord(record uint64, timestamp uint64, ctx limbo.RecordContext) error
	Select(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error
	Verify(key string, v value.Value, record uint64, timestamp uint64) (bool, error)
	Explore(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error

	// GetVersion returns the max durable version observed for scope.
	GetVersion(tok write.Token) uint64
}

// Compoundable extends Store with "unsafe" read variants a caller may use
// when it already holds sufficient protection externally, such as an
// AtomicOperation or Transaction that has already serialized access via JIT
// locking (spec §4.2: "the caller already holds sufficient protection").
// Per spec §9's design note, this is modeled as a parallel method family
// (an explicit "context" choice at the call site) rather than a second
// interface hierarchy.
type Compoundable interface {
	Store

	BrowseUnsafe(key string, timestamp uint64, ctx limbo.KeyContext) error
	BrowseRecordUnsafe(record uint64, timestamp uint64, ctx limbo.RecordContext) error
	SelectUnsafe(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error
	VerifyUnsafe(key string, v value.Value, record uint64, timestamp uint64) (bool, error)
	ExploreUnsafe(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error
}
