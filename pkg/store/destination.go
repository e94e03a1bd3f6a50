// Package store implements the transactional read/write core of spec §4.3-
// §4.6: BufferedStore (C5), AtomicOperation (C6), and Transaction (C7).
// Grounded on the teacher's pkg/storage/engine.go (LSN-driven MVCC
// visibility, Put/Get/Scan/Del shape), transaction_write.go (write-set
// buffering ahead of a two-phase commit), and transaction_manager.go
// (active-transaction registry).
package store

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bobboyms/recordstore/pkg/limbo"
	"github.com/bobboyms/recordstore/pkg/query"
	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

// Destination is what a BufferedStore drains committed writes into and
// reads a baseline context from, the read/write surface any permanent
// store, BufferedStore, or Transaction exposes to whatever composes above
// it (spec §4.3's "buffer + destination"). permanent.Compoundable satisfies
// this trivially (a superset: it adds Audit/AuditField, which this core
// never needs); so do *BufferedStore and *Transaction below.
type Destination interface {
	Accept(w write.Write) error

	Browse(key string, timestamp uint64, ctx limbo.KeyContext) error
	BrowseUnsafe(key string, timestamp uint64, ctx limbo.KeyContext) error
	BrowseRecord(record uint64, timestamp uint64, ctx limbo.RecordContext) error
	BrowseRecordUnsafe(record uint64, timestamp uint64, ctx limbo.RecordContext) error
	Select(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error
	SelectUnsafe(key string, record uint64, timestamp uint64, ctx mapset.Set[value.Value]) error
	Verify(key string, v value.Value, record uint64, timestamp uint64) (bool, error)
	VerifyUnsafe(key string, v value.Value, record uint64, timestamp uint64) (bool, error)
	Explore(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error
	ExploreUnsafe(predicate query.Predicate, timestamp uint64, ctx limbo.ExploreContext) error

	GetVersion(tok write.Token) uint64
}

// VersionListener is notified when a scope it has observed or written
// changes version (spec §4.5 step 3: "signalled via onVersionChange(token)").
type VersionListener interface {
	OnVersionChange(tok write.Token)
}

// ListenerRegistrar is where an AtomicOperation subscribes for version-change
// notifications on a scope: the Engine for a top-level operation, the
// Transaction for a nested one (spec §4.6 "listener routing").
type ListenerRegistrar interface {
	AddVersionChangeListener(tok write.Token, listener VersionListener)
	RemoveVersionChangeListener(tok write.Token, listener VersionListener)
}
