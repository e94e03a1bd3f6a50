// Package telemetry is the ambient logging/metrics surface the core writes
// through rather than reaching for fmt.Printf or an ad-hoc counter: a
// package-level zerolog.Logger a host process can redirect, and a small
// Prometheus registry counting commits, conflicts, lock timeouts, and backup
// recoveries. Grounded on cuemby-warren's own zerolog + client_golang
// wiring, absent from the teacher but carried here per the ambient-stack
// rule that logging uses a real library even where the teacher used
// fmt.Printf directly.
package telemetry

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Log is the package-level logger every pkg/store component writes
// through. Replace it (e.g. with zerolog.New(io.Discard)) in tests that
// don't want commit/conflict noise.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// Metrics are the counters pkg/store increments at commit, conflict, lock
// timeout, and recovery boundaries.
var (
	CommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recordstore_commits_total",
		Help: "Total AtomicOperation/Transaction commits that completed successfully.",
	})
	ConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recordstore_conflicts_total",
		Help: "Total commits aborted by a version-change conflict.",
	})
	LockTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recordstore_lock_timeouts_total",
		Help: "Total lock acquisitions that exceeded the service timeout.",
	})
	BackupRecoveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recordstore_backup_recoveries_total",
		Help: "Total transaction backups replayed on engine startup.",
	})
	CorruptBackupsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recordstore_corrupt_backups_total",
		Help: "Total transaction backups discarded as unreadable during recovery.",
	})
)

// Registry bundles the counters above for a host process to expose on its
// own /metrics handler.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(CommitsTotal, ConflictsTotal, LockTimeoutsTotal, BackupRecoveriesTotal, CorruptBackupsTotal)
	return reg
}
