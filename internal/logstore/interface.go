// Package logstore provides the file-backed commit log the replication
// core treats as an external collaborator per spec §1 ("log store
// providing offset queries, reads, and truncation"). Unlike the
// teacher's commitlog package, it does not own leader-epoch bookkeeping
// itself — that responsibility now belongs entirely to internal/epoch,
// so the log store's contract is narrowed to pure byte storage.
package logstore

import "time"

// Log is the contract the role state machine and replication channels
// depend on.
type Log interface {
	Append(batch [][]byte) (firstOffset int64, err error)
	Read(offset int64, maxBytes int) ([]byte, error)

	NewestOffset() int64
	OldestOffset() int64
	EarliestOffsetAfterTimestamp(ts time.Time) (int64, error)
	LatestOffsetBeforeTimestamp(ts time.Time) (int64, error)

	HighWatermark() int64
	SetHighWatermark(hw int64)
	OverrideHighWatermark(hw int64)

	// Truncate discards everything at and above offset, returning to a
	// consistent on-disk state (segment deletion/rebuild).
	Truncate(offset int64) error

	// ValidateTail scans from the given offset for the first invalid
	// (torn) record boundary, per the §4.4.3 tail-validation algorithm.
	// Returns the offset to truncate to, or -1 if the tail is fully
	// valid.
	ValidateTail(from int64) (int64, error)

	SetReadonly(readonly bool)
	IsReadonly() bool

	// NotifyLEO returns a channel closed once the log-end-offset reaches
	// at least leo, mirroring the teacher's waiter registry used by
	// replication channels waiting for new data to ship.
	NotifyLEO(leo int64) <-chan struct{}

	Close() error
	Delete() error
}
