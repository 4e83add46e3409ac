// Package types defines the data model shared across the queue store,
// scheduler, copier, and manager packages.
package types

import "time"

// BucketStatus is the operational status of a bucket's scheduler.
type BucketStatus string

const (
	BucketStopped BucketStatus = "stopped"
	BucketRunning BucketStatus = "running"
	BucketPaused  BucketStatus = "paused"
)

// EntryStatus is the lifecycle status of a queue entry.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryInProgress EntryStatus = "in_progress"
	EntryCompleted  EntryStatus = "completed"
	EntryError      EntryStatus = "error"
	EntryConflict   EntryStatus = "conflict"
)

// AllEntryStatuses lists every terminal and non-terminal status, in a
// stable order used when building full ledger snapshots.
var AllEntryStatuses = []EntryStatus{
	EntryPending, EntryInProgress, EntryCompleted, EntryError, EntryConflict,
}

// ConflictAction is an operator-directed resolution for a conflict row.
type ConflictAction string

const (
	ResolveOverwrite ConflictAction = "overwrite"
	ResolveSkip      ConflictAction = "skip"
)

// HashAlgorithm names one of the recognized content-hash algorithms.
type HashAlgorithm string

const (
	HashSHA256   HashAlgorithm = "sha256"
	HashXXHash64 HashAlgorithm = "xxhash64"
	HashXXHash3  HashAlgorithm = "xxhash3"
)

// Bucket is a logical grouping of source roots sharing one destination
// root, with its own scheduler and worker cap.
type Bucket struct {
	ID             int64
	Name           string
	SourceFolders  []string
	DestFolder     string
	WorkerCount    int
	Status         BucketStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QueueEntry is a durable record of one file awaiting or completing
// replication: one row per (source path, destination path, bucket) triple.
type QueueEntry struct {
	ID              int64
	BucketID        int64
	SourcePath      string
	SourceFolder    string
	RelativePath    string
	DestinationPath string
	FileSize        int64
	Status          EntryStatus
	SourceHash      *string
	DestinationHash *string
	ErrorMessage    *string
	WorkerID        *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// StatusCount is one (count, totalSize) pair for a status.
type StatusCount struct {
	Count     int64
	TotalSize int64
}

// BucketStats is the per-status breakdown for a single bucket.
type BucketStats struct {
	BucketID int64
	ByStatus map[EntryStatus]StatusCount
}

// FolderCounts is the pending/in_progress view used by the scheduler to
// decide which source folder to drain next.
type FolderCounts struct {
	Pending    int64
	InProgress int64
}

// FolderStatusCounts is the full per-status breakdown for one source
// folder, across all five entry statuses, used by operator-facing
// polling rather than scheduler dispatch.
type FolderStatusCounts struct {
	ByStatus map[EntryStatus]int64
}

// CopyOutcome is the terminal result of one Copy Worker invocation.
type CopyOutcome string

const (
	OutcomeCompleted      CopyOutcome = "completed"
	OutcomeError          CopyOutcome = "error"
	OutcomeConflict       CopyOutcome = "conflict"
	OutcomeIdentical      CopyOutcome = "identical"
	OutcomeIntegrityError CopyOutcome = "integrity_error"
)

// IntegrityErrorMessage is the fixed error message stamped on rows that
// fail post-copy hash verification, distinguishing them from generic I/O
// errors per the error taxonomy.
const IntegrityErrorMessage = "integrity check failed: destination hash does not match source hash after copy"
