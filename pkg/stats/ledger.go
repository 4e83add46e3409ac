// Package stats implements the in-memory stats ledger mirroring the
// queue store's durable state: incremental count and total-size per
// status, globally and per bucket.
package stats

import (
	"sync"

	"github.com/cuemby/portage/pkg/metrics"
	"github.com/cuemby/portage/pkg/types"
)

// Ledger holds per-bucket, per-status counters. It is mutated exclusively
// by the storage package, right after the transaction that commits a row
// change; the update is not part of that transaction and is not
// serialized with other store writes, so a reader may briefly see a row
// change before its ledger delta. Reconciliation (Reset) is the oracle
// if divergence is ever suspected.
type Ledger struct {
	mu      sync.RWMutex
	buckets map[int64]map[types.EntryStatus]types.StatusCount
	names   map[int64]string
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		buckets: make(map[int64]map[types.EntryStatus]types.StatusCount),
		names:   make(map[int64]string),
	}
}

// RegisterBucket records a bucket's name, used only to label metrics.
func (l *Ledger) RegisterBucket(bucketID int64, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names[bucketID] = name
	if _, ok := l.buckets[bucketID]; !ok {
		l.buckets[bucketID] = make(map[types.EntryStatus]types.StatusCount)
	}
}

// DropBucket removes a bucket's counters, e.g. on bucket deletion.
func (l *Ledger) DropBucket(bucketID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, bucketID)
	name := l.names[bucketID]
	delete(l.names, bucketID)
	for _, status := range types.AllEntryStatuses {
		metrics.QueueEntriesTotal.DeleteLabelValues(name, string(status))
		metrics.QueueBytesTotal.DeleteLabelValues(name, string(status))
	}
}

// Apply adjusts the counters for one bucket/status pair by the given
// deltas and mirrors the result into the Prometheus gauges. Negative
// deltas are used when a row leaves a status.
func (l *Ledger) Apply(bucketID int64, status types.EntryStatus, countDelta, sizeDelta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byStatus, ok := l.buckets[bucketID]
	if !ok {
		byStatus = make(map[types.EntryStatus]types.StatusCount)
		l.buckets[bucketID] = byStatus
	}
	c := byStatus[status]
	c.Count += countDelta
	c.TotalSize += sizeDelta
	byStatus[status] = c

	name := l.names[bucketID]
	metrics.QueueEntriesTotal.WithLabelValues(name, string(status)).Set(float64(c.Count))
	metrics.QueueBytesTotal.WithLabelValues(name, string(status)).Set(float64(c.TotalSize))
}

// Move is a convenience for a row's status transition: it subtracts from
// the old status and adds to the new one, given the row's size.
func (l *Ledger) Move(bucketID int64, from, to types.EntryStatus, size int64) {
	if from != "" {
		l.Apply(bucketID, from, -1, -size)
	}
	l.Apply(bucketID, to, 1, size)
}

// Bucket returns a snapshot of one bucket's per-status breakdown.
func (l *Ledger) Bucket(bucketID int64) types.BucketStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := types.BucketStats{BucketID: bucketID, ByStatus: make(map[types.EntryStatus]types.StatusCount)}
	for status, c := range l.buckets[bucketID] {
		out.ByStatus[status] = c
	}
	return out
}

// Global returns the sum across all buckets, by status.
func (l *Ledger) Global() map[types.EntryStatus]types.StatusCount {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[types.EntryStatus]types.StatusCount)
	for _, byStatus := range l.buckets {
		for status, c := range byStatus {
			agg := out[status]
			agg.Count += c.Count
			agg.TotalSize += c.TotalSize
			out[status] = agg
		}
	}
	return out
}

// Reset replaces the entire ledger content with freshly computed rows,
// typically from a GROUP BY reconciliation pass. It is the safety net
// invoked at startup and, optionally, on a periodic basis.
func (l *Ledger) Reset(rows map[int64]map[types.EntryStatus]types.StatusCount, names map[int64]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buckets = make(map[int64]map[types.EntryStatus]types.StatusCount, len(rows))
	for bucketID, byStatus := range rows {
		copied := make(map[types.EntryStatus]types.StatusCount, len(byStatus))
		for status, c := range byStatus {
			copied[status] = c
		}
		l.buckets[bucketID] = copied
	}
	l.names = make(map[int64]string, len(names))
	for id, name := range names {
		l.names[id] = name
	}

	// Republish every known (bucket, status) pair, including zeros, so
	// stale gauges left over from a prior status don't linger.
	for bucketID, byStatus := range l.buckets {
		name := l.names[bucketID]
		for _, status := range types.AllEntryStatuses {
			c := byStatus[status]
			metrics.QueueEntriesTotal.WithLabelValues(name, string(status)).Set(float64(c.Count))
			metrics.QueueBytesTotal.WithLabelValues(name, string(status)).Set(float64(c.TotalSize))
		}
	}
}
