// Package scheduler implements the Bucket Scheduler: one cooperative
// claim loop per bucket that dispatches Copy Workers up to a worker
// cap and routes their outcomes back into the Queue Store.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/portage/pkg/copier"
	"github.com/cuemby/portage/pkg/events"
	"github.com/cuemby/portage/pkg/log"
	"github.com/cuemby/portage/pkg/metrics"
	"github.com/cuemby/portage/pkg/storage"
	"github.com/cuemby/portage/pkg/types"
)

const (
	idleInterval = time.Second
	busyInterval = 200 * time.Millisecond
)

type command int

const (
	cmdStart command = iota
	cmdPause
	cmdResume
	cmdStop
)

// Scheduler runs the claim loop for a single bucket.
type Scheduler struct {
	bucketID int64
	store    *storage.Store
	broker   *events.Broker
	copier   *copier.Copier
	logger   zerolog.Logger

	statusMu sync.RWMutex
	status   types.BucketStatus

	workerCap     atomic.Int64
	activeWorkers atomic.Int64
	nextWorkerID  atomic.Int64

	cmdCh  chan cmdRequest
	doneCh chan struct{}
}

type cmdRequest struct {
	cmd  command
	ack  chan error
}

// New constructs a scheduler for bucket, initially stopped. workerCap
// is the effective worker cap applied to subsequent claims; it may be
// changed live via SetWorkerCap.
func New(bucketID int64, workerCap int, store *storage.Store, broker *events.Broker, cp *copier.Copier) *Scheduler {
	s := &Scheduler{
		bucketID: bucketID,
		store:    store,
		broker:   broker,
		copier:   cp,
		logger:   log.WithBucket(bucketID),
		status:   types.BucketStopped,
		cmdCh:    make(chan cmdRequest),
		doneCh:   make(chan struct{}),
	}
	s.workerCap.Store(int64(workerCap))
	metrics.WorkerCap.WithLabelValues(fmt.Sprintf("%d", bucketID)).Set(float64(workerCap))
	go s.run()
	return s
}

// Status returns the current operational status.
func (s *Scheduler) Status() types.BucketStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// SetWorkerCap updates the worker cap applied to subsequent claims;
// already-dispatched workers are unaffected.
func (s *Scheduler) SetWorkerCap(cap int) {
	s.workerCap.Store(int64(cap))
	metrics.WorkerCap.WithLabelValues(fmt.Sprintf("%d", s.bucketID)).Set(float64(cap))
}

// Start transitions stopped->running.
func (s *Scheduler) Start() error { return s.send(cmdStart) }

// Pause transitions running->paused; in-flight workers run to completion.
func (s *Scheduler) Pause() error { return s.send(cmdPause) }

// Resume transitions paused->running.
func (s *Scheduler) Resume() error { return s.send(cmdResume) }

// Stop transitions {running,paused}->stopped and blocks until the
// active worker count reaches zero.
func (s *Scheduler) Stop() error { return s.send(cmdStop) }

// Shutdown terminates the scheduler's background loop permanently. Call
// only when the bucket itself is being deleted.
func (s *Scheduler) Shutdown() {
	close(s.cmdCh)
	<-s.doneCh
}

func (s *Scheduler) send(c command) error {
	ack := make(chan error, 1)
	s.cmdCh <- cmdRequest{cmd: c, ack: ack}
	return <-ack
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(idleInterval)
	defer ticker.Stop()

	for {
		select {
		case req, ok := <-s.cmdCh:
			if !ok {
				return
			}
			s.handleCommand(req, ticker)

		case <-ticker.C:
			if s.Status() != types.BucketRunning {
				continue
			}
			work := s.claimCycle()
			if work || s.activeWorkers.Load() > 0 {
				ticker.Reset(busyInterval)
			} else {
				ticker.Reset(idleInterval)
			}
		}
	}
}

func (s *Scheduler) handleCommand(req cmdRequest, ticker *time.Ticker) {
	current := s.Status()
	var err error

	switch req.cmd {
	case cmdStart:
		if current != types.BucketStopped {
			err = fmt.Errorf("scheduler: cannot start from status %q", current)
			break
		}
		s.setStatus(types.BucketRunning)
		ticker.Reset(busyInterval)

	case cmdPause:
		if current != types.BucketRunning {
			err = fmt.Errorf("scheduler: cannot pause from status %q", current)
			break
		}
		s.setStatus(types.BucketPaused)

	case cmdResume:
		if current != types.BucketPaused {
			err = fmt.Errorf("scheduler: cannot resume from status %q", current)
			break
		}
		s.setStatus(types.BucketRunning)
		ticker.Reset(busyInterval)

	case cmdStop:
		if current != types.BucketRunning && current != types.BucketPaused {
			err = fmt.Errorf("scheduler: cannot stop from status %q", current)
			break
		}
		s.setStatus(types.BucketStopped)
		for s.activeWorkers.Load() > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		ticker.Reset(idleInterval)
	}

	req.ack <- err
}

func (s *Scheduler) setStatus(status types.BucketStatus) {
	s.statusMu.Lock()
	s.status = status
	s.statusMu.Unlock()

	if err := s.store.UpdateBucketStatus(s.bucketID, status); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist bucket status")
	}
	s.broker.Publish(&events.Event{
		Type: events.EventServiceChange,
		ServiceChange: &events.ServiceChangePayload{
			BucketID:      s.bucketID,
			Status:        string(status),
			WorkerCount:   int(s.workerCap.Load()),
			ActiveWorkers: int(s.activeWorkers.Load()),
		},
	})
}

// claimCycle runs one pass of the claim loop: pick the first source
// folder with outstanding work (stickiness), claim up to the remaining
// worker-cap slots, and dispatch a Copy Worker per claimed row. It
// returns true if any rows were claimed.
func (s *Scheduler) claimCycle() bool {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerCycleDuration)

	bucket, err := s.store.GetBucket(s.bucketID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load bucket")
		return false
	}
	if len(bucket.SourceFolders) == 0 {
		return false
	}

	counts, err := s.store.FolderActiveCounts(s.bucketID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load folder active counts")
		return false
	}

	var folder string
	for _, candidate := range bucket.SourceFolders {
		c := counts[candidate]
		if c.Pending > 0 || c.InProgress > 0 {
			folder = candidate
			break
		}
	}
	if folder == "" {
		return false
	}
	if counts[folder].Pending == 0 {
		return false
	}

	slots := s.workerCap.Load() - s.activeWorkers.Load()
	if slots <= 0 {
		return false
	}

	workerID := s.nextWorkerID.Add(1)
	claimed, err := s.store.Claim(s.bucketID, folder, int(slots), workerID)
	if err != nil {
		s.logger.Error().Err(err).Msg("claim failed")
		return false
	}
	for _, entry := range claimed {
		s.activeWorkers.Add(1)
		metrics.ActiveWorkers.WithLabelValues(fmt.Sprintf("%d", s.bucketID)).Set(float64(s.activeWorkers.Load()))
		go s.dispatch(entry)
	}
	return len(claimed) > 0
}

// dispatch runs one copy invocation to completion and routes its
// outcome (completed, conflict, or error) through Commit.
func (s *Scheduler) dispatch(entry *types.QueueEntry) {
	defer func() {
		s.activeWorkers.Add(-1)
		metrics.ActiveWorkers.WithLabelValues(fmt.Sprintf("%d", s.bucketID)).Set(float64(s.activeWorkers.Load()))
	}()

	bucketLabel := fmt.Sprintf("%d", s.bucketID)
	timer := metrics.NewTimer()

	result := s.copier.Copy(context.Background(), entry, func(p copier.Progress) {
		percent := 100
		if p.FileSize > 0 {
			percent = int(p.BytesCopied * 100 / p.FileSize)
		}
		s.broker.Publish(&events.Event{
			Type: events.EventCopyProgress,
			CopyProgress: &events.CopyProgressPayload{
				BucketID:    s.bucketID,
				FileID:      entry.ID,
				BytesCopied: p.BytesCopied,
				FileSize:    p.FileSize,
				Percent:     percent,
			},
		})
	})

	timer.ObserveDurationVec(metrics.CopyDuration, bucketLabel)
	metrics.CopyOutcomesTotal.WithLabelValues(bucketLabel, string(result.Outcome)).Inc()

	commit := outcomeToCommit(result)
	if _, err := s.store.Commit(entry.ID, commit); err != nil {
		s.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("commit failed")
		return
	}

	s.logger.Info().
		Int64("entry_id", entry.ID).
		Str("source_path", entry.SourcePath).
		Str("status", string(commit.Status)).
		Msg("copy outcome committed")

	s.broker.Publish(&events.Event{
		Type: events.EventStatusChange,
		StatusChange: &events.StatusChangePayload{
			BucketID:   s.bucketID,
			FileID:     entry.ID,
			Status:     string(commit.Status),
			SourcePath: entry.SourcePath,
		},
	})
}

func outcomeToCommit(r copier.Result) storage.CommitResult {
	switch r.Outcome {
	case types.OutcomeCompleted, types.OutcomeIdentical:
		return storage.CommitResult{Status: types.EntryCompleted, SourceHash: strPtr(r.SourceHash), DestinationHash: strPtr(r.DestinationHash)}
	case types.OutcomeConflict:
		return storage.CommitResult{Status: types.EntryConflict, SourceHash: strPtr(r.SourceHash), DestinationHash: strPtr(r.DestinationHash)}
	case types.OutcomeIntegrityError:
		return storage.CommitResult{Status: types.EntryError, SourceHash: strPtr(r.SourceHash), DestinationHash: strPtr(r.DestinationHash), ErrorMessage: strPtr(types.IntegrityErrorMessage)}
	default:
		return storage.CommitResult{Status: types.EntryError, ErrorMessage: strPtr(r.ErrorMessage)}
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
