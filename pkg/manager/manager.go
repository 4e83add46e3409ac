// Package manager implements the Bucket Manager: it owns the mapping
// from bucket id to its scheduler and is the entrypoint for every
// bucket lifecycle operation.
package manager

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/portage/pkg/config"
	"github.com/cuemby/portage/pkg/copier"
	"github.com/cuemby/portage/pkg/events"
	"github.com/cuemby/portage/pkg/hashutil"
	"github.com/cuemby/portage/pkg/log"
	"github.com/cuemby/portage/pkg/scheduler"
	"github.com/cuemby/portage/pkg/storage"
	"github.com/cuemby/portage/pkg/types"
)

var (
	ErrBucketRunning     = fmt.Errorf("manager: bucket is running")
	ErrInvalidTransition = fmt.Errorf("manager: invalid scheduler transition")
)

// Manager owns a scheduler per persisted bucket.
type Manager struct {
	store  *storage.Store
	broker *events.Broker
	copier *copier.Copier
	logger zerolog.Logger

	mu         sync.RWMutex
	schedulers map[int64]*scheduler.Scheduler
}

// New constructs a Manager backed by store, publishing bucket and file
// events through broker. cfg selects the hash algorithm and copy
// buffer size applied to every Copy Worker dispatched by this process.
func New(cfg config.Config, store *storage.Store, broker *events.Broker) (*Manager, error) {
	algo := cfg.HashAlgorithm
	newHasher := func() (hashutil.Hasher, error) { return hashutil.New(algo) }
	if _, err := newHasher(); err != nil {
		return nil, fmt.Errorf("manager: resolve hash algorithm: %w", err)
	}

	m := &Manager{
		store:      store,
		broker:     broker,
		copier:     copier.New(copier.Config{BufferSize: cfg.CopyBufferSize, NewHasher: newHasher}),
		logger:     log.WithComponent("manager"),
		schedulers: make(map[int64]*scheduler.Scheduler),
	}
	return m, nil
}

// LoadAll constructs (unstarted) schedulers for every persisted bucket.
// Call once at startup, before RestoreState.
func (m *Manager) LoadAll() error {
	buckets, err := m.store.ListBuckets()
	if err != nil {
		return fmt.Errorf("manager: load buckets: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range buckets {
		m.schedulers[b.ID] = scheduler.New(b.ID, b.WorkerCount, m.store, m.broker, m.copier)
	}
	return nil
}

// RestoreState calls Start on every scheduler whose persisted status
// was running at the previous shutdown. Call once, after LoadAll.
func (m *Manager) RestoreState() error {
	buckets, err := m.store.ListBuckets()
	if err != nil {
		return fmt.Errorf("manager: restore state: %w", err)
	}

	for _, b := range buckets {
		if b.Status != types.BucketRunning {
			continue
		}
		if err := m.Start(b.ID); err != nil {
			m.logger.Error().Err(err).Int64("bucket_id", b.ID).Msg("failed to restore running bucket")
		}
	}
	return nil
}

// CreateBucket validates data, inserts it via the store, constructs its
// scheduler, and emits a service-change event.
func (m *Manager) CreateBucket(data *types.Bucket) (*types.Bucket, error) {
	if data.Name == "" {
		return nil, fmt.Errorf("manager: bucket name is required")
	}
	if len(data.SourceFolders) == 0 {
		return nil, fmt.Errorf("manager: at least one source folder is required")
	}
	if data.DestFolder == "" {
		return nil, fmt.Errorf("manager: destination folder is required")
	}
	if data.WorkerCount <= 0 {
		data.WorkerCount = 1
	}

	if err := m.store.CreateBucket(data); err != nil {
		return nil, fmt.Errorf("manager: create bucket: %w", err)
	}

	m.mu.Lock()
	m.schedulers[data.ID] = scheduler.New(data.ID, data.WorkerCount, m.store, m.broker, m.copier)
	m.mu.Unlock()

	m.broker.Publish(&events.Event{
		Type: events.EventServiceChange,
		ServiceChange: &events.ServiceChangePayload{
			BucketID: data.ID,
			Status:   string(types.BucketStopped),
		},
	})
	return data, nil
}

// UpdateBucket changes a bucket's configuration. Source folders and the
// destination folder may only change while the scheduler is stopped;
// the worker cap may be changed live.
func (m *Manager) UpdateBucket(id int64, sourceFolders []string, destFolder string, workerCount int) error {
	sched, err := m.schedulerFor(id)
	if err != nil {
		return err
	}

	sourcesChanged := len(sourceFolders) > 0 || destFolder != ""
	if sourcesChanged {
		if sched.Status() != types.BucketStopped {
			return fmt.Errorf("%w: cannot change sources while bucket %d is running", ErrBucketRunning, id)
		}
		bucket, err := m.store.GetBucket(id)
		if err != nil {
			return fmt.Errorf("manager: update bucket: %w", err)
		}
		if len(sourceFolders) == 0 {
			sourceFolders = bucket.SourceFolders
		}
		if destFolder == "" {
			destFolder = bucket.DestFolder
		}
		if err := m.store.UpdateBucketSources(id, sourceFolders, destFolder); err != nil {
			return fmt.Errorf("manager: update bucket sources: %w", err)
		}
	}

	if workerCount > 0 {
		if err := m.store.UpdateBucketWorkerCount(id, workerCount); err != nil {
			return fmt.Errorf("manager: update bucket worker count: %w", err)
		}
		sched.SetWorkerCap(workerCount)
	}
	return nil
}

// DeleteBucket requires the bucket's scheduler to be stopped, then
// cascades the delete to its queue rows and ledger entries.
func (m *Manager) DeleteBucket(id int64) error {
	sched, err := m.schedulerFor(id)
	if err != nil {
		return err
	}
	if sched.Status() != types.BucketStopped {
		return fmt.Errorf("%w: bucket %d must be stopped before deletion", ErrBucketRunning, id)
	}

	if err := m.store.DeleteBucket(id); err != nil {
		return fmt.Errorf("manager: delete bucket: %w", err)
	}

	sched.Shutdown()
	m.mu.Lock()
	delete(m.schedulers, id)
	m.mu.Unlock()
	return nil
}

// Start delegates to bucket id's scheduler.
func (m *Manager) Start(id int64) error {
	sched, err := m.schedulerFor(id)
	if err != nil {
		return err
	}
	return sched.Start()
}

// Pause delegates to bucket id's scheduler.
func (m *Manager) Pause(id int64) error {
	sched, err := m.schedulerFor(id)
	if err != nil {
		return err
	}
	return sched.Pause()
}

// Resume delegates to bucket id's scheduler.
func (m *Manager) Resume(id int64) error {
	sched, err := m.schedulerFor(id)
	if err != nil {
		return err
	}
	return sched.Resume()
}

// Stop delegates to bucket id's scheduler.
func (m *Manager) Stop(id int64) error {
	sched, err := m.schedulerFor(id)
	if err != nil {
		return err
	}
	return sched.Stop()
}

// StopAll initiates a stop on every scheduler concurrently and resolves
// once all report stopped.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	scheds := make([]*scheduler.Scheduler, 0, len(m.schedulers))
	for _, s := range m.schedulers {
		scheds = append(scheds, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(scheds))
	for i, s := range scheds {
		wg.Add(1)
		go func(i int, s *scheduler.Scheduler) {
			defer wg.Done()
			if s.Status() == types.BucketStopped {
				return
			}
			errs[i] = s.Stop()
		}(i, s)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Subscribe returns an event-bus subscription. Subscribers receive the
// manager's and its schedulers' status-change, copy-progress, and
// service-change events, forwarded as-is from the shared broker.
func (m *Manager) Subscribe() events.Subscriber {
	return m.broker.Subscribe()
}

func (m *Manager) schedulerFor(id int64) (*scheduler.Scheduler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sched, ok := m.schedulers[id]
	if !ok {
		return nil, storage.ErrBucketNotFound
	}
	return sched, nil
}
