package events

import (
	"sync"
	"time"
)

// EventType represents the kind of event flowing across the bus.
type EventType string

const (
	EventStatusChange  EventType = "status-change"
	EventCopyProgress  EventType = "copy-progress"
	EventServiceChange EventType = "service-change"
	EventScanNotice    EventType = "scan-notice"
)

// StatusChangePayload reports a terminal or intermediate status transition
// of a single queue entry.
type StatusChangePayload struct {
	BucketID   int64
	FileID     int64
	Status     string
	SourcePath string
}

// CopyProgressPayload reports bytes-copied progress for a single queue
// entry. Percent is 100 when FileSize is 0.
type CopyProgressPayload struct {
	BucketID    int64
	FileID      int64
	BytesCopied int64
	FileSize    int64
	Percent     int
}

// ServiceChangePayload reports a bucket-level operational state change.
type ServiceChangePayload struct {
	BucketID      int64
	Status        string
	WorkerCount   int
	ActiveWorkers int
}

// ScanNoticePayload reports a scanner-driven notification, e.g. a
// folder scan starting or finishing for a bucket.
type ScanNoticePayload struct {
	BucketID int64
	Message  string
}

// Event is the envelope delivered to subscribers. Exactly one payload
// field is populated, matching Type.
type Event struct {
	Type          EventType
	Timestamp     time.Time
	StatusChange  *StatusChangePayload
	CopyProgress  *CopyProgressPayload
	ServiceChange *ServiceChangePayload
	ScanNotice    *ScanNoticePayload
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Delivery is
// best-effort and at-most-once per subscriber: a full subscriber buffer
// drops the event rather than blocking the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	progressMu  sync.Mutex
	pending     map[int64]*CopyProgressPayload
	coalesceInt time.Duration
}

// NewBroker creates a new event broker. copy-progress events are
// coalesced per file-id and flushed at most once per coalesceInterval;
// a zero interval disables coalescing (every event is forwarded as-is).
func NewBroker(coalesceInterval time.Duration) *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		pending:     make(map[int64]*CopyProgressPayload),
		coalesceInt: coalesceInterval,
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
	if b.coalesceInt > 0 {
		go b.flushLoop()
	}
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. copy-progress events
// are coalesced by file-id and released on the next flush tick rather
// than forwarded immediately.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if event.Type == EventCopyProgress && b.coalesceInt > 0 && event.CopyProgress != nil {
		b.progressMu.Lock()
		b.pending[event.CopyProgress.FileID] = event.CopyProgress
		b.progressMu.Unlock()
		return
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) flushLoop() {
	ticker := time.NewTicker(b.coalesceInt)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushProgress()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) flushProgress() {
	b.progressMu.Lock()
	if len(b.pending) == 0 {
		b.progressMu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[int64]*CopyProgressPayload)
	b.progressMu.Unlock()

	for _, payload := range batch {
		event := &Event{Type: EventCopyProgress, Timestamp: time.Now(), CopyProgress: payload}
		select {
		case b.eventCh <- event:
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
