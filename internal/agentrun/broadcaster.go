package agentrun

import (
	"sync"

	"mira/internal/logging"
)

const defaultSubscriberBuffer = 64

// Feed broadcasts runtime events to every subscriber. One writer (the
// engine), N independent readers, each with its own buffered channel: a slow
// or absent subscriber never blocks the engine or its peers.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[int]chan RuntimeEvent
	nextID      int
	logger      logging.Logger

	metrics feedMetrics
}

// feedMetrics tracks delivery counters for the feed.
type feedMetrics struct {
	mu sync.Mutex

	eventsSent       int64
	droppedEvents    int64 // events dropped due to full subscriber buffers
	totalSubscribers int64
}

// FeedMetrics is a read-only export of the feed's delivery counters.
type FeedMetrics struct {
	EventsSent        int64 `json:"events_sent"`
	DroppedEvents     int64 `json:"dropped_events"`
	TotalSubscribers  int64 `json:"total_subscribers"`
	ActiveSubscribers int   `json:"active_subscribers"`
}

// NewFeed creates an event feed.
func NewFeed(logger logging.Logger) *Feed {
	return &Feed{
		subscribers: make(map[int]chan RuntimeEvent),
		logger:      logging.OrNop(logger),
	}
}

// Subscribe registers a new reader with its own buffer and returns its
// channel plus a cancel function. After cancel returns, the channel is
// closed and receives nothing further.
func (f *Feed) Subscribe(buffer int) (<-chan RuntimeEvent, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan RuntimeEvent, buffer)

	f.mu.Lock()
	subID := f.nextID
	f.nextID++
	f.subscribers[subID] = ch
	f.mu.Unlock()

	f.metrics.mu.Lock()
	f.metrics.totalSubscribers++
	f.metrics.mu.Unlock()

	f.logger.Debug("Feed: subscriber %d registered (buffer=%d)", subID, buffer)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			if existing, ok := f.subscribers[subID]; ok {
				delete(f.subscribers, subID)
				close(existing)
			}
			f.mu.Unlock()
			f.logger.Debug("Feed: subscriber %d unregistered", subID)
		})
	}
	return ch, cancel
}

// Publish delivers event to every subscriber in registration-independent
// fan-out. Delivery per subscriber is non-blocking; when a buffer is full
// the event is dropped, except critical events which evict the subscriber's
// oldest buffered event to make room.
func (f *Feed) Publish(event RuntimeEvent) {
	if event == nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for subID, ch := range f.subscribers {
		select {
		case ch <- event:
			f.metrics.incrementSent()
		default:
			if f.ensureCriticalDelivery(subID, ch, event) {
				continue
			}
			f.logger.Warn("Feed: subscriber %d buffer full, dropping %s for %s", subID, event.EventType(), event.EventOwner())
			f.metrics.incrementDropped()
		}
	}
}

// ensureCriticalDelivery retries activation, terminal, and promotion events
// against a full buffer, evicting the oldest buffered event if needed.
// Observers that track run liveness must not miss the transition that starts
// or ends a run; a lost activation leaves an admitted run with no executor.
func (f *Feed) ensureCriticalDelivery(subID int, ch chan RuntimeEvent, event RuntimeEvent) bool {
	if !isCriticalEvent(event) {
		return false
	}

	// Retry first in case the subscriber drained the buffer meanwhile.
	select {
	case ch <- event:
		f.metrics.incrementSent()
		return true
	default:
	}

	select {
	case <-ch:
	default:
		f.logger.Warn("Feed: could not free space for critical %s for subscriber %d", event.EventType(), subID)
		return false
	}

	select {
	case ch <- event:
		f.logger.Warn("Feed: subscriber %d saturated; dropped oldest event to deliver %s", subID, event.EventType())
		f.metrics.incrementSent()
		return true
	default:
		return false
	}
}

func isCriticalEvent(event RuntimeEvent) bool {
	switch event.EventType() {
	case ActivatedEvent{}.EventType(), TerminalEvent{}.EventType(), PromotedEvent{}.EventType():
		return true
	default:
		return false
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Metrics returns current delivery counters.
func (f *Feed) Metrics() FeedMetrics {
	f.metrics.mu.Lock()
	sent := f.metrics.eventsSent
	dropped := f.metrics.droppedEvents
	total := f.metrics.totalSubscribers
	f.metrics.mu.Unlock()

	return FeedMetrics{
		EventsSent:        sent,
		DroppedEvents:     dropped,
		TotalSubscribers:  total,
		ActiveSubscribers: f.SubscriberCount(),
	}
}

// Close unregisters and closes every subscriber channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for subID, ch := range f.subscribers {
		delete(f.subscribers, subID)
		close(ch)
	}
}

func (m *feedMetrics) incrementSent() {
	m.mu.Lock()
	m.eventsSent++
	m.mu.Unlock()
}

func (m *feedMetrics) incrementDropped() {
	m.mu.Lock()
	m.droppedEvents++
	m.mu.Unlock()
}
