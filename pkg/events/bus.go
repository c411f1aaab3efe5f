// Package events provides the in-memory per-task event bus that drives SSE
// delivery: a bounded ring of history per task plus subscriber fan-out.
//
// Ordering contract: within a task, event IDs are assigned and appended under
// the task lock, so every subscriber observes strictly increasing IDs and
// HistorySince never returns a gap relative to the IDs it was asked about.
// Reconnecting clients replay HistorySince(lastID) before consuming live
// events to avoid gaps and duplicates.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bettafish/bettafish/pkg/models"
)

// Defaults for bus sizing and delivery.
const (
	DefaultRingSize        = 1000
	DefaultSubscriberQueue = 64
	DefaultSendTimeout     = 100 * time.Millisecond
	DefaultTerminalGrace   = 120 * time.Second
)

// Options configures a Bus. Zero fields take the defaults above.
type Options struct {
	RingSize        int
	SubscriberQueue int
	SendTimeout     time.Duration
	TerminalGrace   time.Duration
}

// Bus is the per-task event history and fan-out hub.
type Bus struct {
	mu    sync.RWMutex
	tasks map[string]*taskState
	opts  Options
}

type taskState struct {
	mu          sync.Mutex
	lastEventID int64
	ring        []models.Event // bounded; oldest dropped first
	subscribers map[int64]*subscriber
	nextSubID   int64
	terminal    bool
	graceTimer  *time.Timer
}

type subscriber struct {
	id      int64
	ch      chan models.Event
	dropped int
}

// Subscription is a live event feed for one task.
type Subscription struct {
	C      <-chan models.Event
	cancel func()
	once   sync.Once
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// NewBus creates a Bus with the given options.
func NewBus(opts Options) *Bus {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.SubscriberQueue <= 0 {
		opts.SubscriberQueue = DefaultSubscriberQueue
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.TerminalGrace <= 0 {
		opts.TerminalGrace = DefaultTerminalGrace
	}
	return &Bus{
		tasks: make(map[string]*taskState),
		opts:  opts,
	}
}

// Publish assigns the next event ID for the task, appends to the bounded
// history ring, and broadcasts to all current subscribers. Returns the
// published event.
func (b *Bus) Publish(taskID, eventType string, payload map[string]any) models.Event {
	ts := b.taskFor(taskID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.lastEventID++
	event := models.Event{
		ID:        ts.lastEventID,
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	ts.ring = append(ts.ring, event)
	if len(ts.ring) > b.opts.RingSize {
		ts.ring = ts.ring[len(ts.ring)-b.opts.RingSize:]
	}

	for _, sub := range ts.subscribers {
		b.deliver(taskID, sub, event)
	}
	return event
}

// deliver sends with a short timeout. A slow subscriber drops this event
// only; other subscribers are unaffected.
func (b *Bus) deliver(taskID string, sub *subscriber, event models.Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}
	timer := time.NewTimer(b.opts.SendTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- event:
	case <-timer.C:
		sub.dropped++
		slog.Warn("Dropping event for slow subscriber",
			"task_id", taskID,
			"subscriber_id", sub.id,
			"event_id", event.ID,
			"total_dropped", sub.dropped)
	}
}

// HistorySince returns the task's events with ID > lastID, oldest first.
// lastID <= 0 returns the full retained history.
func (b *Bus) HistorySince(taskID string, lastID int64) []models.Event {
	b.mu.RLock()
	ts, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	out := make([]models.Event, 0, len(ts.ring))
	for _, event := range ts.ring {
		if event.ID > lastID {
			out = append(out, event)
		}
	}
	return out
}

// LastEventID returns the highest assigned event ID for the task.
func (b *Bus) LastEventID(taskID string) int64 {
	b.mu.RLock()
	ts, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastEventID
}

// Subscribe registers a live subscriber for the task. The caller must Close
// the subscription. Replay of missed events is the subscriber's concern:
// call HistorySince first, then consume the channel.
func (b *Bus) Subscribe(taskID string) *Subscription {
	ts := b.taskFor(taskID)

	ts.mu.Lock()
	ts.nextSubID++
	sub := &subscriber{
		id: ts.nextSubID,
		ch: make(chan models.Event, b.opts.SubscriberQueue),
	}
	ts.subscribers[sub.id] = sub
	ts.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			ts.mu.Lock()
			if _, ok := ts.subscribers[sub.id]; ok {
				delete(ts.subscribers, sub.id)
				close(sub.ch)
			}
			ts.mu.Unlock()
		},
	}
}

// SubscriberCount returns the number of live subscribers for a task.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.RLock()
	ts, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subscribers)
}

// CloseTask marks the task terminal. The task stays registered for the grace
// period so late subscribers can still replay its history; afterwards it is
// evicted and its remaining subscribers closed.
func (b *Bus) CloseTask(taskID string) {
	b.mu.Lock()
	ts, ok := b.tasks[taskID]
	b.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.terminal {
		return
	}
	ts.terminal = true
	ts.graceTimer = time.AfterFunc(b.opts.TerminalGrace, func() {
		b.evict(taskID)
	})
}

// IsTerminal reports whether CloseTask has been called for the task.
func (b *Bus) IsTerminal(taskID string) bool {
	b.mu.RLock()
	ts, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if !ok {
		return true
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.terminal
}

// evict removes the task and closes all of its subscriber channels.
func (b *Bus) evict(taskID string) {
	b.mu.Lock()
	ts, ok := b.tasks[taskID]
	if ok {
		delete(b.tasks, taskID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	for id, sub := range ts.subscribers {
		delete(ts.subscribers, id)
		close(sub.ch)
	}
}

// taskFor returns the task state, creating it on first use.
func (b *Bus) taskFor(taskID string) *taskState {
	b.mu.RLock()
	ts, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if ok {
		return ts
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok = b.tasks[taskID]; ok {
		return ts
	}
	ts = &taskState{subscribers: make(map[int64]*subscriber)}
	b.tasks[taskID] = ts
	return ts
}
