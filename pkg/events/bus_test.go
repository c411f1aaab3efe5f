package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishAssignsMonotonicIDs(t *testing.T) {
	bus := NewBus(Options{})

	for i := 1; i <= 5; i++ {
		event := bus.Publish("t1", "chapter_chunk", map[string]any{"n": i})
		assert.Equal(t, int64(i), event.ID)
	}
	assert.Equal(t, int64(5), bus.LastEventID("t1"))

	// Separate tasks have independent sequences.
	event := bus.Publish("t2", "agent_start", nil)
	assert.Equal(t, int64(1), event.ID)
}

func TestBus_HistorySince(t *testing.T) {
	bus := NewBus(Options{})
	for i := 0; i < 10; i++ {
		bus.Publish("t1", "chapter_chunk", nil)
	}

	all := bus.HistorySince("t1", 0)
	require.Len(t, all, 10)

	since := bus.HistorySince("t1", 7)
	require.Len(t, since, 3)
	assert.Equal(t, int64(8), since[0].ID)
	assert.Equal(t, int64(9), since[1].ID)
	assert.Equal(t, int64(10), since[2].ID)

	// lastID beyond current replays nothing.
	assert.Empty(t, bus.HistorySince("t1", 99))
	// Unknown task replays nothing.
	assert.Empty(t, bus.HistorySince("nope", 0))
}

func TestBus_RingDropsOldest(t *testing.T) {
	bus := NewBus(Options{RingSize: 5})
	for i := 0; i < 12; i++ {
		bus.Publish("t1", "chapter_chunk", nil)
	}

	history := bus.HistorySince("t1", 0)
	require.Len(t, history, 5)
	assert.Equal(t, int64(8), history[0].ID)
	assert.Equal(t, int64(12), history[4].ID)
}

func TestBus_SubscriberReceivesLiveEvents(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe("t1")
	defer sub.Close()

	bus.Publish("t1", "agent_start", map[string]any{"query": "x"})

	select {
	case event := <-sub.C:
		assert.Equal(t, "agent_start", event.Type)
		assert.Equal(t, int64(1), event.ID)
	case <-time.After(time.Second):
		t.Fatal("expected live event")
	}
}

func TestBus_ReplayThenLiveIsContiguous(t *testing.T) {
	bus := NewBus(Options{})
	for i := 0; i < 10; i++ {
		bus.Publish("t1", "chapter_chunk", nil)
	}

	// Reconnect with Last-Event-ID 7: replay 8..10 then live.
	sub := bus.Subscribe("t1")
	defer sub.Close()
	replay := bus.HistorySince("t1", 7)

	bus.Publish("t1", "chapter_chunk", nil) // id 11

	var ids []int64
	for _, event := range replay {
		ids = append(ids, event.ID)
	}
	select {
	case event := <-sub.C:
		ids = append(ids, event.ID)
	case <-time.After(time.Second):
		t.Fatal("expected live event")
	}

	assert.Equal(t, []int64{8, 9, 10, 11}, ids)
}

func TestBus_SlowSubscriberDoesNotStallOthers(t *testing.T) {
	bus := NewBus(Options{SubscriberQueue: 1, SendTimeout: 10 * time.Millisecond})

	slow := bus.Subscribe("t1") // never drained
	defer slow.Close()
	fast := bus.Subscribe("t1")
	defer fast.Close()

	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish("t1", "chapter_chunk", nil)
		}
	}()

	received := 0
	deadline := time.After(2 * time.Second)
	for received < 5 {
		select {
		case <-fast.C:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber stalled: received %d of 5", received)
		}
	}
}

func TestBus_ConcurrentPublishersKeepContiguousIDs(t *testing.T) {
	bus := NewBus(Options{})
	var wg sync.WaitGroup
	const publishers = 8
	const perPublisher = 50

	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish("t1", "chapter_chunk", nil)
			}
		}()
	}
	wg.Wait()

	history := bus.HistorySince("t1", 0)
	require.Len(t, history, publishers*perPublisher)
	for i, event := range history {
		require.Equal(t, int64(i+1), event.ID, "gap at index %d", i)
	}
}

func TestBus_TerminalGraceKeepsHistoryThenEvicts(t *testing.T) {
	bus := NewBus(Options{TerminalGrace: 50 * time.Millisecond})
	bus.Publish("t1", "report_saved", nil)
	bus.CloseTask("t1")

	// During grace, history remains available for late subscribers.
	assert.True(t, bus.IsTerminal("t1"))
	assert.Len(t, bus.HistorySince("t1", 0), 1)

	sub := bus.Subscribe("t1")
	defer sub.Close()

	require.Eventually(t, func() bool {
		return len(bus.HistorySince("t1", 0)) == 0
	}, time.Second, 10*time.Millisecond, "task should be evicted after grace")

	// Eviction closes remaining subscriber channels.
	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed after eviction")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe("t1")
	require.Equal(t, 1, bus.SubscriberCount("t1"))

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount("t1"))
	// Publishing after close must not panic.
	bus.Publish("t1", "chapter_chunk", nil)

	// Close is idempotent.
	sub.Close()
}

func TestBus_EventFields(t *testing.T) {
	bus := NewBus(Options{})
	before := time.Now()
	event := bus.Publish("task-42", "error", map[string]any{"message": "boom"})

	assert.Equal(t, "task-42", event.TaskID)
	assert.Equal(t, "error", event.Type)
	assert.Equal(t, "boom", event.Payload["message"])
	assert.False(t, event.Timestamp.Before(before.Add(-time.Second)))
}

func TestBus_ManyTasksIndependent(t *testing.T) {
	bus := NewBus(Options{})
	for task := 0; task < 10; task++ {
		taskID := fmt.Sprintf("task-%d", task)
		for i := 0; i < 3; i++ {
			bus.Publish(taskID, "chapter_chunk", nil)
		}
	}
	for task := 0; task < 10; task++ {
		taskID := fmt.Sprintf("task-%d", task)
		assert.Equal(t, int64(3), bus.LastEventID(taskID))
	}
}
