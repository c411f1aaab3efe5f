package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bettafish/bettafish/pkg/models"
)

// stream serves GET /api/report/stream/:taskId as Server-Sent Events.
//
// A reconnecting client sends Last-Event-ID; retained history after that ID
// is replayed before live events. The stream closes when the task is terminal
// and no event has arrived for the idle timeout, or when the client
// disconnects.
func (s *Server) stream(c *gin.Context) {
	taskID := c.Param("taskId")
	lastID := parseLastEventID(c.Request)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fail(c, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(taskID)
	defer sub.Close()

	// Replay missed history before consuming the live channel. Overlap with
	// the live feed is filtered by ID below.
	for _, event := range s.bus.HistorySince(taskID, lastID) {
		writeSSE(c.Writer, event)
		lastID = event.ID
	}
	flusher.Flush()

	settings := s.cfg.Current()
	heartbeat := time.NewTicker(settings.SSE.HeartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTimer(settings.SSE.IdleTimeout)
	defer idle.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case event, open := <-sub.C:
			if !open {
				return
			}
			if event.ID <= lastID {
				continue
			}
			writeSSE(c.Writer, event)
			lastID = event.ID
			flusher.Flush()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(settings.SSE.IdleTimeout)
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		case <-idle.C:
			if s.taskTerminal(taskID) {
				return
			}
			idle.Reset(settings.SSE.IdleTimeout)
		}
	}
}

// taskTerminal reports whether the task has reached a final state.
func (s *Server) taskTerminal(taskID string) bool {
	if task, ok := s.registry.Get(taskID); ok {
		return task.Status.IsTerminal()
	}
	return s.bus.IsTerminal(taskID)
}

// parseLastEventID reads the SSE reconnection cursor from the header, with a
// query-parameter fallback for clients that cannot set headers.
func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// writeSSE emits one id/event/data frame.
func writeSSE(w io.Writer, event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
}
