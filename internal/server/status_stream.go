package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/draftsafe/internal/autosave"
	"github.com/gin-gonic/gin"
)

const (
	statusEventReady         = "ready"
	statusEventHeartbeat     = "heartbeat"
	statusSourceBackend      = "draftsafe"
	defaultHeartbeatInterval = 25 * time.Second
)

type statusEventPayload struct {
	DraftID    string `json:"draft_id"`
	Saving     bool   `json:"saving"`
	Version    int64  `json:"version,omitempty"`
	SnapshotID int64  `json:"snapshot_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Source     string `json:"source"`
	Timestamp  string `json:"timestamp"`
}

func newStatusEventPayload(event autosave.StatusEvent) statusEventPayload {
	payload := statusEventPayload{
		DraftID:    event.DraftID,
		Saving:     event.Saving,
		Version:    event.Version,
		SnapshotID: event.SnapshotID,
		Source:     statusSourceBackend,
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if event.Err != nil {
		payload.Error = event.Err.Error()
	}
	return payload
}

func (h *httpHandler) handleStatusStream(c *gin.Context) {
	draftID, ok := h.draftID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.manager.Status().Subscribe(ctx, draftID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ready := statusEventPayload{DraftID: draftID.String(), Source: statusSourceBackend, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	if session, ok := h.manager.Lookup(draftID); ok {
		ready.Saving = session.Saving()
	}
	c.SSEvent(statusEventReady, ready)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(string(event.Kind), newStatusEventPayload(event))
			return true
		case now := <-heartbeat.C:
			c.SSEvent(statusEventHeartbeat, gin.H{"source": statusSourceBackend, "timestamp": now.UTC().Format(time.RFC3339Nano)})
			return true
		}
	})
}
