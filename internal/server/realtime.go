package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/gin-gonic/gin"
)

const (
	realtimeEventIdentityChanged = "identity-change"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "donorledger"
	defaultHeartbeatInterval     = 25 * time.Second
)

type identityEventPayload struct {
	Source             string `json:"source"`
	PreviousIdentifier string `json:"previous_identifier,omitempty"`
	CurrentIdentifier  string `json:"current_identifier,omitempty"`
	CurrentEmail       string `json:"current_email,omitempty"`
	SignedIn           bool   `json:"signed_in"`
	Timestamp          string `json:"timestamp"`
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

func newIdentityEventPayload(event identity.ChangeEvent) identityEventPayload {
	return identityEventPayload{
		Source:             realtimeSourceBackend,
		PreviousIdentifier: event.Previous.Identifier.String(),
		CurrentIdentifier:  event.Current.Identifier.String(),
		CurrentEmail:       event.Current.Email,
		SignedIn:           !event.Current.IsZero(),
		Timestamp:          event.Timestamp.UTC().Format(time.RFC3339),
	}
}

// handleIdentityEvents streams identity changes as server-sent events so
// clients can drop cached ledger data the moment the identity moves.
func (h *httpHandler) handleIdentityEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events, unsubscribe := h.events.Subscribe(ctx)
	defer unsubscribe()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(realtimeEventIdentityChanged, newIdentityEventPayload(event))
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC().Format(time.RFC3339),
			})
			return true
		}
	})
}
