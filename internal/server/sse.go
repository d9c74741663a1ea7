package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/contact"
	"github.com/zulandar/switchboard/internal/live"
	"github.com/zulandar/switchboard/internal/metrics"
)

// connectedEvent is the first frame on every stream.
type connectedEvent struct {
	Type      string    `json:"type"`
	ContactID string    `json:"contactId"`
	Timestamp time.Time `json:"timestamp"`
}

// handleLive streams events for one contact identity, or every contact when
// contactId is "all". The stream ends when the client disconnects or the
// subscription is dropped for falling behind.
func handleLive(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		contactID := contact.Normalize(c.Query("contactId"))
		if contactID == "" {
			fail(c, http.StatusBadRequest, errors.New("contactId is required"))
			return
		}

		ctx := c.Request.Context()
		sub, err := d.Registry.Subscribe(ctx, contactID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, live.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			fail(c, status, err)
			return
		}
		defer d.Registry.Unsubscribe(sub)
		metrics.LiveSubscribers.Inc()
		defer metrics.LiveSubscribers.Dec()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		if err := writeSSE(c.Writer, connectedEvent{Type: "connected", ContactID: contactID, Timestamp: time.Now().UTC()}); err != nil {
			return
		}
		c.Writer.Flush()

		heartbeat := time.NewTicker(d.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.Events():
				if !ok {
					d.Logger.Debug().Str("subscription", sub.ID).Str("state", sub.State().String()).Msg("live stream closed")
					return
				}
				if err := writeSSE(c.Writer, evt); err != nil {
					return
				}
				c.Writer.Flush()
			case <-heartbeat.C:
				if _, err := fmt.Fprintf(c.Writer, ": heartbeat %d\n\n", time.Now().Unix()); err != nil {
					return
				}
				c.Writer.Flush()
				d.Registry.Touch(sub)
			}
		}
	}
}

func handleLiveStatus(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{
			"success":       true,
			"subscriptions": d.Registry.Snapshot(),
			"count":         d.Registry.Count(),
		}
		if d.Presence != nil {
			active, err := d.Presence.Active(c.Request.Context())
			if err != nil {
				fail(c, http.StatusInternalServerError, err)
				return
			}
			ids := make([]string, 0, len(active))
			for _, a := range active {
				ids = append(ids, a.Identity)
			}
			resp["presence"] = ids
		}
		c.JSON(http.StatusOK, resp)
	}
}

// writeSSE writes data as a single SSE data frame.
func writeSSE(w io.Writer, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", jsonData)
	return err
}
