package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/switchboard/internal/ingest"
	"github.com/zulandar/switchboard/internal/messaging"
	"github.com/zulandar/switchboard/internal/whatsapp"
)

// registerRoutes sets up every route on the gin router.
func registerRoutes(router *gin.Engine, d *Deps) {
	// Webhooks.
	router.POST("/webhooks/agent", handleAgentWebhook(d))
	router.GET("/webhooks/whatsapp", handleWhatsAppVerify(d))
	router.POST("/webhooks/whatsapp", handleWhatsAppWebhook(d))

	// Live delivery.
	router.GET("/live", handleLive(d))
	router.GET("/live/status", handleLiveStatus(d))

	// Conversations.
	router.GET("/conversations", handleConversations(d))
	router.GET("/conversations/:id/messages", handleMessages(d))
	router.POST("/conversations/:id/messages", handleSend(d))
	router.POST("/conversations/:id/mark-read", handleMarkRead(d))

	// Unread aggregates.
	router.GET("/unread", handleUnread(d))
	router.GET("/unread/total", handleUnreadTotal(d))
	router.POST("/admin/unread/reset", handleUnreadReset(d))

	router.GET("/healthz", handleHealth(d))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// fail writes the standard error body.
func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func conversationID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid conversation id %q", c.Param("id")))
		return 0, false
	}
	return uint(id), true
}

func handleConversations(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		convs, err := d.Service.GetConversations(c.Request.Context())
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":       true,
			"conversations": convs,
			"total":         len(convs),
		})
	}
}

func handleMessages(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := conversationID(c)
		if !ok {
			return
		}
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				fail(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
				return
			}
			limit = n
		}
		if _, err := d.Service.GetConversation(c.Request.Context(), id); err != nil {
			failLookup(c, err)
			return
		}
		msgs, err := d.Service.GetMessages(c.Request.Context(), id, limit)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":         true,
			"messages":        msgs,
			"conversation_id": id,
			"total":           len(msgs),
		})
	}
}

func handleMarkRead(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := conversationID(c)
		if !ok {
			return
		}
		n, err := d.Service.MarkAsRead(c.Request.Context(), id)
		if err != nil {
			failLookup(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":         true,
			"message":         fmt.Sprintf("%d messages marked as read", n),
			"conversation_id": id,
		})
	}
}

type sendRequest struct {
	Text string `json:"text"`
}

func handleSend(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := conversationID(c)
		if !ok {
			return
		}
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			fail(c, http.StatusBadRequest, errors.New("text is required"))
			return
		}

		res, err := d.Pipeline.SendManual(c.Request.Context(), id, req.Text)
		var apiErr *whatsapp.APIError
		switch {
		case err == nil:
		case errors.Is(err, ingest.ErrSendDisabled):
			fail(c, http.StatusServiceUnavailable, err)
			return
		case errors.Is(err, messaging.ErrNotFound):
			fail(c, http.StatusNotFound, err)
			return
		case errors.As(err, &apiErr):
			c.JSON(http.StatusBadGateway, gin.H{
				"success":         false,
				"error":           err.Error(),
				"upstream_status": apiErr.StatusCode,
				"retryable":       apiErr.Retryable(),
			})
			return
		default:
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": res.Message})
	}
}

func handleUnread(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := d.Service.UnreadByContact(c.Request.Context())
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"counts":    counts.Counts,
			"total":     counts.Total,
			"cached_at": counts.ComputedAt,
		})
	}
}

func handleUnreadTotal(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		total, err := d.Service.GetTotalUnreadCount(c.Request.Context())
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "total": total})
	}
}

func handleUnreadReset(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := d.Service.ResetUnreadCache(c.Request.Context()); err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "unread cache reset"})
	}
}

func handleHealth(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"subscribers": d.Registry.Count(),
		})
	}
}

// failLookup maps a missing conversation to 404 and anything else to 500.
func failLookup(c *gin.Context, err error) {
	if errors.Is(err, messaging.ErrNotFound) {
		fail(c, http.StatusNotFound, err)
		return
	}
	fail(c, http.StatusInternalServerError, err)
}
