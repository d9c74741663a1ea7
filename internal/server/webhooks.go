package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/messaging"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/webhook"
)

const (
	agentSignatureHeader    = "x-kapso-signature"
	whatsAppSignatureHeader = "X-Hub-Signature-256"
)

// readBody reads at most maxBodyBytes of the raw request body, which the
// signature check needs byte for byte.
func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", webhook.ErrUnknownFormat, maxBodyBytes)
	}
	return body, nil
}

// reject answers a refused webhook and counts it.
func reject(c *gin.Context, d *Deps, endpoint string, err error) {
	status, reason := http.StatusBadRequest, "invalid"
	if webhook.IsAuthError(err) {
		status, reason = http.StatusUnauthorized, "signature"
	}
	metrics.WebhookRejections.WithLabelValues(endpoint, reason).Inc()
	d.Logger.Warn().Err(err).Str("endpoint", endpoint).Int("status", status).Msg("webhook rejected")
	fail(c, status, err)
}

func handleAgentWebhook(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			reject(c, d, "agent", err)
			return
		}
		cfg := d.Webhook
		if err := webhook.CheckSignature(cfg.AgentSecret, body, c.GetHeader(agentSignatureHeader), cfg.RequireSignature); err != nil {
			reject(c, d, "agent", err)
			return
		}

		payload, err := webhook.ParseAgent(body)
		if err != nil {
			reject(c, d, "agent", err)
			return
		}
		envs, _, err := payload.Normalize()
		if err != nil {
			reject(c, d, "agent", err)
			return
		}

		res, err := d.Pipeline.Ingest(c.Request.Context(), envs[0])
		switch {
		case err == nil:
		case webhook.IsClientError(err):
			reject(c, d, "agent", err)
			return
		default:
			// Acknowledge anyway: the upstream retries on non-2xx and
			// idempotent storage makes a later retry safe.
			d.Logger.Error().Err(err).Str("message_id", envs[0].ExternalID).Msg("agent webhook storage failed")
			c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"message_id": res.Message.ExternalID,
			"source":     res.Message.Source,
			"type":       payload.EventType(),
			"duplicate":  !res.Created,
		})
	}
}

func handleWhatsAppVerify(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		challenge, err := webhook.VerifyChallenge(c.Request.URL.Query(), d.Webhook.WhatsAppVerifyToken)
		if err != nil {
			metrics.WebhookRejections.WithLabelValues("whatsapp_verify", "token").Inc()
			c.String(http.StatusForbidden, "forbidden")
			return
		}
		c.String(http.StatusOK, challenge)
	}
}

func handleWhatsAppWebhook(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			reject(c, d, "whatsapp", err)
			return
		}
		cfg := d.Webhook
		if err := webhook.CheckSignature(cfg.WhatsAppAppSecret, body, c.GetHeader(whatsAppSignatureHeader), cfg.RequireSignature); err != nil {
			reject(c, d, "whatsapp", err)
			return
		}

		payload, err := webhook.ParseWhatsApp(body)
		if err != nil {
			reject(c, d, "whatsapp", err)
			return
		}
		envs, statuses, err := payload.Normalize()
		if err != nil {
			reject(c, d, "whatsapp", err)
			return
		}

		ctx := c.Request.Context()
		var stored, duplicates, failed, applied int
		for _, sk := range payload.Skipped {
			failed++
			metrics.WebhookRejections.WithLabelValues("whatsapp", "malformed_item").Inc()
			d.Logger.Warn().Err(sk.Err).Str("message_id", sk.ID).Msg("whatsapp message skipped")
		}
		for _, env := range envs {
			res, err := d.Pipeline.Ingest(ctx, env)
			if err != nil {
				failed++
				d.Logger.Error().Err(err).Str("message_id", env.ExternalID).Msg("whatsapp message not stored")
				continue
			}
			if res.Created {
				stored++
			} else {
				duplicates++
			}
		}
		for _, st := range statuses {
			_, changed, err := d.Pipeline.ApplyStatus(ctx, st.ExternalID, st.Status)
			switch {
			case errors.Is(err, messaging.ErrNotFound):
				d.Logger.Debug().Str("message_id", st.ExternalID).Msg("status for unknown message")
			case err != nil:
				d.Logger.Error().Err(err).Str("message_id", st.ExternalID).Msg("status update failed")
			case changed:
				applied++
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"success":    failed == 0,
			"stored":     stored,
			"duplicates": duplicates,
			"failed":     failed,
			"statuses":   applied,
		})
	}
}
