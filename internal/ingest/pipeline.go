// Package ingest runs a normalized message through storage, live fan-out
// and offline alerting.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/live"
	"github.com/zulandar/switchboard/internal/messaging"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/whatsapp"
)

// ErrSendDisabled is returned by SendManual when no outbound sender is
// configured.
var ErrSendDisabled = errors.New("ingest: outbound sending is not configured")

const alertTimeout = 30 * time.Second

// Publisher fans events out to live subscribers. *live.Registry satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt live.Event, target string) live.PublishResult
}

// Sender delivers outbound text upstream. *whatsapp.Client satisfies it.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// Opts configures a Pipeline.
type Opts struct {
	Service  *messaging.Service
	Live     Publisher
	Sender   Sender          // optional
	Notifier notify.Notifier // optional
	// Cooldown throttles offline alerts per contact.
	Cooldown      time.Duration
	AlertTemplate string
	// BusinessIdentity is the From of manual sends.
	BusinessIdentity string
	Logger           zerolog.Logger
}

// Result describes one ingested message.
type Result struct {
	Message *models.Message
	Created bool
	Publish live.PublishResult
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	svc      *messaging.Service
	live     Publisher
	sender   Sender
	notifier notify.Notifier
	template string
	business string
	log      zerolog.Logger

	alerts sync.WaitGroup
}

// New creates a Pipeline.
func New(opts Opts) (*Pipeline, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("ingest: messaging service is required")
	}
	if opts.Live == nil {
		return nil, fmt.Errorf("ingest: live publisher is required")
	}
	p := &Pipeline{
		svc:      opts.Service,
		live:     opts.Live,
		sender:   opts.Sender,
		template: opts.AlertTemplate,
		business: opts.BusinessIdentity,
		log:      opts.Logger,
	}
	if opts.Notifier != nil {
		p.notifier = notify.NewThrottle(opts.Notifier, opts.Cooldown, nil)
	}
	return p, nil
}

// Ingest stores env and, only when it produced a new row, pushes it to live
// subscribers. Duplicate deliveries return the stored message without a
// second push.
func (p *Pipeline) Ingest(ctx context.Context, env messaging.Envelope) (*Result, error) {
	source := env.Source
	if source == "" {
		source = models.SourceWhatsApp
	}
	msg, created, err := p.svc.SaveMessage(ctx, env)
	if err != nil {
		result := "error"
		if errors.Is(err, messaging.ErrInvalidEnvelope) {
			result = "invalid"
		}
		metrics.MessagesIngested.WithLabelValues(source, result).Inc()
		return nil, err
	}

	res := &Result{Message: msg, Created: created}
	if !created {
		metrics.MessagesIngested.WithLabelValues(source, "duplicate").Inc()
		p.log.Debug().Str("message_id", msg.ExternalID).Msg("duplicate message, not republished")
		return res, nil
	}
	metrics.MessagesIngested.WithLabelValues(source, "created").Inc()

	res.Publish = p.live.Publish(ctx, live.EventFromMessage(msg), msg.ContactIdentity())
	p.recordPublish(res.Publish)
	p.log.Info().
		Str("message_id", msg.ExternalID).
		Str("contact", msg.ContactIdentity()).
		Str("source", msg.Source).
		Str("direction", msg.Direction).
		Int("delivered", res.Publish.Delivered).
		Msg("message ingested")

	if msg.IsInbound() && res.Publish.Delivered == 0 && !res.Publish.PresenceActive {
		p.alertOffline(msg)
	}
	return res, nil
}

// ApplyStatus records a delivery receipt and pushes a status_update event
// when the status moved forward.
func (p *Pipeline) ApplyStatus(ctx context.Context, externalID, status string) (*models.Message, bool, error) {
	msg, changed, err := p.svc.UpdateStatus(ctx, externalID, status)
	switch {
	case errors.Is(err, messaging.ErrNotFound):
		metrics.StatusUpdates.WithLabelValues("unknown").Inc()
		return nil, false, err
	case err != nil:
		metrics.StatusUpdates.WithLabelValues("error").Inc()
		return nil, false, err
	case !changed:
		metrics.StatusUpdates.WithLabelValues("ignored").Inc()
		return msg, false, nil
	}
	metrics.StatusUpdates.WithLabelValues("applied").Inc()
	p.live.Publish(ctx, live.StatusEvent(msg), msg.ContactIdentity())
	return msg, true, nil
}

// SendManual sends text to a conversation's contact through the upstream
// API and stores the result as an outbound system message. A failed send
// stores nothing.
func (p *Pipeline) SendManual(ctx context.Context, conversationID uint, text string) (*Result, error) {
	if p.sender == nil {
		return nil, ErrSendDisabled
	}
	conv, err := p.svc.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	externalID, err := p.sender.SendText(ctx, conv.Identity, text)
	if err != nil {
		result := "error"
		var apiErr *whatsapp.APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			result = "retryable"
		}
		metrics.OutboundSends.WithLabelValues(result).Inc()
		p.log.Error().Err(err).Uint("conversation_id", conversationID).Msg("manual send failed")
		return nil, fmt.Errorf("ingest: send to %s: %w", conv.Identity, err)
	}
	metrics.OutboundSends.WithLabelValues("ok").Inc()

	from := p.business
	if from == "" {
		from = "business"
	}
	return p.Ingest(ctx, messaging.Envelope{
		ExternalID: externalID,
		From:       from,
		To:         conv.Identity,
		Content:    text,
		Kind:       models.KindText,
		Source:     models.SourceSystem,
		Direction:  models.DirectionOutbound,
	})
}

// Wait blocks until in-flight offline alerts finish.
func (p *Pipeline) Wait() {
	p.alerts.Wait()
}

func (p *Pipeline) recordPublish(res live.PublishResult) {
	if res.Delivered > 0 {
		metrics.LiveDeliveries.WithLabelValues("delivered").Add(float64(res.Delivered))
	}
	if res.Stale > 0 {
		metrics.LiveDeliveries.WithLabelValues("stale").Add(float64(res.Stale))
	}
	if res.Delivered == 0 {
		metrics.LiveDeliveries.WithLabelValues("unattended").Inc()
	}
}

// alertOffline posts the offline alert in the background so webhook
// responses never wait on Slack or Discord.
func (p *Pipeline) alertOffline(msg *models.Message) {
	if p.notifier == nil {
		return
	}
	p.alerts.Add(1)
	go func() {
		defer p.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()

		name := ""
		if conv, err := p.svc.GetConversation(ctx, msg.ConversationID); err == nil {
			name = conv.DisplayName
		}
		err := p.notifier.Notify(ctx, notify.OfflineAlert(msg, name, p.template))
		switch {
		case errors.Is(err, notify.ErrSuppressed):
			metrics.OfflineAlerts.WithLabelValues("suppressed").Inc()
		case err != nil:
			metrics.OfflineAlerts.WithLabelValues("error").Inc()
			p.log.Warn().Err(err).Str("contact", msg.ContactIdentity()).Msg("offline alert failed")
		default:
			metrics.OfflineAlerts.WithLabelValues("sent").Inc()
		}
	}()
}
