package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/contact"
	"github.com/zulandar/switchboard/internal/models"
)

// Envelope is the canonical form every ingestion path normalizes to before
// a message is persisted. Direction is set explicitly by the adapter that
// produced the envelope; nothing downstream infers it from phone numbers.
type Envelope struct {
	ExternalID  string         // upstream id; generated when empty
	From        string         // sender identity
	To          string         // recipient identity
	Content     string         // message text or media caption
	Kind        string         // models.Kind*; defaults to text
	Source      string         // models.Source*
	Direction   string         // models.Direction*; defaults to inbound
	Metadata    map[string]any // agent_id, execution_id, session_id, ...
	ContactName string         // profile name reported by the upstream, if any
	Timestamp   time.Time      // upstream time; arrival time when zero
}

// ContactIdentity is the identity of the non-business party, which keys the
// conversation the message belongs to.
func (e Envelope) ContactIdentity() string {
	if e.Direction == models.DirectionOutbound {
		return e.To
	}
	return e.From
}

// normalized returns a copy with identities normalized and defaults applied,
// or ErrInvalidEnvelope describing what is missing.
func (e Envelope) normalized() (Envelope, error) {
	e.ExternalID = strings.TrimSpace(e.ExternalID)
	e.From = contact.Normalize(e.From)
	e.To = contact.Normalize(e.To)
	if e.Kind == "" {
		e.Kind = models.KindText
	}
	if e.Direction == "" {
		e.Direction = models.DirectionInbound
	}
	if e.Source == "" {
		e.Source = models.SourceWhatsApp
	}

	var errs []string
	if e.From == "" {
		errs = append(errs, "from is required")
	}
	if strings.TrimSpace(e.Content) == "" && e.Kind == models.KindText {
		errs = append(errs, "content is required")
	}
	if !models.ValidKind(e.Kind) {
		errs = append(errs, fmt.Sprintf("unknown kind %q", e.Kind))
	}
	switch e.Direction {
	case models.DirectionInbound:
	case models.DirectionOutbound:
		if e.To == "" {
			errs = append(errs, "to is required for outbound messages")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown direction %q", e.Direction))
	}
	switch e.Source {
	case models.SourceWhatsApp, models.SourceAgent, models.SourceSystem:
	default:
		errs = append(errs, fmt.Sprintf("unknown source %q", e.Source))
	}
	if len(errs) > 0 {
		return e, fmt.Errorf("%w: %s", ErrInvalidEnvelope, strings.Join(errs, "; "))
	}
	return e, nil
}
