// Package notify posts alerts about messages that arrived while nobody was
// watching live. Platform adapters live in the slack and discord
// subpackages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zulandar/switchboard/internal/models"
)

// Color constants for alert severity.
const (
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// previewLen bounds how much message text an alert repeats.
const previewLen = 280

// DefaultTemplate is the alert text when none is configured.
const DefaultTemplate = "New message from {{.Name}} ({{.Contact}}): {{.Content}}"

// Notifier delivers an alert to one platform.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

// Alert is a platform-neutral notification.
type Alert struct {
	ContactID      string
	ConversationID uint
	Title          string
	Text           string // plain text fallback
	Severity       string // "info", "warning", "error"
	Color          string
	Fields         []Field
	Timestamp      time.Time
}

// Field is a key-value pair displayed with an alert.
type Field struct {
	Name  string
	Value string
	Short bool
}

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// Render replaces placeholders in tmpl with message values. Supported
// placeholders: {{.Name}}, {{.Contact}}, {{.Content}}, {{.Kind}},
// {{.Source}}, {{.ConversationID}}.
func Render(tmpl string, msg *models.Message, displayName string) string {
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	contact := msg.ContactIdentity()
	if displayName == "" {
		displayName = contact
	}
	r := strings.NewReplacer(
		"{{.Name}}", displayName,
		"{{.Contact}}", contact,
		"{{.Content}}", preview(msg),
		"{{.Kind}}", msg.Kind,
		"{{.Source}}", msg.Source,
		"{{.ConversationID}}", fmt.Sprint(msg.ConversationID),
	)
	return r.Replace(tmpl)
}

// OfflineAlert formats the alert for a message no live subscriber took.
func OfflineAlert(msg *models.Message, displayName, tmpl string) Alert {
	contact := msg.ContactIdentity()
	if displayName == "" {
		displayName = contact
	}
	fields := []Field{
		{Name: "Contact", Value: contact, Short: true},
		{Name: "Conversation", Value: fmt.Sprint(msg.ConversationID), Short: true},
	}
	if msg.Kind != "" && msg.Kind != models.KindText {
		fields = append(fields, Field{Name: "Type", Value: msg.Kind, Short: true})
	}
	return Alert{
		ContactID:      contact,
		ConversationID: msg.ConversationID,
		Title:          "Unattended message from " + displayName,
		Text:           Render(tmpl, msg, displayName),
		Severity:       "info",
		Color:          severityColor("info"),
		Fields:         fields,
		Timestamp:      msg.CreatedAt,
	}
}

func preview(msg *models.Message) string {
	text := strings.TrimSpace(msg.Content)
	if text == "" && msg.Kind != models.KindText {
		return "[" + msg.Kind + "]"
	}
	if utf8.RuneCountInString(text) <= previewLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLen]) + "…"
}

// Multi fans an alert out to several notifiers, attempting all of them.
type Multi []Notifier

func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, n := range m {
		names = append(names, n.Name())
	}
	return strings.Join(names, ",")
}

func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Throttle suppresses repeat alerts for the same contact within a cooldown.
type Throttle struct {
	next     Notifier
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle wraps next. A nil now selects time.Now.
func NewThrottle(next Notifier, cooldown time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{next: next, cooldown: cooldown, now: now, last: make(map[string]time.Time)}
}

func (t *Throttle) Name() string { return t.next.Name() }

// Notify forwards alert unless one for the same contact went out within the
// cooldown. Suppressed alerts return ErrSuppressed.
func (t *Throttle) Notify(ctx context.Context, alert Alert) error {
	now := t.now()
	t.mu.Lock()
	if last, ok := t.last[alert.ContactID]; ok && now.Sub(last) < t.cooldown {
		t.mu.Unlock()
		return ErrSuppressed
	}
	for id, ts := range t.last {
		if now.Sub(ts) >= t.cooldown {
			delete(t.last, id)
		}
	}
	t.last[alert.ContactID] = now
	t.mu.Unlock()

	return t.next.Notify(ctx, alert)
}

// ErrSuppressed is returned by Throttle for alerts inside the cooldown.
var ErrSuppressed = errors.New("notify: suppressed by cooldown")
