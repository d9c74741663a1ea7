// Package webhook parses upstream webhook bodies into messaging envelopes.
// Parsing is pure: nothing here touches storage or the network.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/messaging"
)

var (
	ErrBadSignature     = errors.New("webhook: signature mismatch")
	ErrMissingSignature = errors.New("webhook: signature required")
	ErrMissingSender    = errors.New("webhook: missing sender")
	ErrMissingText      = errors.New("webhook: missing message text")
	ErrMissingRecipient = errors.New("webhook: missing recipient")
	ErrUnknownFormat    = errors.New("webhook: unknown payload format")
	ErrBadVerifyToken   = errors.New("webhook: verify token mismatch")
)

// StatusUpdate is a delivery receipt for a message sent earlier.
type StatusUpdate struct {
	ExternalID string
	Status     string
	Recipient  string
	Timestamp  time.Time
}

// Payload is a parsed webhook body. The concrete types are AgentPayload and
// WhatsAppPayload.
type Payload interface {
	// Normalize converts the payload into envelopes to store and status
	// updates to apply.
	Normalize() ([]messaging.Envelope, []StatusUpdate, error)
	format() string
}

// Format names the upstream a payload came from.
func Format(p Payload) string { return p.format() }

// Parse sniffs body and decodes it as whichever payload shape it matches.
func Parse(body []byte) (Payload, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	if _, ok := probe["entry"]; ok {
		return ParseWhatsApp(body)
	}
	if _, ok := probe["from"]; ok {
		return ParseAgent(body)
	}
	if _, ok := probe["message"]; ok {
		return ParseAgent(body)
	}
	return nil, ErrUnknownFormat
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	return nil
}

// IsClientError reports whether err means the request itself was bad, as
// opposed to a storage or transport failure.
func IsClientError(err error) bool {
	for _, target := range []error{ErrMissingSender, ErrMissingText, ErrMissingRecipient, ErrUnknownFormat, messaging.ErrInvalidEnvelope} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAuthError reports whether err is a signature failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrBadSignature) || errors.Is(err, ErrMissingSignature) || errors.Is(err, ErrBadVerifyToken)
}
