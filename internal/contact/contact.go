// Package contact normalizes the phone-number-like identities that key
// conversations and live subscriptions.
package contact

import (
	"strings"
	"unicode"
)

// All is the wildcard identity a live subscriber uses to receive every
// conversation's events.
const All = "all"

// channelPrefixes are transport tags some upstreams put in front of a number
// (Twilio sends "whatsapp:+54...").
var channelPrefixes = []string{"whatsapp:", "wa:", "tel:", "sms:"}

// Normalize maps equivalent spellings of one identity to a single key.
// Phone-like values become "+<digits>"; anything else (the wildcard, agent
// handles, emails) is trimmed and lowercased.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	for _, p := range channelPrefixes {
		if strings.HasPrefix(lower, p) {
			s = strings.TrimSpace(s[len(p):])
			lower = lower[len(p):]
			break
		}
	}
	if !isPhoneLike(s) {
		return strings.TrimSpace(lower)
	}

	var b strings.Builder
	b.Grow(len(s) + 1)
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "00") && !strings.HasPrefix(s, "+") {
		digits = digits[2:]
	}
	if digits == "" {
		return strings.TrimSpace(lower)
	}
	return "+" + digits
}

// Equal reports whether two raw identities normalize to the same key.
func Equal(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}

// DisplayName is the templated name given to a contact nobody has named.
func DisplayName(identity string) string {
	return "Contact " + identity
}

// isPhoneLike accepts digits plus the punctuation people type into phone
// numbers, with at least six digits.
func isPhoneLike(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 6
}
