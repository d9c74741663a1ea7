package webhook

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/models"
)

const cloudBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "102290129340398",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550783881", "phone_number_id": "106540352242922"},
        "contacts": [{"profile": {"name": "Sheena Nelson"}, "wa_id": "5491112345678"}],
        "messages": [
          {"from": "5491112345678", "id": "wamid.A", "timestamp": "1749416383", "type": "text", "text": {"body": "hola"}},
          {"from": "5491112345678", "id": "wamid.B", "timestamp": "1749416390", "type": "image", "image": {"id": "img1", "caption": "remito"}},
          {"from": "5491112345678", "id": "wamid.C", "timestamp": "1749416395", "type": "sticker"}
        ],
        "statuses": [
          {"id": "wamid.OUT1", "status": "read", "timestamp": "1749416400", "recipient_id": "5491112345678"},
          {"id": "wamid.OUT2", "status": "queued", "timestamp": "1749416401", "recipient_id": "5491112345678"}
        ]
      }
    }]
  }]
}`

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"from":"+5491112345678","message":"hola"}`)
	sig := Sign("s3cret", body)

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"match", sig, nil},
		{"meta prefix", "sha256=" + sig, nil},
		{"upper hex", strings.ToUpper(sig), nil},
		{"mismatch", Sign("other", body), ErrBadSignature},
		{"garbage", "not-hex", ErrBadSignature},
		{"empty", "", ErrMissingSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature("s3cret", body, tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifySignature() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckSignature_Policy(t *testing.T) {
	body := []byte("{}")
	if err := CheckSignature("", body, "whatever", true); err != nil {
		t.Errorf("no secret: %v", err)
	}
	if err := CheckSignature("s", body, "", false); err != nil {
		t.Errorf("absent signature, not required: %v", err)
	}
	if err := CheckSignature("s", body, "", true); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("absent signature, required: %v", err)
	}
	if err := CheckSignature("s", body, "deadbeef", false); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong signature: %v", err)
	}
	if err := CheckSignature("s", body, Sign("s", body), true); err != nil {
		t.Errorf("good signature: %v", err)
	}
}

func TestAgentPayload_Received(t *testing.T) {
	p, err := ParseAgent([]byte(`{"from":"+5491112345678","message":"hola","message_id":"m1",
		"agent_id":"ag","execution_id":"ex","timestamp":"2026-05-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("ParseAgent: %v", err)
	}
	envs, statuses, err := p.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(envs) != 1 || len(statuses) != 0 {
		t.Fatalf("got %d envelopes, %d statuses", len(envs), len(statuses))
	}
	env := envs[0]
	if env.ExternalID != "m1" || env.Content != "hola" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Direction != models.DirectionInbound || env.Source != models.SourceWhatsApp {
		t.Errorf("direction/source = %s/%s", env.Direction, env.Source)
	}
	if env.Metadata["agent_id"] != "ag" || env.Metadata["execution_id"] != "ex" {
		t.Errorf("metadata = %v", env.Metadata)
	}
	if _, ok := env.Metadata["session_id"]; ok {
		t.Error("empty session_id copied into metadata")
	}
	if !env.Timestamp.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", env.Timestamp)
	}
}

func TestAgentPayload_ContentFallbackAndSent(t *testing.T) {
	p, _ := ParseAgent([]byte(`{"from":"+15550000000","to":"+5491112345678","content":"on its way","type":"message_sent"}`))
	envs, _, err := p.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	env := envs[0]
	if env.Content != "on its way" {
		t.Errorf("content = %q", env.Content)
	}
	if env.Direction != models.DirectionOutbound || env.Source != models.SourceAgent {
		t.Errorf("direction/source = %s/%s", env.Direction, env.Source)
	}
	if env.ContactIdentity() != "+5491112345678" {
		t.Errorf("contact = %s", env.ContactIdentity())
	}
	if env.Metadata != nil {
		t.Errorf("metadata = %v, want nil", env.Metadata)
	}
}

func TestAgentPayload_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"no sender", `{"message":"hola"}`, ErrMissingSender},
		{"no text", `{"from":"+5491112345678"}`, ErrMissingText},
		{"blank text", `{"from":"+5491112345678","message":"  ","content":""}`, ErrMissingText},
		{"sent without to", `{"from":"+1555","message":"x","type":"message_sent"}`, ErrMissingRecipient},
		{"unknown type", `{"from":"+1555","message":"x","type":"call"}`, ErrUnknownFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseAgent([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseAgent: %v", err)
			}
			_, _, err = p.Normalize()
			if !errors.Is(err, tt.want) {
				t.Errorf("Normalize() = %v, want %v", err, tt.want)
			}
			if !IsClientError(err) {
				t.Errorf("IsClientError(%v) = false", err)
			}
		})
	}
}

func TestParseAgent_BadJSON(t *testing.T) {
	_, err := ParseAgent([]byte(`{"from":`))
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("error = %v, want ErrUnknownFormat", err)
	}
}

func TestWhatsAppPayload_Normalize(t *testing.T) {
	p, err := ParseWhatsApp([]byte(cloudBody))
	if err != nil {
		t.Fatalf("ParseWhatsApp: %v", err)
	}
	envs, statuses, err := p.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("envelopes = %d, want 3", len(envs))
	}

	text := envs[0]
	if text.ExternalID != "wamid.A" || text.Content != "hola" || text.Kind != models.KindText {
		t.Errorf("text envelope = %+v", text)
	}
	if text.From != "5491112345678" || text.To != "15550783881" {
		t.Errorf("from/to = %s/%s", text.From, text.To)
	}
	if text.ContactName != "Sheena Nelson" {
		t.Errorf("contact name = %q", text.ContactName)
	}
	if text.Timestamp.Unix() != 1749416383 {
		t.Errorf("timestamp = %v", text.Timestamp)
	}
	if text.Metadata["phone_number_id"] != "106540352242922" {
		t.Errorf("metadata = %v", text.Metadata)
	}

	if envs[1].Kind != models.KindImage || envs[1].Content != "remito" {
		t.Errorf("image envelope = %+v", envs[1])
	}
	if envs[2].Kind != models.KindText || envs[2].Content != "[sticker]" {
		t.Errorf("sticker envelope = %+v", envs[2])
	}

	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1 (unknown status dropped)", len(statuses))
	}
	if statuses[0].ExternalID != "wamid.OUT1" || statuses[0].Status != models.StatusRead {
		t.Errorf("status = %+v", statuses[0])
	}
}

func TestWhatsAppPayload_StatusOnly(t *testing.T) {
	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{
		"statuses":[{"id":"wamid.X","status":"delivered","timestamp":"1749416400","recipient_id":"1"}]}}]}]}`
	p, err := ParseWhatsApp([]byte(body))
	if err != nil {
		t.Fatalf("ParseWhatsApp: %v", err)
	}
	envs, statuses, err := p.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(envs) != 0 || len(statuses) != 1 {
		t.Errorf("got %d envelopes, %d statuses", len(envs), len(statuses))
	}
}

func TestWhatsAppPayload_Rejections(t *testing.T) {
	if _, err := ParseWhatsApp([]byte(`{"object":"x","entry":[]}`)); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("empty entries: %v", err)
	}
}

func TestWhatsAppPayload_SkipsMalformedMessages(t *testing.T) {
	batch := `{"entry":[{"changes":[{"value":{"messages":[
		{"from":"1234567","id":"w-empty","type":"text"},
		{"from":"5491112345678","id":"w-ok","type":"text","text":{"body":"hola"}},
		{"id":"w-nofrom","type":"text","text":{"body":"x"}}]}}]}]}`
	p, err := ParseWhatsApp([]byte(batch))
	if err != nil {
		t.Fatalf("ParseWhatsApp: %v", err)
	}
	envs, _, err := p.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(envs) != 1 || envs[0].ExternalID != "w-ok" {
		t.Fatalf("envelopes = %+v, want only w-ok", envs)
	}
	if len(p.Skipped) != 2 {
		t.Fatalf("skipped = %+v, want 2", p.Skipped)
	}
	if p.Skipped[0].ID != "w-empty" || !errors.Is(p.Skipped[0].Err, ErrMissingText) {
		t.Errorf("skipped[0] = %+v", p.Skipped[0])
	}
	if p.Skipped[1].ID != "w-nofrom" || !errors.Is(p.Skipped[1].Err, ErrMissingSender) {
		t.Errorf("skipped[1] = %+v", p.Skipped[1])
	}

	// A second call starts from a clean list.
	if _, _, err := p.Normalize(); err != nil || len(p.Skipped) != 2 {
		t.Errorf("renormalize: err=%v skipped=%d", err, len(p.Skipped))
	}
}

func TestParse_Sniffs(t *testing.T) {
	p, err := Parse([]byte(cloudBody))
	if err != nil || Format(p) != "whatsapp" {
		t.Errorf("cloud body: format=%v err=%v", p, err)
	}
	p, err = Parse([]byte(`{"from":"+1555","message":"x"}`))
	if err != nil || Format(p) != "agent" {
		t.Errorf("agent body: err=%v", err)
	}
	if _, err := Parse([]byte(`{"hello":"world"}`)); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("unknown body: %v", err)
	}
	if _, err := Parse([]byte(`[1,2]`)); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("array body: %v", err)
	}
}

func TestVerifyChallenge(t *testing.T) {
	q := url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"tok"}, "hub.challenge": {"1158201444"}}
	got, err := VerifyChallenge(q, "tok")
	if err != nil || got != "1158201444" {
		t.Errorf("VerifyChallenge = %q, %v", got, err)
	}
	if _, err := VerifyChallenge(q, "other"); !errors.Is(err, ErrBadVerifyToken) {
		t.Errorf("wrong token: %v", err)
	}
	if _, err := VerifyChallenge(q, ""); !errors.Is(err, ErrBadVerifyToken) {
		t.Errorf("unconfigured token: %v", err)
	}
	q.Set("hub.mode", "unsubscribe")
	if _, err := VerifyChallenge(q, "tok"); !errors.Is(err, ErrBadVerifyToken) {
		t.Errorf("wrong mode: %v", err)
	}
	if !IsAuthError(ErrBadVerifyToken) {
		t.Error("IsAuthError(ErrBadVerifyToken) = false")
	}
}

func TestParseTimestamp(t *testing.T) {
	if !parseTimestamp("").IsZero() || !parseTimestamp("yesterday").IsZero() || !parseTimestamp("-5").IsZero() {
		t.Error("invalid timestamps should be zero")
	}
	if got := parseTimestamp("1749416383"); got.Unix() != 1749416383 {
		t.Errorf("unix = %v", got)
	}
}
