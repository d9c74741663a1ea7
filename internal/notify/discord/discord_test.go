package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchboard/internal/notify"
)

// --- Mock session ---

type mockSession struct {
	mu        sync.Mutex
	sent      []sentMessage
	sendErr   error
	failTimes int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTimes > 0 {
		m.failTimes--
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func newTestNotifier(sess *mockSession) *Notifier {
	n, _ := New(Opts{ChannelID: "CH1", Session: sess})
	n.baseBackoff = time.Millisecond
	n.maxBackoff = 5 * time.Millisecond
	return n
}

func testAlert() notify.Alert {
	return notify.Alert{
		Title:     "Unattended message from Lucía",
		Text:      "New message from Lucía: hola",
		Color:     "#2196f3",
		Fields:    []notify.Field{{Name: "Contact", Value: "+5491112345678", Short: true}},
		Timestamp: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "CH1"}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("missing token: %v", err)
	}
	if _, err := New(Opts{BotToken: "tok"}); err == nil || !strings.Contains(err.Error(), "channel") {
		t.Errorf("missing channel: %v", err)
	}
	n, err := New(Opts{BotToken: "tok", ChannelID: "CH1"})
	if err != nil {
		t.Fatalf("New with real session: %v", err)
	}
	if n.Name() != "discord" {
		t.Errorf("Name = %q", n.Name())
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	sess := &mockSession{}
	n := newTestNotifier(sess)
	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	got := sess.sent[0]
	if got.channelID != "CH1" || got.data.Content != "New message from Lucía: hola" {
		t.Errorf("sent = %+v", got)
	}
	if len(got.data.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(got.data.Embeds))
	}
	embed := got.data.Embeds[0]
	if embed.Color != 0x2196f3 {
		t.Errorf("Color = %x", embed.Color)
	}
	if embed.Timestamp != "2026-07-01T09:00:00Z" {
		t.Errorf("Timestamp = %q", embed.Timestamp)
	}
	if len(embed.Fields) != 1 || !embed.Fields[0].Inline {
		t.Errorf("Fields = %+v", embed.Fields)
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	sess := &mockSession{failTimes: 2}
	n := newTestNotifier(sess)
	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(sess.sent))
	}
}

func TestNotify_GivesUpAfterMaxRetries(t *testing.T) {
	sess := &mockSession{failTimes: maxRetries + 5}
	n := newTestNotifier(sess)
	if err := n.Notify(context.Background(), testAlert()); err == nil {
		t.Fatal("expected error after max retries")
	}
}

func TestNotify_NonRateLimitError(t *testing.T) {
	sess := &mockSession{sendErr: errors.New("missing access")}
	n := newTestNotifier(sess)
	err := n.Notify(context.Background(), testAlert())
	if err == nil || !strings.Contains(err.Error(), "discord: send message: missing access") {
		t.Errorf("error = %v", err)
	}
}

func TestRetryOnRateLimit_ContextCancelled(t *testing.T) {
	n := newTestNotifier(&mockSession{})
	n.baseBackoff = time.Hour
	n.maxBackoff = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := n.retryOnRateLimit(ctx, func() error {
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err != context.Canceled {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestParseHexColor(t *testing.T) {
	tests := map[string]int{"#36a64f": 0x36a64f, "FF9800": 0xff9800, "#e53935": 0xe53935, "": 0}
	for in, want := range tests {
		if got := parseHexColor(in); got != want {
			t.Errorf("parseHexColor(%q) = %x, want %x", in, got, want)
		}
	}
}
