package slack

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchboard/internal/notify"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu        sync.Mutex
	posted    []postedMessage
	postErr   error
	failTimes int
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTimes > 0 {
		m.failTimes--
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func testAlert() notify.Alert {
	return notify.Alert{
		ContactID: "+5491112345678",
		Title:     "Unattended message from Lucía",
		Text:      "New message from Lucía: hola",
		Color:     notify.ColorInfo,
		Fields:    []notify.Field{{Name: "Contact", Value: "+5491112345678", Short: true}},
		Timestamp: time.Unix(1749416383, 0),
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "C1"}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("missing token: %v", err)
	}
	if _, err := New(Opts{BotToken: "xoxb-1"}); err == nil || !strings.Contains(err.Error(), "channel") {
		t.Errorf("missing channel: %v", err)
	}
	n, err := New(Opts{BotToken: "xoxb-1", ChannelID: "C1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.Name() != "slack" {
		t.Errorf("Name = %q", n.Name())
	}
}

func TestNotify_Posts(t *testing.T) {
	mock := &mockSlackClient{}
	n, _ := New(Opts{ChannelID: "C_ALERTS", Client: mock})

	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(mock.posted) != 1 {
		t.Fatalf("posted = %d, want 1", len(mock.posted))
	}
	if mock.posted[0].channelID != "C_ALERTS" {
		t.Errorf("channel = %q", mock.posted[0].channelID)
	}
	if len(mock.posted[0].options) != 2 {
		t.Errorf("options = %d, want text + attachment", len(mock.posted[0].options))
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	mock := &mockSlackClient{failTimes: 2}
	n, _ := New(Opts{ChannelID: "C1", Client: mock})
	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(mock.posted) != 1 {
		t.Errorf("posted = %d, want 1", len(mock.posted))
	}
}

func TestNotify_ErrorWrapped(t *testing.T) {
	mock := &mockSlackClient{postErr: errors.New("channel_not_found")}
	n, _ := New(Opts{ChannelID: "C1", Client: mock})
	err := n.Notify(context.Background(), testAlert())
	if err == nil || !strings.Contains(err.Error(), "slack: post message: channel_not_found") {
		t.Errorf("error = %v", err)
	}
}

func TestRetryOnRateLimit_GivesUp(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil {
		t.Fatal("expected error after max retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", calls, maxRetries+1)
	}
}

func TestRetryOnRateLimit_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryOnRateLimit(ctx, func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Hour}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestAlertToAttachment(t *testing.T) {
	att := alertToAttachment(testAlert())
	if att.Title != "Unattended message from Lucía" || att.Color != notify.ColorInfo || att.Fallback != att.Title {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Contact" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
	if string(att.Ts) != "1749416383" {
		t.Errorf("Ts = %q", att.Ts)
	}
}
