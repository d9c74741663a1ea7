package livesub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/live"
)

func newTestClient(t *testing.T, baseURL string, opts Opts) *Client {
	t.Helper()
	opts.BaseURL = baseURL
	if opts.ContactID == "" {
		opts.ContactID = "+5491112345678"
	}
	opts.BaseBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ContactID: "x"}); err == nil || !strings.Contains(err.Error(), "base url") {
		t.Errorf("missing url: %v", err)
	}
	if _, err := New(Opts{BaseURL: "http://x"}); err == nil || !strings.Contains(err.Error(), "contact id") {
		t.Errorf("missing contact: %v", err)
	}
	c, err := New(Opts{BaseURL: "http://x/", ContactID: "+54 911"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.url != "http://x/live?contactId=%2B54+911" {
		t.Errorf("url = %q", c.url)
	}
	if c.baseBackoff != DefaultBaseBackoff || c.maxBackoff != DefaultMaxBackoff {
		t.Errorf("defaults = %v/%v", c.baseBackoff, c.maxBackoff)
	}
	if c.State() != StateDisconnected {
		t.Errorf("initial state = %v", c.State())
	}
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	c, _ := New(Opts{BaseURL: "http://x", ContactID: "a"})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := c.backoff(i); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w)
		}
	}
	if got := c.backoff(200); got != 30*time.Second {
		t.Errorf("backoff(200) = %v", got)
	}
}

func TestRun_ReceivesAndReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("contactId") != "+5491112345678" {
			http.Error(w, "bad contact", http.StatusBadRequest)
			return
		}
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"connected\",\"contactId\":\"+5491112345678\"}\n\n")
		fmt.Fprint(w, ": heartbeat 1\n\n")
		fmt.Fprintf(w, "data: {\"id\":\"wamid.%d\",\"type\":\"whatsapp_message\",\"contactId\":\"+5491112345678\",\"content\":\"hola\"}\n\n", n)
		// Returning closes the stream and forces a reconnect.
	}))
	defer srv.Close()

	var mu sync.Mutex
	var states []State
	c := newTestClient(t, srv.URL, Opts{OnState: func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}})

	var got []live.Event
	stop := errors.New("enough")
	err := c.Run(context.Background(), func(evt live.Event) error {
		got = append(got, evt)
		if len(got) == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Run error = %v, want handler error", err)
	}
	if len(got) != 2 || got[0].ID != "wamid.1" || got[1].ID != "wamid.2" {
		t.Errorf("events = %+v", got)
	}
	if got[0].Content != "hola" || got[0].Type != live.TypeWhatsAppMessage {
		t.Errorf("event = %+v", got[0])
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateBackoff, StateConnecting, StateConnected, StateDisconnected}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestRun_RejectedIsTerminal(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		http.Error(w, `{"success":false,"error":"contactId is required"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Opts{})
	err := c.Run(context.Background(), func(live.Event) error { return nil })
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
	if conns.Load() != 1 {
		t.Errorf("connections = %d, want 1", conns.Load())
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v", c.State())
	}
}

func TestRun_GivesUpAfterMaxAttempts(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Opts{MaxAttempts: 3})
	err := c.Run(context.Background(), func(live.Event) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "giving up after 3 attempts") {
		t.Fatalf("error = %v", err)
	}
	if conns.Load() != 3 {
		t.Errorf("connections = %d, want 3", conns.Load())
	}
}

func TestRun_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Opts{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, func(live.Event) error { return nil }) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReadFrames(t *testing.T) {
	body := ": comment\n" +
		"data: {\"a\":1}\n\n" +
		"event: ignored\n" +
		"data: line1\r\n" +
		"data:line2\r\n\r\n" +
		"\n" +
		"data: tail-without-blank"
	var frames []string
	if err := readFrames(strings.NewReader(body), func(b []byte) error {
		frames = append(frames, string(b))
		return nil
	}); err != nil {
		t.Fatalf("readFrames: %v", err)
	}
	want := []string{`{"a":1}`, "line1\nline2"}
	if fmt.Sprint(frames) != fmt.Sprint(want) {
		t.Errorf("frames = %q, want %q", frames, want)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateBackoff:      "backoff",
		State(9):          "state(9)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
