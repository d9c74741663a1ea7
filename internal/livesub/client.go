// Package livesub is a reconnecting client for the /live event stream.
package livesub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/live"
)

const (
	// DefaultBaseBackoff is the first reconnect delay.
	DefaultBaseBackoff = time.Second
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 30 * time.Second
)

// ErrRejected is returned when the server refuses the subscription with a
// client error; retrying would not help.
var ErrRejected = errors.New("livesub: subscription rejected")

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Opts configures a Client.
type Opts struct {
	BaseURL     string
	ContactID   string
	HTTPClient  *http.Client
	Logger      zerolog.Logger
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxAttempts bounds consecutive failed connects; zero retries forever.
	MaxAttempts int
	// OnState is called on every state transition.
	OnState func(State)
}

// Client subscribes to one identity and reconnects with exponential
// backoff until its context is cancelled.
type Client struct {
	url         string
	hc          *http.Client
	log         zerolog.Logger
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	onState     func(State)

	mu    sync.Mutex
	state State
}

// New validates opts and returns a disconnected Client.
func New(opts Opts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("livesub: base url is required")
	}
	if strings.TrimSpace(opts.ContactID) == "" {
		return nil, fmt.Errorf("livesub: contact id is required")
	}
	c := &Client{
		url:         strings.TrimRight(opts.BaseURL, "/") + "/live?contactId=" + url.QueryEscape(opts.ContactID),
		hc:          opts.HTTPClient,
		log:         opts.Logger,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		maxAttempts: opts.MaxAttempts,
		onState:     opts.OnState,
	}
	if c.hc == nil {
		// No client timeout: the stream is long-lived.
		c.hc = &http.Client{}
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = DefaultBaseBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.onState != nil {
		c.onState(s)
	}
}

// handlerError carries an error returned by the caller's callback.
type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// Run delivers every event to fn until ctx is cancelled, fn returns an
// error, the server rejects the subscription, or MaxAttempts consecutive
// connects fail. The attempt counter resets after each successful connect.
func (c *Client) Run(ctx context.Context, fn func(live.Event) error) error {
	defer c.setState(StateDisconnected)

	attempt := 0
	for {
		c.setState(StateConnecting)
		connected, err := c.stream(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var herr *handlerError
		if errors.As(err, &herr) {
			return herr.err
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if connected {
			attempt = 0
		}
		attempt++
		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			return fmt.Errorf("livesub: giving up after %d attempts: %w", attempt, err)
		}

		wait := c.backoff(attempt - 1)
		c.setState(StateBackoff)
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("live stream lost, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff returns base * 2^attempt, capped at the maximum.
func (c *Client) backoff(attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseBackoff
	if wait > c.maxBackoff || wait <= 0 {
		wait = c.maxBackoff
	}
	return wait
}

// stream holds one connection open. connected reports whether the server
// accepted the subscription before the stream ended.
func (c *Client) stream(ctx context.Context, fn func(live.Event) error) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("livesub: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("livesub: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("livesub: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return false, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return false, err
	}

	c.setState(StateConnected)
	c.log.Info().Str("url", c.url).Msg("live stream connected")

	err = readFrames(resp.Body, func(data []byte) error {
		var evt live.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Warn().Err(err).Msg("skipping malformed live frame")
			return nil
		}
		if evt.Type == "connected" {
			return nil
		}
		if err := fn(evt); err != nil {
			return &handlerError{err: err}
		}
		return nil
	})
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return true, err
}

// readFrames splits an SSE body into data payloads. Multi-line data fields
// are joined with newlines; comment lines are ignored. It returns nil at
// EOF.
func readFrames(r io.Reader, fn func([]byte) error) error {
	br := bufio.NewReader(r)
	var data []string
	for {
		line, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("livesub: read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				frame := strings.Join(data, "\n")
				data = data[:0]
				if ferr := fn([]byte(frame)); ferr != nil {
					return ferr
				}
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if err == io.EOF {
			return nil
		}
	}
}
