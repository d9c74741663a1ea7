// Package whatsapp sends outbound text messages through the WhatsApp Cloud
// API. Sends are never retried here; the caller decides using
// APIError.Retryable.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://graph.facebook.com/v21.0"
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 4 << 10
)

// ErrNotConfigured is returned by NewClient when credentials are missing.
var ErrNotConfigured = errors.New("whatsapp: phone number id and access token are required")

// APIError describes a failed send with enough detail for a retry decision.
type APIError struct {
	StatusCode int
	Body       string
	Timeout    bool
	Err        error
}

func (e *APIError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("whatsapp: send timed out: %v", e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("whatsapp: send failed: %v", e.Err)
	}
	return fmt.Sprintf("whatsapp: send failed: status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether resending could succeed: timeouts, throttling
// and server errors.
func (e *APIError) Retryable() bool {
	return e.Timeout || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Opts configures a Client.
type Opts struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
	// HTTPClient is the transport underneath the bearer-token client.
	HTTPClient *http.Client
}

// Client posts messages for one business phone number.
type Client struct {
	baseURL       string
	phoneNumberID string
	http          *http.Client
}

// NewClient builds a Client whose requests carry the access token as an
// OAuth2 bearer token and are bounded by the configured timeout.
func NewClient(opts Opts) (*Client, error) {
	if strings.TrimSpace(opts.PhoneNumberID) == "" || strings.TrimSpace(opts.AccessToken) == "" {
		return nil, ErrNotConfigured
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: opts.AccessToken,
		TokenType:   "Bearer",
	}))
	hc.Timeout = timeout

	return &Client{baseURL: baseURL, phoneNumberID: opts.PhoneNumberID, http: hc}, nil
}

type textRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends body to the recipient and returns the upstream message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	to = strings.TrimPrefix(strings.TrimSpace(to), "+")
	if to == "" {
		return "", errors.New("whatsapp: recipient is required")
	}
	if strings.TrimSpace(body) == "" {
		return "", errors.New("whatsapp: body is required")
	}

	reqBody := textRequest{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: "text"}
	reqBody.Text.Body = body
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("whatsapp: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &APIError{Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", &APIError{StatusCode: resp.StatusCode, Timeout: isTimeout(err), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out sendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("whatsapp: decode response: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", errors.New("whatsapp: response carried no message id")
	}
	return out.Messages[0].ID, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
