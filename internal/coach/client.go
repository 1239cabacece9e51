// Package coach is the client for the remote coaching service: the HTTP
// calls that start, feed and end a coaching session, and the server-sent
// event stream that reports behavioural scores and lifecycle events.
package coach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/rolecoach/internal/observe"
	"github.com/MrWong99/rolecoach/internal/resilience"
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Op   string
	Code int
	Body string
	// CorrelationID matches the failure to the service's logs.
	CorrelationID string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("coach: %s: status %d", e.Op, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.CorrelationID != "" {
		msg += " (correlation_id " + e.CorrelationID + ")"
	}
	return msg
}

// Client talks to one coaching service. It is safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	streaming *http.Client
	breaker   *resilience.Breaker
	reconnect ReconnectConfig
	buffer    int
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the client used for start, observe and end. It should
// carry a timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithStreamClient sets the client used for event streams. It must not carry
// a total-request timeout, or long-lived streams are cut off.
func WithStreamClient(hc *http.Client) Option {
	return func(c *Client) {
		c.streaming = hc
	}
}

// WithBreaker guards start, observe and end with b. Event stream
// connections are not guarded; they have their own backoff.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// WithReconnect sets the event stream reconnection policy.
func WithReconnect(rc ReconnectConfig) Option {
	return func(c *Client) {
		c.reconnect = rc
	}
}

// WithEventBuffer sets the capacity of each stream's event channel.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("coach: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("coach: base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:      u,
		http:      &http.Client{Timeout: 10 * time.Second},
		streaming: &http.Client{},
		buffer:    64,
	}
	for _, o := range opts {
		o(c)
	}
	c.reconnect = c.reconnect.withDefaults()
	return c, nil
}

// Start registers a new coaching session.
func (c *Client) Start(ctx context.Context, sessionID, personaName string) error {
	body := struct {
		SessionID   string `json:"sessionId"`
		PersonaName string `json:"personaName"`
	}{sessionID, personaName}
	return c.post(ctx, "start", "/start", body)
}

// Observe forwards one utterance of the call.
func (c *Client) Observe(ctx context.Context, sessionID, text, speaker string) error {
	body := struct {
		Text    string `json:"text"`
		Speaker string `json:"speaker"`
	}{text, speaker}
	return c.post(ctx, "observe", "/observe/"+url.PathEscape(sessionID), body)
}

// End asks the service to finish the session. The service answers on the
// event stream with post_call_insights and session_end.
func (c *Client) End(ctx context.Context, sessionID string) error {
	return c.post(ctx, "end", "/end/"+url.PathEscape(sessionID), nil)
}

func (c *Client) post(ctx context.Context, op, path string, body any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("coach: %s: encode: %w", op, err)
		}
		payload = bytes.NewReader(b)
	}

	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(observe.WithOperation(ctx, op), http.MethodPost, c.endpoint(path), payload)
		if err != nil {
			return fmt.Errorf("coach: %s: %w", op, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("coach: %s: %w", op, err)
		}
		defer resp.Body.Close()
		return checkStatus(op, resp)
	}

	if c.breaker == nil {
		return call(ctx)
	}
	return c.breaker.Do(ctx, call)
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// checkStatus drains resp and converts non-2xx codes into a [StatusError].
// 4xx errors are marked [resilience.Permanent].
func checkStatus(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := &StatusError{
		Op:            op,
		Code:          resp.StatusCode,
		Body:          strings.TrimSpace(string(snippet)),
		CorrelationID: observe.ResponseCorrelationID(resp),
	}
	if resp.StatusCode < 500 {
		return resilience.Permanent(err)
	}
	return err
}
