package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/rolecoach/internal/observe"
	"github.com/MrWong99/rolecoach/internal/resilience"
)

// ErrNotFound is returned when the service does not know a session.
var ErrNotFound = errors.New("scoring: session not found")

var _ Collaborator = (*RemoteCollaborator)(nil)

// RemoteOption configures a [RemoteCollaborator].
type RemoteOption func(*RemoteCollaborator)

// WithHTTPClient sets the HTTP client. It should carry a timeout.
func WithHTTPClient(hc *http.Client) RemoteOption {
	return func(r *RemoteCollaborator) {
		r.http = hc
	}
}

// WithBreaker guards every call with b.
func WithBreaker(b *resilience.Breaker) RemoteOption {
	return func(r *RemoteCollaborator) {
		r.breaker = b
	}
}

// RemoteCollaborator implements [Collaborator] against the scoring
// service's JSON API.
type RemoteCollaborator struct {
	base    string
	http    *http.Client
	breaker *resilience.Breaker
}

// NewRemote creates a collaborator for the service at baseURL.
func NewRemote(baseURL string, opts ...RemoteOption) (*RemoteCollaborator, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("scoring: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scoring: base url %q: scheme must be http or https", baseURL)
	}
	r := &RemoteCollaborator{
		base: strings.TrimRight(u.String(), "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// StartSession implements [Collaborator].
func (r *RemoteCollaborator) StartSession(ctx context.Context, personaID, sessionID string) error {
	body := struct {
		PersonaID string `json:"personaId"`
		SessionID string `json:"sessionId"`
	}{personaID, sessionID}
	return r.do(ctx, "start_session", http.MethodPost, "/sessions", body, nil)
}

// AddMessage implements [Collaborator].
func (r *RemoteCollaborator) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	return r.do(ctx, "add_message", http.MethodPost, sessionPath(sessionID)+"/messages", msg, nil)
}

// EndSession implements [Collaborator].
func (r *RemoteCollaborator) EndSession(ctx context.Context, sessionID string) error {
	return r.do(ctx, "end_session", http.MethodPost, sessionPath(sessionID)+"/end", nil, nil)
}

// SessionInfo implements [Collaborator].
func (r *RemoteCollaborator) SessionInfo(ctx context.Context, sessionID string) (SessionInfo, error) {
	var info SessionInfo
	err := r.do(ctx, "session_info", http.MethodGet, sessionPath(sessionID), nil, &info)
	return info, err
}

// IsSessionActive implements [Collaborator]. An unknown session is
// reported as inactive.
func (r *RemoteCollaborator) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	info, err := r.SessionInfo(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Active, nil
}

func sessionPath(id string) string {
	return "/sessions/" + url.PathEscape(id)
}

func (r *RemoteCollaborator) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("scoring: %s: encode: %w", op, err)
		}
		payload = b
	}

	call := func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(observe.WithOperation(ctx, op), method, r.base+path, body)
		if err != nil {
			return fmt.Errorf("scoring: %s: %w", op, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := r.http.Do(req)
		if err != nil {
			return fmt.Errorf("scoring: %s: %w", op, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			_, _ = io.Copy(io.Discard, resp.Body)
			return resilience.Permanent(fmt.Errorf("scoring: %s: %w", op, ErrNotFound))
		case resp.StatusCode >= 400:
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("scoring: %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
			if resp.StatusCode < 500 {
				return resilience.Permanent(err)
			}
			return err
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("scoring: %s: decode: %w", op, err)
		}
		return nil
	}

	if r.breaker == nil {
		return call(ctx)
	}
	return r.breaker.Do(ctx, call)
}
