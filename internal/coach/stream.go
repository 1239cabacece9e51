package coach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/rolecoach/internal/observe"
	"github.com/MrWong99/rolecoach/internal/resilience"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// errStreamDone is returned by the server answering 204 No Content, which
// tells clients to stop reconnecting.
var errStreamDone = errors.New("coach: server ended event stream")

// ReconnectConfig controls how a [Stream] recovers from dropped connections.
type ReconnectConfig struct {
	// InitialBackoff is the first delay after a drop. It doubles on every
	// consecutive failure up to MaxBackoff. A retry hint sent by the server
	// replaces it. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration

	// MaxRetries is the number of consecutive failed connection attempts
	// after which the stream gives up. Default: 10. Negative means never
	// give up.
	MaxRetries int
}

func (rc ReconnectConfig) withDefaults() ReconnectConfig {
	if rc.InitialBackoff <= 0 {
		rc.InitialBackoff = defaultBackoff
	}
	if rc.MaxBackoff <= 0 {
		rc.MaxBackoff = defaultMaxBackoff
	}
	if rc.MaxBackoff < rc.InitialBackoff {
		rc.MaxBackoff = rc.InitialBackoff
	}
	if rc.MaxRetries == 0 {
		rc.MaxRetries = defaultMaxRetries
	}
	return rc
}

// Stream is the push-event channel of one session. It reconnects on
// transient failures, resuming with Last-Event-ID, until the session ends,
// the server answers 204 or a 4xx, retries are exhausted, or it is closed.
// The session id never changes across reconnects.
//
// Events arrive on [Stream.Events] in server order. The channel is closed
// when the stream stops for any reason.
type Stream struct {
	client    *Client
	sessionID string
	events    chan Event
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.Mutex
	lastID string
	retry  time.Duration
	err    error
}

// Subscribe opens the event stream for sessionID. The first connection is
// made in the background; Subscribe only fails on invalid input. The stream
// stops when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (*Stream, error) {
	if sessionID == "" {
		return nil, errors.New("coach: subscribe: empty session id")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		client:    c,
		sessionID: sessionID,
		events:    make(chan Event, c.buffer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// Events returns the event channel.
func (s *Stream) Events() <-chan Event { return s.events }

// SessionID returns the session the stream belongs to.
func (s *Stream) SessionID() string { return s.sessionID }

// LastEventID returns the id of the most recent event that carried one.
func (s *Stream) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Err returns why the stream stopped. It is nil while running, after a
// terminal event, and after Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and waits for its goroutine to exit. Safe to call
// more than once and from any goroutine.
func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	rc := s.client.reconnect
	backoff := rc.InitialBackoff
	failures := 0

	for {
		connected, terminal, err := s.connect(ctx)
		if terminal || ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
			backoff = rc.InitialBackoff
		} else {
			failures++
		}

		if errors.Is(err, errStreamDone) || resilience.IsPermanent(err) {
			slog.Warn("coach: event stream rejected, not reconnecting",
				"session_id", s.sessionID,
				"error", err,
			)
			s.setErr(err)
			return
		}
		if rc.MaxRetries > 0 && failures >= rc.MaxRetries {
			slog.Error("coach: event stream reconnection failed after max retries",
				"session_id", s.sessionID,
				"max_retries", rc.MaxRetries,
				"error", err,
			)
			s.setErr(fmt.Errorf("coach: stream %s: giving up after %d attempts: %w", s.sessionID, failures, err))
			return
		}

		delay := backoff
		s.mu.Lock()
		if s.retry > 0 && failures <= 1 {
			delay = s.retry
		}
		s.mu.Unlock()

		slog.Warn("coach: event stream lost, reconnecting",
			"session_id", s.sessionID,
			"attempt", failures+1,
			"backoff", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff = min(backoff*2, rc.MaxBackoff)
	}
}

// connect runs one connection until it ends. connected reports whether the
// server accepted the stream; terminal reports that session_end was
// delivered.
func (s *Stream) connect(ctx context.Context) (connected, terminal bool, err error) {
	req, err := http.NewRequestWithContext(observe.WithOperation(ctx, "events"), http.MethodGet,
		s.client.endpoint("/events/"+url.PathEscape(s.sessionID)), nil)
	if err != nil {
		return false, false, resilience.Permanent(fmt.Errorf("coach: events: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := s.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := s.client.streaming.Do(req)
	if err != nil {
		return false, false, fmt.Errorf("coach: events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, false, errStreamDone
	}
	if err := checkStreamResponse(resp); err != nil {
		return false, false, err
	}

	slog.Info("coach: event stream connected", "session_id", s.sessionID)

	r := newSSEReader(resp.Body)
	for {
		f, err := r.Next()
		s.mu.Lock()
		if r.retry > 0 {
			s.retry = r.retry
		}
		if r.lastID != "" {
			s.lastID = r.lastID
		}
		s.mu.Unlock()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return true, false, fmt.Errorf("coach: events: %w", err)
		}

		ev := Event{Type: EventType(f.event), ID: f.id, Data: f.data}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return true, false, ctx.Err()
		}
		if ev.Type.Terminal() {
			return true, true, nil
		}
	}
}

func checkStreamResponse(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return checkStatus("events", resp)
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mt != "text/event-stream" {
		return resilience.Permanent(fmt.Errorf("coach: events: unexpected content type %q", resp.Header.Get("Content-Type")))
	}
	return nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
