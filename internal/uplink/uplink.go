// Package uplink carries microphone PCM to the remote voice service over a
// WebSocket and delivers what comes back: synthesized speech as binary
// frames, and transcripts and barge-in interrupts as JSON text frames.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/rolecoach/internal/observe"
	"github.com/MrWong99/rolecoach/pkg/audio"
)

// ErrClosed is returned by [Conn.Send] after [Conn.Close].
var ErrClosed = errors.New("uplink: connection closed")

const defaultReadLimit = 1 << 20

// Control message types sent by the service as text frames.
const (
	TypeTranscript = "transcript"
	TypeInterrupt  = "interrupt"
)

// Transcript is one recognised utterance.
type Transcript struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

type control struct {
	Type string `json:"type"`
	Transcript
}

// Handler receives what the service sends. Methods are called from the
// goroutine running [Conn.Run], one at a time.
type Handler interface {
	HandleAudio(ctx context.Context, buf audio.PCMBuffer)
	HandleTranscript(ctx context.Context, t Transcript)
	HandleInterrupt(ctx context.Context)
}

// Option configures a [Conn].
type Option func(*Conn)

// WithHeader adds HTTP headers to the opening handshake.
func WithHeader(h http.Header) Option {
	return func(c *Conn) {
		c.header = h
	}
}

// WithSendRate resamples outgoing buffers to rate before sending. Zero sends
// buffers at whatever rate they arrive.
func WithSendRate(rate int) Option {
	return func(c *Conn) {
		c.sendRate = rate
	}
}

// WithReceiveRate sets the sample rate stamped on received audio.
func WithReceiveRate(rate int) Option {
	return func(c *Conn) {
		c.recvRate = rate
	}
}

// WithReadLimit sets the largest frame the service may send.
func WithReadLimit(n int64) Option {
	return func(c *Conn) {
		c.readLimit = n
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Conn) {
		c.metrics = m
	}
}

// Conn is an open uplink. Send and Pump may be used concurrently with Run.
type Conn struct {
	ws        *websocket.Conn
	header    http.Header
	sendRate  int
	recvRate  int
	readLimit int64
	metrics   *observe.Metrics

	mu     sync.Mutex
	closed bool
	once   sync.Once

	rsMu sync.Mutex
	rs   *streamResampler
}

// Dial opens an uplink to url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	c := &Conn{
		recvRate:  24000,
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return nil, fmt.Errorf("uplink: dial: %w", err)
	}
	ws.SetReadLimit(c.readLimit)
	c.ws = ws
	return c, nil
}

// Send writes one buffer as a binary frame. Ownership of buf moves to the
// connection.
func (c *Conn) Send(ctx context.Context, buf audio.PCMBuffer) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	samples, err := c.resample(buf)
	if err != nil {
		c.metrics.RecordAudioBuffer(ctx, observe.StageUplink, "error")
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, audio.EncodePCM16(samples)); err != nil {
		c.metrics.RecordAudioBuffer(ctx, observe.StageUplink, "error")
		return fmt.Errorf("uplink: send: %w", err)
	}
	c.metrics.RecordAudioBuffer(ctx, observe.StageUplink, "delivered")
	return nil
}

// resample converts buf to the send rate. The resampler is rebuilt whenever
// the capture rate changes.
func (c *Conn) resample(buf audio.PCMBuffer) ([]int16, error) {
	if c.sendRate <= 0 || buf.SampleRate <= 0 || buf.SampleRate == c.sendRate || len(buf.Samples) == 0 {
		return buf.Samples, nil
	}
	c.rsMu.Lock()
	defer c.rsMu.Unlock()
	if c.rs == nil || c.rs.srcRate != buf.SampleRate {
		rs, err := newStreamResampler(buf.SampleRate, c.sendRate)
		if err != nil {
			return nil, err
		}
		c.rs = rs
	}
	return c.rs.process(buf.Samples)
}

// Pump sends every buffer from in until in is closed or ctx is done. A send
// failure stops the pump; the remaining buffers are drained so the producer
// never blocks.
func (c *Conn) Pump(ctx context.Context, in <-chan audio.PCMBuffer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case buf, ok := <-in:
			if !ok {
				return nil
			}
			if err := c.Send(ctx, buf); err != nil {
				go audio.Drain(in)
				if errors.Is(err, ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

// Run reads frames and dispatches them to h until the connection closes or
// ctx is done. A normal close, by either side, returns nil.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("uplink: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			samples := audio.DecodePCM16(data)
			if len(samples) == 0 {
				c.metrics.RecordAudioBuffer(ctx, observe.StagePlayback, "malformed")
				continue
			}
			h.HandleAudio(ctx, audio.PCMBuffer{Samples: samples, SampleRate: c.recvRate})
		case websocket.MessageText:
			var msg control
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("uplink: ignoring malformed control message", "err", err)
				continue
			}
			switch msg.Type {
			case TypeTranscript:
				h.HandleTranscript(ctx, msg.Transcript)
			case TypeInterrupt:
				h.HandleInterrupt(ctx)
			default:
				slog.Debug("uplink: ignoring control message", "type", msg.Type)
			}
		}
	}
}

// Close closes the connection with a normal closure. It is safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.ws.Close(websocket.StatusNormalClosure, "session closed")
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = nil
		}
	})
	return err
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
