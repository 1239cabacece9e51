package agent

import (
	"context"
	"fmt"
	"net/url"

	"github.com/MrWong99/rolecoach/internal/uplink"
	"github.com/MrWong99/rolecoach/pkg/audio"
	"github.com/MrWong99/rolecoach/pkg/audio/device"
	"github.com/MrWong99/rolecoach/pkg/audio/playback"
)

// Capture is an open microphone. The device and its context are released
// separately.
type Capture interface {
	StopDevice() error
	CloseContext() error
}

// Speaker is an open output device that doubles as the playback clock.
type Speaker interface {
	playback.Clock
	playback.Sink
	Close() error
}

// Devices opens audio hardware.
type Devices interface {
	OpenCapture(cfg device.CaptureConfig, onBatch func(audio.FrameBatch)) (Capture, error)
	OpenSpeaker(sampleRate int) (Speaker, error)
}

// SystemDevices opens the default microphone and speaker.
type SystemDevices struct{}

var _ Devices = SystemDevices{}

// OpenCapture implements [Devices].
func (SystemDevices) OpenCapture(cfg device.CaptureConfig, onBatch func(audio.FrameBatch)) (Capture, error) {
	c, err := device.OpenCapture(cfg, onBatch)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// OpenSpeaker implements [Devices].
func (SystemDevices) OpenSpeaker(sampleRate int) (Speaker, error) {
	s, err := device.OpenSpeaker(sampleRate)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Transport carries audio to and from the remote voice service.
type Transport interface {
	Pump(ctx context.Context, in <-chan audio.PCMBuffer) error
	Run(ctx context.Context, h uplink.Handler) error
	Close() error
}

// Dialer opens a transport for a conversation.
type Dialer func(ctx context.Context, sessionID string) (Transport, error)

// UplinkDialer returns a Dialer that opens an [uplink.Conn] to baseURL with
// the session id in the "session" query parameter.
func UplinkDialer(baseURL string, opts ...uplink.Option) Dialer {
	return func(ctx context.Context, sessionID string) (Transport, error) {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("agent: uplink url: %w", err)
		}
		q := u.Query()
		q.Set("session", sessionID)
		u.RawQuery = q.Encode()
		c, err := uplink.Dial(ctx, u.String(), opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
