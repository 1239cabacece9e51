package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/rolecoach/pkg/audio"
)

// CaptureConfig describes the requested microphone format.
type CaptureConfig struct {
	// SampleRate in Hz. Defaults to 16000.
	SampleRate int

	// Channels to capture. Defaults to 1.
	Channels int

	// Quantum is the period size in frames. Defaults to 128.
	Quantum int
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.Quantum <= 0 {
		c.Quantum = 128
	}
	return c
}

// Capture is an open microphone. The device and the miniaudio context are
// released separately so that a registry can tear down the stream before the
// context it belongs to.
type Capture struct {
	cfg CaptureConfig

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
}

// OpenCapture initialises a miniaudio context with real-time thread priority,
// opens the default capture device in float32 mode, and starts it. onBatch is
// invoked on the device thread for every period and must not block.
func OpenCapture(cfg CaptureConfig, onBatch func(audio.FrameBatch)) (*Capture, error) {
	cfg = cfg.withDefaults()

	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init capture context: %w", err)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.Quantum)
	devCfg.Alsa.NoMMap = 1

	channels, rate := cfg.Channels, cfg.SampleRate
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			onBatch(audio.FrameBatch{
				Samples:    audio.DecodeFloat32(in),
				Channels:   channels,
				SampleRate: rate,
			})
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("device: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("device: start capture: %w", err)
	}

	slog.Info("device: capture started",
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"quantum", cfg.Quantum,
	)
	return &Capture{cfg: cfg, mctx: mctx, device: dev}, nil
}

// Config returns the effective capture configuration.
func (c *Capture) Config() CaptureConfig { return c.cfg }

// StopDevice stops and uninitialises the capture device. Safe to call more
// than once.
func (c *Capture) StopDevice() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return nil
	}
	err := c.device.Stop()
	c.device.Uninit()
	c.device = nil
	if err != nil {
		return fmt.Errorf("device: stop capture: %w", err)
	}
	return nil
}

// CloseContext releases the miniaudio context. The device should be stopped
// first. Safe to call more than once.
func (c *Capture) CloseContext() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mctx == nil {
		return nil
	}
	err := c.mctx.Uninit()
	c.mctx.Free()
	c.mctx = nil
	if err != nil {
		return fmt.Errorf("device: uninit capture context: %w", err)
	}
	return nil
}
