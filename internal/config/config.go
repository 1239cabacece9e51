// Package config provides the configuration schema, defaults, loader, and
// file watcher for rolecoach.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Coach    CoachConfig    `yaml:"coach"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Uplink   UplinkConfig   `yaml:"uplink"`
	Audio    AudioConfig    `yaml:"audio"`
	Persona  PersonaConfig  `yaml:"persona"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Agent    AgentConfig    `yaml:"agent"`
	Feedback FeedbackConfig `yaml:"feedback"`
}

// ServerConfig holds the observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /metrics, /healthz and /readyz (e.g., ":9090").
	// Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CoachConfig points at the remote coaching service.
type CoachConfig struct {
	// BaseURL is the service root, e.g. "https://coach.example.com/api/coach".
	BaseURL string `yaml:"base_url"`

	// EndGrace bounds how long an end requested through the service waits
	// for session_end before the push channel is closed locally.
	EndGrace time.Duration `yaml:"end_grace"`

	// CallTimeout bounds each start, observe, and end request.
	CallTimeout time.Duration `yaml:"call_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls push-stream reconnection.
type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// MaxRetries is the number of consecutive failed attempts before giving
	// up. Negative retries forever.
	MaxRetries int `yaml:"max_retries"`
}

// ScoringConfig points at the scoring service. An empty BaseURL disables
// scoring.
type ScoringConfig struct {
	BaseURL string `yaml:"base_url"`

	// Source labels recorded messages (e.g. "voice").
	Source string `yaml:"source"`
}

// UplinkConfig points at the audio uplink WebSocket.
type UplinkConfig struct {
	// URL is a ws:// or wss:// endpoint.
	URL string `yaml:"url"`

	// SendRate resamples microphone audio before sending. Zero sends at the
	// capture rate.
	SendRate int `yaml:"send_rate"`
}

// AudioConfig describes the local audio devices.
type AudioConfig struct {
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	Quantum         int     `yaml:"quantum"`
	OutputRate      int     `yaml:"output_rate"`
	Gain            float64 `yaml:"gain"`
	HandoffCapacity int     `yaml:"handoff_capacity"`
}

// PersonaConfig selects the roleplay counterpart.
type PersonaConfig struct {
	// Name is sent to the coaching service.
	Name string `yaml:"name"`

	// ID identifies the persona to the scoring service.
	ID string `yaml:"id"`
}

// BreakerConfig tunes the circuit breakers around remote calls.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// AgentConfig holds voice agent behaviour.
type AgentConfig struct {
	// Name labels the agent in logs and as the scoring slot owner.
	Name string `yaml:"name"`

	// AutoEnd ends the conversation when the service reports that the
	// persona wants to hang up.
	AutoEnd bool `yaml:"auto_end"`
}

// FeedbackConfig controls the local feedback journal.
type FeedbackConfig struct {
	// Path is a JSON lines file receiving behaviour updates and post-call
	// insights. Empty disables the journal.
	Path string `yaml:"path"`
}

// ApplyDefaults fills zero values with defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Coach.EndGrace, 10*time.Second)
	setDefault(&cfg.Coach.CallTimeout, 10*time.Second)
	setDefault(&cfg.Coach.Reconnect.InitialBackoff, time.Second)
	setDefault(&cfg.Coach.Reconnect.MaxBackoff, 30*time.Second)
	setDefault(&cfg.Coach.Reconnect.MaxRetries, 10)
	setDefault(&cfg.Scoring.Source, "voice")
	setDefault(&cfg.Audio.SampleRate, 16000)
	setDefault(&cfg.Audio.Channels, 1)
	setDefault(&cfg.Audio.Quantum, 128)
	setDefault(&cfg.Audio.OutputRate, 24000)
	setDefault(&cfg.Audio.Gain, 1.4)
	setDefault(&cfg.Audio.HandoffCapacity, 64)
	setDefault(&cfg.Breaker.MaxFailures, 5)
	setDefault(&cfg.Breaker.Cooldown, 30*time.Second)
	setDefault(&cfg.Agent.Name, "rolecoach")
}

func setDefault[T comparable](p *T, v T) {
	var zero T
	if *p == zero {
		*p = v
	}
}
