package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if err := checkURL("coach.base_url", cfg.Coach.BaseURL, true, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Coach.EndGrace < 0 {
		errs = append(errs, fmt.Errorf("coach.end_grace %v must not be negative", cfg.Coach.EndGrace))
	}
	if cfg.Coach.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("coach.call_timeout %v must not be negative", cfg.Coach.CallTimeout))
	}
	rc := cfg.Coach.Reconnect
	if rc.InitialBackoff < 0 || rc.MaxBackoff < 0 {
		errs = append(errs, errors.New("coach.reconnect backoffs must not be negative"))
	} else if rc.MaxBackoff > 0 && rc.InitialBackoff > rc.MaxBackoff {
		errs = append(errs, fmt.Errorf("coach.reconnect.initial_backoff %v exceeds max_backoff %v", rc.InitialBackoff, rc.MaxBackoff))
	}

	if err := checkURL("scoring.base_url", cfg.Scoring.BaseURL, false, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Scoring.BaseURL != "" && cfg.Persona.ID == "" {
		errs = append(errs, errors.New("persona.id is required when scoring.base_url is set"))
	}

	if err := checkURL("uplink.url", cfg.Uplink.URL, true, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Uplink.SendRate < 0 {
		errs = append(errs, fmt.Errorf("uplink.send_rate %d must not be negative", cfg.Uplink.SendRate))
	}

	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", a.SampleRate))
	}
	if a.OutputRate < 8000 || a.OutputRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.output_rate %d is out of range [8000, 192000]", a.OutputRate))
	}
	if a.Channels < 1 || a.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 8]", a.Channels))
	}
	if a.Quantum < 1 {
		errs = append(errs, fmt.Errorf("audio.quantum %d must be positive", a.Quantum))
	}
	if a.Gain <= 0 || a.Gain > 10 {
		errs = append(errs, fmt.Errorf("audio.gain %.2f is out of range (0, 10]", a.Gain))
	}
	if a.HandoffCapacity < 1 {
		errs = append(errs, fmt.Errorf("audio.handoff_capacity %d must be positive", a.HandoffCapacity))
	}

	if cfg.Persona.Name == "" {
		errs = append(errs, errors.New("persona.name is required"))
	}

	if cfg.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must be positive", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("breaker.cooldown %v must not be negative", cfg.Breaker.Cooldown))
	}

	return errors.Join(errs...)
}

func checkURL(field, raw string, required bool, schemes ...string) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute %v URL", field, raw, schemes)
	}
	return nil
}
