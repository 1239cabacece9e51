package config

// ConfigDiff describes what changed between two configs. Fields that take
// effect without a restart are reported individually; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AutoEndChanged bool
	NewAutoEnd     bool

	// PersonaChanged applies from the next conversation on.
	PersonaChanged bool
	NewPersona     PersonaConfig

	// RestartRequired names the top-level sections whose changes are
	// ignored until restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AutoEndChanged && !d.PersonaChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Agent.AutoEnd != new.Agent.AutoEnd {
		d.AutoEndChanged = true
		d.NewAutoEnd = new.Agent.AutoEnd
	}
	if old.Persona != new.Persona {
		d.PersonaChanged = true
		d.NewPersona = new.Persona
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Coach != new.Coach {
		d.RestartRequired = append(d.RestartRequired, "coach")
	}
	if old.Scoring != new.Scoring {
		d.RestartRequired = append(d.RestartRequired, "scoring")
	}
	if old.Uplink != new.Uplink {
		d.RestartRequired = append(d.RestartRequired, "uplink")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Breaker != new.Breaker {
		d.RestartRequired = append(d.RestartRequired, "breaker")
	}
	if old.Feedback != new.Feedback {
		d.RestartRequired = append(d.RestartRequired, "feedback")
	}
	if old.Agent.Name != new.Agent.Name {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	return d
}
