package config

// ConfigDiff describes what changed between two configs. Only the log level
// and the monthly quota are applied while running; every other change is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MonthlyLimitChanged bool
	NewMonthlyLimit     float64

	// RestartRequired names the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.MonthlyLimitChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Narration.MonthlyLimitMinutes != new.Narration.MonthlyLimitMinutes {
		d.MonthlyLimitChanged = true
		d.NewMonthlyLimit = new.Narration.MonthlyLimitMinutes
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldNarr, newNarr := old.Narration, new.Narration
	oldNarr.MonthlyLimitMinutes, newNarr.MonthlyLimitMinutes = 0, 0

	for _, s := range []struct {
		name    string
		changed bool
	}{
		{"server", oldServer != newServer},
		{"provider", old.Provider != new.Provider},
		{"store", old.Store != new.Store},
		{"object_store", old.ObjectStore != new.ObjectStore},
		{"voices", old.Voices != new.Voices},
		{"narration", oldNarr != newNarr},
	} {
		if s.changed {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
