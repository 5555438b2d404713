package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DecayChanged bool
	NewDecay     ReconcilerConfig

	// RestartRequired names the changed sections that only take effect after
	// a restart (open connections and the capture device are not rebuilt).
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DecayChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Reconciler.Decay != new.Reconciler.Decay {
		d.DecayChanged = true
		d.NewDecay = new.Reconciler
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.STT != new.STT {
		d.RestartRequired = append(d.RestartRequired, "stt")
	}
	if old.Assistant != new.Assistant {
		d.RestartRequired = append(d.RestartRequired, "assistant")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if old.Reconciler.FeedSize != new.Reconciler.FeedSize {
		d.RestartRequired = append(d.RestartRequired, "reconciler.feed_size")
	}
	if old.Extraction != new.Extraction {
		d.RestartRequired = append(d.RestartRequired, "extraction")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	return d
}
