package config

import "time"

// ConfigDiff describes what changed between two configs.
// Fields that can be applied at runtime are reported individually; everything
// else that changed is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ReferenceLagChanged bool
	NewReferenceLag     time.Duration

	StreamBufferChanged bool
	NewStreamBuffer     int

	// RestartRequired lists the YAML keys of changed settings that only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether the diff contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ReferenceLagChanged && !d.StreamBufferChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Hot-reloadable.
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Reference.Lag != new.Reference.Lag {
		d.ReferenceLagChanged = true
		d.NewReferenceLag = new.Reference.Lag
	}
	if old.Stream.Buffer != new.Stream.Buffer {
		d.StreamBufferChanged = true
		d.NewStreamBuffer = new.Stream.Buffer
	}

	// Restart required.
	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("capture.backend", old.Capture.Backend != new.Capture.Backend)
	restart("capture.device", old.Capture.Device != new.Capture.Device)
	restart("capture.brand_prefix", derefString(old.Capture.BrandPrefix) != derefString(new.Capture.BrandPrefix))
	restart("capture.reconnect", old.Capture.Reconnect != new.Capture.Reconnect)
	restart("reference.enabled", old.Reference.IsEnabled() != new.Reference.IsEnabled())
	restart("reference.interval", old.Reference.Interval != new.Reference.Interval)
	restart("stream.enabled", old.Stream.IsEnabled() != new.Stream.IsEnabled())
	restart("telemetry.service_name", old.Telemetry.ServiceName != new.Telemetry.ServiceName)

	return d
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
