package config

import "reflect"

// ConfigDiff describes what changed between two configs.
//
// Session, bridge, VAD and greeting settings are read when a call starts, so
// changes to them take effect on the next call without a restart. Anything
// listed in RestartRequired is bound at startup and is only reported.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SessionChanged  bool // instructions, voice, turn detection, ...
	BridgeChanged   bool // queue depth, barge-in mode, marks, inactivity
	VADChanged      bool
	GreetingChanged bool // anything rendered into the voice webhook response

	// RestartRequired names the changed fields that need a restart.
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.BridgeChanged &&
		!d.VADChanged && !d.GreetingChanged && len(d.RestartRequired) == 0
}

// HotReloadable reports whether every change in d can be applied live.
func (d ConfigDiff) HotReloadable() bool {
	return len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanged = old.Session != new.Session
	d.BridgeChanged = old.Bridge != new.Bridge
	d.VADChanged = old.VAD != new.VAD
	d.GreetingChanged = old.Server.Greeting != new.Server.Greeting ||
		old.Server.GreetingLanguage != new.Server.GreetingLanguage ||
		old.Server.TwiMLVerb != new.Server.TwiMLVerb ||
		old.Server.MediaStreamURL() != new.Server.MediaStreamURL()

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.StreamPath != new.Server.StreamPath {
		d.RestartRequired = append(d.RestartRequired, "server.stream_path")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}
