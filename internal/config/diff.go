package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Fields that can be applied without a restart are tracked individually;
// everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	UpstreamModelChanged bool
	MaxSessionsChanged   bool
	OriginsChanged       bool

	// RestartRequired names settings that changed but only take effect on
	// the next start, e.g. "server.listen_addr".
	RestartRequired []string
}

// RelayChanged reports whether any relay setting that can be hot-reloaded changed.
func (d ConfigDiff) RelayChanged() bool {
	return d.UpstreamModelChanged || d.MaxSessionsChanged || d.OriginsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.UpstreamModelChanged = old.Upstream.Model != new.Upstream.Model
	d.MaxSessionsChanged = old.Upstream.MaxSessions != new.Upstream.MaxSessions
	d.OriginsChanged = !slices.Equal(old.Upstream.AllowedOrigins, new.Upstream.AllowedOrigins)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Upstream.BaseURL != new.Upstream.BaseURL {
		d.RestartRequired = append(d.RestartRequired, "upstream.base_url")
	}
	if old.Upstream.APIKey != new.Upstream.APIKey {
		d.RestartRequired = append(d.RestartRequired, "upstream.api_key")
	}
	if old.Upstream.DialTimeout != new.Upstream.DialTimeout {
		d.RestartRequired = append(d.RestartRequired, "upstream.dial_timeout")
	}
	if old.Upstream.Breaker != new.Upstream.Breaker {
		d.RestartRequired = append(d.RestartRequired, "upstream.breaker")
	}
	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
