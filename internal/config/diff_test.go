package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/livebridge/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a, b := config.Default(), config.Default()
	d := config.Diff(a, b)
	if d.LogLevelChanged || d.RelayChanged() || len(d.RestartRequired) != 0 {
		t.Errorf("Diff = %+v, want empty", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug
	new.Upstream.Model = "models/other"
	new.Upstream.MaxSessions = 10
	new.Upstream.AllowedOrigins = []string{"*.example.com"}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v/%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.UpstreamModelChanged || !d.MaxSessionsChanged || !d.OriginsChanged {
		t.Errorf("relay diff = %+v", d)
	}
	if !d.RelayChanged() {
		t.Error("RelayChanged() = false")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.ListenAddr = ":9999"
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	new.Upstream.Breaker.ResetTimeout = time.Minute

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "server.tls", "upstream.breaker"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.RelayChanged() {
		t.Error("RelayChanged() = true for restart-only changes")
	}
}

func TestDiff_SameTLSValues(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	old.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	if d := config.Diff(old, new); len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}
