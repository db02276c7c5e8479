package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livebridge/pkg/live/transport"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultBackend         = "malgo"
	DefaultBlockSize       = 4096
	DefaultUpstreamBaseURL = "wss://generativelanguage.googleapis.com/ws"
	DefaultDialTimeout     = 10 * time.Second
)

// DefaultLiveURL is the bridge endpoint of a relay on this machine with the
// default listen address.
var DefaultLiveURL = transport.EndpointURL("localhost"+DefaultListenAddr, false)

// Environment variables consulted by [ApplyEnv].
const (
	EnvAPIKey       = "LIVEBRIDGE_API_KEY"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvLiveURL      = "LIVEBRIDGE_LIVE_URL"
)

// ValidBackends lists the audio backends shipped with livebridge. [Validate]
// warns about other names, which may be registered by embedding programs.
var ValidBackends = []string{"malgo", "ffmpeg"}

// Load reads the YAML configuration file at path and returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. An empty document yields the default config.
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

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Live.URL == "" {
		cfg.Live.URL = DefaultLiveURL
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultBackend
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = DefaultUpstreamBaseURL
	}
	if cfg.Upstream.DialTimeout == 0 {
		cfg.Upstream.DialTimeout = DefaultDialTimeout
	}
}

// ApplyEnv overlays environment settings onto cfg. The API key is taken from
// LIVEBRIDGE_API_KEY, falling back to GEMINI_API_KEY, and only fills an empty
// upstream.api_key. LIVEBRIDGE_LIVE_URL overrides live.url.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if cfg.Upstream.APIKey == "" {
		if key := getenv(EnvAPIKey); key != "" {
			cfg.Upstream.APIKey = key
		} else if key := getenv(EnvGeminiAPIKey); key != "" {
			cfg.Upstream.APIKey = key
		}
	}
	if u := getenv(EnvLiveURL); u != "" {
		cfg.Live.URL = u
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Live
	if err := validateWebSocketURL(cfg.Live.URL); err != nil {
		errs = append(errs, fmt.Errorf("live.url: %w", err))
	}
	if cfg.Live.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("live.send_buffer %d must not be negative", cfg.Live.SendBuffer))
	}

	// Audio
	if cfg.Audio.Backend != "" && !slices.Contains(ValidBackends, cfg.Audio.Backend) {
		slog.Warn("unknown audio backend; it must be registered by the embedding program",
			"backend", cfg.Audio.Backend,
			"known", ValidBackends,
		)
	}
	if cfg.Audio.BlockSize != 0 && cfg.Audio.BlockSize < 256 {
		errs = append(errs, fmt.Errorf("audio.block_size %d is below the minimum of 256", cfg.Audio.BlockSize))
	}
	if cfg.Audio.CaptureSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_sample_rate %d must not be negative", cfg.Audio.CaptureSampleRate))
	}

	// Upstream
	if cfg.Upstream.BaseURL != "" {
		if err := validateWebSocketURL(cfg.Upstream.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("upstream.base_url: %w", err))
		}
	}
	if cfg.Upstream.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.dial_timeout %v must not be negative", cfg.Upstream.DialTimeout))
	}
	if cfg.Upstream.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_sessions %d must not be negative", cfg.Upstream.MaxSessions))
	}
	if cfg.Upstream.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker.max_failures %d must not be negative", cfg.Upstream.Breaker.MaxFailures))
	}
	if cfg.Upstream.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker.reset_timeout %v must not be negative", cfg.Upstream.Breaker.ResetTimeout))
	}

	return errors.Join(errs...)
}

func validateWebSocketURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q must be ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
