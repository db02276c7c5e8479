// Package config provides the configuration schema, loader, hot-reload
// watcher, and audio backend registry for livebridge.
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
	Live     LiveConfig     `yaml:"live"`
	Audio    AudioConfig    `yaml:"audio"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the relay listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity for both subcommands.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS (and therefore wss) when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LiveConfig configures the client-side live-voice session.
type LiveConfig struct {
	// URL is the bridge endpoint, e.g. "ws://localhost:8080/api/live".
	URL string `yaml:"url"`

	// Model is requested in the setup message. Empty uses the default model.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice name. Empty uses the default voice.
	Voice string `yaml:"voice"`

	// SystemInstruction is sent verbatim in the setup message.
	SystemInstruction string `yaml:"system_instruction"`

	// SendBuffer bounds the outbound message queue.
	SendBuffer int `yaml:"send_buffer"`
}

// AudioConfig selects and tunes the local audio backend.
type AudioConfig struct {
	// Backend names a factory in the [Registry]: "malgo" or "ffmpeg".
	Backend string `yaml:"backend"`

	// BlockSize is the number of samples per captured block.
	BlockSize int `yaml:"block_size"`

	// CaptureSampleRate is the rate requested from the device. Captured audio
	// is resampled to 16 kHz before it is sent.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// InputDevice and OutputDevice select devices by name. Empty means the
	// system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// InputFormat and OutputFormat are ffmpeg device formats such as "pulse",
	// "alsa", or "avfoundation". Ignored by the malgo backend.
	InputFormat  string `yaml:"input_format"`
	OutputFormat string `yaml:"output_format"`

	// FFmpegCommand overrides the ffmpeg executable path.
	FFmpegCommand string `yaml:"ffmpeg_command"`
}

// UpstreamConfig configures the relay's connection to the live-voice service.
type UpstreamConfig struct {
	// BaseURL is the service's websocket base, without the RPC path.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates upstream dials. Usually supplied through the
	// environment; see [ApplyEnv].
	APIKey string `yaml:"api_key"`

	// Model, when set, replaces the model requested by clients.
	Model string `yaml:"model"`

	// DialTimeout bounds each upstream dial.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MaxSessions caps concurrent relayed sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// AllowedOrigins lists host patterns accepted in the Origin header, in
	// addition to same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Breaker tunes the circuit breaker guarding upstream dials.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
