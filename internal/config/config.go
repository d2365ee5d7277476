// Package config provides the configuration schema and loader for the
// voicebridge server.
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the voicebridge server.
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

// Duration is a time.Duration that decodes from YAML strings such as "30s"
// or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for voicebridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Voice   VoiceConfig   `yaml:"voice"`
}

// ServerConfig holds network and logging settings for the voicebridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// GatewayConfig holds the connection settings for the Janus gateway.
type GatewayConfig struct {
	// URI is the gateway's base endpoint. HTTP long-poll is used for
	// http(s) schemes; ws(s) schemes select the WebSocket transport.
	// Example: "http://janus:8088/janus" or "ws://janus:8188/".
	URI string `yaml:"uri"`

	// APIToken is the gateway's shared API secret, sent with every request.
	// Leave empty if the gateway does not require one.
	APIToken string `yaml:"api_token"`

	// AdminURI is the gateway's admin endpoint, used for liveness pings.
	// Leave empty to disable admin pings.
	AdminURI string `yaml:"admin_uri"`

	// AdminToken is the admin API secret paired with AdminURI.
	AdminToken string `yaml:"admin_token"`

	// RequestTimeout bounds each request/response round-trip with the
	// gateway. Zero selects the built-in default.
	RequestTimeout Duration `yaml:"request_timeout"`

	// KeepaliveInterval is how often session keepalives are sent. Zero
	// selects the built-in default. Must stay below the gateway's session
	// reaper timeout (60s by default).
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
}

// VoiceConfig holds voice-room behaviour settings.
type VoiceConfig struct {
	// RoomIDBase seeds the gateway room id counter. Zero selects the
	// built-in default.
	RoomIDBase int64 `yaml:"room_id_base"`

	// AmbientFile is the path, on the gateway host, of the audio file
	// looped into occupied rooms. Empty disables ambient playback.
	AmbientFile string `yaml:"ambient_file"`
}
