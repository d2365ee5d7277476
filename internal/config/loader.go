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
)

// gatewaySchemes lists the URI schemes voicebridge can speak to a gateway.
var gatewaySchemes = []string{"http", "https", "ws", "wss"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Gateway
	if cfg.Gateway.URI == "" {
		errs = append(errs, errors.New("gateway.uri is required"))
	} else if err := validateGatewayURI("gateway.uri", cfg.Gateway.URI); err != nil {
		errs = append(errs, err)
	}
	if cfg.Gateway.AdminURI != "" {
		if err := validateGatewayURI("gateway.admin_uri", cfg.Gateway.AdminURI); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Gateway.AdminToken != "" && cfg.Gateway.AdminURI == "" {
		errs = append(errs, errors.New("gateway.admin_token is set but gateway.admin_uri is empty"))
	}
	if cfg.Gateway.RequestTimeout < 0 {
		errs = append(errs, errors.New("gateway.request_timeout must not be negative"))
	}
	if cfg.Gateway.KeepaliveInterval < 0 {
		errs = append(errs, errors.New("gateway.keepalive_interval must not be negative"))
	}

	// Voice
	if cfg.Voice.RoomIDBase < 0 {
		errs = append(errs, errors.New("voice.room_id_base must not be negative"))
	}

	// The gateway reaps sessions after 60s without traffic; a longer
	// keepalive interval silently kills every call.
	if iv := cfg.Gateway.KeepaliveInterval.Std(); iv >= time.Minute {
		slog.Warn("gateway.keepalive_interval is at or above the default gateway session timeout",
			"interval", iv.String(),
		)
	}

	return errors.Join(errs...)
}

// validateGatewayURI checks that raw parses and uses a supported scheme.
func validateGatewayURI(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid URI: %w", field, raw, err)
	}
	if !slices.Contains(gatewaySchemes, u.Scheme) {
		return fmt.Errorf("%s scheme %q is unsupported; valid schemes: http, https, ws, wss", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", field, raw)
	}
	return nil
}
