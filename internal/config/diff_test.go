package config_test

import (
	"testing"

	"github.com/simverse/voicebridge/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Voice:  config.VoiceConfig{AmbientFile: "/opt/ambience.opus"},
	}
	d := config.Diff(cfg, cfg)
	if d.Any() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.AmbientFileChanged {
		t.Error("expected AmbientFileChanged=false")
	}
}

func TestDiff_AmbientFileChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Voice: config.VoiceConfig{AmbientFile: "/opt/ambience.opus"}}
	new := &config.Config{Voice: config.VoiceConfig{AmbientFile: "/opt/forest.opus"}}

	d := config.Diff(old, new)
	if !d.AmbientFileChanged {
		t.Error("expected AmbientFileChanged=true")
	}
	if d.NewAmbientFile != "/opt/forest.opus" {
		t.Errorf("expected NewAmbientFile=/opt/forest.opus, got %q", d.NewAmbientFile)
	}
}

func TestDiff_RestartOnlyFieldsIgnored(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:  config.ServerConfig{ListenAddr: ":8080"},
		Gateway: config.GatewayConfig{URI: "http://janus:8088/janus"},
	}
	new := &config.Config{
		Server:  config.ServerConfig{ListenAddr: ":9090"},
		Gateway: config.GatewayConfig{URI: "http://other:8088/janus"},
	}

	if d := config.Diff(old, new); d.Any() {
		t.Errorf("listen_addr and gateway.uri are not hot-reloadable, got %+v", d)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Voice:  config.VoiceConfig{AmbientFile: "/opt/ambience.opus"},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		Voice:  config.VoiceConfig{AmbientFile: ""},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.AmbientFileChanged {
		t.Errorf("expected both fields flagged, got %+v", d)
	}
	if d.NewAmbientFile != "" {
		t.Errorf("expected empty NewAmbientFile, got %q", d.NewAmbientFile)
	}
}
