package config

import (
	"testing"

	"github.com/spf13/viper"
)

func TestLoadUsesDefaultsWhenNoFile(t *testing.T) {
	viper.Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("expected Server.Port default 3000, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxExtensions != 1024 {
		t.Errorf("expected Server.MaxExtensions default 1024, got %d", cfg.Server.MaxExtensions)
	}
	if cfg.Server.RingTimeoutSeconds != 60 {
		t.Errorf("expected Server.RingTimeoutSeconds default 60, got %d", cfg.Server.RingTimeoutSeconds)
	}
	if cfg.Web.Enabled != true {
		t.Errorf("expected Web.Enabled default true, got %v", cfg.Web.Enabled)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected Web.Port default 8080, got %d", cfg.Web.Port)
	}
	if cfg.Logging.Level == "" {
		t.Errorf("expected Logging.Level to be set (default info)")
	}
	if cfg.Metrics.Prometheus.Port != 9090 {
		t.Errorf("expected Prometheus.Port default 9090, got %d", cfg.Metrics.Prometheus.Port)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Run("invalid server port", func(t *testing.T) {
		cfg := &Config{Server: ServerConfig{Port: 0, MaxExtensions: 1}}
		if err := validate(cfg); err == nil {
			t.Fatal("expected error for invalid server.port")
		}
	})

	t.Run("non-positive max extensions", func(t *testing.T) {
		cfg := &Config{Server: ServerConfig{Port: 8900, MaxExtensions: 0}}
		if err := validate(cfg); err == nil {
			t.Fatal("expected error for non-positive server.max_extensions")
		}
	})

	t.Run("negative ring timeout", func(t *testing.T) {
		cfg := &Config{Server: ServerConfig{Port: 8900, MaxExtensions: 1, RingTimeoutSeconds: -1}}
		if err := validate(cfg); err == nil {
			t.Fatal("expected error for negative server.ring_timeout_seconds")
		}
	})

	t.Run("invalid web port when enabled", func(t *testing.T) {
		cfg := &Config{
			Server: ServerConfig{Port: 8900, MaxExtensions: 1},
			Web:    WebConfig{Enabled: true, Port: 70000},
		}
		if err := validate(cfg); err == nil {
			t.Fatal("expected error for invalid web.port out of range")
		}
	})

	t.Run("mqtt enabled without broker", func(t *testing.T) {
		cfg := &Config{
			Server: ServerConfig{Port: 8900, MaxExtensions: 1},
			MQTT:   MQTTConfig{Enabled: true},
		}
		if err := validate(cfg); err == nil {
			t.Fatal("expected error for mqtt enabled without broker")
		}
	})
}
