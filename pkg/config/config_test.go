package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teapotnet.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if cfg.Network.Port != 8480 {
		t.Fatalf("port=%d want 8480", cfg.Network.Port)
	}
	if cfg.TunnelTimeout() != 60*time.Second {
		t.Fatalf("tunnel timeout=%v", cfg.TunnelTimeout())
	}

	// A second load reads the written file back.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Network.Port != cfg.Network.Port || again.Runtime.Workers != cfg.Runtime.Workers {
		t.Fatalf("round trip changed values")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TPN_NETWORK_PORT", "9999")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.Port != 9999 {
		t.Fatalf("env override ignored: port=%d", cfg.Network.Port)
	}
}
