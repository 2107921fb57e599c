package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleManifest = `apiVersion: v1
kind: VhostUserEndpoint
metadata:
  name: net0
spec:
  path: /run/vhost/net0.sock
  mode: server
  asyncCopy: true
---
apiVersion: v1
kind: VhostUserEndpoint
metadata:
  name: net1
spec:
  path: /run/vhost/net1.sock
  mode: client
  reconnect: true
`

func TestParseManifestMultiDocument(t *testing.T) {
	specs, err := ParseManifest(strings.NewReader(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}

	if specs[0].Metadata.Name != "net0" || !specs[0].Spec.IsServer() || !specs[0].Spec.AsyncCopy {
		t.Fatalf("first spec mismatch: %+v", specs[0])
	}
	if specs[1].Metadata.Name != "net1" || specs[1].Spec.IsServer() || !specs[1].Spec.Reconnect {
		t.Fatalf("second spec mismatch: %+v", specs[1])
	}
}

func TestParseManifestRejectsBadMode(t *testing.T) {
	bad := `metadata:
  name: broken
spec:
  path: /run/vhost/broken.sock
  mode: sideways
`
	if _, err := ParseManifest(strings.NewReader(bad)); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestParseManifestRejectsMissingPath(t *testing.T) {
	bad := `metadata:
  name: broken
spec:
  mode: server
`
	if _, err := ParseManifest(strings.NewReader(bad)); err == nil {
		t.Fatal("expected error for missing spec.path")
	}
}

func TestParseManifestSkipsEmptyDocuments(t *testing.T) {
	doc := "---\n" + sampleManifest + "---\n"
	specs, err := ParseManifest(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `logging:
  level: debug
  format: json
metrics:
  enabled: false
reactor:
  maxFds: 256
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging not overridden: %+v", cfg.Logging)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("metrics.enabled should be false")
	}
	if cfg.Reactor.MaxFDs != 256 {
		t.Fatalf("reactor.maxFds = %d, want 256", cfg.Reactor.MaxFDs)
	}
	// Untouched sections keep their defaults.
	if cfg.Tracing.SampleRate != 1.0 {
		t.Fatalf("tracing.sampleRate = %v, want default 1.0", cfg.Tracing.SampleRate)
	}
}

func TestLoadFromEnv(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("VHOSTD_LOG_LEVEL", "warn")
	t.Setenv("VHOSTD_METRICS_ENABLED", "false")
	t.Setenv("VHOSTD_REACTOR_MAX_FDS", "2048")
	t.Setenv("VHOSTD_MANIFEST", "/etc/vhostd/endpoints.yaml")

	LoadFromEnv(cfg)

	if cfg.Logging.Level != "warn" {
		t.Fatalf("log level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("metrics should be disabled via env")
	}
	if cfg.Reactor.MaxFDs != 2048 {
		t.Fatalf("maxFds = %d, want 2048", cfg.Reactor.MaxFDs)
	}
	if cfg.ManifestPath != "/etc/vhostd/endpoints.yaml" {
		t.Fatalf("manifestPath = %q", cfg.ManifestPath)
	}
}
