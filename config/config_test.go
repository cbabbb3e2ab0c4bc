package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystate.yaml")
	writeConfig(t, path, `store:
  path: data
slots:
  - name: last_seen
    ttl: 1m
  - name: total
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Batch.Interval.Duration != DefaultBatchInterval {
		t.Fatalf("expected default interval, got %s", cfg.Batch.Interval)
	}
	if cfg.Batch.TimeMode != "processing" || cfg.Batch.Partitions != 1 || cfg.Batch.Workers != 1 {
		t.Fatalf("unexpected batch defaults: %+v", cfg.Batch)
	}
	if cfg.Store.Backend != BackendPebble {
		t.Fatalf("expected pebble backend, got %s", cfg.Store.Backend)
	}
	if cfg.Store.Path != filepath.Join(dir, "data") {
		t.Fatalf("store path not resolved against config dir: %s", cfg.Store.Path)
	}
	if cfg.Checkpoint.Interval != 1 {
		t.Fatalf("expected checkpoint every batch, got %d", cfg.Checkpoint.Interval)
	}
	if len(cfg.Slots) != 2 || cfg.Slots[0].TTL.Duration != time.Minute || cfg.Slots[1].TTL.Duration != 0 {
		t.Fatalf("unexpected slots: %+v", cfg.Slots)
	}
	if cfg.Slots[0].Source.File != path {
		t.Fatalf("slot source = %q, want %q", cfg.Slots[0].Source.File, path)
	}
	if got := cfg.PartitionPath(3); got != filepath.Join(dir, "data", "p-3") {
		t.Fatalf("PartitionPath = %s", got)
	}
}

func TestLoadModules(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "config.yaml")
	modulePath := filepath.Join(dir, "sessions.yaml")

	writeConfig(t, modulePath, `slots:
  - name: session
    ttl: 30m
    update: "value"
`)
	writeConfig(t, mainPath, `batch:
  interval: 250ms
store:
  backend: memory
modules:
  - sessions.yaml
slots:
  - name: total
`)

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(cfg.Slots))
	}
	if cfg.Slots[1].Name != "session" || cfg.Slots[1].Source.File != modulePath {
		t.Fatalf("unexpected module slot: %+v", cfg.Slots[1])
	}
	if cfg.Batch.Interval.Duration != 250*time.Millisecond {
		t.Fatalf("interval = %s", cfg.Batch.Interval)
	}

	files := SourceFiles(cfg)
	if len(files) != 2 || files[0] != mainPath || files[1] != modulePath {
		t.Fatalf("SourceFiles = %v", files)
	}
}

func TestLoadModuleCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, "a.yaml"), "modules:\n  - b.yaml\n")
	writeConfig(t, filepath.Join(dir, "b.yaml"), "modules:\n  - path: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, "00-base.yaml"), `logging:
  level: debug
store:
  backend: leveldb
  path: /var/lib/keystate
slots:
  - name: a
`)
	writeConfig(t, filepath.Join(dir, "10-extra.yaml"), `slots:
  - name: b
    ttl: 5s
`)
	writeConfig(t, filepath.Join(dir, "notes.txt"), "ignored")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(cfg.Slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(cfg.Slots))
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Store.Backend != BackendLevelDB || cfg.Store.Path != "/var/lib/keystate" {
		t.Fatalf("unexpected store: %+v", cfg.Store)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"time mode":      "batch: {time_mode: ingest}\nstore: {backend: memory}\nslots: [{name: a}]\n",
		"backend":        "store: {backend: redis}\nslots: [{name: a}]\n",
		"missing path":   "store: {backend: pebble}\nslots: [{name: a}]\n",
		"no slots":       "store: {backend: memory}\n",
		"duplicate slot": "store: {backend: memory}\nslots: [{name: a}, {name: a}]\n",
		"negative ttl":   "store: {backend: memory}\nslots: [{name: a, ttl: -1s}]\n",
		"retain":         "store: {backend: memory}\ncheckpoint: {retain: -1}\nslots: [{name: a}]\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Parse([]byte(raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseRejectsModules(t *testing.T) {
	if _, err := Parse([]byte("modules: [x.yaml]\n")); err == nil {
		t.Fatalf("expected error for modules without a path")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte(`90s`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Fatalf("duration = %s", d.Duration)
	}
	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.TrimSpace(string(out)) != "1m30s" {
		t.Fatalf("marshal = %q", out)
	}
	if err := yaml.Unmarshal([]byte(`soon`), &d); err == nil {
		t.Fatalf("expected parse error")
	}
}
