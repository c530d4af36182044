package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Queues.PollInterval != 200*time.Millisecond {
		t.Fatalf("poll interval: %v", cfg.Queues.PollInterval)
	}
	if cfg.WorkersFor(QueueAsset) != 1 || cfg.WorkersFor(QueueReasoning) != 2 {
		t.Fatalf("workers: %+v", cfg.Queues.Workers)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("queues:\n  backend: memory\nstaging:\n  default_ttl_hours: 6\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Queues.Backend != "memory" || cfg.Staging.DefaultTTLHours != 6 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Approvals.Timeout != 10*time.Minute {
		t.Fatalf("default approval timeout lost: %v", cfg.Approvals.Timeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"backend":  "queues:\n  backend: redis\n",
		"workers":  "queues:\n  workers:\n    nope: 1\n",
		"ttl":      "staging:\n  default_ttl_hours: 0\n",
		"turns":    "world:\n  max_conversation_turns: 0\n",
		"attempts": "queues:\n  max_attempts: 0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LORELINE_QUEUE_BACKEND", "memory")
	t.Setenv("LORELINE_APPROVAL_TIMEOUT", "45s")
	t.Setenv("LORELINE_JOURNAL_ENABLED", "false")
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Queues.Backend != "memory" || cfg.Approvals.Timeout != 45*time.Second || cfg.Journal.Enabled {
		t.Fatalf("env not applied: %+v", cfg)
	}
	t.Setenv("LORELINE_QUEUE_BACKEND", "bogus")
	if err := Default().ApplyEnv(); err == nil {
		t.Fatalf("expected validation error for bogus backend")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "loreline.yml"), []byte("queues:\n  backend: memory\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil || cfg.Queues.Backend != "memory" {
		t.Fatalf("load: %+v %v", cfg, err)
	}
}
