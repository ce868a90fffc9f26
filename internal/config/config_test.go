package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Broker.TaskTimeout.Duration != 2*time.Minute || cfg.Broker.CancelGrace.Duration != 5*time.Second {
		t.Fatalf("durations not parsed: %+v", cfg.Broker)
	}
	if len(cfg.Workers) != 3 || cfg.Store.Driver != DriverMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
broker:
  capacity: 9
workers:
  - capability: summarize
    kind: echo
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Broker.Capacity != 9 || cfg.Broker.TaskTimeout.Duration != 2*time.Minute {
		t.Fatalf("broker merge wrong: %+v", cfg.Broker)
	}
	if len(cfg.Workers) != 1 || cfg.Workers[0].Capability != "summarize" {
		t.Fatalf("workers should be replaced: %+v", cfg.Workers)
	}
	if cfg.Orchestrator.Debate.MaxRounds != 3 {
		t.Fatalf("debate default lost")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":    "store:\n  driver: postgres\n",
		"backend":   "workers:\n  - capability: x\n    kind: fact-check\n    backend: missing\n",
		"kind":      "workers:\n  - capability: x\n    kind: telepathy\n",
		"webhook":   "webhooks:\n  - url: http://example.test\n    states: [working]\n",
		"duration":  "broker:\n  task_timeout: soon\n",
		"rounds":    "orchestrator:\n  debate:\n    max_rounds: 0\n",
		"openai":    "backends:\n  remote:\n    kind: openai\n",
		"no-worker": "workers: []\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional without file: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected missing config error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load generated default: %v", err)
	}
	out, err := loaded.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "task_timeout: 2m0s") {
		t.Fatalf("durations should render as strings:\n%s", out)
	}
}
