package app

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"a2aflow/internal/config"
	"a2aflow/internal/domain"
	"a2aflow/internal/orchestrator"
	"a2aflow/internal/repo"
	"a2aflow/internal/store"
	"a2aflow/internal/worker"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestBuildDefaultRunsTasks(t *testing.T) {
	rt, err := Build(context.Background(), t.TempDir(), config.Default(), quiet())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()
	rt.Start()

	caps := rt.Broker.Capabilities()
	if len(caps) != 3 {
		t.Fatalf("expected 3 capabilities, got %+v", caps)
	}
	if _, ok := rt.Store.(*store.Memory); !ok {
		t.Fatalf("default store should be in memory, got %T", rt.Store)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := rt.Broker.Submit(ctx, worker.CapabilityEcho, []domain.Message{{Role: domain.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	task, err := rt.Broker.Await(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.State != domain.StateCompleted || task.Text() != "hi" {
		t.Fatalf("unexpected task %+v", task)
	}

	out, err := rt.Workflows.Run(ctx, orchestrator.Request{Pattern: orchestrator.PatternExpert, Prompt: "why is the sky blue"})
	if err != nil {
		t.Fatalf("expert workflow over echo workers: %v", err)
	}
	if len(out.Steps) != 5 || out.Output == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestBuildSQLiteStore(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Driver = config.DriverSQLite
	rt, err := Build(context.Background(), dir, cfg, quiet())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()
	if _, ok := rt.Store.(repo.Repo); !ok || rt.Events == nil {
		t.Fatalf("sqlite driver should use the repo store, got %T", rt.Store)
	}
	if rt.DBPath != filepath.Join(dir, ".a2aflow", "a2aflow.db") {
		t.Fatalf("unexpected database path %q", rt.DBPath)
	}
	if _, err := os.Stat(rt.DBPath); err != nil {
		t.Fatalf("database not created: %v", err)
	}
}

func TestBuildWorkerLoadsKnowledge(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("Tides follow the moon.\n\nBread needs yeast."), 0o644); err != nil {
		t.Fatal(err)
	}
	exec, err := BuildWorker(config.WorkerConfig{Capability: "facts", Kind: config.KindFactCheck, Backend: "local", KnowledgeDir: dir},
		BuildBackends(config.Default()))
	if err != nil {
		t.Fatal(err)
	}
	m := exec.(worker.Model)
	if m.Skill.Capability != "facts" {
		t.Fatalf("capability not applied: %+v", m.Skill)
	}
	r, ok := m.Retriever.(worker.StaticRetriever)
	if !ok || len(r.Passages) != 2 {
		t.Fatalf("retriever not loaded: %+v", m.Retriever)
	}
	if _, err := BuildWorker(config.WorkerConfig{Capability: "x", Kind: config.KindCreativeSynthesis, Backend: "nope"}, nil); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}
