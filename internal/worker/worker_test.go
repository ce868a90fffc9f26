package worker_test

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"a2aflow/internal/backend"
	"a2aflow/internal/domain"
	"a2aflow/internal/store"
	"a2aflow/internal/worker"
)

func setup(t *testing.T) (*store.Memory, worker.Runner, domain.Task) {
	t.Helper()
	s := store.NewMemory()
	task, err := s.Create(context.Background(), "test", []domain.Message{{Role: domain.RoleUser, Content: "question"}})
	if err != nil {
		t.Fatal(err)
	}
	return s, worker.Runner{Store: s, Logger: log.New(io.Discard, "", 0)}, task
}

func TestRunCompletes(t *testing.T) {
	_, r, task := setup(t)
	var sawWorking bool
	exec := worker.ExecutorFunc(func(ctx context.Context, in domain.Task) ([]domain.Artifact, error) {
		sawWorking = in.State == domain.StateWorking
		return []domain.Artifact{{Content: "answer to " + in.Input[0].Content}}, nil
	})
	final, err := r.Run(context.Background(), exec, task.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawWorking {
		t.Fatalf("executor did not see a working task")
	}
	if final.State != domain.StateCompleted || final.Text() != "answer to question" {
		t.Fatalf("unexpected final %+v", final)
	}
}

func TestRunFailurePreservesMessage(t *testing.T) {
	_, r, task := setup(t)
	exec := worker.ExecutorFunc(func(ctx context.Context, in domain.Task) ([]domain.Artifact, error) {
		return nil, errors.New("backend rejected prompt")
	})
	final, err := r.Run(context.Background(), exec, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != domain.StateFailed || final.Error.Code != domain.CodeWorkerExecutionError || final.Error.Message != "backend rejected prompt" {
		t.Fatalf("unexpected %+v", final)
	}
}

func TestRunRecoversPanicAndEmptyResult(t *testing.T) {
	s, r, task := setup(t)
	final, err := r.Run(context.Background(), worker.ExecutorFunc(func(ctx context.Context, in domain.Task) ([]domain.Artifact, error) {
		panic("kaboom")
	}), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != domain.StateFailed || !strings.Contains(final.Error.Message, "kaboom") {
		t.Fatalf("panic not converted: %+v", final)
	}

	other, _ := s.Create(context.Background(), "test", nil)
	final, err = r.Run(context.Background(), worker.ExecutorFunc(func(ctx context.Context, in domain.Task) ([]domain.Artifact, error) {
		return nil, nil
	}), other.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != domain.StateFailed || final.Error.Message != worker.ErrNoArtifacts.Error() {
		t.Fatalf("empty result not failed: %+v", final)
	}
}

type streamer struct {
	release chan struct{}
}

func (s streamer) Execute(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
	return nil, errors.New("stream only")
}

func (s streamer) ExecuteStream(ctx context.Context, task domain.Task, emit func(domain.Artifact) error) error {
	if err := emit(domain.Artifact{Content: "part 1"}); err != nil {
		return err
	}
	close(s.release)
	<-ctx.Done()
	// emitting after cancellation must be refused
	if err := emit(domain.Artifact{Content: "part 2"}); err == nil {
		return errors.New("late emit accepted")
	}
	return ctx.Err()
}

func TestRunCancelKeepsPartialArtifacts(t *testing.T) {
	_, r, task := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	exec := streamer{release: make(chan struct{})}
	go func() {
		<-exec.release
		cancel()
	}()
	final, err := r.Run(ctx, exec, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != domain.StateCanceled {
		t.Fatalf("expected canceled, got %s", final.State)
	}
	if len(final.Artifacts) != 1 || final.Artifacts[0].Content != "part 1" {
		t.Fatalf("partial artifacts not kept: %+v", final.Artifacts)
	}
	if final.Error != nil {
		t.Fatalf("canceled task carries error %+v", final.Error)
	}
}

func TestRunDeadlineIsTimeout(t *testing.T) {
	_, r, task := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	exec := worker.ExecutorFunc(func(ctx context.Context, in domain.Task) ([]domain.Artifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	final, err := r.Run(ctx, exec, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != domain.StateFailed || final.Error.Code != domain.CodeTimeout {
		t.Fatalf("expected timeout failure, got %+v", final)
	}
}

func TestRunRefusesTerminalTask(t *testing.T) {
	s, r, task := setup(t)
	if _, err := s.Transition(context.Background(), task.ID, domain.StateCanceled, store.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	called := false
	_, err := r.Run(context.Background(), worker.ExecutorFunc(func(ctx context.Context, in domain.Task) ([]domain.Artifact, error) {
		called = true
		return nil, nil
	}), task.ID)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if called {
		t.Fatalf("executor ran for a canceled task")
	}
}

type fakeBackend struct {
	got backend.ChatRequest
	err error
}

func (f *fakeBackend) Chat(ctx context.Context, req backend.ChatRequest) (backend.ChatResponse, error) {
	f.got = req
	if f.err != nil {
		return backend.ChatResponse{}, f.err
	}
	return backend.ChatResponse{Content: "model says hi"}, nil
}

func TestModelExecutorBuildsConversation(t *testing.T) {
	fb := &fakeBackend{}
	m := worker.NewFactCheck(fb, worker.StaticRetriever{Passages: []string{
		"The Pauli exclusion principle applies to fermions.",
		"Bananas are yellow.",
	}})
	arts, err := m.Execute(context.Background(), domain.Task{Input: []domain.Message{
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleWorker, Content: "earlier answer"},
		{Role: domain.RoleUser, Content: "explain the pauli exclusion principle"},
	}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(arts) != 1 || arts[0].Content != "model says hi" {
		t.Fatalf("unexpected artifacts %+v", arts)
	}
	msgs := fb.got.Messages
	if len(msgs) != 5 || msgs[0].Role != "system" || !strings.Contains(msgs[1].Content, "fermions") || strings.Contains(msgs[1].Content, "Bananas") {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[3].Role != "assistant" {
		t.Fatalf("worker role not mapped: %+v", msgs[3])
	}
	if m.Describe().Capability != worker.CapabilityFactCheck {
		t.Fatalf("unexpected skill %+v", m.Describe())
	}
}

func TestModelExecutorRejectsEmptyInput(t *testing.T) {
	m := worker.NewCreativeSynthesis(&fakeBackend{})
	if _, err := m.Execute(context.Background(), domain.Task{}); err == nil {
		t.Fatalf("expected malformed input error")
	}
	fb := &fakeBackend{err: errors.New("rate limited")}
	m = worker.NewCreativeSynthesis(fb)
	if _, err := m.Execute(context.Background(), domain.Task{Input: []domain.Message{{Role: domain.RoleUser, Content: "x"}}}); err == nil || err.Error() != "rate limited" {
		t.Fatalf("backend error not surfaced: %v", err)
	}
}
