package broker_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"a2aflow/internal/broker"
	"a2aflow/internal/domain"
	"a2aflow/internal/store"
	"a2aflow/internal/worker"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newBroker(t *testing.T, cfg broker.Config) (*broker.Broker, *store.Memory) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	s := store.NewMemory()
	return broker.New(s, cfg), s
}

// start runs the dispatch loop until the test ends.
func start(t *testing.T, b *broker.Broker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func await(t *testing.T, b *broker.Broker, id string) domain.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := b.Await(ctx, id)
	if err != nil {
		t.Fatalf("await %s: %v", id, err)
	}
	return task
}

func input(s string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Content: s}}
}

func echo() worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
		return []domain.Artifact{{Content: task.Input[len(task.Input)-1].Content}}, nil
	})
}

func TestSubmitDispatchesAndCompletes(t *testing.T) {
	b, _ := newBroker(t, broker.Config{})
	if err := b.RegisterWorker("echo", echo()); err != nil {
		t.Fatal(err)
	}
	start(t, b)
	id, err := b.Submit(context.Background(), "echo", input("ping"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := await(t, b, id)
	if task.State != domain.StateCompleted || task.Text() != "ping" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestNoWorkerFailsTask(t *testing.T) {
	b, _ := newBroker(t, broker.Config{})
	start(t, b)
	id, err := b.Submit(context.Background(), "unknown", input("x"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := await(t, b, id)
	if task.State != domain.StateFailed || task.Error == nil || task.Error.Code != domain.CodeNoWorkerAvailable {
		t.Fatalf("expected NoWorkerAvailable, got %+v", task)
	}
	if !errors.Is(task.Error, broker.ErrNoWorkerAvailable) {
		t.Fatalf("task error should unwrap to ErrNoWorkerAvailable")
	}
}

func TestDispatchIsFIFOWithinCapability(t *testing.T) {
	b, _ := newBroker(t, broker.Config{Capacity: 1})
	var mu sync.Mutex
	var order []string
	_ = b.RegisterWorker("echo", worker.ExecutorFunc(func(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return []domain.Artifact{{Content: "ok"}}, nil
	}))
	var ids []string
	for i := 0; i < 8; i++ {
		id, err := b.Submit(context.Background(), "echo", input("x"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	start(t, b)
	for _, id := range ids {
		await(t, b, id)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(ids) {
		t.Fatalf("expected %d executions, got %d", len(ids), len(order))
	}
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("dispatch order %v, want %v", order, ids)
		}
	}
}

func TestDuplicateRegistrationNeverDuplicatesDispatch(t *testing.T) {
	b, _ := newBroker(t, broker.Config{Capacity: 4})
	var mu sync.Mutex
	seen := map[string]int{}
	calls := [2]int{}
	for i := 0; i < 2; i++ {
		i := i
		_ = b.RegisterWorker("echo", worker.ExecutorFunc(func(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
			mu.Lock()
			seen[task.ID]++
			calls[i]++
			mu.Unlock()
			return []domain.Artifact{{Content: "ok"}}, nil
		}))
	}
	start(t, b)
	var ids []string
	for i := 0; i < 10; i++ {
		id, err := b.Submit(context.Background(), "echo", input("x"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if task := await(t, b, id); task.State != domain.StateCompleted {
			t.Fatalf("task %s ended %s", id, task.State)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s executed %d times", id, n)
		}
	}
	if calls[0] != 5 || calls[1] != 5 {
		t.Fatalf("expected round-robin 5/5, got %v", calls)
	}
	if caps := b.Capabilities(); len(caps) != 1 || caps[0].Workers != 2 {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	b, _ := newBroker(t, broker.Config{})
	_ = b.RegisterWorker("echo", echo())
	id, err := b.Submit(context.Background(), "echo", input("x"))
	if err != nil {
		t.Fatal(err)
	}
	task, err := b.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.State != domain.StateCanceled {
		t.Fatalf("expected canceled, got %s", task.State)
	}
	if got := b.Stats().Queued; got != 0 {
		t.Fatalf("canceled task still queued: %d", got)
	}
	if _, err := b.Cancel(context.Background(), id); !errors.Is(err, broker.ErrNotCancellable) {
		t.Fatalf("second cancel: expected not cancellable, got %v", err)
	}
	if _, err := b.Cancel(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelWorkingTaskKeepsPartialArtifacts(t *testing.T) {
	b, _ := newBroker(t, broker.Config{})
	started := make(chan struct{})
	_ = b.RegisterWorker("slow", streamFunc(func(ctx context.Context, task domain.Task, emit func(domain.Artifact) error) error {
		if err := emit(domain.Artifact{Content: "partial"}); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	start(t, b)
	id, _ := b.Submit(context.Background(), "slow", input("x"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	if _, err := b.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task := await(t, b, id)
	if task.State != domain.StateCanceled {
		t.Fatalf("expected canceled, got %s", task.State)
	}
	if len(task.Artifacts) != 1 || task.Artifacts[0].Content != "partial" {
		t.Fatalf("partial artifacts lost: %+v", task.Artifacts)
	}
}

func TestDeadlineFailsWithTimeout(t *testing.T) {
	b, _ := newBroker(t, broker.Config{TaskTimeout: 20 * time.Millisecond})
	_ = b.RegisterWorker("slow", worker.ExecutorFunc(func(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	start(t, b)
	id, _ := b.Submit(context.Background(), "slow", input("x"))
	task := await(t, b, id)
	if task.State != domain.StateFailed || task.Error == nil || task.Error.Code != domain.CodeTimeout {
		t.Fatalf("expected Timeout failure, got %+v", task)
	}
}

func TestUnresponsiveWorkerIsForcedToTimeout(t *testing.T) {
	b, _ := newBroker(t, broker.Config{CancelGrace: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	_ = b.RegisterWorker("stuck", worker.ExecutorFunc(func(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
		<-release
		return []domain.Artifact{{Content: "too late"}}, nil
	}))
	start(t, b)
	id, err := b.SubmitWithOptions(context.Background(), "stuck", input("x"), broker.SubmitOptions{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	task := await(t, b, id)
	if task.State != domain.StateFailed || task.Error == nil || task.Error.Code != domain.CodeTimeout {
		t.Fatalf("expected forced Timeout, got %+v", task)
	}
	if !errors.Is(task.Error, broker.ErrTimeout) {
		t.Fatalf("task error should unwrap to ErrTimeout")
	}
}

func TestForcedTaskReleasesCapacitySlot(t *testing.T) {
	b, _ := newBroker(t, broker.Config{Capacity: 1, CancelGrace: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	_ = b.RegisterWorker("stuck", worker.ExecutorFunc(func(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
		<-release
		return nil, errors.New("released")
	}))
	_ = b.RegisterWorker("echo", echo())
	start(t, b)
	stuck, _ := b.SubmitWithOptions(context.Background(), "stuck", input("x"), broker.SubmitOptions{Timeout: 20 * time.Millisecond})
	next, _ := b.Submit(context.Background(), "echo", input("after"))
	if task := await(t, b, stuck); task.State != domain.StateFailed {
		t.Fatalf("expected forced failure, got %s", task.State)
	}
	// the stuck executor is still blocked here
	if task := await(t, b, next); task.State != domain.StateCompleted {
		t.Fatalf("queued task should run once the slot is released, got %s", task.State)
	}
}

func TestBoundedQueueRejectsOverflow(t *testing.T) {
	b, s := newBroker(t, broker.Config{QueueSize: 1})
	if _, err := b.Submit(context.Background(), "echo", input("a")); err != nil {
		t.Fatal(err)
	}
	id, err := b.Submit(context.Background(), "echo", input("b"))
	if !errors.Is(err, broker.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	task, _ := s.Get(context.Background(), id)
	if task.State != domain.StateFailed || task.Error.Code != domain.CodeQueueFull {
		t.Fatalf("overflow task not failed: %+v", task)
	}
}

func TestNeverCompletedBeforeWorking(t *testing.T) {
	b, s := newBroker(t, broker.Config{Capacity: 8})
	var mu sync.Mutex
	seen := map[string][]domain.State{}
	stop := s.Listen(func(task domain.Task) {
		mu.Lock()
		seen[task.ID] = append(seen[task.ID], task.State)
		mu.Unlock()
	})
	defer stop()
	_ = b.RegisterWorker("echo", echo())
	start(t, b)
	var ids []string
	for i := 0; i < 20; i++ {
		id, _ := b.Submit(context.Background(), "echo", input("x"))
		if task, err := b.Status(context.Background(), id); err != nil || task.State == domain.StateCompleted && len(task.History) < 3 {
			t.Fatalf("stale-ahead status %+v %v", task, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		task := await(t, b, id)
		if len(task.History) != 3 || task.History[1].State != domain.StateWorking {
			t.Fatalf("history %+v", task.History)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for id, states := range seen {
		working := false
		for _, st := range states {
			if st == domain.StateWorking {
				working = true
			}
			if st == domain.StateCompleted && !working {
				t.Fatalf("task %s completed before working: %v", id, states)
			}
		}
	}
}

func TestShutdownCancelsQueuedTasks(t *testing.T) {
	b, _ := newBroker(t, broker.Config{Capacity: 1})
	_ = b.RegisterWorker("slow", worker.ExecutorFunc(func(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	first, _ := b.Submit(context.Background(), "slow", input("1"))
	second, _ := b.Submit(context.Background(), "slow", input("2"))
	cancel()
	<-done
	for _, id := range []string{first, second} {
		task, err := b.Status(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if task.State != domain.StateCanceled {
			t.Fatalf("task %s left in %s after shutdown", id, task.State)
		}
	}
	if _, err := b.Submit(context.Background(), "slow", input("3")); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

// hookStore runs callbacks after successful store writes so tests can
// act inside the broker's race windows.
type hookStore struct {
	*store.Memory
	afterCreate     func(domain.Task)
	afterTransition func(domain.Task)
}

func (h *hookStore) Create(ctx context.Context, capability string, in []domain.Message) (domain.Task, error) {
	t, err := h.Memory.Create(ctx, capability, in)
	if err == nil && h.afterCreate != nil {
		h.afterCreate(t)
	}
	return t, err
}

func (h *hookStore) Transition(ctx context.Context, id string, to domain.State, opts store.TransitionOptions) (domain.Task, error) {
	t, err := h.Memory.Transition(ctx, id, to, opts)
	if err == nil && h.afterTransition != nil {
		h.afterTransition(t)
	}
	return t, err
}

func TestSubmitRacingShutdownCancelsTask(t *testing.T) {
	h := &hookStore{Memory: store.NewMemory()}
	b := broker.New(h, broker.Config{Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	h.afterCreate = func(domain.Task) {
		cancel()
		<-done
	}
	id, err := b.Submit(context.Background(), "echo", input("late"))
	if !errors.Is(err, broker.ErrClosed) || id == "" {
		t.Fatalf("expected closed with task id, got %q %v", id, err)
	}
	task, err := b.Status(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if task.State != domain.StateCanceled || task.Error != nil {
		t.Fatalf("expected plain cancel, got %s %+v", task.State, task.Error)
	}
}

func TestCancelJustFinishedTaskIsNotCancellable(t *testing.T) {
	h := &hookStore{Memory: store.NewMemory()}
	b := broker.New(h, broker.Config{Logger: quietLogger()})
	_ = b.RegisterWorker("echo", echo())
	fired := make(chan struct{})
	var cancelErr error
	h.afterTransition = func(task domain.Task) {
		if task.State != domain.StateCompleted {
			return
		}
		// the task is terminal but its execution is still registered
		_, cancelErr = b.Cancel(context.Background(), task.ID)
		close(fired)
	}
	start(t, b)
	id, _ := b.Submit(context.Background(), "echo", input("x"))
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("task never completed")
	}
	if !errors.Is(cancelErr, broker.ErrNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", cancelErr)
	}
	if task := await(t, b, id); task.State != domain.StateCompleted {
		t.Fatalf("completed task changed to %s", task.State)
	}
}

type streamFunc func(ctx context.Context, task domain.Task, emit func(domain.Artifact) error) error

func (f streamFunc) Execute(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
	return nil, errors.New("stream only")
}

func (f streamFunc) ExecuteStream(ctx context.Context, task domain.Task, emit func(domain.Artifact) error) error {
	return f(ctx, task, emit)
}
