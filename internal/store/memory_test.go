package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"a2aflow/internal/domain"
	"a2aflow/internal/store"
)

func newTask(t *testing.T, s *store.Memory) domain.Task {
	t.Helper()
	task, err := s.Create(context.Background(), "fact-check", []domain.Message{{Role: domain.RoleUser, Content: "hello"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return task
}

func TestCreateAndGet(t *testing.T) {
	s := store.NewMemory()
	task := newTask(t, s)
	if task.State != domain.StateSubmitted {
		t.Fatalf("expected submitted, got %s", task.State)
	}
	got, err := s.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Capability != "fact-check" || len(got.Input) != 1 || got.Input[0].Content != "hello" {
		t.Fatalf("unexpected task %+v", got)
	}
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := store.NewMemory()
	task := newTask(t, s)
	task.Input[0].Content = "mutated"
	got, _ := s.Get(context.Background(), task.ID)
	if got.Input[0].Content != "hello" {
		t.Fatalf("store shares input slice with caller")
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	task := newTask(t, s)
	if _, err := s.Transition(ctx, task.ID, domain.StateWorking, store.TransitionOptions{}); err != nil {
		t.Fatalf("to working: %v", err)
	}
	if _, err := s.AppendArtifact(ctx, task.ID, domain.Artifact{Content: "partial"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	done, err := s.Transition(ctx, task.ID, domain.StateCompleted, store.TransitionOptions{
		Artifacts: []domain.Artifact{{Name: "answer", Content: "final"}},
	})
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if len(done.Artifacts) != 2 || done.Artifacts[1].Index != 1 || done.Artifacts[1].Kind != domain.ArtifactKindText {
		t.Fatalf("unexpected artifacts %+v", done.Artifacts)
	}
	want := []domain.State{domain.StateSubmitted, domain.StateWorking, domain.StateCompleted}
	if len(done.History) != len(want) {
		t.Fatalf("history %+v", done.History)
	}
	for i, st := range want {
		if done.History[i].State != st {
			t.Fatalf("history[%d]=%s want %s", i, done.History[i].State, st)
		}
	}
}

func TestTerminalTasksRejectEveryMutation(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []domain.State{domain.StateCompleted, domain.StateFailed, domain.StateCanceled} {
		s := store.NewMemory()
		task := newTask(t, s)
		if _, err := s.Transition(ctx, task.ID, domain.StateWorking, store.TransitionOptions{}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Transition(ctx, task.ID, terminal, store.TransitionOptions{}); err != nil {
			t.Fatalf("to %s: %v", terminal, err)
		}
		for _, next := range []domain.State{domain.StateSubmitted, domain.StateWorking, domain.StateCompleted, domain.StateFailed, domain.StateCanceled} {
			_, err := s.Transition(ctx, task.ID, next, store.TransitionOptions{})
			if !errors.Is(err, store.ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected invalid transition, got %v", terminal, next, err)
			}
		}
		if _, err := s.AppendArtifact(ctx, task.ID, domain.Artifact{Content: "late"}); !errors.Is(err, store.ErrInvalidTransition) {
			t.Fatalf("append after %s: expected invalid transition, got %v", terminal, err)
		}
		got, _ := s.Get(ctx, task.ID)
		if got.State != terminal || len(got.Artifacts) != 0 {
			t.Fatalf("terminal record changed: %+v", got)
		}
	}
}

func TestSubmittedCannotComplete(t *testing.T) {
	s := store.NewMemory()
	task := newTask(t, s)
	_, err := s.Transition(context.Background(), task.ID, domain.StateCompleted, store.TransitionOptions{})
	var te *store.TransitionError
	if !errors.As(err, &te) || te.From != domain.StateSubmitted || te.To != domain.StateCompleted {
		t.Fatalf("expected transition error, got %v", err)
	}
	if _, err := s.AppendArtifact(context.Background(), task.ID, domain.Artifact{Content: "x"}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("append on submitted should fail, got %v", err)
	}
}

func TestFailedCarriesError(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	task := newTask(t, s)
	failed, err := s.Transition(ctx, task.ID, domain.StateFailed, store.TransitionOptions{
		Error: &domain.TaskError{Code: domain.CodeNoWorkerAvailable, Message: "none"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if failed.Error == nil || failed.Error.Code != domain.CodeNoWorkerAvailable {
		t.Fatalf("error not recorded: %+v", failed.Error)
	}
}

func TestMaxTasksExhaustion(t *testing.T) {
	s := store.NewMemory()
	s.MaxTasks = 1
	newTask(t, s)
	if _, err := s.Create(context.Background(), "x", nil); !errors.Is(err, store.ErrExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	task := newTask(t, s)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transition(ctx, task.ID, domain.StateWorking, store.TransitionOptions{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

// Run with -race: rejected mutations must snapshot under the task lock.
func TestRejectedMutationsRaceWithAppends(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	task := newTask(t, s)
	if _, err := s.Transition(ctx, task.ID, domain.StateWorking, store.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AppendArtifact(ctx, task.ID, domain.Artifact{Content: fmt.Sprint(i)}); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			snap, err := s.Transition(ctx, task.ID, domain.StateSubmitted, store.TransitionOptions{})
			if !errors.Is(err, store.ErrInvalidTransition) {
				t.Errorf("expected invalid transition, got %v", err)
			}
			if snap.State != domain.StateWorking {
				t.Errorf("rejected snapshot state %s", snap.State)
			}
		}()
	}
	wg.Wait()
	got, _ := s.Get(ctx, task.ID)
	if len(got.Artifacts) != 50 {
		t.Fatalf("expected 50 artifacts, got %d", len(got.Artifacts))
	}
}

func TestUnrelatedTasksMutateConcurrently(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	ids := make([]string, 50)
	for i := range ids {
		task, err := s.Create(ctx, fmt.Sprintf("cap-%d", i%3), nil)
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = task.ID
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.Transition(ctx, id, domain.StateWorking, store.TransitionOptions{}); err != nil {
				t.Errorf("working: %v", err)
			}
			if _, err := s.Transition(ctx, id, domain.StateCompleted, store.TransitionOptions{Artifacts: []domain.Artifact{{Content: id}}}); err != nil {
				t.Errorf("completed: %v", err)
			}
		}(id)
	}
	wg.Wait()
	done, err := s.List(ctx, store.Filter{State: domain.StateCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != len(ids) {
		t.Fatalf("expected %d completed, got %d", len(ids), len(done))
	}
	capOnly, _ := s.List(ctx, store.Filter{Capability: "cap-0", Limit: 5})
	if len(capOnly) != 5 {
		t.Fatalf("expected limit 5, got %d", len(capOnly))
	}
}

func TestSubscribeSignalsOnChange(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	task := newTask(t, s)
	ch, cancel := s.Subscribe(task.ID)
	defer cancel()
	var seen []domain.State
	var mu sync.Mutex
	stop := s.Listen(func(t domain.Task) {
		mu.Lock()
		seen = append(seen, t.State)
		mu.Unlock()
	})
	defer stop()
	if _, err := s.Transition(ctx, task.ID, domain.StateWorking, store.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("no change notification")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != domain.StateWorking {
		t.Fatalf("listener saw %v", seen)
	}
}
