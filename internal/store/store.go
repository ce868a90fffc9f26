// Package store defines the task store contract and the task lifecycle graph.
package store

import (
	"context"
	"errors"
	"fmt"

	"a2aflow/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrExhausted         = errors.New("task store exhausted")
)

// TransitionError reports a rejected state change.
type TransitionError struct {
	ID   string
	From domain.State
	To   domain.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task transition %s -> %s (task %s)", e.From, e.To, e.ID)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// TransitionOptions carries data applied atomically with a transition.
type TransitionOptions struct {
	Artifacts []domain.Artifact
	Error     *domain.TaskError
}

type Filter struct {
	Capability string
	State      domain.State
	Limit      int
}

// Store is the authoritative record of every task. Implementations hand out
// snapshot copies and serialize mutations per task.
type Store interface {
	Create(ctx context.Context, capability string, input []domain.Message) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Transition(ctx context.Context, id string, to domain.State, opts TransitionOptions) (domain.Task, error)
	AppendArtifact(ctx context.Context, id string, artifact domain.Artifact) (domain.Task, error)
	List(ctx context.Context, f Filter) ([]domain.Task, error)
	Subscribe(id string) (<-chan struct{}, func())
	Listen(fn func(domain.Task)) func()
}

// EnsureTransition validates a move along the lifecycle graph.
func EnsureTransition(id string, from, to domain.State) error {
	switch from {
	case domain.StateSubmitted:
		if to == domain.StateWorking || to == domain.StateFailed || to == domain.StateCanceled {
			return nil
		}
	case domain.StateWorking:
		if to == domain.StateCompleted || to == domain.StateFailed || to == domain.StateCanceled {
			return nil
		}
	}
	return &TransitionError{ID: id, From: from, To: to}
}

// Apply validates and applies a transition to t in place. Both store
// implementations share it so the lifecycle rules live in one place.
func Apply(t *domain.Task, to domain.State, opts TransitionOptions, now string) error {
	if err := EnsureTransition(t.ID, t.State, to); err != nil {
		return err
	}
	// artifacts are only ever produced by a working task
	if len(opts.Artifacts) > 0 && t.State != domain.StateWorking {
		return &TransitionError{ID: t.ID, From: t.State, To: to}
	}
	if to == domain.StateFailed {
		if opts.Error == nil {
			opts.Error = &domain.TaskError{Code: domain.CodeWorkerExecutionError, Message: "unknown error"}
		}
		e := *opts.Error
		t.Error = &e
	} else {
		t.Error = nil
	}
	for _, a := range opts.Artifacts {
		t.Artifacts = append(t.Artifacts, normalizeArtifact(a, len(t.Artifacts)))
	}
	t.State = to
	t.UpdatedAt = now
	t.History = append(t.History, domain.StatusChange{State: to, At: now})
	return nil
}

// ApplyArtifact appends an artifact to a working task.
func ApplyArtifact(t *domain.Task, a domain.Artifact, now string) error {
	if t.State != domain.StateWorking {
		return &TransitionError{ID: t.ID, From: t.State, To: t.State}
	}
	t.Artifacts = append(t.Artifacts, normalizeArtifact(a, len(t.Artifacts)))
	t.UpdatedAt = now
	return nil
}

func normalizeArtifact(a domain.Artifact, index int) domain.Artifact {
	a.Index = index
	if a.Kind == "" {
		a.Kind = domain.ArtifactKindText
	}
	if a.Name == "" {
		a.Name = fmt.Sprintf("result-%d", index)
	}
	return a
}
