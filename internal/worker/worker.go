// Package worker implements the execution contract every capability
// executor runs under: claim the task, run the executor, then record exactly
// one terminal outcome through the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"a2aflow/internal/domain"
	"a2aflow/internal/store"
)

// Executor performs the capability-specific work for one task. It must not
// keep mutable state between tasks.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) ([]domain.Artifact, error)
}

// StreamExecutor produces artifacts incrementally. Artifacts passed to emit
// are appended immediately and survive a later cancellation.
type StreamExecutor interface {
	Executor
	ExecuteStream(ctx context.Context, task domain.Task, emit func(domain.Artifact) error) error
}

// Describer lets an executor advertise a skill on the worker listing.
type Describer interface {
	Describe() domain.Skill
}

type ExecutorFunc func(ctx context.Context, task domain.Task) ([]domain.Artifact, error)

func (f ExecutorFunc) Execute(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
	return f(ctx, task)
}

var ErrNoArtifacts = errors.New("executor returned no artifacts")

type Runner struct {
	Store  store.Store
	Logger *log.Logger
}

func (r Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Run drives one task from submitted to a terminal state. The returned task
// is the final snapshot; an error means the store refused a transition.
func (r Runner) Run(ctx context.Context, exec Executor, taskID string) (domain.Task, error) {
	// finalization must land even after ctx is canceled
	finalCtx := context.WithoutCancel(ctx)

	task, err := r.Store.Transition(finalCtx, taskID, domain.StateWorking, store.TransitionOptions{})
	if err != nil {
		return task, fmt.Errorf("claim task %s: %w", taskID, err)
	}

	var (
		artifacts []domain.Artifact
		emitted   int
		execErr   error
	)
	switch se, ok := exec.(StreamExecutor); {
	case ctx.Err() != nil:
		// canceled between dispatch and claim; nothing to run
	case ok:
		execErr = safeStream(ctx, se, task, func(a domain.Artifact) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := r.Store.AppendArtifact(finalCtx, taskID, a); err != nil {
				return err
			}
			emitted++
			return nil
		})
	default:
		artifacts, execErr = safeExecute(ctx, exec, task)
	}

	to, opts := outcome(ctx, artifacts, emitted, execErr)
	final, err := r.Store.Transition(finalCtx, taskID, to, opts)
	if err != nil {
		r.logger().Printf("worker: finalize %s as %s: %v", taskID, to, err)
		return final, fmt.Errorf("finalize task %s: %w", taskID, err)
	}
	if final.Error != nil {
		r.logger().Printf("worker: task %s %s: %s", taskID, final.State, final.Error.Message)
	}
	return final, nil
}

func outcome(ctx context.Context, artifacts []domain.Artifact, emitted int, execErr error) (domain.State, store.TransitionOptions) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.StateFailed, store.TransitionOptions{Error: &domain.TaskError{
				Code:    domain.CodeTimeout,
				Message: "task deadline exceeded",
			}}
		}
		return domain.StateCanceled, store.TransitionOptions{}
	}
	if execErr != nil {
		return domain.StateFailed, store.TransitionOptions{Error: &domain.TaskError{
			Code:    domain.CodeWorkerExecutionError,
			Message: execErr.Error(),
		}}
	}
	if len(artifacts)+emitted == 0 {
		return domain.StateFailed, store.TransitionOptions{Error: &domain.TaskError{
			Code:    domain.CodeWorkerExecutionError,
			Message: ErrNoArtifacts.Error(),
		}}
	}
	return domain.StateCompleted, store.TransitionOptions{Artifacts: artifacts}
}

func safeExecute(ctx context.Context, exec Executor, task domain.Task) (arts []domain.Artifact, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return exec.Execute(ctx, task)
}

func safeStream(ctx context.Context, exec StreamExecutor, task domain.Task, emit func(domain.Artifact) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return exec.ExecuteStream(ctx, task, emit)
}
