// Package orchestrator composes tasks into workflows. Every pattern is built
// from the same step primitive: submit a task, wait for its terminal state,
// take its text artifacts as the step output.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"a2aflow/internal/domain"
	"a2aflow/internal/worker"
)

// Client is the task boundary workflows run against. The broker satisfies it
// in-process and the SDK satisfies it over HTTP.
type Client interface {
	Submit(ctx context.Context, capability string, input []domain.Message) (string, error)
	Await(ctx context.Context, id string) (domain.Task, error)
}

type Pattern string

const (
	PatternSequential Pattern = "sequential"
	PatternExpert     Pattern = "expert"
	PatternParallel   Pattern = "parallel"
	PatternDebate     Pattern = "debate"
)

func (p Pattern) Valid() bool {
	switch p {
	case PatternSequential, PatternExpert, PatternParallel, PatternDebate:
		return true
	}
	return false
}

var ErrWorkflowFailed = errors.New("workflow failed")

// BranchFailure identifies one failed task inside a workflow.
type BranchFailure struct {
	Branch     string       `json:"branch"`
	Capability string       `json:"capability"`
	TaskID     string       `json:"task_id,omitempty"`
	State      domain.State `json:"state,omitempty"`
	Error      string       `json:"error"`
}

// WorkflowError reports the first failing phase of a workflow. For a fan-out
// it lists every failed branch.
type WorkflowError struct {
	Pattern    Pattern
	Phase      string
	Capability string
	TaskID     string
	State      domain.State
	Cause      error
	Failed     []BranchFailure
}

func (e *WorkflowError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s workflow failed at %s", e.Pattern, e.Phase)
	if e.Capability != "" {
		fmt.Fprintf(&b, " (%s", e.Capability)
		if e.TaskID != "" {
			fmt.Fprintf(&b, " task %s", e.TaskID)
		}
		b.WriteString(")")
	}
	if len(e.Failed) > 1 {
		names := make([]string, 0, len(e.Failed))
		for _, f := range e.Failed {
			names = append(names, f.Branch)
		}
		fmt.Fprintf(&b, " [failed branches: %s]", strings.Join(names, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *WorkflowError) Is(target error) bool { return target == ErrWorkflowFailed }

func (e *WorkflowError) Unwrap() error { return e.Cause }

// Failures returns the failed branches, or the single failed phase.
func (e *WorkflowError) Failures() []BranchFailure {
	if len(e.Failed) > 0 {
		return e.Failed
	}
	msg := ""
	if e.Cause != nil {
		msg = e.Cause.Error()
	}
	return []BranchFailure{{Branch: e.Phase, Capability: e.Capability, TaskID: e.TaskID, State: e.State, Error: msg}}
}

// Step is one task in a workflow. Prompt builds the task input from the
// workflow topic and the outputs gathered so far.
type Step struct {
	Name       string
	Capability string
	Prompt     func(topic string, prev Results) string
}

type StepResult struct {
	Name       string `json:"name"`
	Capability string `json:"capability"`
	TaskID     string `json:"task_id"`
	Round      int    `json:"round,omitempty"`
	Output     string `json:"output"`
}

type Results []StepResult

// Output returns the output of the latest step with the given name.
func (r Results) Output(name string) string {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i].Name == name {
			return r[i].Output
		}
	}
	return ""
}

func (r Results) Last() string {
	if len(r) == 0 {
		return ""
	}
	return r[len(r)-1].Output
}

type Outcome struct {
	Pattern   Pattern `json:"pattern"`
	Output    string  `json:"output"`
	Steps     Results `json:"steps"`
	Rounds    int     `json:"rounds,omitempty"`
	Converged bool    `json:"converged,omitempty"`
}

// Roles names the capabilities the default templates route to.
type Roles struct {
	Creative string
	Factual  string
}

func (r Roles) withDefaults() Roles {
	if r.Creative == "" {
		r.Creative = worker.CapabilityCreativeSynthesis
	}
	if r.Factual == "" {
		r.Factual = worker.CapabilityFactCheck
	}
	return r
}

type Orchestrator struct {
	Client Client
	Roles  Roles
	Logger *log.Logger
}

func (o Orchestrator) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

func (o Orchestrator) roles() Roles { return o.Roles.withDefaults() }

func (o Orchestrator) runStep(ctx context.Context, pattern Pattern, step Step, prompt string) (StepResult, error) {
	res := StepResult{Name: step.Name, Capability: step.Capability}
	fail := func(state domain.State, cause error) (StepResult, error) {
		return res, &WorkflowError{
			Pattern:    pattern,
			Phase:      step.Name,
			Capability: step.Capability,
			TaskID:     res.TaskID,
			State:      state,
			Cause:      cause,
		}
	}

	id, err := o.Client.Submit(ctx, step.Capability, []domain.Message{{Role: domain.RoleUser, Content: prompt}})
	res.TaskID = id
	if err != nil {
		return fail("", fmt.Errorf("submit: %w", err))
	}
	task, err := o.Client.Await(ctx, id)
	if err != nil {
		return fail(task.State, fmt.Errorf("await: %w", err))
	}
	if task.State != domain.StateCompleted {
		var cause error = fmt.Errorf("task ended %s", task.State)
		if task.Error != nil {
			cause = task.Error
		}
		return fail(task.State, cause)
	}
	res.Output = task.Text()
	o.logger().Printf("orchestrator: %s %s completed (task %s, %d chars)", pattern, step.Name, id, len(res.Output))
	return res, nil
}

// chain runs steps strictly in order and stops at the first failure.
func (o Orchestrator) chain(ctx context.Context, pattern Pattern, topic string, steps []Step) (Outcome, error) {
	out := Outcome{Pattern: pattern}
	for _, step := range steps {
		res, err := o.runStep(ctx, pattern, step, step.Prompt(topic, out.Steps))
		if err != nil {
			return out, err
		}
		out.Steps = append(out.Steps, res)
	}
	out.Output = out.Steps.Last()
	return out, nil
}

// Sequential runs a fixed chain of steps; nil steps selects the default
// research, synthesis, validation and final answer chain.
func (o Orchestrator) Sequential(ctx context.Context, topic string, steps []Step) (Outcome, error) {
	if steps == nil {
		steps = DefaultSequence(o.roles())
	}
	if len(steps) == 0 {
		return Outcome{Pattern: PatternSequential}, errors.New("sequential workflow needs at least one step")
	}
	return o.chain(ctx, PatternSequential, topic, steps)
}

// Expert alternates the two roles across research, strategy, review, final
// explanation and fact-check phases.
func (o Orchestrator) Expert(ctx context.Context, topic string) (Outcome, error) {
	out, err := o.chain(ctx, PatternExpert, topic, ExpertPhases(o.roles()))
	if err != nil {
		return out, err
	}
	// the validated explanation is the answer; the fact-check is attached
	out.Output = out.Steps.Output(PhaseFinalExplanation)
	return out, nil
}
