package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"a2aflow/internal/domain"
	"a2aflow/internal/store"
)

// Request describes one workflow run. Capability lists are optional and
// replace the default templates with a generic chain over those workers.
type Request struct {
	Pattern Pattern `json:"pattern"`
	Prompt  string  `json:"prompt"`
	// Steps is the capability chain for sequential runs.
	Steps []string `json:"steps,omitempty"`
	// Branches and Synthesizer configure parallel runs.
	Branches    []string `json:"branches,omitempty"`
	Synthesizer string   `json:"synthesizer,omitempty"`
	// Participants are the two debating capabilities.
	Participants []string `json:"participants,omitempty"`
	MaxRounds    int      `json:"max_rounds,omitempty"`
	Similarity   float64  `json:"similarity,omitempty"`
}

var (
	ErrInvalidPattern = errors.New("invalid workflow pattern")
	ErrEmptyPrompt    = errors.New("prompt is required")
)

func (r Request) Validate() error {
	if !r.Pattern.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, r.Pattern)
	}
	if r.Prompt == "" {
		return ErrEmptyPrompt
	}
	if r.Pattern == PatternParallel && r.Branches != nil && len(r.Branches) < 2 {
		return errors.New("parallel workflow needs at least two branches")
	}
	if r.Pattern == PatternDebate && r.Participants != nil && len(r.Participants) != 2 {
		return errors.New("debate needs exactly two participants")
	}
	if r.MaxRounds < 0 {
		return errors.New("max_rounds must be positive")
	}
	if r.Similarity < 0 || r.Similarity > 1 {
		return errors.New("similarity must be between 0 and 1")
	}
	return nil
}

type WorkflowState string

const (
	WorkflowRunning   WorkflowState = "running"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
)

// Workflow is the pollable record of a started run.
type Workflow struct {
	ID        string          `json:"id"`
	Pattern   Pattern         `json:"pattern"`
	Prompt    string          `json:"prompt"`
	State     WorkflowState   `json:"state" enum:"running,completed,failed"`
	Output    string          `json:"output,omitempty"`
	Steps     Results         `json:"steps"`
	Rounds    int             `json:"rounds,omitempty"`
	Converged bool            `json:"converged,omitempty"`
	Error     string          `json:"error,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Failed    []BranchFailure `json:"failed,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

// Engine runs workflows in the background and keeps their results.
type Engine struct {
	Orchestrator Orchestrator
	// Debate supplies defaults for debate requests.
	Debate DebateConfig
	Now    func() time.Time
	NewID  func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	flows map[string]*Workflow
}

func NewEngine(o Orchestrator) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		Orchestrator: o,
		Now:          time.Now,
		NewID:        func() string { return uuid.New().String() },
		ctx:          ctx,
		cancel:       cancel,
		flows:        make(map[string]*Workflow),
	}
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(domain.TimeFormat)
}

// Run executes the request synchronously.
func (e *Engine) Run(ctx context.Context, req Request) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{Pattern: req.Pattern}, err
	}
	o := e.Orchestrator
	roles := o.roles()
	switch req.Pattern {
	case PatternSequential:
		var steps []Step
		if len(req.Steps) > 0 {
			steps = ChainSteps(req.Steps)
		}
		return o.Sequential(ctx, req.Prompt, steps)
	case PatternExpert:
		return o.Expert(ctx, req.Prompt)
	case PatternParallel:
		var (
			branches []Step
			synth    *Step
		)
		if len(req.Branches) > 0 {
			branches = BranchSteps(req.Branches)
		}
		if req.Synthesizer != "" {
			s := DefaultSynthesis(roles)
			s.Capability = req.Synthesizer
			synth = &s
		}
		return o.Parallel(ctx, req.Prompt, branches, synth)
	default:
		cfg := e.Debate
		if len(req.Participants) == 2 {
			cfg.First = Participant{Capability: req.Participants[0]}
			cfg.Second = Participant{Capability: req.Participants[1]}
		}
		if req.MaxRounds > 0 {
			cfg.MaxRounds = req.MaxRounds
		}
		if req.Similarity > 0 {
			cfg.Similarity = req.Similarity
		}
		return o.Debate(ctx, req.Prompt, cfg)
	}
}

// Start registers the workflow and runs it in the background. The run is
// detached from ctx and ends only with Close.
func (e *Engine) Start(ctx context.Context, req Request) (Workflow, error) {
	if err := req.Validate(); err != nil {
		return Workflow{}, err
	}
	now := e.now()
	wf := &Workflow{
		ID:        e.NewID(),
		Pattern:   req.Pattern,
		Prompt:    req.Prompt,
		State:     WorkflowRunning,
		Steps:     Results{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return Workflow{}, errors.New("workflow engine closed")
	}
	e.flows[wf.ID] = wf
	snapshot := *wf
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		out, err := e.Run(e.ctx, req)
		e.finish(wf.ID, out, err)
	}()
	return snapshot, nil
}

func (e *Engine) finish(id string, out Outcome, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf := e.flows[id]
	wf.Output = out.Output
	wf.Steps = append(Results{}, out.Steps...)
	wf.Rounds = out.Rounds
	wf.Converged = out.Converged
	wf.UpdatedAt = e.now()
	if err != nil {
		wf.State = WorkflowFailed
		wf.Error = err.Error()
		var we *WorkflowError
		if errors.As(err, &we) {
			wf.Phase = we.Phase
			wf.Failed = we.Failures()
		}
		e.Orchestrator.logger().Printf("orchestrator: workflow %s failed: %v", id, err)
		return
	}
	wf.State = WorkflowCompleted
}

// Result returns the current record of a workflow.
func (e *Engine) Result(id string) (Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.flows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("workflow %s: %w", id, store.ErrNotFound)
	}
	out := *wf
	out.Steps = append(Results{}, wf.Steps...)
	out.Failed = append([]BranchFailure(nil), wf.Failed...)
	return out, nil
}

func (e *Engine) List() []Workflow {
	e.mu.RLock()
	out := make([]Workflow, 0, len(e.flows))
	for _, wf := range e.flows {
		out = append(out, *wf)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Close cancels running workflows and waits for them to record a result.
func (e *Engine) Close() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

// ChainSteps builds a generic chain: the first capability gets the prompt,
// every later one gets the prompt plus the previous output.
func ChainSteps(capabilities []string) []Step {
	steps := make([]Step, len(capabilities))
	for i, capability := range capabilities {
		i := i
		steps[i] = Step{
			Name:       fmt.Sprintf("step-%d", i+1),
			Capability: capability,
			Prompt: func(topic string, prev Results) string {
				if i == 0 {
					return topic
				}
				return fmt.Sprintf("Task: %s\n\nPrevious step output:\n%s\n\nContinue the work using the previous output.", topic, prev.Last())
			},
		}
	}
	return steps
}

// BranchSteps sends the same prompt to each capability.
func BranchSteps(capabilities []string) []Step {
	steps := make([]Step, len(capabilities))
	for i, capability := range capabilities {
		steps[i] = Step{
			Name:       fmt.Sprintf("branch-%d", i+1),
			Capability: capability,
			Prompt:     func(topic string, _ Results) string { return topic },
		}
	}
	return steps
}
