package orchestrator

import (
	"context"
	"errors"
	"sync"
)

type branchResult struct {
	res StepResult
	err error
}

// fanOut runs every step concurrently and returns once all of them reached a
// terminal state. Results keep the order of steps.
func (o Orchestrator) fanOut(ctx context.Context, pattern Pattern, prompts []string, steps []Step) ([]StepResult, *WorkflowError) {
	results := make([]branchResult, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func(i int, step Step) {
			defer wg.Done()
			res, err := o.runStep(ctx, pattern, step, prompts[i])
			results[i] = branchResult{res: res, err: err}
		}(i, step)
	}
	wg.Wait()

	var (
		out    = make([]StepResult, 0, len(steps))
		failed *WorkflowError
	)
	for _, r := range results {
		if r.err == nil {
			out = append(out, r.res)
			continue
		}
		var we *WorkflowError
		if !errors.As(r.err, &we) {
			we = &WorkflowError{Pattern: pattern, Phase: r.res.Name, Capability: r.res.Capability, TaskID: r.res.TaskID, Cause: r.err}
		}
		if failed == nil {
			failed = &WorkflowError{
				Pattern:    pattern,
				Phase:      we.Phase,
				Capability: we.Capability,
				TaskID:     we.TaskID,
				State:      we.State,
				Cause:      we.Cause,
			}
		}
		failed.Failed = append(failed.Failed, we.Failures()...)
	}
	return out, failed
}

// Parallel sends the topic to every branch at once and, only when all of
// them completed, submits a single synthesis task over their outputs. A nil
// branch list or zero synthesis step selects the defaults.
func (o Orchestrator) Parallel(ctx context.Context, topic string, branches []Step, synthesis *Step) (Outcome, error) {
	roles := o.roles()
	if branches == nil {
		branches = DefaultBranches(roles)
	}
	if len(branches) < 2 {
		return Outcome{Pattern: PatternParallel}, errors.New("parallel workflow needs at least two branches")
	}
	synth := DefaultSynthesis(roles)
	if synthesis != nil {
		synth = *synthesis
	}

	out := Outcome{Pattern: PatternParallel}
	prompts := make([]string, len(branches))
	for i, b := range branches {
		prompts[i] = b.Prompt(topic, nil)
	}
	results, failed := o.fanOut(ctx, PatternParallel, prompts, branches)
	out.Steps = append(out.Steps, results...)
	if failed != nil {
		return out, failed
	}

	res, err := o.runStep(ctx, PatternParallel, synth, synth.Prompt(topic, out.Steps))
	if err != nil {
		return out, err
	}
	out.Steps = append(out.Steps, res)
	out.Output = res.Output
	return out, nil
}
