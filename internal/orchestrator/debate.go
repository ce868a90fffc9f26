package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"a2aflow/internal/worker"
)

const (
	DefaultMaxRounds  = 3
	DefaultSimilarity = 0.85

	// AgreeMarker lets a participant signal that it has nothing left to add.
	AgreeMarker = "[AGREE]"
)

type Participant struct {
	Name       string
	Capability string
	// Focus is inserted into the prompts, e.g. "factual accuracy".
	Focus string
}

func (p Participant) focus() string {
	if p.Focus != "" {
		return p.Focus
	}
	return "your own expertise"
}

// DebateConfig bounds a debate. MaxRounds is always enforced.
type DebateConfig struct {
	First     Participant
	Second    Participant
	MaxRounds int
	// Similarity is the Jaccard threshold at which two responses count as
	// converged.
	Similarity float64
	// Converged overrides the default predicate when set.
	Converged func(first, second string) bool
}

func (c DebateConfig) withDefaults(r Roles) DebateConfig {
	if c.First.Capability == "" {
		c.First = Participant{Name: BranchCreative, Capability: r.Creative, Focus: "creative insights and accessible explanations"}
	}
	if c.Second.Capability == "" {
		c.Second = Participant{Name: BranchFactual, Capability: r.Factual, Focus: "factual accuracy and comprehensive technical details"}
	}
	if c.First.Name == "" {
		c.First.Name = c.First.Capability
	}
	if c.Second.Name == "" {
		c.Second.Name = c.Second.Capability
	}
	if c.Second.Name == c.First.Name {
		c.Second.Name += "-2"
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.Similarity <= 0 {
		c.Similarity = DefaultSimilarity
	}
	if c.Converged == nil {
		threshold := c.Similarity
		c.Converged = func(a, b string) bool {
			if strings.Contains(a, AgreeMarker) || strings.Contains(b, AgreeMarker) {
				return true
			}
			return Similarity(a, b) >= threshold
		}
	}
	return c
}

// Similarity is the Jaccard index of the word sets of a and b.
func Similarity(a, b string) float64 {
	ta, tb := worker.Terms(a), worker.Terms(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// Debate lets two participants respond to each other round after round until
// they converge or MaxRounds is reached. Reaching the bound is not an error:
// the last round is returned with Converged false.
func (o Orchestrator) Debate(ctx context.Context, topic string, cfg DebateConfig) (Outcome, error) {
	cfg = cfg.withDefaults(o.roles())
	out := Outcome{Pattern: PatternDebate}
	var first, second string
	for round := 1; round <= cfg.MaxRounds; round++ {
		steps := []Step{
			{Name: cfg.First.Name, Capability: cfg.First.Capability},
			{Name: cfg.Second.Name, Capability: cfg.Second.Capability},
		}
		var prompts []string
		if round == 1 {
			prompts = []string{debateOpening(topic, cfg.First), debateOpening(topic, cfg.Second)}
		} else {
			prompts = []string{
				debateRebuttal(topic, cfg.First, first, second),
				debateRebuttal(topic, cfg.Second, second, first),
			}
		}
		for i := range steps {
			steps[i].Name = fmt.Sprintf("%s/round-%d", steps[i].Name, round)
		}
		results, failed := o.fanOut(ctx, PatternDebate, prompts, steps)
		out.Steps = append(out.Steps, withRound(results, round)...)
		if failed != nil {
			return out, failed
		}
		out.Rounds = round
		first, second = results[0].Output, results[1].Output
		if cfg.Converged(first, second) {
			out.Converged = true
			break
		}
	}
	out.Output = fmt.Sprintf("%s:\n%s\n\n%s:\n%s", cfg.First.Name, first, cfg.Second.Name, second)
	o.logger().Printf("orchestrator: debate finished after %d rounds (converged=%t)", out.Rounds, out.Converged)
	return out, nil
}

func withRound(rs []StepResult, round int) []StepResult {
	for i := range rs {
		rs[i].Round = round
	}
	return rs
}
