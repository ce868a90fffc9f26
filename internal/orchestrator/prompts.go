package orchestrator

import (
	"fmt"
	"strings"
)

// Step names used by the default templates.
const (
	StepResearch   = "research"
	StepSynthesis  = "synthesis"
	StepValidation = "validation"
	StepFinal      = "final"

	PhaseResearch         = "research"
	PhaseStrategy         = "strategy"
	PhaseReview           = "review"
	PhaseFinalExplanation = "final-explanation"
	PhaseFactCheck        = "fact-check"

	BranchCreative = "creative"
	BranchFactual  = "factual"
)

// DefaultSequence is the collaborative chain: factual research, creative
// synthesis, validation of the synthesis, then a final corrected answer.
func DefaultSequence(r Roles) []Step {
	return []Step{
		{
			Name:       StepResearch,
			Capability: r.Factual,
			Prompt: func(topic string, _ Results) string {
				return fmt.Sprintf("Please provide a comprehensive analysis of the following topic.\n\n"+
					"Topic: %s\n\n"+
					"Include the core concepts, how they work, relevant background and any common misconceptions.", topic)
			},
		},
		{
			Name:       StepSynthesis,
			Capability: r.Creative,
			Prompt: func(topic string, prev Results) string {
				return fmt.Sprintf("I have received the following analysis from a retrieval-grounded system about %q:\n\n%s\n\n"+
					"Please build on it to create an engaging, accessible explanation that keeps the technical accuracy, "+
					"adds helpful analogies and addresses the likely questions of a curious reader.",
					topic, prev.Output(StepResearch))
			},
		},
		{
			Name:       StepValidation,
			Capability: r.Factual,
			Prompt: func(topic string, prev Results) string {
				return fmt.Sprintf("Please review this explanation for accuracy.\n\n"+
					"Original topic: %s\n\nExplanation to review:\n%s\n\n"+
					"Point out factual errors, oversimplifications that mislead, and important missing caveats. "+
					"If the explanation is accurate, say so.",
					topic, prev.Output(StepSynthesis))
			},
		},
		{
			Name:       StepFinal,
			Capability: r.Creative,
			Prompt: func(topic string, prev Results) string {
				return fmt.Sprintf("Based on the validation feedback below, please provide the final, most accurate and engaging response to: %q\n\n"+
					"Your previous explanation:\n%s\n\nValidation feedback:\n%s\n\n"+
					"Incorporate every correction while keeping the explanation accessible.",
					topic, prev.Output(StepSynthesis), prev.Output(StepValidation))
			},
		},
	}
}

// ExpertPhases is the five phase consultation alternating the factual and
// creative roles.
func ExpertPhases(r Roles) []Step {
	return []Step{
		{
			Name:       PhaseResearch,
			Capability: r.Factual,
			Prompt: func(topic string, _ Results) string {
				return fmt.Sprintf("As a research specialist, please provide a comprehensive technical analysis of:\n\n%q\n\n"+
					"Include:\n- Core concepts and principles\n- Technical details and mechanisms\n"+
					"- Historical context or background\n- Current understanding and recent developments\n"+
					"- Areas of complexity or common misconceptions\n\n"+
					"Focus on accuracy and completeness. A communication expert will use this to write an accessible explanation.", topic)
			},
		},
		{
			Name:       PhaseStrategy,
			Capability: r.Creative,
			Prompt: func(topic string, prev Results) string {
				return fmt.Sprintf("As a communication expert, review this technical research about %q:\n\n"+
					"RESEARCH ANALYSIS:\n%s\n\n"+
					"Develop a communication strategy that:\n"+
					"1. Identifies the key points that must be conveyed\n"+
					"2. Suggests analogies, examples or metaphors that help understanding\n"+
					"3. Determines the appropriate level of technical detail\n"+
					"4. Identifies where readers might get confused\n"+
					"5. Recommends the best structure for the explanation\n\n"+
					"Do not write the final explanation yet, only the strategy.",
					topic, prev.Output(PhaseResearch))
			},
		},
		{
			Name:       PhaseReview,
			Capability: r.Factual,
			Prompt: func(topic string, prev Results) string {
				return fmt.Sprintf("As a research specialist, review this communication strategy for explaining %q:\n\n"+
					"COMMUNICATION STRATEGY:\n%s\n\nORIGINAL RESEARCH:\n%s\n\n"+
					"Evaluate:\n"+
					"1. Any scientific inaccuracies in the proposed approach\n"+
					"2. Critical technical details that are oversimplified\n"+
					"3. Analogies that would mislead\n"+
					"4. Caveats or limitations that must be mentioned\n"+
					"5. Improvements that keep the explanation accessible",
					topic, prev.Output(PhaseStrategy), prev.Output(PhaseResearch))
			},
		},
		{
			Name:       PhaseFinalExplanation,
			Capability: r.Creative,
			Prompt: func(topic string, prev Results) string {
				return fmt.Sprintf("As a communication expert, create the final explanation for %q using:\n\n"+
					"RESEARCH FOUNDATION:\n%s\n\nCOMMUNICATION STRATEGY:\n%s\n\nTECHNICAL FEEDBACK:\n%s\n\n"+
					"The response must be accurate (incorporate the technical feedback), follow the strategy, "+
					"stay engaging and answer the question completely. This is the answer presented to the user.",
					topic, prev.Output(PhaseResearch), prev.Output(PhaseStrategy), prev.Output(PhaseReview))
			},
		},
		{
			Name:       PhaseFactCheck,
			Capability: r.Factual,
			Prompt: func(topic string, prev Results) string {
				return fmt.Sprintf("Please perform a final fact-check on this explanation of %q:\n\n"+
					"FINAL EXPLANATION:\n%s\n\n"+
					"Verify scientific accuracy, completeness of the core concepts, the appropriateness of the examples "+
					"and any missing caveats. If the explanation is accurate and complete, endorse it. "+
					"Otherwise provide specific corrections.",
					topic, prev.Output(PhaseFinalExplanation))
			},
		},
	}
}

// DefaultBranches sends the topic to both roles with role specific framing.
func DefaultBranches(r Roles) []Step {
	return []Step{
		{
			Name:       BranchCreative,
			Capability: r.Creative,
			Prompt: func(topic string, _ Results) string {
				return fmt.Sprintf("Please provide a comprehensive and engaging explanation of:\n%s\n\n"+
					"Focus on clarity, creativity and making the concept accessible.", topic)
			},
		},
		{
			Name:       BranchFactual,
			Capability: r.Factual,
			Prompt: func(topic string, _ Results) string {
				return fmt.Sprintf("Please provide a detailed, factual analysis of:\n%s\n\n"+
					"Focus on accuracy, technical depth and comprehensive coverage.", topic)
			},
		},
	}
}

// DefaultSynthesis merges every branch output into one answer.
func DefaultSynthesis(r Roles) Step {
	return Step{
		Name:       StepSynthesis,
		Capability: r.Creative,
		Prompt: func(topic string, prev Results) string {
			var b strings.Builder
			fmt.Fprintf(&b, "I have %d different responses to the question: %q\n\n", len(prev), topic)
			for i, res := range prev {
				fmt.Fprintf(&b, "Response %d (%s):\n%s\n\n", i+1, res.Name, res.Output)
			}
			b.WriteString("Please synthesize these responses into a single, comprehensive answer that:\n" +
				"1. Combines the best aspects of each response\n" +
				"2. Resolves contradictions by favoring factual accuracy\n" +
				"3. Keeps the answer accessible while preserving technical precision\n" +
				"4. Is complete and well rounded")
			return b.String()
		},
	}
}

func debateOpening(topic string, p Participant) string {
	return fmt.Sprintf("You are participating in a collaborative discussion about: %q\n\n"+
		"Please provide your initial perspective, focusing on %s.\n"+
		"You will then see another perspective and can build on or refine your response.",
		topic, p.focus())
}

func debateRebuttal(topic string, p Participant, own, other string) string {
	return fmt.Sprintf("Here is your previous response about %q:\n%s\n\n"+
		"Here is the perspective of the other participant:\n%s\n\n"+
		"Please refine your response by:\n"+
		"1. Incorporating valuable insights you missed\n"+
		"2. Correcting any inaccuracies in your previous response\n"+
		"3. Keeping your focus on %s\n\n"+
		"If you fully agree with the other participant and have nothing to add, include %s in your response.",
		topic, own, other, p.focus(), AgreeMarker)
}
