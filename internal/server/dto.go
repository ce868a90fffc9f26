package server

import (
	"a2aflow/internal/broker"
	"a2aflow/internal/domain"
	"a2aflow/internal/events"
	"a2aflow/internal/orchestrator"
)

// Request payloads

type CreateTaskRequest struct {
	Capability     string           `json:"capability" example:"fact-check"`
	Input          []domain.Message `json:"input"`
	TimeoutSeconds *int             `json:"timeout_seconds,omitempty"`
}

type StartWorkflowRequest struct {
	Pattern      string   `json:"pattern" enum:"sequential,expert,parallel,debate"`
	Prompt       string   `json:"prompt"`
	Steps        []string `json:"steps,omitempty"`
	Branches     []string `json:"branches,omitempty"`
	Synthesizer  string   `json:"synthesizer,omitempty"`
	Participants []string `json:"participants,omitempty"`
	MaxRounds    int      `json:"max_rounds,omitempty"`
	Similarity   float64  `json:"similarity,omitempty"`
}

func (r StartWorkflowRequest) toRequest() orchestrator.Request {
	return orchestrator.Request{
		Pattern:      orchestrator.Pattern(r.Pattern),
		Prompt:       r.Prompt,
		Steps:        r.Steps,
		Branches:     r.Branches,
		Synthesizer:  r.Synthesizer,
		Participants: r.Participants,
		MaxRounds:    r.MaxRounds,
		Similarity:   r.Similarity,
	}
}

type taskPath struct {
	ID string `path:"id"`
}

// Responses

type TaskList struct {
	Items []domain.Task `json:"items"`
}

type ArtifactList struct {
	TaskID string            `json:"task_id"`
	State  domain.State      `json:"state"`
	Items  []domain.Artifact `json:"items"`
}

type WorkerList struct {
	Items []domain.Skill `json:"items"`
	Stats broker.Stats   `json:"stats"`
}

type WorkflowList struct {
	Items []orchestrator.Workflow `json:"items"`
}

type EventList struct {
	Items []events.Event `json:"items"`
}

// taskResponse replaces nil slices so clients always see arrays.
func taskResponse(t domain.Task) domain.Task {
	if t.Input == nil {
		t.Input = []domain.Message{}
	}
	t.Artifacts = nonNilArtifacts(t.Artifacts)
	if t.History == nil {
		t.History = []domain.StatusChange{}
	}
	return t
}

func nonNilArtifacts(in []domain.Artifact) []domain.Artifact {
	if in == nil {
		return []domain.Artifact{}
	}
	return in
}

func mapTasks(items []domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}
