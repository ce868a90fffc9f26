package worker

import (
	"context"
	"fmt"
	"strings"

	"a2aflow/internal/backend"
	"a2aflow/internal/domain"
)

const (
	CapabilityCreativeSynthesis = "creative-synthesis"
	CapabilityFactCheck         = "fact-check"
	CapabilityEcho              = "echo"
)

const (
	creativeSystemPrompt = "You are a communication expert. Explain clearly and engagingly, use analogies where they help, " +
		"and keep technical claims accurate."
	factCheckSystemPrompt = "You are a research specialist. Be precise and factual, ground every claim in the supplied context, " +
		"and flag anything that cannot be verified."
)

// Retriever supplies context passages for retrieval-grounded capabilities.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]string, error)
}

// Model runs a task through a chat backend. It is stateless: everything it
// needs comes from the task input.
type Model struct {
	Skill     domain.Skill
	System    string
	Backend   backend.Client
	Retriever Retriever
}

func NewCreativeSynthesis(b backend.Client) Model {
	return Model{
		Skill: domain.Skill{
			Capability:  CapabilityCreativeSynthesis,
			Name:        "Creative synthesis",
			Description: "Accessible, engaging explanations and synthesis of multiple inputs",
			Tags:        []string{"synthesis", "qa"},
		},
		System:  creativeSystemPrompt,
		Backend: b,
	}
}

func NewFactCheck(b backend.Client, r Retriever) Model {
	return Model{
		Skill: domain.Skill{
			Capability:  CapabilityFactCheck,
			Name:        "Fact check",
			Description: "Retrieval-grounded factual analysis and validation",
			Tags:        []string{"rag", "qa"},
		},
		System:    factCheckSystemPrompt,
		Backend:   b,
		Retriever: r,
	}
}

func NewEcho() Model {
	return Model{
		Skill: domain.Skill{
			Capability:  CapabilityEcho,
			Name:        "Echo",
			Description: "Returns the latest user message",
		},
		Backend: backend.Echo{},
	}
}

func (m Model) Describe() domain.Skill { return m.Skill }

func (m Model) Execute(ctx context.Context, task domain.Task) ([]domain.Artifact, error) {
	if m.Backend == nil {
		return nil, fmt.Errorf("%s: no backend configured", m.Skill.Capability)
	}
	prompt := lastUserContent(task.Input)
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("malformed input: no user message")
	}
	var msgs []backend.Message
	if m.System != "" {
		msgs = append(msgs, backend.Message{Role: "system", Content: m.System})
	}
	if m.Retriever != nil {
		passages, err := m.Retriever.Retrieve(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("retrieve context: %w", err)
		}
		if len(passages) > 0 {
			msgs = append(msgs, backend.Message{Role: "system", Content: "Context:\n" + strings.Join(passages, "\n---\n")})
		}
	}
	for _, in := range task.Input {
		msgs = append(msgs, backend.Message{Role: chatRole(in.Role), Content: in.Content})
	}
	resp, err := m.Backend.Chat(ctx, backend.ChatRequest{Messages: msgs})
	if err != nil {
		return nil, err
	}
	return []domain.Artifact{{Name: "answer", Kind: domain.ArtifactKindText, Content: resp.Content}}, nil
}

func chatRole(role string) string {
	switch role {
	case domain.RoleWorker:
		return "assistant"
	case domain.RoleSystem:
		return "system"
	default:
		return "user"
	}
}

func lastUserContent(in []domain.Message) string {
	for i := len(in) - 1; i >= 0; i-- {
		if in[i].Role == domain.RoleUser || in[i].Role == "" {
			return in[i].Content
		}
	}
	return ""
}
