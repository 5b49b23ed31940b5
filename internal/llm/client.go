package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/amlcodes/blurberry/internal/config"
)

// ErrNotConfigured indicates the generation capability has no credentials.
// Absence of credentials is a normal, detectable configuration state.
var ErrNotConfigured = errors.New("AI provider is not configured")

// Provider represents the supported LLM providers
type Provider string

const (
	OpenAI Provider = "openai"
	Mock   Provider = "mock"
)

// Client is the generation capability consumed by the engine: structured
// workflow generation (optionally streamed) and text embedding.
type Client interface {
	GenerateWorkflow(ctx context.Context, prompt string) (*Workflow, error)
	// StreamWorkflow surfaces partially-filled workflows as they arrive
	// via onPartial, then returns the complete result. It is one logical
	// request observed through growing partials, not repeated calls.
	StreamWorkflow(ctx context.Context, prompt string, onPartial func(*Workflow)) (*Workflow, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	ModelName() string
	EmbeddingModelName() string
}

// Workflow is the schema-constrained analysis object produced by the
// provider.
type Workflow struct {
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	Steps               []WorkflowStep `json:"steps"`
	RepeatabilityScore  int            `json:"repeatability_score"`  // 0-100
	AutomationPotential string         `json:"automation_potential"` // none, assisted, partial, full
	Tags                []string       `json:"tags"`
	ErrorHandling       string         `json:"error_handling"`
}

// WorkflowStep is one ordered step of a workflow.
type WorkflowStep struct {
	Action          string `json:"action"`
	Selector        string `json:"selector,omitempty"`
	Value           string `json:"value,omitempty"`
	ExpectedOutcome string `json:"expected_outcome"`
}

// AutomationPotential values the provider may return.
const (
	AutomationNone     = "none"
	AutomationAssisted = "assisted"
	AutomationPartial  = "partial"
	AutomationFull     = "full"
)

// NewClient creates a client for the configured provider. A missing API
// key for a real provider yields ErrNotConfigured rather than a crash.
func NewClient(cfg config.AIConfig) (Client, error) {
	switch Provider(cfg.Provider) {
	case OpenAI, "":
		if cfg.APIKey == "" {
			return nil, ErrNotConfigured
		}
		return newOpenAIClient(cfg)
	case Mock:
		return NewMockClient(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// workflowSystemPrompt constrains the model to the workflow schema.
const workflowSystemPrompt = `You are an expert at analyzing browsing activity and extracting repeatable workflows.

Given a log of page visits and user interactions, produce a single JSON object describing what the user did, with this exact shape:

{
  "name": "Short workflow name",
  "description": "One-paragraph description of what the user accomplished",
  "steps": [
    {
      "action": "what the user did (navigate, click, type, select, copy...)",
      "selector": "CSS selector if known, else omit",
      "value": "entered value if any, else omit",
      "expected_outcome": "what happens when the step succeeds"
    }
  ],
  "repeatability_score": 0,
  "automation_potential": "none|assisted|partial|full",
  "tags": ["short", "topic", "tags"],
  "error_handling": "notes on what could go wrong when repeating this workflow"
}

Rules:
- steps must be in the order the user performed them
- repeatability_score is 0-100: how likely the same sequence achieves the same result again
- automation_potential reflects how much of the workflow a script could do unattended
- return ONLY the JSON object, no markdown fences, no commentary`
