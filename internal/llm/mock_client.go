package llm

import (
	"context"
	"hash/fnv"
	"math"
)

// MockClient is a deterministic offline client used in tests and for
// development without credentials.
type MockClient struct {
	dimensions int

	// GenerateCalls counts workflow generation requests, so tests can
	// assert no call was made.
	GenerateCalls int
	EmbedCalls    int
}

// NewMockClient creates a mock client producing vectors of the given
// dimension.
func NewMockClient(dimensions int) *MockClient {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &MockClient{dimensions: dimensions}
}

func (m *MockClient) ModelName() string          { return "mock" }
func (m *MockClient) EmbeddingModelName() string { return "mock-embedding" }

// GenerateWorkflow returns a fixed plausible workflow.
func (m *MockClient) GenerateWorkflow(ctx context.Context, prompt string) (*Workflow, error) {
	m.GenerateCalls++
	return &Workflow{
		Name:        "Browse and collect",
		Description: "The user navigated a handful of pages and interacted with forms.",
		Steps: []WorkflowStep{
			{Action: "navigate", ExpectedOutcome: "page loads"},
			{Action: "click", Selector: "#submit", ExpectedOutcome: "form submits"},
		},
		RepeatabilityScore:  70,
		AutomationPotential: AutomationPartial,
		Tags:                []string{"browsing"},
		ErrorHandling:       "Selectors may drift between page versions.",
	}, nil
}

// StreamWorkflow emits one partial, then the same workflow as the final.
func (m *MockClient) StreamWorkflow(ctx context.Context, prompt string, onPartial func(*Workflow)) (*Workflow, error) {
	workflow, err := m.GenerateWorkflow(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if onPartial != nil {
		onPartial(&Workflow{Name: workflow.Name})
		onPartial(workflow)
	}
	return workflow, nil
}

// EmbedText returns a deterministic unit vector derived from the text, so
// identical texts are close and distinct texts differ.
func (m *MockClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	m.EmbedCalls++

	vec := make([]float32, m.dimensions)
	hash := fnv.New64a()
	hash.Write([]byte(text))
	seed := hash.Sum64()

	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		val := float32(int64(seed>>33)) / float32(math.MaxInt32)
		vec[i] = val
		norm += float64(val * val)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
