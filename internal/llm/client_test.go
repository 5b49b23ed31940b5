package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amlcodes/blurberry/internal/config"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(config.AIConfig{Provider: "openai"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewClientMockProvider(t *testing.T) {
	client, err := NewClient(config.AIConfig{Provider: "mock", Dimensions: 16})
	require.NoError(t, err)
	assert.Equal(t, "mock", client.ModelName())
}

func newTestOpenAIClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(config.AIConfig{
		Provider:   "openai",
		APIKey:     "test-key",
		Endpoint:   server.URL,
		Dimensions: 4,
	})
	require.NoError(t, err)
	return client
}

func TestGenerateWorkflow(t *testing.T) {
	workflowJSON := `{"name":"Checkout","description":"Buys an item","steps":[{"action":"click","selector":"#buy","expected_outcome":"cart opens"}],"repeatability_score":85,"automation_potential":"full","tags":["shopping"],"error_handling":"retry"}`

	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: workflowJSON}}},
		})
	})

	workflow, err := client.GenerateWorkflow(context.Background(), "analyze this")
	require.NoError(t, err)
	assert.Equal(t, "Checkout", workflow.Name)
	require.Len(t, workflow.Steps, 1)
	assert.Equal(t, "#buy", workflow.Steps[0].Selector)
	assert.Equal(t, 85, workflow.RepeatabilityScore)
	assert.Equal(t, AutomationFull, workflow.AutomationPotential)
}

func TestGenerateWorkflowStripsMarkdownFences(t *testing.T) {
	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		content := "```json\n{\"name\":\"Fenced\",\"steps\":[]}\n```"
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: content}}},
		})
	})

	workflow, err := client.GenerateWorkflow(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "Fenced", workflow.Name)
}

func TestGenerateWorkflowAPIError(t *testing.T) {
	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{Error: &apiError{Message: "rate limited"}})
	})

	_, err := client.GenerateWorkflow(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestStreamWorkflow(t *testing.T) {
	chunks := []string{
		`{"name":"Str`,
		`eamed","steps":[]}`,
	}

	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, content := range chunks {
			chunk := map[string]interface{}{
				"choices": []map[string]interface{}{
					{"delta": map[string]string{"content": content}},
				},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var partials []*Workflow
	workflow, err := client.StreamWorkflow(context.Background(), "x", func(p *Workflow) {
		partials = append(partials, p)
	})
	require.NoError(t, err)
	assert.Equal(t, "Streamed", workflow.Name)

	// only the accumulated text that parsed as JSON produced a partial
	require.Len(t, partials, 1)
	assert.Equal(t, "Streamed", partials[0].Name)
}

func TestEmbedText(t *testing.T) {
	client := newTestOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Input)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2, 0.3, 0.4}},
			},
		})
	})

	vec, err := client.EmbedText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, vec)
}

func TestMockEmbeddingDeterministic(t *testing.T) {
	mock := NewMockClient(32)

	a, err := mock.EmbedText(context.Background(), "same text")
	require.NoError(t, err)
	b, err := mock.EmbedText(context.Background(), "same text")
	require.NoError(t, err)
	c, err := mock.EmbedText(context.Background(), "different text")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
	assert.Equal(t, 3, mock.EmbedCalls)
}

func TestParseWorkflowJSONRejectsGarbage(t *testing.T) {
	_, err := parseWorkflowJSON("not json at all")
	assert.Error(t, err)
}
