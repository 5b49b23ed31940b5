package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amlcodes/blurberry/internal/config"
	"github.com/amlcodes/blurberry/internal/logging"
)

// chatRequest is the request body for the chat completions endpoint.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// chatStreamChunk is one SSE event of a streamed completion.
type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// openAIClient talks to the OpenAI API or any compatible server.
type openAIClient struct {
	apiKey         string
	model          string
	embeddingModel string
	baseURL        string
	httpClient     *http.Client
}

func newOpenAIClient(cfg config.AIConfig) (Client, error) {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}

	return &openAIClient{
		apiKey:         cfg.APIKey,
		model:          model,
		embeddingModel: embeddingModel,
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
	}, nil
}

func (c *openAIClient) ModelName() string          { return c.model }
func (c *openAIClient) EmbeddingModelName() string { return c.embeddingModel }

func (c *openAIClient) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

// GenerateWorkflow requests a schema-constrained workflow object.
func (c *openAIClient) GenerateWorkflow(ctx context.Context, prompt string) (*Workflow, error) {
	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: workflowSystemPrompt},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	resp, err := c.post(ctx, "/chat/completions", request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, fmt.Errorf("OpenAI API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI - empty choices array")
	}

	content := chatResp.Choices[0].Message.Content
	workflow, err := parseWorkflowJSON(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow response: %w", err)
	}
	return workflow, nil
}

// StreamWorkflow streams the completion, surfacing a partial workflow
// each time the accumulated content parses as valid JSON.
func (c *openAIClient) StreamWorkflow(ctx context.Context, prompt string, onPartial func(*Workflow)) (*Workflow, error) {
	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: workflowSystemPrompt},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
		Stream:         true,
	}

	resp, err := c.post(ctx, "/chat/completions", request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("OpenAI API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var accumulated strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			logging.Debug("skipping unparseable stream chunk: %v", err)
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}

		accumulated.WriteString(chunk.Choices[0].Delta.Content)

		// Surface a partial whenever the text so far closes into valid
		// JSON. Incomplete prefixes simply fail to parse and are skipped.
		if onPartial != nil {
			if partial, err := parseWorkflowJSON(accumulated.String()); err == nil {
				onPartial(partial)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	workflow, err := parseWorkflowJSON(accumulated.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse streamed workflow: %w", err)
	}
	return workflow, nil
}

// EmbedText returns the embedding vector for the given text.
func (c *openAIClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	request := embeddingRequest{
		Model: c.embeddingModel,
		Input: text,
	}

	resp, err := c.post(ctx, "/embeddings", request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if embResp.Error != nil {
		return nil, fmt.Errorf("OpenAI API error: %s", embResp.Error.Message)
	}
	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embResp.Data[0].Embedding, nil
}

// parseWorkflowJSON parses a workflow object, tolerating markdown fences
// some models wrap around JSON despite instructions.
func parseWorkflowJSON(content string) (*Workflow, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var workflow Workflow
	if err := json.Unmarshal([]byte(content), &workflow); err != nil {
		return nil, err
	}
	return &workflow, nil
}
