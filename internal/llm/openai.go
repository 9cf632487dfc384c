package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider is the OpenAI-compatible HTTP transport: raw
// net/http against {baseURL}/chat/completions and {baseURL}/embeddings,
// Bearer auth, non-2xx treated as a diagnostic error carrying the body.
type OpenAIProvider struct {
	name       string
	baseURL    string
	apiKey     string
	models     map[string]Capability
	httpClient *http.Client
}

// NewOpenAIProvider builds a provider over baseURL, registering the
// given model capabilities for lookup by Capabilities/Chat.
func NewOpenAIProvider(name, baseURL, apiKey string, models []Capability) *OpenAIProvider {
	m := make(map[string]Capability, len(models))
	for _, c := range models {
		m[c.ID] = c
	}
	return &OpenAIProvider{
		name:       name,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		models:     m,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Capabilities(modelID string) (Capability, bool) {
	c, ok := p.models[modelID]
	return c, ok
}

type chatRequestMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *chatImageField `json:"image_url,omitempty"`
}

type chatImageField struct {
	URL string `json:"url"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, tools []ToolSpec, modelID string, gen GenConfig) (*ChatResponse, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("provider %q: missing base url", p.name)
	}

	body := map[string]any{
		"model":    modelID,
		"messages": encodeMessages(messages),
	}
	if gen.MaxTokens > 0 {
		body["max_tokens"] = gen.MaxTokens
	}
	if gen.Temperature > 0 {
		body["temperature"] = gen.Temperature
	}
	if gen.TopP > 0 {
		body["top_p"] = gen.TopP
	}
	if gen.TopK > 0 {
		body["top_k"] = gen.TopK
	}
	if gen.FrequencyPenalty != 0 {
		body["frequency_penalty"] = gen.FrequencyPenalty
	}
	if len(tools) > 0 {
		body["tools"] = encodeTools(tools)
		body["tool_choice"] = "auto"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send chat request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider %q http %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("provider %q: empty choices", p.name)
	}

	choice := decoded.Choices[0]
	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	level := LevelMedium
	if c, ok := p.models[modelID]; ok {
		level = c.Level
	}

	return &ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		HasToolCalls: len(toolCalls) > 0,
		UsedProvider: p.name,
		UsedModel:    modelID,
		UsedLevel:    level,
		Usage: &Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		},
	}, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, modelID string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed: no input texts")
	}
	if p.baseURL == "" {
		return nil, fmt.Errorf("provider %q: missing base url", p.name)
	}

	payload, err := json.Marshal(embeddingRequest{Model: modelID, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send embedding request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider %q embedding http %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(decoded.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response count mismatch: got %d want %d", len(decoded.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("missing embedding at index %d", i)
		}
	}
	return vectors, nil
}

func encodeMessages(messages []Message) []chatRequestMessage {
	out := make([]chatRequestMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.Parts) == 0 {
			out = append(out, chatRequestMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]chatContentPart, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch part.Type {
			case "image":
				parts = append(parts, chatContentPart{Type: "image_url", ImageURL: &chatImageField{URL: part.ImageURL}})
			default:
				parts = append(parts, chatContentPart{Type: "text", Text: part.Text})
			}
		}
		out = append(out, chatRequestMessage{Role: m.Role, Content: parts})
	}
	return out
}

func encodeTools(tools []ToolSpec) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.InputSchema,
			},
		})
	}
	return out
}
