package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const statusProbeTimeout = 5 * time.Second

// VLMClient speaks the OpenAI-compatible chat-completions API of a local
// llama.cpp server hosting a vision-language model.
type VLMClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewVLMClient creates a client for the VLM server at baseURL. timeout
// bounds a single inference request; CPU inference can take minutes.
func NewVLMClient(baseURL, model string, timeout time.Duration) *VLMClient {
	return &VLMClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type vlmContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type vlmMessage struct {
	Role    string           `json:"role"`
	Content []vlmContentPart `json:"content"`
}

type vlmRequest struct {
	Model       string       `json:"model"`
	Messages    []vlmMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens"`
	Stream      bool         `json:"stream"`
}

type vlmResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

// Understand sends the image and prompt to the model and returns the answer
// with the model's thinking block stripped.
func (c *VLMClient) Understand(ctx context.Context, image []byte, prompt string, opts UnderstandOptions) (*UnderstandResult, error) {
	if opts.Temperature == 0 {
		opts.Temperature = 0.7
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)
	req := vlmRequest{
		Model: c.model,
		Messages: []vlmMessage{{
			Role: "user",
			Content: []vlmContentPart{
				{Type: "image_url", ImageURL: &struct {
					URL string `json:"url"`
				}{URL: dataURL}},
				{Type: "text", Text: prompt},
			},
		}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode vlm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build vlm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("vlm server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed vlmResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode vlm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("vlm response contained no choices")
	}

	model := parsed.Model
	if model == "" {
		model = c.model
	}
	return &UnderstandResult{
		Result: stripThinking(parsed.Choices[0].Message.Content),
		Model:  model,
		Usage:  parsed.Usage,
	}, nil
}

// Status probes the server's health endpoint with a short deadline so the
// check stays cheap even when inference requests are slow.
func (c *VLMClient) Status(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return Status{Status: "offline", Error: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{Status: "offline", Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Status{Status: "unhealthy", Error: fmt.Sprintf("status code: %d", resp.StatusCode)}
	}
	return Status{Status: "healthy", Server: c.baseURL}
}

// stripThinking removes a thinking model's <think>...</think> preamble.
// The usable answer comes after the closing tag; an unterminated tag means
// generation was cut off, so the partial thinking is all there is.
func stripThinking(content string) string {
	if idx := strings.LastIndex(content, "</think>"); idx >= 0 {
		after := strings.TrimSpace(content[idx+len("</think>"):])
		if after != "" {
			return after
		}
		content = strings.ReplaceAll(content, "<think>", "")
		content = strings.ReplaceAll(content, "</think>", "")
		return strings.TrimSpace(content)
	}
	if strings.Contains(content, "<think>") {
		return strings.TrimSpace(strings.ReplaceAll(content, "<think>", ""))
	}
	return strings.TrimSpace(content)
}
