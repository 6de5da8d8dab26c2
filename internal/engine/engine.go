// Package engine defines the interfaces to the external OCR and
// vision-language engines and the concrete clients for them. The gateway
// treats both as opaque collaborators: admission decisions never depend on
// engine state, and engine latency is not bounded here.
package engine

import (
	"context"
	"errors"
)

// ErrEngineUnavailable is returned when an engine cannot be reached at all.
var ErrEngineUnavailable = errors.New("engine unavailable")

// ExtractOptions are the knobs forwarded to the OCR engine.
type ExtractOptions struct {
	Language string // Tesseract language code, e.g. "eng"
	PSM      int    // page segmentation mode, 0-13
	OEM      int    // OCR engine mode, 0-3
}

// TextResult is the plain-text outcome of an extraction.
type TextResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// Word is one recognized word with its bounding box.
type Word struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Left       int     `json:"left"`
	Top        int     `json:"top"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// DetailedResult carries word-level positions and confidences.
type DetailedResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Words      []Word  `json:"words"`
	WordCount  int     `json:"word_count"`
	LineCount  int     `json:"line_count"`
}

// OCR is the contract of the text-extraction engine.
type OCR interface {
	Extract(ctx context.Context, image []byte, opts ExtractOptions) (*TextResult, error)
	ExtractDetailed(ctx context.Context, image []byte, opts ExtractOptions) (*DetailedResult, error)
	ExtractHOCR(ctx context.Context, image []byte, opts ExtractOptions) (string, error)
	Languages(ctx context.Context) ([]string, error)
	Version(ctx context.Context) (string, error)
}

// TokenUsage mirrors the usage block of an OpenAI-compatible completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UnderstandOptions tune a vision-language request.
type UnderstandOptions struct {
	Temperature float64
	MaxTokens   int
}

// UnderstandResult is the outcome of a vision-language request.
type UnderstandResult struct {
	Result string     `json:"result"`
	Model  string     `json:"model"`
	Usage  TokenUsage `json:"tokens_used"`
}

// Status describes the reachability of a VLM server.
type Status struct {
	Status string `json:"status"` // healthy, unhealthy, or offline
	Server string `json:"server,omitempty"`
	Error  string `json:"error,omitempty"`
}

// VLM is the contract of the vision-language engine.
type VLM interface {
	Understand(ctx context.Context, image []byte, prompt string, opts UnderstandOptions) (*UnderstandResult, error)
	Status(ctx context.Context) Status
}
