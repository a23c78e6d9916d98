// Package provider defines the adapter contract every concrete model
// provider implements, and the factory that constructs adapters by
// provider kind.
package provider

import "context"

// Kind identifies a provider family.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindXAI       Kind = "xai"
	KindMock      Kind = "mock"
)

// GenerateRequest is the normalized request every adapter accepts.
type GenerateRequest struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// GenerateResponse is the normalized response every adapter returns.
type GenerateResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Cost         float64
	ModelID      string
	FinishReason string
}

// Adapter is the single-method contract a concrete provider implements.
// On any failure it returns an *Error.
type Adapter interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}
