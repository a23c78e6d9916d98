package provider

import (
	"context"
	"fmt"
)

// mockAdapter backs tests and the CLI's replay path; it never performs
// network I/O and produces a deterministic response from the prompt.
type mockAdapter struct {
	modelID string
}

func newMockAdapter(modelID string) Adapter {
	return &mockAdapter{modelID: modelID}
}

func (a *mockAdapter) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	select {
	case <-ctx.Done():
		return GenerateResponse{}, NewCancelledError(string(KindMock), ctx.Err())
	default:
	}

	content := fmt.Sprintf("mock response for: %s", req.Prompt)
	return GenerateResponse{
		Content:      content,
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(content) / 4,
		Cost:         0,
		ModelID:      a.modelID,
		FinishReason: "stop",
	}, nil
}
