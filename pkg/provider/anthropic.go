package provider

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicCostPer1KInput/Output are placeholder blended rates from which
// the adapter computes every response's Cost; routing uses the registry's
// configured cost_per_1k_tokens instead.
const (
	anthropicCostPer1KInput  = 0.003
	anthropicCostPer1KOutput = 0.015
)

type anthropicAdapter struct {
	client  anthropic.Client
	modelID string
}

func newAnthropicAdapter(apiKey, modelID string) (Adapter, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &anthropicAdapter{client: client, modelID: modelID}, nil
}

func (a *anthropicAdapter) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.modelID),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return GenerateResponse{}, NewError(string(KindAnthropic), err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	cost := float64(msg.Usage.InputTokens)/1000*anthropicCostPer1KInput + float64(msg.Usage.OutputTokens)/1000*anthropicCostPer1KOutput

	return GenerateResponse{
		Content:      content,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Cost:         cost,
		ModelID:      a.modelID,
		FinishReason: string(msg.StopReason),
	}, nil
}
