package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const httpCostPer1K = 0.005 // conservative placeholder; registry cost is authoritative for routing

// httpAdapter speaks an OpenAI-compatible chat-completions HTTP API,
// shared by the openai and xai provider kinds which both expose that
// shape. Retries transient failures with exponential backoff.
type httpAdapter struct {
	kind    Kind
	url     string
	apiKey  string
	modelID string
	client  *http.Client
}

func newHTTPAdapter(kind Kind, url, apiKey, modelID string) (Adapter, error) {
	return &httpAdapter{kind: kind, url: url, apiKey: apiKey, modelID: modelID, client: &http.Client{Timeout: 60 * time.Second}}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *httpAdapter) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       a.modelID,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return GenerateResponse{}, NewError(string(a.kind), err)
	}

	operation := func() (chatResponse, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
		if err != nil {
			return chatResponse{}, backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

		resp, err := a.client.Do(httpReq)
		if err != nil {
			return chatResponse{}, err // retryable: network error
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return chatResponse{}, err
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return chatResponse{}, fmt.Errorf("provider %s returned %d: %s", a.kind, resp.StatusCode, payload)
		}
		if resp.StatusCode != http.StatusOK {
			return chatResponse{}, backoff.Permanent(fmt.Errorf("provider %s returned %d: %s", a.kind, resp.StatusCode, payload))
		}

		var out chatResponse
		if err := json.Unmarshal(payload, &out); err != nil {
			return chatResponse{}, backoff.Permanent(err)
		}
		return out, nil
	}

	out, err := backoff.Retry(ctx, operation, backoff.WithMaxTries(3))
	if err != nil {
		return GenerateResponse{}, NewError(string(a.kind), err)
	}
	if len(out.Choices) == 0 {
		return GenerateResponse{}, NewError(string(a.kind), fmt.Errorf("empty choices in response"))
	}

	cost := float64(out.Usage.PromptTokens+out.Usage.CompletionTokens) / 1000 * httpCostPer1K
	return GenerateResponse{
		Content:      out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Cost:         cost,
		ModelID:      a.modelID,
		FinishReason: out.Choices[0].FinishReason,
	}, nil
}
