package provider

import (
	"fmt"
	"sync"
)

// Factory constructs and caches adapter instances, keyed by provider kind
// plus model ID, so repeated lookups for the same model reuse one client.
type Factory struct {
	mu       sync.Mutex
	cache    map[string]Adapter
	apiKeyOf func(kind Kind) string
}

// NewFactory builds a Factory. apiKeyOf resolves the API key for a kind
// (e.g. from the environment); it may be nil for the mock kind only.
func NewFactory(apiKeyOf func(kind Kind) string) *Factory {
	return &Factory{cache: make(map[string]Adapter), apiKeyOf: apiKeyOf}
}

// Get returns the cached adapter for (kind, modelID), constructing one on
// first use.
func (f *Factory) Get(kind Kind, modelID string) (Adapter, error) {
	key := string(kind) + ":" + modelID

	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.cache[key]; ok {
		return a, nil
	}

	var a Adapter
	var err error
	switch kind {
	case KindAnthropic:
		a, err = newAnthropicAdapter(f.apiKeyOf(kind), modelID)
	case KindOpenAI:
		a, err = newHTTPAdapter(kind, "https://api.openai.com/v1/chat/completions", f.apiKeyOf(kind), modelID)
	case KindXAI:
		a, err = newHTTPAdapter(kind, "https://api.x.ai/v1/chat/completions", f.apiKeyOf(kind), modelID)
	case KindMock:
		a = newMockAdapter(modelID)
	default:
		return nil, fmt.Errorf("provider: unknown kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	f.cache[key] = a
	return a, nil
}
