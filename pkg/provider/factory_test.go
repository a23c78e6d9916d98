package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_CachesAdapterByKindAndModel(t *testing.T) {
	f := NewFactory(func(Kind) string { return "" })
	a1, err := f.Get(KindMock, "mock-1")
	require.NoError(t, err)
	a2, err := f.Get(KindMock, "mock-1")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestFactory_UnknownKind(t *testing.T) {
	f := NewFactory(func(Kind) string { return "" })
	_, err := f.Get(Kind("bogus"), "m")
	assert.Error(t, err)
}

func TestMockAdapter_Generate(t *testing.T) {
	a := newMockAdapter("mock-1")
	resp, err := a.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "hello")
}
