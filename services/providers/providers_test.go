package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
	name string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*ChatResponse)
	return resp, args.Error(1)
}

func (m *mockProvider) Cost(model string, usage Usage) float64 {
	return float64(usage.Total()) / 1000 * 0.01
}

func TestRegistry_GetProviderForModel(t *testing.T) {
	openai := &mockProvider{name: "openai"}
	anthropic := &mockProvider{name: "anthropic"}

	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(openai))
	require.NoError(t, r.RegisterProvider(anthropic))
	assert.ErrorIs(t, r.RegisterProvider(&mockProvider{name: "openai"}), ErrProviderAlreadyRegistered)

	require.NoError(t, r.RegisterModelPrefix("claude-", "anthropic"))
	require.NoError(t, r.RegisterModelPrefix("claude-3-haiku", "openai"))
	require.NoError(t, r.RegisterModelMapping("special", "anthropic"))
	assert.ErrorIs(t, r.RegisterModelPrefix("x-", "missing"), ErrProviderNotFound)

	tests := []struct {
		model string
		want  string
	}{
		{"claude-3-opus", "anthropic"},
		{"claude-3-haiku-2024", "openai"}, // longest prefix wins
		{"special", "anthropic"},
		{"gpt-4o", "openai"}, // first registered is the default
	}
	for _, tt := range tests {
		p, err := r.GetProviderForModel(tt.model)
		require.NoError(t, err, tt.model)
		assert.Equal(t, tt.want, p.Name(), tt.model)
	}

	require.NoError(t, r.SetDefault("anthropic"))
	p, err := r.GetProviderForModel("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, []string{"anthropic", "openai"}, r.ListProviders())
}

func TestRegistry_Empty(t *testing.T) {
	_, err := NewRegistry().GetProviderForModel("gpt-4o")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestChatSynthesizer_Synthesize(t *testing.T) {
	provider := &mockProvider{name: "openai"}
	registry := NewRegistry()
	require.NoError(t, registry.RegisterProvider(provider))

	tenantID, jobID := uuid.New(), uuid.New()
	provider.On("ChatCompletion", mock.Anything, mock.MatchedBy(func(req *ChatRequest) bool {
		return req.Model == "gpt-4o-mini" && req.Metadata["job_id"] == jobID.String() && req.User == tenantID.String()
	})).Return(&ChatResponse{
		Model:   "gpt-4o-mini",
		Choices: []Choice{{Message: Message{Role: RoleAssistant, Content: "  Likely a DHCP lease issue.\n"}}},
		Usage:   Usage{PromptTokens: 800, CompletionTokens: 200},
	}, nil)

	s := NewChatSynthesizer(registry, "gpt-4o-mini")
	res, err := s.Synthesize(context.Background(), &SynthesisRequest{
		TenantID: tenantID,
		JobID:    jobID,
		Messages: []Message{{Role: RoleUser, Content: "VPN drops"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Likely a DHCP lease issue.", res.Text)
	assert.Equal(t, "openai", res.Provider)
	assert.InDelta(t, 0.01, res.Cost, 1e-9)
	provider.AssertExpectations(t)
}

func TestChatSynthesizer_EmptyCompletionIsRetryable(t *testing.T) {
	provider := &mockProvider{name: "openai"}
	registry := NewRegistry()
	require.NoError(t, registry.RegisterProvider(provider))
	provider.On("ChatCompletion", mock.Anything, mock.Anything).Return(&ChatResponse{Choices: []Choice{}}, nil)

	_, err := NewChatSynthesizer(registry, "gpt-4o").Synthesize(context.Background(), &SynthesisRequest{})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
	assert.True(t, IsRetryable(err))
}

func TestChatSynthesizer_PropagatesProviderError(t *testing.T) {
	provider := &mockProvider{name: "openai"}
	registry := NewRegistry()
	require.NoError(t, registry.RegisterProvider(provider))
	boom := NewProviderError("openai", "HTTP_ERROR", "HTTP request failed", 0, true, errors.New("reset by peer"))
	provider.On("ChatCompletion", mock.Anything, mock.Anything).Return(nil, boom)

	_, err := NewChatSynthesizer(registry, "gpt-4o").Synthesize(context.Background(), &SynthesisRequest{})
	assert.Same(t, boom, err)
}
