package providers

import (
	"context"
	"fmt"
	"strings"
)

// ChatSynthesizer synthesizes enhancements with the registry's chat providers
type ChatSynthesizer struct {
	registry     *Registry
	defaultModel string
}

// NewChatSynthesizer creates a synthesizer. defaultModel applies when the tenant has no preference.
func NewChatSynthesizer(registry *Registry, defaultModel string) *ChatSynthesizer {
	return &ChatSynthesizer{
		registry:     registry,
		defaultModel: defaultModel,
	}
}

// Synthesize runs one completion and prices it. Errors keep the provider's classification.
func (s *ChatSynthesizer) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	provider, err := s.registry.GetProviderForModel(model)
	if err != nil {
		return nil, fmt.Errorf("no provider for model %s: %w", model, err)
	}

	resp, err := provider.ChatCompletion(ctx, &ChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		User:        req.TenantID.String(),
		Metadata: map[string]string{
			"tenant_id": req.TenantID.String(),
			"job_id":    req.JobID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, NewProviderError(provider.Name(), "EMPTY_COMPLETION", "empty completion", 0, true, ErrEmptyCompletion)
	}

	usedModel := resp.Model
	if usedModel == "" {
		usedModel = model
	}
	return &SynthesisResult{
		Text:     strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:    usedModel,
		Provider: provider.Name(),
		Usage:    resp.Usage,
		Cost:     provider.Cost(usedModel, resp.Usage),
		Latency:  resp.Latency,
	}, nil
}
