package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/upb/ticket-enhancer/services/providers"
	"github.com/upb/ticket-enhancer/services/retry"
)

func TestNewOpenAIAdapter(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "test-key"})

	if adapter.Name() != "openai" {
		t.Errorf("Name() = %s, want openai", adapter.Name())
	}
	if adapter.config.BaseURL != defaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", adapter.config.BaseURL, defaultBaseURL)
	}
	if adapter.httpClient.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", adapter.httpClient.Timeout)
	}

	compat := NewCompatibleAdapter("litellm", providers.ProviderConfig{BaseURL: "http://gateway:4000/v1/"})
	if compat.config.BaseURL != "http://gateway:4000/v1" {
		t.Errorf("BaseURL = %s, want trailing slash trimmed", compat.config.BaseURL)
	}
}

func TestOpenAIAdapter_ChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		body, _ := io.ReadAll(r.Body)
		var req OpenAIChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Model != "gpt-4o-mini" || len(req.Messages) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.MaxTokens == nil || *req.MaxTokens != 400 {
			t.Errorf("max_tokens not forwarded")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Restart the VPN client."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1000, "completion_tokens": 500, "total_tokens": 1500}
		}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "test-key", BaseURL: server.URL})
	resp, err := adapter.ChatCompletion(context.Background(), &providers.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "You are a service desk analyst."},
			{Role: providers.RoleUser, Content: "VPN drops"},
		},
		MaxTokens: 400,
	})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}

	if resp.Choices[0].Message.Content != "Restart the VPN client." {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 1500 {
		t.Errorf("TotalTokens = %d, want 1500", resp.Usage.TotalTokens)
	}
	if resp.Provider != "openai" {
		t.Errorf("Provider = %s", resp.Provider)
	}
}

func TestOpenAIAdapter_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantPermanent bool
	}{
		{"bad request is permanent", http.StatusBadRequest, `{"error":{"message":"bad model","type":"invalid_request_error"}}`, true},
		{"unauthorized is permanent", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"auth"}}`, true},
		{"rate limit is retryable", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, false},
		{"server error is retryable", http.StatusBadGateway, `upstream gone`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter := NewOpenAIAdapter(providers.ProviderConfig{BaseURL: server.URL})
			_, err := adapter.ChatCompletion(context.Background(), &providers.ChatRequest{Model: "gpt-4o"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := retry.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v (err: %v)", got, tt.wantPermanent, err)
			}
			if got := providers.IsRetryable(err); got == tt.wantPermanent {
				t.Errorf("IsRetryable() = %v, want %v", got, !tt.wantPermanent)
			}

			var provErr *providers.ProviderError
			if !errors.As(err, &provErr) || provErr.StatusCode != tt.status {
				t.Errorf("expected ProviderError with status %d, got %v", tt.status, err)
			}
		})
	}
}

func TestOpenAIAdapter_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	adapter := NewOpenAIAdapter(providers.ProviderConfig{BaseURL: server.URL})
	_, err := adapter.ChatCompletion(ctx, &providers.ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestOpenAIAdapter_Cost(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.ProviderConfig{CostPer1K: 0.002})

	known := adapter.Cost("gpt-4o", providers.Usage{PromptTokens: 1000, CompletionTokens: 1000})
	if math.Abs(known-0.02) > 1e-9 {
		t.Errorf("Cost(gpt-4o) = %v, want 0.02", known)
	}

	flat := adapter.Cost("llama-3-70b", providers.Usage{PromptTokens: 1500, CompletionTokens: 500})
	if math.Abs(flat-0.004) > 1e-9 {
		t.Errorf("Cost(unknown) = %v, want 0.004", flat)
	}
}
