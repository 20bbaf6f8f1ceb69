package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func openAITestServer(t *testing.T, capture *map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-2024-11-20",
			"choices": [
				{"index": 0, "message": {"role": "assistant", "content": "the fix"}, "finish_reason": "stop"}
			],
			"usage": {"prompt_tokens": 21, "completion_tokens": 4, "total_tokens": 25}
		}`))
	}))
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var body map[string]interface{}
	srv := openAITestServer(t, &body)
	defer srv.Close()

	opts := DefaultOpenAIOptions("test-key")
	opts.BaseURL = srv.URL + "/v1"
	p := NewOpenAIProvider(opts)

	resp, err := p.Complete(context.Background(), Request{
		System:      "sys",
		Prompt:      "fix it",
		Temperature: 0.8,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "the fix" {
		t.Fatalf("Complete() text = %q, want the fix", resp.Text)
	}
	if resp.Model != "gpt-4o-2024-11-20" {
		t.Fatalf("Complete() model = %q", resp.Model)
	}
	if resp.Usage.PromptTokens != 21 || resp.Usage.CompletionTokens != 4 {
		t.Fatalf("usage = %+v, want 21/4", resp.Usage)
	}

	msgs, ok := body["messages"].([]interface{})
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %v, want system+user", body["messages"])
	}
	first := msgs[0].(map[string]interface{})
	if first["role"] != "system" || first["content"] != "sys" {
		t.Errorf("messages[0] = %v, want system message", first)
	}
	if temp := body["temperature"].(float64); temp != 0.8 {
		t.Errorf("temperature = %v, want 0.8", temp)
	}
	if mct := body["max_completion_tokens"].(float64); mct != 4096 {
		t.Errorf("max_completion_tokens = %v, want 4096", mct)
	}
}

func TestOpenAIProvider_ZeroTemperatureStaysOnWire(t *testing.T) {
	var body map[string]interface{}
	srv := openAITestServer(t, &body)
	defer srv.Close()

	opts := DefaultOpenAIOptions("test-key")
	opts.BaseURL = srv.URL + "/v1"
	p := NewOpenAIProvider(opts)

	if _, err := p.Complete(context.Background(), Request{Prompt: "x", Temperature: 0}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	temp, ok := body["temperature"].(float64)
	if !ok {
		t.Fatalf("temperature missing from request body, want explicit near-zero")
	}
	if temp < 0 || temp > 1e-30 {
		t.Fatalf("temperature = %v, want subnormal standing in for 0", temp)
	}
}

func TestOpenAIProvider_RateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited", "type": "requests", "code": "rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	opts := DefaultOpenAIOptions("test-key")
	opts.BaseURL = srv.URL + "/v1"
	p := NewOpenAIProvider(opts)

	_, err := p.Complete(context.Background(), Request{Prompt: "x"})
	if err == nil {
		t.Fatalf("Complete() error = nil, want rate limit error")
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	if te.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", te.Status)
	}
	if !IsRetryable(err) {
		t.Fatalf("IsRetryable = false, want true")
	}
}
