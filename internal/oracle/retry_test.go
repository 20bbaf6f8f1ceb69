package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
}

func TestTransportError_Retryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{0, true},
		{429, true},
		{500, true},
		{503, true},
		{529, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tc := range cases {
		te := &TransportError{Status: tc.status, Err: errors.New("boom")}
		if got := te.Retryable(); got != tc.want {
			t.Errorf("Retryable(status=%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestIsRetryable_WrappedTransportError(t *testing.T) {
	err := &TransportError{Status: 429, Err: errors.New("rate limited")}
	wrapped := errors.Join(errors.New("outer"), err)
	if !IsRetryable(wrapped) {
		t.Fatalf("IsRetryable(wrapped 429) = false, want true")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("IsRetryable(plain error) = true, want false")
	}
}

func TestWithRetry_RecoversAfterRateLimit(t *testing.T) {
	mock := &mockOracle{}
	mock.completeFunc = func(ctx context.Context, req Request) (*Response, error) {
		if mock.calls < 3 {
			return nil, &TransportError{Status: 429, Err: errors.New("rate limited")}
		}
		return &Response{Text: "ok"}, nil
	}

	o := WithRetry(mock, fastRetryConfig())
	resp, err := o.Complete(context.Background(), Request{Purpose: "test"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("Complete() text = %q, want ok", resp.Text)
	}
	if mock.calls != 3 {
		t.Fatalf("calls = %d, want 3", mock.calls)
	}
}

func TestWithRetry_FailsFastOnClientError(t *testing.T) {
	mock := &mockOracle{
		completeFunc: func(ctx context.Context, req Request) (*Response, error) {
			return nil, &TransportError{Status: 400, Err: errors.New("bad request")}
		},
	}

	o := WithRetry(mock, fastRetryConfig())
	_, err := o.Complete(context.Background(), Request{})
	if err == nil {
		t.Fatalf("Complete() error = nil, want client error")
	}
	if mock.calls != 1 {
		t.Fatalf("calls = %d, want 1", mock.calls)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Status != 400 {
		t.Fatalf("error = %v, want TransportError with status 400", err)
	}
}

func TestWithRetry_ExhaustsRetries(t *testing.T) {
	mock := &mockOracle{
		completeFunc: func(ctx context.Context, req Request) (*Response, error) {
			return nil, &TransportError{Status: 503, Err: errors.New("unavailable")}
		},
	}

	o := WithRetry(mock, fastRetryConfig())
	_, err := o.Complete(context.Background(), Request{})
	if err == nil {
		t.Fatalf("Complete() error = nil, want exhaustion error")
	}
	if !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("error = %v, want retries exhausted", err)
	}
	if mock.calls != 4 {
		t.Fatalf("calls = %d, want 4 (initial + 3 retries)", mock.calls)
	}
}

func TestWithRetry_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := &mockOracle{
		completeFunc: func(ctx context.Context, req Request) (*Response, error) {
			return nil, &TransportError{Status: 500, Err: errors.New("flaky")}
		},
	}

	o := WithRetry(mock, fastRetryConfig())
	_, err := o.Complete(ctx, Request{})
	if err == nil {
		t.Fatalf("Complete() error = nil, want error")
	}
	if mock.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retries after cancellation)", mock.calls)
	}
}
