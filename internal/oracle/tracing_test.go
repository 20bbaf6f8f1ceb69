package oracle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitForTrace(t *testing.T, sink *mockSink) *Trace {
	t.Helper()
	select {
	case trace := <-sink.traces:
		return trace
	case <-time.After(2 * time.Second):
		t.Fatalf("no trace recorded within 2s")
		return nil
	}
}

func TestWithTracing_RecordsSuccess(t *testing.T) {
	mock := &mockOracle{
		completeFunc: func(ctx context.Context, req Request) (*Response, error) {
			return &Response{
				Text:  "a patch",
				Model: "gpt-4o-2024-11-20",
				Usage: Usage{PromptTokens: 120, CompletionTokens: 30},
			}, nil
		},
	}
	sink := newMockSink()

	o := WithTracing(mock, sink, "attempt-7")
	resp, err := o.Complete(context.Background(), Request{
		Purpose:     "propose_patch",
		System:      "sys",
		Prompt:      "fix the bug",
		Temperature: 0.8,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "a patch" {
		t.Fatalf("Complete() text = %q, want the inner response", resp.Text)
	}

	trace := waitForTrace(t, sink)
	if trace.ID == "" {
		t.Errorf("trace.ID empty, want uuid")
	}
	if trace.AttemptID != "attempt-7" {
		t.Errorf("trace.AttemptID = %q, want attempt-7", trace.AttemptID)
	}
	if trace.Purpose != "propose_patch" {
		t.Errorf("trace.Purpose = %q, want propose_patch", trace.Purpose)
	}
	if trace.Model != "gpt-4o-2024-11-20" {
		t.Errorf("trace.Model = %q, want the response model", trace.Model)
	}
	if trace.PromptChars != len("sys")+len("fix the bug") {
		t.Errorf("trace.PromptChars = %d, want system+prompt length", trace.PromptChars)
	}
	if trace.ResponseChars != len("a patch") {
		t.Errorf("trace.ResponseChars = %d, want %d", trace.ResponseChars, len("a patch"))
	}
	if trace.PromptTokens != 120 || trace.CompletionTokens != 30 {
		t.Errorf("trace tokens = %d/%d, want 120/30", trace.PromptTokens, trace.CompletionTokens)
	}
	if !trace.Success {
		t.Errorf("trace.Success = false, want true")
	}
	if trace.CreatedAt.IsZero() {
		t.Errorf("trace.CreatedAt is zero")
	}
}

func TestWithTracing_RecordsFailure(t *testing.T) {
	innerErr := errors.New("provider down")
	mock := &mockOracle{
		completeFunc: func(ctx context.Context, req Request) (*Response, error) {
			return nil, innerErr
		},
	}
	sink := newMockSink()

	o := WithTracing(mock, sink, "attempt-7")
	_, err := o.Complete(context.Background(), Request{Purpose: "judge", Model: "o4-mini"})
	if !errors.Is(err, innerErr) {
		t.Fatalf("Complete() error = %v, want the inner error", err)
	}

	trace := waitForTrace(t, sink)
	if trace.Success {
		t.Errorf("trace.Success = true, want false")
	}
	if trace.Error == "" {
		t.Errorf("trace.Error empty, want message")
	}
	if trace.Model != "o4-mini" {
		t.Errorf("trace.Model = %q, want the request model on failure", trace.Model)
	}
}

func TestWithTracing_NilSink(t *testing.T) {
	mock := &mockOracle{
		completeFunc: func(ctx context.Context, req Request) (*Response, error) {
			return &Response{Text: "ok"}, nil
		},
	}

	o := WithTracing(mock, nil, "attempt-7")
	resp, err := o.Complete(context.Background(), Request{})
	if err != nil || resp.Text != "ok" {
		t.Fatalf("Complete() = (%v, %v), want ok response", resp, err)
	}
}
