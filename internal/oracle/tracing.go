package oracle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mendloop/internal/logging"
)

// Trace captures one completed oracle call for the ledger.
type Trace struct {
	ID               string    `json:"id"`
	AttemptID        string    `json:"attempt_id"`
	Purpose          string    `json:"purpose"`
	Model            string    `json:"model"`
	Temperature      float64   `json:"temperature"`
	PromptChars      int       `json:"prompt_chars"`
	ResponseChars    int       `json:"response_chars"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	DurationMs       int64     `json:"duration_ms"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// TraceSink stores completed traces. The ledger in internal/store is the
// production sink.
type TraceSink interface {
	RecordTrace(trace *Trace) error
}

type tracingOracle struct {
	inner     Oracle
	sink      TraceSink
	attemptID string
}

// WithTracing wraps inner so every call is timed, audited, and handed to
// sink. Sink failures are logged, never propagated; the completion result
// is what the caller sees either way.
func WithTracing(inner Oracle, sink TraceSink, attemptID string) Oracle {
	return &tracingOracle{inner: inner, sink: sink, attemptID: attemptID}
}

func (t *tracingOracle) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	logging.Oracle("call started: purpose=%s model=%s temp=%.2f prompt_len=%d",
		req.Purpose, req.Model, req.Temperature, len(req.Prompt))

	resp, err := t.inner.Complete(ctx, req)
	duration := time.Since(start)

	trace := &Trace{
		ID:          uuid.NewString(),
		AttemptID:   t.attemptID,
		Purpose:     req.Purpose,
		Model:       req.Model,
		Temperature: req.Temperature,
		PromptChars: len(req.System) + len(req.Prompt),
		DurationMs:  duration.Milliseconds(),
		Success:     err == nil,
		CreatedAt:   time.Now(),
	}
	if err != nil {
		trace.Error = err.Error()
		logging.OracleWarn("call failed: purpose=%s duration=%v error=%v", req.Purpose, duration, err)
	} else {
		if resp.Model != "" {
			trace.Model = resp.Model
		}
		trace.ResponseChars = len(resp.Text)
		trace.PromptTokens = resp.Usage.PromptTokens
		trace.CompletionTokens = resp.Usage.CompletionTokens
		logging.Oracle("call completed: purpose=%s duration=%v response_len=%d tokens=%d/%d",
			req.Purpose, duration, len(resp.Text), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	logging.AuditWithAttempt(t.attemptID).LLMCall(
		trace.Model,
		trace.PromptTokens+trace.CompletionTokens,
		trace.DurationMs,
		trace.Success,
		trace.Error,
	)

	// Ledger writes stay off the completion path.
	if t.sink != nil {
		go func() {
			if sinkErr := t.sink.RecordTrace(trace); sinkErr != nil {
				logging.OracleDebug("trace record failed: %v", sinkErr)
			}
		}()
	}

	return resp, err
}
