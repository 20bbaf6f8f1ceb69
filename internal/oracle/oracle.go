// Package oracle is the completion service behind every generation and
// review step. Providers share one small interface so the repair loop never
// knows which API it is talking to; decorators add transport retries and
// call tracing around any provider.
package oracle

import (
	"context"
	"errors"
	"fmt"
)

// Role labels one side of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange carried ahead of the final prompt.
type Turn struct {
	Role    Role
	Content string
}

// Request describes one completion call.
type Request struct {
	// Purpose is a short label for trace attribution ("propose_test",
	// "select_best", ...). It never reaches the provider.
	Purpose string

	System string

	// History holds prior turns in order; Prompt is always the final user
	// message.
	History []Turn
	Prompt  string

	// Model empty uses the provider default.
	Model string

	Temperature float64

	// MaxTokens zero uses the provider default.
	MaxTokens int
}

// Usage reports prompt and completion token counts when the provider
// returns them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is a completed oracle call.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Oracle is implemented by providers and by the retry/tracing decorators.
type Oracle interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// =============================================================================
// TRANSPORT ERRORS
// =============================================================================

// TransportError marks a failure at the HTTP layer. Status zero means the
// request never produced a response (network error, timeout).
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("oracle transport: %v", e.Err)
	}
	return fmt.Sprintf("oracle transport: status %d: %v", e.Status, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether a retry can plausibly succeed: rate limits,
// server-side failures, and requests that never reached the server.
func (e *TransportError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// IsRetryable reports whether err is a retryable transport failure.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}
