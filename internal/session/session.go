// Package session tracks the candidate artifacts one repair attempt
// proposes: raw oracle responses, extracted content, accepted and rejected
// histories, and the feedback attached to rejections. Test and patch
// sessions share the same bookkeeping; each persists its full state after
// every change so an interrupted attempt resumes with identical behavior.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"mendloop/internal/logging"
	"mendloop/internal/oracle"
)

// ErrNoCandidate is returned when a proposal loop exhausts its budget
// without producing an artifact the loop can use.
var ErrNoCandidate = errors.New("session: no usable candidate within budget")

// ContractError reports a misuse of the session API: double-registering a
// handle, attaching feedback to an unknown handle. It is a programming
// error and must propagate; callers never retry it.
type ContractError struct {
	Op     string
	Handle string
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("session: %s(%s): %s", e.Op, e.Handle, e.Reason)
}

// IsContractError reports whether err carries a *ContractError.
func IsContractError(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}

// State is the persisted core of a session. Handle keys are the decimal
// request indices that produced each artifact; reloading a saved state
// reconstructs bit-identical proposal behavior.
type State struct {
	// RequestIndex counts oracle requests issued so far. It starts at -1
	// and advances on every request, including ones whose response had no
	// extractable artifact.
	RequestIndex int `json:"request_index"`

	// Responses holds the raw oracle response per registered handle.
	Responses map[string]string `json:"responses"`

	// Extracted holds the artifact content per registered handle.
	Extracted map[string]string `json:"extracted_content"`

	// Feedback holds rejection feedback per handle, oldest first.
	Feedback map[string][]string `json:"feedback"`

	// Accepted and Rejected record registration order.
	Accepted []string `json:"accepted_history"`
	Rejected []string `json:"rejected_history"`
}

// NewState returns an empty session state positioned before the first
// request.
func NewState() *State {
	return &State{
		RequestIndex: -1,
		Responses:    make(map[string]string),
		Extracted:    make(map[string]string),
		Feedback:     make(map[string][]string),
	}
}

// NextHandle advances the request index and returns it as the handle for
// whatever artifact the request produces.
func (s *State) NextHandle() string {
	s.RequestIndex++
	return strconv.Itoa(s.RequestIndex)
}

// Handle returns the handle for the current request index without
// advancing.
func (s *State) Handle() string {
	return strconv.Itoa(s.RequestIndex)
}

// RegisterAccepted records handle as an accepted artifact. Registering a
// handle that already exists in any map is a contract violation.
func (s *State) RegisterAccepted(handle, response, content string) error {
	if err := s.checkUnregistered("RegisterAccepted", handle); err != nil {
		return err
	}
	s.Responses[handle] = response
	s.Extracted[handle] = content
	s.Accepted = append(s.Accepted, handle)
	return nil
}

// RegisterRejected records handle as a rejected artifact with its first
// feedback attached.
func (s *State) RegisterRejected(handle, response, content, feedback string) error {
	if err := s.checkUnregistered("RegisterRejected", handle); err != nil {
		return err
	}
	s.Responses[handle] = response
	s.Extracted[handle] = content
	s.Rejected = append(s.Rejected, handle)
	s.Feedback[handle] = append(s.Feedback[handle], feedback)
	return nil
}

// AddFeedback appends feedback to an already registered handle.
func (s *State) AddFeedback(handle, feedback string) error {
	if _, ok := s.Extracted[handle]; !ok {
		return &ContractError{Op: "AddFeedback", Handle: handle, Reason: "handle does not exist"}
	}
	s.Feedback[handle] = append(s.Feedback[handle], feedback)
	return nil
}

func (s *State) checkUnregistered(op, handle string) error {
	if _, ok := s.Responses[handle]; ok {
		return &ContractError{Op: op, Handle: handle, Reason: "handle already registered"}
	}
	if _, ok := s.Extracted[handle]; ok {
		return &ContractError{Op: op, Handle: handle, Reason: "handle already registered"}
	}
	for _, h := range s.Accepted {
		if h == handle {
			return &ContractError{Op: op, Handle: handle, Reason: "handle already accepted"}
		}
	}
	for _, h := range s.Rejected {
		if h == handle {
			return &ContractError{Op: op, Handle: handle, Reason: "handle already rejected"}
		}
	}
	return nil
}

// FeedbackHandles picks the handles whose exchanges are replayed before the
// next proposal: the most recent max accepted handles, backfilled with the
// most recent rejected handles when accepted ones run short. Backfilled
// rejected handles come first so the strongest example is always last.
func (s *State) FeedbackHandles(max int) []string {
	if max < 0 {
		max = 0
	}
	if max <= len(s.Accepted) {
		return append([]string(nil), s.Accepted[len(s.Accepted)-max:]...)
	}
	need := max - len(s.Accepted)
	if need > len(s.Rejected) {
		need = len(s.Rejected)
	}
	out := append([]string(nil), s.Rejected[len(s.Rejected)-need:]...)
	return append(out, s.Accepted...)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Save writes the state to path as indented JSON.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal state: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("session: write state: %w", err)
	}
	logging.SessionDebug("Saved state: %s (request_index=%d, accepted=%d, rejected=%d)",
		filepath.Base(path), s.RequestIndex, len(s.Accepted), len(s.Rejected))
	return nil
}

// =============================================================================
// CONVERSATION ASSEMBLY
// =============================================================================

// thread accumulates conversation turns in order. The final user turn
// becomes the request prompt; everything before it is history.
type thread struct {
	turns []oracle.Turn
}

func (t *thread) user(content string) {
	t.turns = append(t.turns, oracle.Turn{Role: oracle.RoleUser, Content: content})
}

func (t *thread) assistant(content string) {
	t.turns = append(t.turns, oracle.Turn{Role: oracle.RoleAssistant, Content: content})
}

// request closes the thread into an oracle request.
func (t *thread) request(purpose, system, model string, temperature float64) oracle.Request {
	turns := t.turns
	prompt := ""
	if n := len(turns); n > 0 && turns[n-1].Role == oracle.RoleUser {
		prompt = turns[n-1].Content
		turns = turns[:n-1]
	}
	return oracle.Request{
		Purpose:     purpose,
		System:      system,
		History:     append([]oracle.Turn(nil), turns...),
		Prompt:      prompt,
		Model:       model,
		Temperature: temperature,
	}
}

// writeArtifact drops an inspection file into the session directory.
// Artifacts are a convenience for humans; failing to write one never fails
// the attempt.
func writeArtifact(dir, name, content string) {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		logging.SessionWarn("could not write artifact %s: %v", name, err)
	}
}

// LoadState reads a saved state. A missing file is not an error: it returns
// a fresh state so callers need not distinguish first runs from resumes.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read state: %w", err)
	}
	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("session: parse state %s: %w", path, err)
	}
	if st.Responses == nil {
		st.Responses = make(map[string]string)
	}
	if st.Extracted == nil {
		st.Extracted = make(map[string]string)
	}
	if st.Feedback == nil {
		st.Feedback = make(map[string][]string)
	}
	logging.Session("Resumed state from %s: request_index=%d, accepted=%d, rejected=%d",
		filepath.Base(path), st.RequestIndex, len(st.Accepted), len(st.Rejected))
	return st, nil
}
