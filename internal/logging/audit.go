// Audit logging for the repair loop. Events are written as JSON lines so a
// run can be reconstructed after the fact: which prompts went out, which
// executions came back, and how each round advanced.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Oracle events
	AuditOracleRequest  AuditEventType = "oracle_request"
	AuditOracleResponse AuditEventType = "oracle_response"
	AuditOracleError    AuditEventType = "oracle_error"

	// Sandbox events
	AuditSandboxApply AuditEventType = "sandbox_apply"
	AuditSandboxExec  AuditEventType = "sandbox_exec"
	AuditSandboxReset AuditEventType = "sandbox_reset"

	// Round lifecycle events
	AuditRoundStart    AuditEventType = "round_start"
	AuditRoundComplete AuditEventType = "round_complete"
	AuditRoundAbort    AuditEventType = "round_abort"

	// Knowledge events
	AuditRetrievalQuery AuditEventType = "retrieval_query"
	AuditKBRebuild      AuditEventType = "kb_rebuild"
	AuditExperienceSave AuditEventType = "experience_save"

	// Review events
	AuditReviewVerdict  AuditEventType = "review_verdict"
	AuditPatchSelection AuditEventType = "patch_selection"

	// Attempt lifecycle events
	AuditAttemptStart AuditEventType = "attempt_start"
	AuditAttemptEnd   AuditEventType = "attempt_end"

	// Artifact events
	AuditArtifactEmit AuditEventType = "artifact_emit"

	// Performance
	AuditPerfMetric AuditEventType = "perf_metric"
	AuditPerfSlow   AuditEventType = "perf_slow"

	// Error events
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent represents one structured audit line
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`      // Unix milliseconds
	EventType  AuditEventType         `json:"event"`   // What happened
	Category   string                 `json:"cat"`     // Log category
	AttemptID  string                 `json:"attempt"` // Attempt correlation
	Round      int                    `json:"round"`   // Round number if applicable
	Target     string                 `json:"target"`  // Target of operation
	Action     string                 `json:"action"`  // Action being performed
	Success    bool                   `json:"success"` // Operation succeeded
	DurationMs int64                  `json:"dur_ms"`  // Duration in milliseconds
	Error      string                 `json:"error"`   // Error message if failed
	Message    string                 `json:"msg"`     // Human-readable message
	Fields     map[string]interface{} `json:"fields"`  // Additional structured fields
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging
type AuditLogger struct {
	attemptID string
	category  Category
	round     int
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n# Format: one JSON event per line\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithAttempt creates an audit logger scoped to one repair attempt
func AuditWithAttempt(attemptID string) *AuditLogger {
	return &AuditLogger{attemptID: attemptID}
}

// AuditWithRound creates an audit logger scoped to an attempt and round
func AuditWithRound(attemptID string, round int, category Category) *AuditLogger {
	return &AuditLogger{
		attemptID: attemptID,
		round:     round,
		category:  category,
	}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	// Fill in defaults
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.AttemptID == "" && a.attemptID != "" {
		event.AttemptID = a.attemptID
	}
	if event.Round == 0 && a.round != 0 {
		event.Round = a.round
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// LLMCall logs an oracle API call
func (a *AuditLogger) LLMCall(model string, tokens int, durationMs int64, success bool, errMsg string) {
	eventType := AuditOracleResponse
	if !success {
		eventType = AuditOracleError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"tokens": tokens},
		Message:    fmt.Sprintf("Oracle call: %s -> %d tokens (%dms, success=%v)", model, tokens, durationMs, success),
	})
}

// SandboxExec logs a command execution in the workspace
func (a *AuditLogger) SandboxExec(command string, exitCode int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditSandboxExec,
		Action:     command,
		Success:    exitCode == 0,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"exit_code": exitCode},
		Message:    fmt.Sprintf("Sandbox exec: %s (exit=%d, %dms)", command, exitCode, durationMs),
	})
}

// SandboxApply logs a patch application to the workspace
func (a *AuditLogger) SandboxApply(patchHandle string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditSandboxApply,
		Target:    patchHandle,
		Success:   success,
		Error:     errMsg,
		Message:   fmt.Sprintf("Sandbox apply: patch %s (success=%v)", patchHandle, success),
	})
}

// RoundEvent logs round lifecycle transitions
func (a *AuditLogger) RoundEvent(eventType AuditEventType, round int, phase string, success bool) {
	a.Log(AuditEvent{
		EventType: eventType,
		Round:     round,
		Action:    phase,
		Success:   success,
		Message:   fmt.Sprintf("Round %d %s: phase=%s success=%v", round, eventType, phase, success),
	})
}

// RetrievalQuery logs a weighted retrieval over a knowledge base
func (a *AuditLogger) RetrievalQuery(profile string, corpusSize, returned int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditRetrievalQuery,
		Target:     profile,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"corpus": corpusSize, "returned": returned},
		Message:    fmt.Sprintf("Retrieval: %s over %d records -> %d (%dms)", profile, corpusSize, returned, durationMs),
	})
}

// KBRebuild logs a knowledge base rebuild
func (a *AuditLogger) KBRebuild(kind string, records int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditKBRebuild,
		Target:     kind,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"records": records},
		Message:    fmt.Sprintf("KB rebuild: %s -> %d records (%dms)", kind, records, durationMs),
	})
}

// ReviewVerdict logs a reproduction judgement or patch review outcome
func (a *AuditLogger) ReviewVerdict(target string, verdict string, success bool) {
	a.Log(AuditEvent{
		EventType: AuditReviewVerdict,
		Target:    target,
		Action:    verdict,
		Success:   success,
		Message:   fmt.Sprintf("Review: %s -> %s", target, verdict),
	})
}

// PatchSelection logs the reviewer's ranked selection
func (a *AuditLogger) PatchSelection(selected string, ranked []int, correct []int) {
	a.Log(AuditEvent{
		EventType: AuditPatchSelection,
		Target:    selected,
		Success:   selected != "",
		Fields:    map[string]interface{}{"ranked": ranked, "correct": correct},
		Message:   fmt.Sprintf("Selection: patch %s (ranked=%v correct=%v)", selected, ranked, correct),
	})
}

// ArtifactEmit logs an emission to the result stream
func (a *AuditLogger) ArtifactEmit(path string, patchHandle string, testCount int) {
	a.Log(AuditEvent{
		EventType: AuditArtifactEmit,
		Target:    path,
		Success:   true,
		Fields:    map[string]interface{}{"patch": patchHandle, "tests": testCount},
		Message:   fmt.Sprintf("Artifact: %s (patch=%s, %d tests)", path, patchHandle, testCount),
	})
}

// AttemptStart logs attempt start
func (a *AuditLogger) AttemptStart(attemptID string) {
	a.Log(AuditEvent{
		EventType: AuditAttemptStart,
		AttemptID: attemptID,
		Success:   true,
		Message:   fmt.Sprintf("Attempt started: %s", attemptID),
	})
}

// AttemptEnd logs attempt end
func (a *AuditLogger) AttemptEnd(attemptID string, rounds int, durationMs int64, success bool) {
	a.Log(AuditEvent{
		EventType:  AuditAttemptEnd,
		AttemptID:  attemptID,
		Success:    success,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"rounds": rounds},
		Message:    fmt.Sprintf("Attempt ended: %s (%d rounds, %dms, success=%v)", attemptID, rounds, durationMs, success),
	})
}

// PerfMetric logs a performance metric
func (a *AuditLogger) PerfMetric(operation string, durationMs int64, threshold int64) {
	eventType := AuditPerfMetric
	success := true
	if threshold > 0 && durationMs > threshold {
		eventType = AuditPerfSlow
		success = false
	}
	fields := map[string]interface{}{}
	if threshold > 0 {
		fields["threshold_ms"] = threshold
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Action:     operation,
		DurationMs: durationMs,
		Success:    success,
		Fields:     fields,
		Message:    fmt.Sprintf("Perf: %s took %dms (threshold=%dms)", operation, durationMs, threshold),
	})
}

// Error logs an error event
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Error in %s: %s (critical=%v)", category, errMsg, critical),
	})
}
