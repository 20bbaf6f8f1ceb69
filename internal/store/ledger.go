// Package store persists run accounting in SQLite. Two databases back it:
// the ledger keeps every oracle call with its cost so attempts can be
// audited after the fact, and the result cache keeps sandbox execution
// results keyed by (attempt, patch, test) so a resumed run never pays for
// the same execution twice.
package store

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"mendloop/internal/config"
	"mendloop/internal/logging"
	"mendloop/internal/oracle"
)

// ============================================================================
// COST TABLE
// ============================================================================

// CostTable prices models in USD per million tokens. USD per million tokens
// is the same number as microUSD per token, so call costs stay integral.
type CostTable map[string]ModelCost

// ModelCost holds one model's input and output token prices.
type ModelCost struct {
	InputUSDPerMTok  float64
	OutputUSDPerMTok float64
}

// CostsFromConfig converts the config pricing map into a CostTable.
func CostsFromConfig(costs map[string]config.ModelCost) CostTable {
	table := make(CostTable, len(costs))
	for model, c := range costs {
		table[model] = ModelCost{
			InputUSDPerMTok:  c.InputUSDPerMTok,
			OutputUSDPerMTok: c.OutputUSDPerMTok,
		}
	}
	return table
}

// MicroUSD prices one call. Models missing from the table are billed at
// zero rather than treated as an error.
func (t CostTable) MicroUSD(model string, promptTokens, completionTokens int) int64 {
	c, ok := t[model]
	if !ok {
		return 0
	}
	usd := float64(promptTokens)*c.InputUSDPerMTok + float64(completionTokens)*c.OutputUSDPerMTok
	return int64(math.Round(usd))
}

// ============================================================================
// LEDGER
// ============================================================================

// Ledger is the durable record of every oracle call. It implements
// oracle.TraceSink, so wrapping an oracle with WithTracing and a Ledger is
// all the wiring cost accounting needs.
type Ledger struct {
	db    *sql.DB
	costs CostTable
	mu    sync.RWMutex
}

// Compile-time check that the ledger satisfies the sink contract.
var _ oracle.TraceSink = (*Ledger)(nil)

// NewLedger opens or creates the ledger database at path.
func NewLedger(path string, costs CostTable) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	l := &Ledger{db: db, costs: costs}
	if err := l.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}

	logging.Store("ledger opened: path=%s priced_models=%d", path, len(costs))
	return l, nil
}

func (l *Ledger) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS oracle_traces (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL,
		purpose TEXT NOT NULL,
		model TEXT NOT NULL,
		temperature REAL NOT NULL,
		prompt_chars INTEGER NOT NULL,
		response_chars INTEGER NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		cost_microusd INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		success BOOLEAN NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_oracle_traces_attempt ON oracle_traces(attempt_id);
	CREATE INDEX IF NOT EXISTS idx_oracle_traces_model ON oracle_traces(model);
	CREATE INDEX IF NOT EXISTS idx_oracle_traces_created ON oracle_traces(created_at);
	`

	_, err := l.db.Exec(schema)
	return err
}

// RecordTrace persists one oracle call, pricing it as it lands.
func (l *Ledger) RecordTrace(trace *oracle.Trace) error {
	timer := logging.StartTimer(logging.CategoryStore, "record_trace")
	defer timer.Stop()

	cost := l.costs.MicroUSD(trace.Model, trace.PromptTokens, trace.CompletionTokens)

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO oracle_traces
		(id, attempt_id, purpose, model, temperature, prompt_chars, response_chars,
		 prompt_tokens, completion_tokens, cost_microusd, duration_ms, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.ID, trace.AttemptID, trace.Purpose, trace.Model, trace.Temperature,
		trace.PromptChars, trace.ResponseChars, trace.PromptTokens, trace.CompletionTokens,
		cost, trace.DurationMs, trace.Success, nullableString(trace.Error), trace.CreatedAt)
	if err != nil {
		return fmt.Errorf("record trace: %w", err)
	}

	logging.StoreDebug("trace recorded: id=%s purpose=%s model=%s cost_microusd=%d",
		trace.ID, trace.Purpose, trace.Model, cost)
	return nil
}

// ============================================================================
// USAGE ROLLUP
// ============================================================================

// UsageReport aggregates one attempt's oracle spend.
type UsageReport struct {
	AttemptID        string
	Calls            int
	Failures         int
	PromptTokens     int64
	CompletionTokens int64
	CostMicroUSD     int64
	DurationMs       int64
	Models           []ModelUsage
}

// ModelUsage breaks a usage report down by model.
type ModelUsage struct {
	Model            string
	Calls            int
	PromptTokens     int64
	CompletionTokens int64
	CostMicroUSD     int64
}

// CostUSD converts the rollup cost to dollars.
func (u *UsageReport) CostUSD() float64 {
	return float64(u.CostMicroUSD) / 1e6
}

// Usage rolls up every recorded call for one attempt. An attempt with no
// calls yields an all-zero report, not an error.
func (l *Ledger) Usage(attemptID string) (*UsageReport, error) {
	timer := logging.StartTimer(logging.CategoryStore, "usage_rollup")
	defer timer.Stop()

	l.mu.RLock()
	defer l.mu.RUnlock()

	report := &UsageReport{AttemptID: attemptID}
	err := l.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(cost_microusd), 0),
		       COALESCE(SUM(duration_ms), 0)
		FROM oracle_traces WHERE attempt_id = ?`, attemptID).
		Scan(&report.Calls, &report.Failures, &report.PromptTokens,
			&report.CompletionTokens, &report.CostMicroUSD, &report.DurationMs)
	if err != nil {
		return nil, fmt.Errorf("usage rollup: %w", err)
	}

	rows, err := l.db.Query(`
		SELECT model, COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(cost_microusd), 0)
		FROM oracle_traces WHERE attempt_id = ?
		GROUP BY model
		ORDER BY SUM(cost_microusd) DESC, model`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Calls, &m.PromptTokens, &m.CompletionTokens, &m.CostMicroUSD); err != nil {
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		report.Models = append(report.Models, m)
	}
	return report, rows.Err()
}

// AttemptIDs lists every attempt the ledger has seen, oldest first.
func (l *Ledger) AttemptIDs() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT attempt_id FROM oracle_traces
		GROUP BY attempt_id ORDER BY MIN(created_at)`)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan attempt id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
