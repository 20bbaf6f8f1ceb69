package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"mendloop/internal/logging"
)

// ============================================================================
// EXECUTION RESULT CACHE
// ============================================================================

// ExecutionRow mirrors sandbox.ExecutionResult so the sandbox can depend on
// the cache without an import cycle.
type ExecutionRow struct {
	Stdout     string
	Stderr     string
	ReturnCode int

	// Triggered stays nil until a reviewer has judged the run.
	Triggered *bool
}

// ResultCache is the durable (attempt, patch, test) -> execution result map.
// Parallel attempt workers share one file, so the DSN bakes in WAL and a
// busy timeout.
type ResultCache struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewResultCache opens or creates the cache database at path.
func NewResultCache(path string) (*ResultCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	c := &ResultCache{db: db}
	if err := c.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}

	logging.Store("result cache opened: path=%s", path)
	return c, nil
}

func (c *ResultCache) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_results (
		attempt_id TEXT NOT NULL,
		patch_handle TEXT NOT NULL,
		test_handle TEXT NOT NULL,
		stdout TEXT NOT NULL,
		stderr TEXT NOT NULL,
		returncode INTEGER NOT NULL,
		triggered INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(attempt_id, patch_handle, test_handle)
	);

	CREATE INDEX IF NOT EXISTS idx_execution_results_attempt ON execution_results(attempt_id);
	`

	_, err := c.db.Exec(schema)
	return err
}

// Put stores one execution result, replacing any earlier run of the same
// patch and test pair.
func (c *ResultCache) Put(attemptID, patchHandle, testHandle string, row *ExecutionRow) error {
	timer := logging.StartTimer(logging.CategoryStore, "cache_put")
	defer timer.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO execution_results
		(attempt_id, patch_handle, test_handle, stdout, stderr, returncode, triggered)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attemptID, patchHandle, testHandle,
		row.Stdout, row.Stderr, row.ReturnCode, triggeredValue(row.Triggered))
	if err != nil {
		return fmt.Errorf("cache execution result: %w", err)
	}

	logging.StoreDebug("execution cached: attempt=%s patch=%s test=%s rc=%d",
		attemptID, patchHandle, testHandle, row.ReturnCode)
	return nil
}

// Get returns the cached result for one patch and test pair, with ok=false
// when the pair has never run.
func (c *ResultCache) Get(attemptID, patchHandle, testHandle string) (*ExecutionRow, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		row       ExecutionRow
		triggered sql.NullInt64
	)
	err := c.db.QueryRow(`
		SELECT stdout, stderr, returncode, triggered
		FROM execution_results
		WHERE attempt_id = ? AND patch_handle = ? AND test_handle = ?`,
		attemptID, patchHandle, testHandle).
		Scan(&row.Stdout, &row.Stderr, &row.ReturnCode, &triggered)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}

	if triggered.Valid {
		v := triggered.Int64 != 0
		row.Triggered = &v
	}
	return &row, true, nil
}

// CountForAttempt reports how many executions an attempt has already banked.
// Resume logs it before skipping ahead.
func (c *ResultCache) CountForAttempt(attemptID string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int
	err := c.db.QueryRow(`
		SELECT COUNT(*) FROM execution_results WHERE attempt_id = ?`, attemptID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cached executions: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (c *ResultCache) Close() error {
	return c.db.Close()
}

func triggeredValue(t *bool) interface{} {
	if t == nil {
		return nil
	}
	if *t {
		return 1
	}
	return 0
}
