// Package db provides the sqlite persistence layer for the Skill Runtime
// Environment: the order work queue, commit results, and HMAC nonces.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"skillruntime/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// ExecutorDB provides database operations for the Executor service: the
// order work queue, commit results, and nonce tracking for replay
// protection.
type ExecutorDB struct {
	db *sql.DB
}

// NewExecutorDB opens (creating if needed) the executor's sqlite database,
// enables WAL mode and a busy timeout for concurrent access, and ensures
// its tables exist.
func NewExecutorDB(dbPath string) (*ExecutorDB, error) {
	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	edb := &ExecutorDB{db: sqlDB}
	if err := edb.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return edb, nil
}

func (e *ExecutorDB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS order_queue (
			order_id TEXT PRIMARY KEY,
			skill_package TEXT NOT NULL,
			input TEXT NOT NULL,
			timeout_seconds INTEGER,
			max_retries INTEGER,
			callback_url TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS commit_results (
			order_id TEXT NOT NULL,
			result_uri TEXT,
			result_hash TEXT,
			execution_time_ms INTEGER,
			status TEXT NOT NULL,
			error_message TEXT,
			execution_mode TEXT,
			model_used TEXT,
			tokens_used INTEGER,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (order_id)
		)`,
		`CREATE TABLE IF NOT EXISTS seen_nonces (
			nonce TEXT PRIMARY KEY,
			seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS ix_commit_results_order ON commit_results(order_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS ix_seen_nonces_seen_at ON seen_nonces(seen_at)`,
	}
	for _, query := range queries {
		if _, err := e.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}
	return nil
}

// EnqueueOrder inserts or updates an order's queue entry with the payload
// the Executor Pipeline needs to (re-)attempt its commit.
func (e *ExecutorDB) EnqueueOrder(cfg *models.OrderConfig, status string) error {
	pkgJSON, err := json.Marshal(cfg.SkillPackage)
	if err != nil {
		return fmt.Errorf("failed to marshal skill package: %w", err)
	}
	inputJSON, err := json.Marshal(cfg.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	_, err = e.db.Exec(`
		INSERT INTO order_queue (order_id, skill_package, input, timeout_seconds, max_retries, callback_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		cfg.OrderID, string(pkgJSON), string(inputJSON), cfg.TimeoutSeconds, cfg.MaxRetries,
		cfg.CallbackURL, status, time.Now(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to enqueue order: %w", err)
	}
	return nil
}

// GetQueuedOrder retrieves a queued order's config and status by ID. Returns nil, "", nil if not found.
func (e *ExecutorDB) GetQueuedOrder(orderID string) (*models.OrderConfig, string, error) {
	row := e.db.QueryRow(`
		SELECT order_id, skill_package, input, timeout_seconds, max_retries, callback_url, status
		FROM order_queue WHERE order_id = ?`, orderID)

	var cfg models.OrderConfig
	var pkgJSON, inputJSON, status string
	var callbackURL sql.NullString

	err := row.Scan(&cfg.OrderID, &pkgJSON, &inputJSON, &cfg.TimeoutSeconds, &cfg.MaxRetries, &callbackURL, &status)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get queued order: %w", err)
	}
	if callbackURL.Valid {
		cfg.CallbackURL = callbackURL.String
	}
	if err := json.Unmarshal([]byte(pkgJSON), &cfg.SkillPackage); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal skill package: %w", err)
	}
	if err := json.Unmarshal([]byte(inputJSON), &cfg.Input); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal input: %w", err)
	}
	return &cfg, status, nil
}

// ListPendingOrders returns up to limit queued orders whose status is
// "pending", oldest first, for the worker pool's dispatcher to hand out.
func (e *ExecutorDB) ListPendingOrders(limit int) ([]*models.OrderConfig, error) {
	rows, err := e.db.Query(`
		SELECT order_id, skill_package, input, timeout_seconds, max_retries, callback_url
		FROM order_queue WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	defer rows.Close()

	var configs []*models.OrderConfig
	for rows.Next() {
		var cfg models.OrderConfig
		var pkgJSON, inputJSON string
		var callbackURL sql.NullString
		if err := rows.Scan(&cfg.OrderID, &pkgJSON, &inputJSON, &cfg.TimeoutSeconds, &cfg.MaxRetries, &callbackURL); err != nil {
			return nil, fmt.Errorf("failed to scan pending order: %w", err)
		}
		if callbackURL.Valid {
			cfg.CallbackURL = callbackURL.String
		}
		if err := json.Unmarshal([]byte(pkgJSON), &cfg.SkillPackage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal skill package: %w", err)
		}
		if err := json.Unmarshal([]byte(inputJSON), &cfg.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
		configs = append(configs, &cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending orders: %w", err)
	}
	return configs, nil
}

// SaveCommitResult stores a commit result, idempotently per order_id: a
// second commit attempt for the same order is ignored rather than
// duplicated. Returns whether the row was newly inserted.
func (e *ExecutorDB) SaveCommitResult(result *models.CommitResult) (bool, error) {
	res, err := e.db.Exec(`
		INSERT OR IGNORE INTO commit_results
			(order_id, result_uri, result_hash, execution_time_ms, status, error_message, execution_mode, model_used, tokens_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.OrderID, result.ResultURI, result.ResultHash, result.ExecutionTimeMs,
		result.Status, result.ErrorMessage, string(result.ExecutionMode),
		result.ModelUsed, result.TokensUsed, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to save commit result: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// GetCommitResult retrieves the commit result for an order. Returns nil, nil if not found.
func (e *ExecutorDB) GetCommitResult(orderID string) (*models.CommitResult, error) {
	row := e.db.QueryRow(`
		SELECT order_id, result_uri, result_hash, execution_time_ms, status, error_message,
			execution_mode, model_used, tokens_used
		FROM commit_results WHERE order_id = ?`, orderID)

	var result models.CommitResult
	var executionMode string
	var modelUsed sql.NullString
	var tokensUsed sql.NullInt64

	err := row.Scan(&result.OrderID, &result.ResultURI, &result.ResultHash, &result.ExecutionTimeMs,
		&result.Status, &result.ErrorMessage, &executionMode, &modelUsed, &tokensUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commit result: %w", err)
	}
	result.ExecutionMode = models.ExecutionMode(executionMode)
	if modelUsed.Valid {
		result.ModelUsed = modelUsed.String
	}
	if tokensUsed.Valid {
		result.TokensUsed = int(tokensUsed.Int64)
	}
	return &result, nil
}

func (e *ExecutorDB) HasSeenNonce(nonce string) (bool, error) {
	var count int
	err := e.db.QueryRow("SELECT COUNT(*) FROM seen_nonces WHERE nonce = ?", nonce).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return count > 0, nil
}

func (e *ExecutorDB) SaveNonce(nonce string) error {
	_, err := e.db.Exec("INSERT OR IGNORE INTO seen_nonces (nonce, seen_at) VALUES (?, ?)", nonce, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save nonce: %w", err)
	}
	return nil
}

func (e *ExecutorDB) CleanupOldNonces(olderThan time.Time) error {
	_, err := e.db.Exec("DELETE FROM seen_nonces WHERE seen_at < ?", olderThan)
	if err != nil {
		return fmt.Errorf("failed to cleanup old nonces: %w", err)
	}
	return nil
}

func (e *ExecutorDB) Close() error {
	return e.db.Close()
}
