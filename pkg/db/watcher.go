package db

import (
	"database/sql"
	"fmt"
	"time"

	"skillruntime/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// WatcherDB provides database operations for the Watcher service: the
// ledger-tracked Order snapshot it replays against, the persisted
// ChallengeLog, and nonce tracking for replay protection.
type WatcherDB struct {
	db *sql.DB
}

// NewWatcherDB opens (creating if needed) the watcher's sqlite database,
// enables WAL mode and a busy timeout, and ensures its tables exist.
func NewWatcherDB(dbPath string) (*WatcherDB, error) {
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

	wdb := &WatcherDB{db: sqlDB}
	if err := wdb.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return wdb, nil
}

func (w *WatcherDB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			executor_id TEXT NOT NULL,
			skill_id TEXT NOT NULL,
			input_uri TEXT,
			result_hash TEXT,
			status TEXT NOT NULL,
			dispute_deadline TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS challenge_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error_reason TEXT,
			tx_signature TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS seen_nonces (
			nonce TEXT PRIMARY KEY,
			seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS ix_challenge_log_order ON challenge_log(order_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS ix_seen_nonces_seen_at ON seen_nonces(seen_at)`,
	}
	for _, query := range queries {
		if _, err := w.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}
	return nil
}

// SaveOrder inserts or updates the watcher's snapshot of a ledger Order.
func (w *WatcherDB) SaveOrder(order *models.Order) error {
	_, err := w.db.Exec(`
		INSERT INTO orders (order_id, client_id, executor_id, skill_id, input_uri, result_hash, status, dispute_deadline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			input_uri = excluded.input_uri,
			result_hash = excluded.result_hash,
			status = excluded.status,
			dispute_deadline = excluded.dispute_deadline`,
		order.ID, order.ClientID, order.ExecutorID, order.SkillID, order.InputURI, order.ResultHash,
		string(order.Status), order.DisputeDeadline, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order snapshot by ID. Returns nil, nil if not found.
func (w *WatcherDB) GetOrder(orderID string) (*models.Order, error) {
	row := w.db.QueryRow(`
		SELECT order_id, client_id, executor_id, skill_id, input_uri, result_hash, status, dispute_deadline, created_at
		FROM orders WHERE order_id = ?`, orderID)

	var order models.Order
	var status string
	var inputURI, resultHash sql.NullString

	err := row.Scan(&order.ID, &order.ClientID, &order.ExecutorID, &order.SkillID, &inputURI, &resultHash,
		&status, &order.DisputeDeadline, &order.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	order.Status = models.OrderStatus(status)
	if inputURI.Valid {
		order.InputURI = inputURI.String
	}
	if resultHash.Valid {
		order.ResultHash = resultHash.String
	}
	return &order, nil
}

// AppendChallengeResult persists one ChallengeLog entry. The ChallengeLog's
// single-writer discipline lives in internal/challenger; this is the
// durable backing store behind it.
func (w *WatcherDB) AppendChallengeResult(result *models.ChallengeResult) error {
	_, err := w.db.Exec(`
		INSERT INTO challenge_log (order_id, status, error_reason, tx_signature, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		result.OrderID, string(result.Status), result.ErrorReason, result.TxSignature, result.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append challenge result: %w", err)
	}
	return nil
}

// ListChallengeResults returns every persisted ChallengeLog entry for an order.
func (w *WatcherDB) ListChallengeResults(orderID string) ([]*models.ChallengeResult, error) {
	rows, err := w.db.Query(`
		SELECT order_id, status, error_reason, tx_signature, created_at
		FROM challenge_log WHERE order_id = ? ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query challenge log: %w", err)
	}
	defer rows.Close()

	var results []*models.ChallengeResult
	for rows.Next() {
		var r models.ChallengeResult
		var status string
		var errorReason, txSignature sql.NullString
		if err := rows.Scan(&r.OrderID, &status, &errorReason, &txSignature, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan challenge result: %w", err)
		}
		r.Status = models.ChallengeStatus(status)
		if errorReason.Valid {
			r.ErrorReason = errorReason.String
		}
		if txSignature.Valid {
			r.TxSignature = txSignature.String
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating challenge log: %w", err)
	}
	return results, nil
}

func (w *WatcherDB) HasSeenNonce(nonce string) (bool, error) {
	var count int
	err := w.db.QueryRow("SELECT COUNT(*) FROM seen_nonces WHERE nonce = ?", nonce).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return count > 0, nil
}

func (w *WatcherDB) SaveNonce(nonce string) error {
	_, err := w.db.Exec("INSERT OR IGNORE INTO seen_nonces (nonce, seen_at) VALUES (?, ?)", nonce, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save nonce: %w", err)
	}
	return nil
}

func (w *WatcherDB) CleanupOldNonces(olderThan time.Time) error {
	_, err := w.db.Exec("DELETE FROM seen_nonces WHERE seen_at < ?", olderThan)
	if err != nil {
		return fmt.Errorf("failed to cleanup old nonces: %w", err)
	}
	return nil
}

func (w *WatcherDB) Close() error {
	return w.db.Close()
}
