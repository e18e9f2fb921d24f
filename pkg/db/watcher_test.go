package db

import (
	"path/filepath"
	"testing"
	"time"

	"skillruntime/pkg/models"
)

func createTestWatcherDB(t *testing.T) (*WatcherDB, func()) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test_watcher.db")

	db, err := NewWatcherDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func createTestOrder() *models.Order {
	return &models.Order{
		ID:              "order_123",
		ClientID:        "client_1",
		ExecutorID:      "executor_1",
		SkillID:         "sentiment-analysis@1.0.0",
		ResultHash:      "",
		Status:          models.OrderCreated,
		DisputeDeadline: time.Now().Add(1 * time.Hour),
		CreatedAt:       time.Now(),
	}
}

func TestWatcherDB_SaveAndGetOrder(t *testing.T) {
	db, cleanup := createTestWatcherDB(t)
	defer cleanup()

	order := createTestOrder()

	if err := db.SaveOrder(order); err != nil {
		t.Fatalf("Failed to save order: %v", err)
	}

	retrieved, err := db.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("Failed to get order: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Expected order, got nil")
	}
	if retrieved.Status != models.OrderCreated {
		t.Errorf("Expected status %s, got %s", models.OrderCreated, retrieved.Status)
	}
	if retrieved.SkillID != order.SkillID {
		t.Errorf("Expected SkillID %s, got %s", order.SkillID, retrieved.SkillID)
	}
}

func TestWatcherDB_SaveOrder_UpdatesStatus(t *testing.T) {
	db, cleanup := createTestWatcherDB(t)
	defer cleanup()

	order := createTestOrder()
	if err := db.SaveOrder(order); err != nil {
		t.Fatalf("Failed to save order: %v", err)
	}

	order.Status = models.OrderCommitted
	order.ResultHash = "deadbeef"
	if err := db.SaveOrder(order); err != nil {
		t.Fatalf("Failed to update order: %v", err)
	}

	retrieved, err := db.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("Failed to get order: %v", err)
	}
	if retrieved.Status != models.OrderCommitted {
		t.Errorf("Expected status %s, got %s", models.OrderCommitted, retrieved.Status)
	}
	if retrieved.ResultHash != "deadbeef" {
		t.Errorf("Expected ResultHash to be updated, got %s", retrieved.ResultHash)
	}
}

func TestWatcherDB_GetOrder_NotFound(t *testing.T) {
	db, cleanup := createTestWatcherDB(t)
	defer cleanup()

	order, err := db.GetOrder("missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if order != nil {
		t.Error("Expected nil order for missing ID")
	}
}

func TestWatcherDB_AppendAndListChallengeResults(t *testing.T) {
	db, cleanup := createTestWatcherDB(t)
	defer cleanup()

	orderID := "order_123"

	first := &models.ChallengeResult{
		OrderID:   orderID,
		Status:    models.ChallengePending,
		Timestamp: time.Now(),
	}
	second := &models.ChallengeResult{
		OrderID:     orderID,
		Status:      models.ChallengeSubmitted,
		TxSignature: "demo_abc123",
		Timestamp:   time.Now(),
	}

	if err := db.AppendChallengeResult(first); err != nil {
		t.Fatalf("Failed to append first challenge result: %v", err)
	}
	if err := db.AppendChallengeResult(second); err != nil {
		t.Fatalf("Failed to append second challenge result: %v", err)
	}

	results, err := db.ListChallengeResults(orderID)
	if err != nil {
		t.Fatalf("Failed to list challenge results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 challenge results, got %d", len(results))
	}
	if results[0].Status != models.ChallengePending {
		t.Errorf("Expected first result status %s, got %s", models.ChallengePending, results[0].Status)
	}
	if results[1].Status != models.ChallengeSubmitted {
		t.Errorf("Expected second result status %s, got %s", models.ChallengeSubmitted, results[1].Status)
	}
	if results[1].TxSignature != "demo_abc123" {
		t.Errorf("Expected TxSignature to be preserved, got %s", results[1].TxSignature)
	}
}

func TestWatcherDB_ListChallengeResults_Empty(t *testing.T) {
	db, cleanup := createTestWatcherDB(t)
	defer cleanup()

	results, err := db.ListChallengeResults("missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestWatcherDB_NonceOperations(t *testing.T) {
	db, cleanup := createTestWatcherDB(t)
	defer cleanup()

	nonce := "test_nonce_456"

	seen, err := db.HasSeenNonce(nonce)
	if err != nil {
		t.Fatalf("Failed to check nonce: %v", err)
	}
	if seen {
		t.Error("Expected nonce to not be seen initially")
	}

	if err := db.SaveNonce(nonce); err != nil {
		t.Fatalf("Failed to save nonce: %v", err)
	}

	seen, err = db.HasSeenNonce(nonce)
	if err != nil {
		t.Fatalf("Failed to check nonce: %v", err)
	}
	if !seen {
		t.Error("Expected nonce to be seen after saving")
	}
}

func TestWatcherDB_CleanupOldNonces(t *testing.T) {
	db, cleanup := createTestWatcherDB(t)
	defer cleanup()

	if err := db.SaveNonce("nonce_a"); err != nil {
		t.Fatalf("Failed to save nonce_a: %v", err)
	}

	futureTime := time.Now().Add(1 * time.Hour)
	if err := db.CleanupOldNonces(futureTime); err != nil {
		t.Fatalf("Failed to cleanup old nonces: %v", err)
	}

	seen, _ := db.HasSeenNonce("nonce_a")
	if seen {
		t.Error("Expected nonce to be cleaned up")
	}
}

func TestWatcherDB_Close(t *testing.T) {
	db, cleanup := createTestWatcherDB(t)
	defer cleanup()

	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}

	if err := db.SaveNonce("test"); err == nil {
		t.Error("Expected error when using closed database")
	}
}
