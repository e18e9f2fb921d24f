package db

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"skillruntime/pkg/models"
)

func createTestExecutorDB(t *testing.T) (*ExecutorDB, func()) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test_executor.db")

	db, err := NewExecutorDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func createTestOrderConfig() *models.OrderConfig {
	return &models.OrderConfig{
		OrderID: "order_123",
		SkillPackage: models.SkillPackage{
			Name:          "sentiment-analysis",
			Version:       "1.0.0",
			Category:      "nlp",
			InputSchema:   json.RawMessage(`{"type":"object"}`),
			OutputSchema:  json.RawMessage(`{"type":"object"}`),
			ExecutionMode: models.ExecutionSandbox,
			Runtime: models.RuntimeDescriptor{
				DockerImage:    "skills/sentiment:1.0.0",
				Entrypoint:     "/app/run.sh",
				TimeoutSeconds: 30,
			},
			ContentDigest: "deadbeef",
		},
		Input:          models.InputEnvelope{"text": "hello world"},
		TimeoutSeconds: 30,
		MaxRetries:     3,
		CallbackURL:    "https://client.example/callback",
	}
}

func TestExecutorDB_EnqueueAndGetOrder(t *testing.T) {
	db, cleanup := createTestExecutorDB(t)
	defer cleanup()

	cfg := createTestOrderConfig()

	if err := db.EnqueueOrder(cfg, "pending"); err != nil {
		t.Fatalf("Failed to enqueue order: %v", err)
	}

	retrieved, status, err := db.GetQueuedOrder(cfg.OrderID)
	if err != nil {
		t.Fatalf("Failed to get queued order: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Expected order, got nil")
	}
	if status != "pending" {
		t.Errorf("Expected status 'pending', got '%s'", status)
	}
	if retrieved.OrderID != cfg.OrderID {
		t.Errorf("Expected OrderID %s, got %s", cfg.OrderID, retrieved.OrderID)
	}
	if retrieved.SkillPackage.Name != cfg.SkillPackage.Name {
		t.Errorf("Expected skill name %s, got %s", cfg.SkillPackage.Name, retrieved.SkillPackage.Name)
	}
	if retrieved.CallbackURL != cfg.CallbackURL {
		t.Errorf("Expected CallbackURL %s, got %s", cfg.CallbackURL, retrieved.CallbackURL)
	}
	if retrieved.Input["text"] != "hello world" {
		t.Errorf("Expected input text preserved, got %v", retrieved.Input["text"])
	}
}

func TestExecutorDB_GetQueuedOrder_NotFound(t *testing.T) {
	db, cleanup := createTestExecutorDB(t)
	defer cleanup()

	cfg, status, err := db.GetQueuedOrder("missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg != nil || status != "" {
		t.Error("Expected nil config and empty status for missing order")
	}
}

func TestExecutorDB_EnqueueOrder_UpdatesStatus(t *testing.T) {
	db, cleanup := createTestExecutorDB(t)
	defer cleanup()

	cfg := createTestOrderConfig()

	if err := db.EnqueueOrder(cfg, "pending"); err != nil {
		t.Fatalf("Failed to enqueue order: %v", err)
	}
	if err := db.EnqueueOrder(cfg, "running"); err != nil {
		t.Fatalf("Failed to re-enqueue order: %v", err)
	}

	_, status, err := db.GetQueuedOrder(cfg.OrderID)
	if err != nil {
		t.Fatalf("Failed to get queued order: %v", err)
	}
	if status != "running" {
		t.Errorf("Expected status 'running' after update, got '%s'", status)
	}
}

func TestExecutorDB_SaveAndGetCommitResult(t *testing.T) {
	db, cleanup := createTestExecutorDB(t)
	defer cleanup()

	result := &models.CommitResult{
		OrderID:         "order_123",
		ResultURI:       "gist://abc123",
		ResultHash:      "deadbeefcafe",
		ExecutionTimeMs: 842,
		Status:          "success",
		ExecutionMode:   models.ExecutionSandbox,
	}

	wasInserted, err := db.SaveCommitResult(result)
	if err != nil {
		t.Fatalf("Failed to save commit result: %v", err)
	}
	if !wasInserted {
		t.Error("Expected wasInserted=true for first insert")
	}

	retrieved, err := db.GetCommitResult(result.OrderID)
	if err != nil {
		t.Fatalf("Failed to get commit result: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Expected commit result, got nil")
	}
	if retrieved.Status != "success" {
		t.Errorf("Expected status 'success', got '%s'", retrieved.Status)
	}
	if retrieved.ResultHash != result.ResultHash {
		t.Errorf("Expected ResultHash %s, got %s", result.ResultHash, retrieved.ResultHash)
	}
	if retrieved.ExecutionMode != models.ExecutionSandbox {
		t.Errorf("Expected ExecutionMode sandbox, got %s", retrieved.ExecutionMode)
	}
}

func TestExecutorDB_SaveCommitResult_IdempotentOnRetry(t *testing.T) {
	db, cleanup := createTestExecutorDB(t)
	defer cleanup()

	result := &models.CommitResult{
		OrderID:       "order_retry",
		ResultHash:    "hash1",
		Status:        "success",
		ExecutionMode: models.ExecutionAI,
	}

	wasInserted, err := db.SaveCommitResult(result)
	if err != nil {
		t.Fatalf("Failed to save commit result first time: %v", err)
	}
	if !wasInserted {
		t.Error("Expected wasInserted=true for first insert")
	}

	// Simulate a retried commit attempt for the same order
	retry := *result
	retry.ResultHash = "hash2"
	wasInserted, err = db.SaveCommitResult(&retry)
	if err != nil {
		t.Fatalf("Failed to save duplicate commit result: %v", err)
	}
	if wasInserted {
		t.Error("Expected wasInserted=false for duplicate order_id")
	}

	retrieved, err := db.GetCommitResult(result.OrderID)
	if err != nil {
		t.Fatalf("Failed to get commit result: %v", err)
	}
	if retrieved.ResultHash != "hash1" {
		t.Errorf("Expected first ResultHash to be retained, got %s", retrieved.ResultHash)
	}
}

func TestExecutorDB_GetCommitResult_NotFound(t *testing.T) {
	db, cleanup := createTestExecutorDB(t)
	defer cleanup()

	result, err := db.GetCommitResult("missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != nil {
		t.Error("Expected nil result for missing order")
	}
}

func TestExecutorDB_NonceOperations(t *testing.T) {
	db, cleanup := createTestExecutorDB(t)
	defer cleanup()

	nonce := "test_nonce_123"

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

	if err := db.SaveNonce(nonce); err != nil {
		t.Fatalf("Failed to save nonce again: %v", err)
	}
}

func TestExecutorDB_CleanupOldNonces(t *testing.T) {
	db, cleanup := createTestExecutorDB(t)
	defer cleanup()

	if err := db.SaveNonce("nonce_a"); err != nil {
		t.Fatalf("Failed to save nonce_a: %v", err)
	}
	if err := db.SaveNonce("nonce_b"); err != nil {
		t.Fatalf("Failed to save nonce_b: %v", err)
	}

	futureTime := time.Now().Add(1 * time.Hour)
	if err := db.CleanupOldNonces(futureTime); err != nil {
		t.Fatalf("Failed to cleanup old nonces: %v", err)
	}

	seenA, _ := db.HasSeenNonce("nonce_a")
	seenB, _ := db.HasSeenNonce("nonce_b")
	if seenA || seenB {
		t.Error("Expected nonces to be cleaned up")
	}
}

func TestExecutorDB_Close(t *testing.T) {
	db, cleanup := createTestExecutorDB(t)
	defer cleanup()

	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}

	if err := db.SaveNonce("test"); err == nil {
		t.Error("Expected error when using closed database")
	}
}
