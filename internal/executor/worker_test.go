package executor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"skillruntime/internal/orchestrator"
	"skillruntime/pkg/auth"
	"skillruntime/pkg/db"
	"skillruntime/pkg/models"
	"skillruntime/pkg/sandbox"
	"skillruntime/pkg/storage"
)

func newTestExecutorDB(t *testing.T) *db.ExecutorDB {
	path := filepath.Join(t.TempDir(), "executor.db")
	edb, err := db.NewExecutorDB(path)
	if err != nil {
		t.Fatalf("failed to open executor db: %v", err)
	}
	t.Cleanup(func() { edb.Close() })
	return edb
}

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		status int
		err    error
		want   bool
	}{
		{0, assertErr{}, true},
		{http.StatusTooManyRequests, nil, true},
		{http.StatusInternalServerError, nil, true},
		{http.StatusBadRequest, nil, false},
		{http.StatusOK, nil, false},
	}
	for _, c := range cases {
		if got := shouldRetry(c.status, c.err); got != c.want {
			t.Errorf("shouldRetry(%d, %v) = %v, want %v", c.status, c.err, got, c.want)
		}
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestCalculateBackoffDelayCapsAtMaxDelay(t *testing.T) {
	delay := calculateBackoffDelay(20)
	if delay > MaxDelay {
		t.Errorf("expected delay capped at %v, got %v", MaxDelay, delay)
	}
}

func TestWorkerPoolProcessesQueuedOrderAndSendsCallback(t *testing.T) {
	var received models.CommitResult
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode callback body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	edb := newTestExecutorDB(t)

	engine := sandbox.NewMockEngine()
	engine.Responders["skill:worker-test"] = sandbox.MockResponder{
		Stdout:   []byte(`{"ok":true}`),
		ExitCode: 0,
	}
	sb := sandbox.New(engine)
	provider := storage.NewLocalProvider(t.TempDir())
	pipeline := New(sb, nil, provider, testLogger())
	orch := orchestrator.New(pipeline, provider, testLogger())

	hmacAuth := auth.NewHMACAuth(map[string]string{"executor-kid-1": "test-secret"}, 0)
	pool := NewWorkerPool(1, edb, orch, hmacAuth, "executor-kid-1", testLogger())

	cfg := &models.OrderConfig{
		OrderID: "order_worker_1",
		SkillPackage: models.SkillPackage{
			ExecutionMode: models.ExecutionSandbox,
			Runtime: models.RuntimeDescriptor{
				DockerImage: "skill:worker-test",
				Entrypoint:  "main.py",
			},
		},
		Input:          models.InputEnvelope{"text": "hi"},
		TimeoutSeconds: 5,
		CallbackURL:    server.URL,
	}
	if err := edb.EnqueueOrder(cfg, "pending"); err != nil {
		t.Fatalf("failed to enqueue order: %v", err)
	}

	pool.Start()
	defer pool.Stop()

	select {
	case pool.jobQueue <- cfg:
	case <-time.After(time.Second):
		t.Fatal("timed out pushing job directly to queue")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}

	if received.OrderID != cfg.OrderID {
		t.Errorf("expected callback for order %s, got %s", cfg.OrderID, received.OrderID)
	}
	if received.Status != "success" {
		t.Errorf("expected success status, got %s", received.Status)
	}

	stored, err := edb.GetCommitResult(cfg.OrderID)
	if err != nil {
		t.Fatalf("failed to get commit result: %v", err)
	}
	if stored == nil {
		t.Fatal("expected commit result to be persisted")
	}
}
