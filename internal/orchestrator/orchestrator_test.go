package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"skillruntime/pkg/hasher"
	"skillruntime/pkg/models"
	"skillruntime/pkg/storage"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).With().Timestamp().Logger()
}

type fakeCommitter struct {
	mu       sync.Mutex
	calls    int
	results  []*models.CommitResult
	delay    time.Duration
	blockCtx bool
}

func (f *fakeCommitter) Commit(ctx context.Context, orderID string, pkg models.SkillPackage, input models.InputEnvelope, override *models.SandboxConfig) *models.CommitResult {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if f.blockCtx {
		<-ctx.Done()
		return &models.CommitResult{OrderID: orderID, Status: "failed", ErrorMessage: "cancelled"}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &models.CommitResult{OrderID: orderID, Status: "failed", ErrorMessage: "cancelled"}
		}
	}
	if idx < len(f.results) {
		return f.results[idx]
	}
	return f.results[len(f.results)-1]
}

func storeAndHash(t *testing.T, provider storage.Provider, orderID string, payload []byte) (uri, hash string) {
	t.Helper()
	uri, err := storage.StoreResult(context.Background(), provider, orderID, payload)
	if err != nil {
		t.Fatalf("failed to store result: %v", err)
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	digest, err := hasher.Digest(v)
	if err != nil {
		t.Fatalf("failed to compute digest: %v", err)
	}
	return uri, digest
}

func TestExecuteOrderCompletesOnSuccessfulSelfCheck(t *testing.T) {
	provider := storage.NewLocalProvider(t.TempDir())
	uri, hash := storeAndHash(t, provider, "order_ok", []byte(`{"ok":true}`))

	committer := &fakeCommitter{results: []*models.CommitResult{
		{OrderID: "order_ok", Status: "success", ResultURI: uri, ResultHash: hash},
	}}

	o := New(committer, provider, testLogger())
	var firedCallback int32
	o.RegisterFailureCallback(func(result *models.OrderResult) { atomic.AddInt32(&firedCallback, 1) })

	result := o.ExecuteOrder(context.Background(), models.OrderConfig{
		OrderID: "order_ok", TimeoutSeconds: 5,
	})

	if result.Status != models.OrderCompleted {
		t.Fatalf("expected completed, got %s: %s", result.Status, result.ErrorMessage)
	}
	if atomic.LoadInt32(&firedCallback) != 0 {
		t.Error("completed orders must not fire failure callbacks")
	}
}

func TestExecuteOrderRetriesOnCommitFailureThenSucceeds(t *testing.T) {
	provider := storage.NewLocalProvider(t.TempDir())
	uri, hash := storeAndHash(t, provider, "order_retry", []byte(`{"ok":true}`))

	committer := &fakeCommitter{results: []*models.CommitResult{
		{OrderID: "order_retry", Status: "failed", ErrorMessage: "transient sandbox error"},
		{OrderID: "order_retry", Status: "success", ResultURI: uri, ResultHash: hash},
	}}

	o := New(committer, provider, testLogger())
	result := o.ExecuteOrder(context.Background(), models.OrderConfig{
		OrderID: "order_retry", TimeoutSeconds: 5, MaxRetries: 1,
	})

	if result.Status != models.OrderCompleted {
		t.Fatalf("expected completed after retry, got %s: %s", result.Status, result.ErrorMessage)
	}
	if committer.calls != 2 {
		t.Errorf("expected exactly 2 commit attempts, got %d", committer.calls)
	}
}

func TestExecuteOrderFailsAfterRetriesExhausted(t *testing.T) {
	committer := &fakeCommitter{results: []*models.CommitResult{
		{OrderID: "order_fail", Status: "failed", ErrorMessage: "permanent sandbox error"},
	}}

	o := New(committer, storage.NewLocalProvider(t.TempDir()), testLogger())
	var firedCallback int32
	o.RegisterFailureCallback(func(result *models.OrderResult) { atomic.AddInt32(&firedCallback, 1) })

	result := o.ExecuteOrder(context.Background(), models.OrderConfig{
		OrderID: "order_fail", TimeoutSeconds: 5, MaxRetries: 2,
	})

	if result.Status != models.OrderFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if committer.calls != 3 {
		t.Errorf("expected 1 initial attempt + 2 retries = 3 calls, got %d", committer.calls)
	}
	if atomic.LoadInt32(&firedCallback) != 1 {
		t.Errorf("expected exactly 1 failure callback invocation, got %d", firedCallback)
	}
}

func TestExecuteOrderTimesOutAndDoesNotRetry(t *testing.T) {
	committer := &fakeCommitter{blockCtx: true}

	o := New(committer, storage.NewLocalProvider(t.TempDir()), testLogger())
	result := o.ExecuteOrder(context.Background(), models.OrderConfig{
		OrderID: "order_timeout", TimeoutSeconds: 1, MaxRetries: 5,
	})

	if result.Status != models.OrderTimeout {
		t.Fatalf("expected timeout, got %s", result.Status)
	}
	if committer.calls != 1 {
		t.Errorf("a timeout must not be retried, got %d commit attempts", committer.calls)
	}
}

func TestExecuteOrderFailureCallbackPanicIsIsolated(t *testing.T) {
	committer := &fakeCommitter{results: []*models.CommitResult{
		{OrderID: "order_panic", Status: "failed", ErrorMessage: "boom"},
	}}

	o := New(committer, storage.NewLocalProvider(t.TempDir()), testLogger())
	var secondCallbackRan int32
	o.RegisterFailureCallback(func(result *models.OrderResult) { panic("callback exploded") })
	o.RegisterFailureCallback(func(result *models.OrderResult) { atomic.AddInt32(&secondCallbackRan, 1) })

	result := o.ExecuteOrder(context.Background(), models.OrderConfig{
		OrderID: "order_panic", TimeoutSeconds: 5,
	})

	if result.Status != models.OrderFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if atomic.LoadInt32(&secondCallbackRan) != 1 {
		t.Error("a panicking callback must not prevent subsequent callbacks from running")
	}
}
