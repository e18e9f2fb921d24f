package challenger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"skillruntime/pkg/chain"
	"skillruntime/pkg/db"
	"skillruntime/pkg/models"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).With().Timestamp().Logger()
}

func testKeypair(t *testing.T) *chain.Keypair {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}
	kp, err := chain.ParseKeypair(base58.Encode(priv))
	if err != nil {
		t.Fatalf("failed to parse keypair: %v", err)
	}
	return kp
}

func testWatcherDB(t *testing.T) *db.WatcherDB {
	wdb, err := db.NewWatcherDB(filepath.Join(t.TempDir(), "watcher.db"))
	if err != nil {
		t.Fatalf("failed to open watcher db: %v", err)
	}
	t.Cleanup(func() { wdb.Close() })
	return wdb
}

type fakeVerifier struct {
	result *models.VerificationResult
}

func (f *fakeVerifier) Verify(ctx context.Context, orderID string) *models.VerificationResult {
	return f.result
}

type fakeSubmitter struct {
	sig string
	err error
}

func (f *fakeSubmitter) SubmitChallenge(ctx context.Context, instr chain.Instruction, orderID string) (string, error) {
	return f.sig, f.err
}

func TestChallengeIfInvalidSkipsWhenResultValid(t *testing.T) {
	verifier := &fakeVerifier{result: &models.VerificationResult{IsValid: true}}
	submitter := &fakeSubmitter{sig: "should-not-be-called"}
	log := NewChallengeLog(testWatcherDB(t))
	c := New(verifier, submitter, testKeypair(t), "escrow_program", log, testLogger())

	result := c.ChallengeIfInvalid(context.Background(), "order_1", "order_1_account")
	if result.Status != models.ChallengeRejected {
		t.Errorf("expected rejected, got %s", result.Status)
	}
	if result.ErrorReason != "result valid" {
		t.Errorf("expected reason 'result valid', got %q", result.ErrorReason)
	}
	if result.TxSignature != "" {
		t.Error("no challenge should have been submitted")
	}
}

func TestChallengeIfInvalidSkipsOnProcessError(t *testing.T) {
	verifier := &fakeVerifier{result: &models.VerificationResult{Error: "fetch order: not found"}}
	submitter := &fakeSubmitter{sig: "should-not-be-called"}
	log := NewChallengeLog(testWatcherDB(t))
	c := New(verifier, submitter, testKeypair(t), "escrow_program", log, testLogger())

	result := c.ChallengeIfInvalid(context.Background(), "order_2", "order_2_account")
	if result.Status != models.ChallengeRejected {
		t.Errorf("expected rejected, got %s", result.Status)
	}
	if result.ErrorReason != "fetch order: not found" {
		t.Errorf("expected process error propagated as reason, got %q", result.ErrorReason)
	}
	if result.TxSignature != "" {
		t.Error("a process error must never trigger a challenge submission")
	}
}

func TestChallengeIfInvalidSubmitsOnMismatch(t *testing.T) {
	verifier := &fakeVerifier{result: &models.VerificationResult{
		IsValid:      false,
		ExpectedHash: "aaaa",
		ActualHash:   "bbbb",
	}}
	submitter := &fakeSubmitter{sig: "tx_abc123"}
	log := NewChallengeLog(testWatcherDB(t))
	c := New(verifier, submitter, testKeypair(t), "escrow_program", log, testLogger())

	result := c.ChallengeIfInvalid(context.Background(), "order_3", "order_3_account")
	if result.Status != models.ChallengeSubmitted {
		t.Fatalf("expected submitted, got %s: %s", result.Status, result.ErrorReason)
	}
	if result.TxSignature != "tx_abc123" {
		t.Errorf("expected submitted signature, got %q", result.TxSignature)
	}
}

func TestChallengeIfInvalidCollapsesSubmissionFailureToFailed(t *testing.T) {
	verifier := &fakeVerifier{result: &models.VerificationResult{
		IsValid:      false,
		ExpectedHash: "aaaa",
		ActualHash:   "bbbb",
	}}
	submitter := &fakeSubmitter{err: fmt.Errorf("rpc: connection refused")}
	log := NewChallengeLog(testWatcherDB(t))
	c := New(verifier, submitter, testKeypair(t), "escrow_program", log, testLogger())

	result := c.ChallengeIfInvalid(context.Background(), "order_4", "order_4_account")
	if result.Status != models.ChallengeFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.ErrorReason == "" {
		t.Error("expected submission error to be captured as the reason")
	}
}

func TestStatsCountsOutcomesByStatus(t *testing.T) {
	log := NewChallengeLog(testWatcherDB(t))
	valid := New(&fakeVerifier{result: &models.VerificationResult{IsValid: true}}, &fakeSubmitter{}, testKeypair(t), "escrow_program", log, testLogger())
	mismatch := New(&fakeVerifier{result: &models.VerificationResult{IsValid: false, ExpectedHash: "a", ActualHash: "b"}}, &fakeSubmitter{sig: "tx_1"}, testKeypair(t), "escrow_program", log, testLogger())
	failing := New(&fakeVerifier{result: &models.VerificationResult{IsValid: false, ExpectedHash: "a", ActualHash: "b"}}, &fakeSubmitter{err: fmt.Errorf("boom")}, testKeypair(t), "escrow_program", log, testLogger())

	valid.ChallengeIfInvalid(context.Background(), "o1", "o1_account")
	mismatch.ChallengeIfInvalid(context.Background(), "o2", "o2_account")
	failing.ChallengeIfInvalid(context.Background(), "o3", "o3_account")

	stats := valid.Stats()
	if stats[models.ChallengeRejected] != 1 {
		t.Errorf("expected 1 rejected, got %d", stats[models.ChallengeRejected])
	}
	if stats[models.ChallengeSubmitted] != 1 {
		t.Errorf("expected 1 submitted, got %d", stats[models.ChallengeSubmitted])
	}
	if stats[models.ChallengeFailed] != 1 {
		t.Errorf("expected 1 failed, got %d", stats[models.ChallengeFailed])
	}
}
