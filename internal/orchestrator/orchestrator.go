// Package orchestrator drives one order through commit, a self-check
// digest comparison, and best-effort failure notification, with fixed
// retry backoff and deadline-driven timeout.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"skillruntime/pkg/hasher"
	"skillruntime/pkg/models"
	"skillruntime/pkg/storage"

	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 300 * time.Second
	retryBackoff   = 1 * time.Second
)

// Committer is the subset of executor.Pipeline the Orchestrator drives.
type Committer interface {
	Commit(ctx context.Context, orderID string, pkg models.SkillPackage, input models.InputEnvelope, override *models.SandboxConfig) *models.CommitResult
}

// FailureCallback observes a non-Completed OrderResult. A panicking
// callback is caught and logged; it never aborts the
// remaining callbacks or the caller.
type FailureCallback func(result *models.OrderResult)

// Orchestrator runs execute_order's commit/verify/retry state machine.
type Orchestrator struct {
	commit          Committer
	storageProvider storage.Provider
	log             zerolog.Logger

	mu        sync.Mutex
	callbacks []FailureCallback
}

// New constructs an Orchestrator. storageProvider is used only for the
// self-check's storage round trip, not for the commit itself (the
// Committer already uploads as part of Commit).
func New(commit Committer, storageProvider storage.Provider, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{commit: commit, storageProvider: storageProvider, log: log}
}

// RegisterFailureCallback adds a callback fired on every Failed or Timeout
// terminal result. Completed results never fire callbacks.
func (o *Orchestrator) RegisterFailureCallback(cb FailureCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = append(o.callbacks, cb)
}

// ClearFailureCallbacks removes every registered callback.
func (o *Orchestrator) ClearFailureCallbacks() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = nil
}

func (o *Orchestrator) triggerFailureCallbacks(result *models.OrderResult) {
	o.mu.Lock()
	callbacks := make([]FailureCallback, len(o.callbacks))
	copy(callbacks, o.callbacks)
	o.mu.Unlock()

	for _, cb := range callbacks {
		o.invokeCallback(cb, result)
	}
}

func (o *Orchestrator) invokeCallback(cb FailureCallback, result *models.OrderResult) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("order_id", result.OrderID).Interface("panic", r).
				Msg("orchestrator: failure callback panicked")
		}
	}()
	cb(result)
}

// ExecuteOrder runs cfg to a terminal OrderResult: it commits (retrying up
// to cfg.MaxRetries times on commit failure, with a fixed 1-second backoff
// between attempts), self-checks the committed digest, and fires every
// registered failure callback unless the terminal status is Completed. A
// deadline hit in any attempt transitions straight to Timeout without
// consuming a further retry.
func (o *Orchestrator) ExecuteOrder(ctx context.Context, cfg models.OrderConfig) *models.OrderResult {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var result *models.OrderResult
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		o.log.Info().Str("order_id", cfg.OrderID).Int("attempt", attempt+1).Msg("orchestrator: starting commit")
		result = o.executeOnce(ctx, cfg, timeout)

		if result.Status == models.OrderCompleted {
			return result
		}
		if result.Status == models.OrderTimeout {
			break
		}
		if attempt < cfg.MaxRetries {
			o.log.Warn().Str("order_id", cfg.OrderID).Int("attempt", attempt+1).Int("max_retries", cfg.MaxRetries).
				Msg("orchestrator: retrying after commit failure")
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				result = &models.OrderResult{
					OrderID:      cfg.OrderID,
					Status:       models.OrderTimeout,
					ErrorMessage: "context cancelled during retry backoff",
				}
				goto done
			}
		}
	}

done:
	if result.Status != models.OrderCompleted {
		o.triggerFailureCallbacks(result)
	}
	return result
}

func (o *Orchestrator) executeOnce(ctx context.Context, cfg models.OrderConfig, timeout time.Duration) *models.OrderResult {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	commitResult := o.commit.Commit(cctx, cfg.OrderID, cfg.SkillPackage, cfg.Input, cfg.SandboxConfig)
	elapsed := time.Since(start).Milliseconds()

	if cctx.Err() == context.DeadlineExceeded {
		o.log.Error().Str("order_id", cfg.OrderID).Int("timeout_seconds", cfg.TimeoutSeconds).
			Msg("orchestrator: execution timeout")
		return &models.OrderResult{
			OrderID:         cfg.OrderID,
			Status:          models.OrderTimeout,
			CommitResult:    commitResult,
			ExecutionTimeMs: elapsed,
			ErrorMessage:    fmt.Sprintf("execution timeout after %ds", cfg.TimeoutSeconds),
		}
	}

	if commitResult.Status != "success" {
		o.log.Error().Str("order_id", cfg.OrderID).Str("error", commitResult.ErrorMessage).
			Msg("orchestrator: commit failed")
		return &models.OrderResult{
			OrderID:         cfg.OrderID,
			Status:          models.OrderFailed,
			CommitResult:    commitResult,
			ExecutionTimeMs: elapsed,
			ErrorMessage:    commitResult.ErrorMessage,
		}
	}

	verification := o.selfCheck(cctx, commitResult)
	if verification.Error != "" || !verification.IsValid {
		reason := verification.Error
		if reason == "" {
			reason = fmt.Sprintf("self-check digest mismatch: expected=%s actual=%s", verification.ExpectedHash, verification.ActualHash)
		}
		o.log.Error().Str("order_id", cfg.OrderID).Str("error", reason).
			Msg("orchestrator: self-check failed")
		return &models.OrderResult{
			OrderID:         cfg.OrderID,
			Status:          models.OrderFailed,
			CommitResult:    commitResult,
			Verification:    verification,
			ExecutionTimeMs: elapsed,
			ErrorMessage:    reason,
		}
	}

	o.log.Info().Str("order_id", cfg.OrderID).Int64("execution_time_ms", elapsed).
		Msg("orchestrator: order completed")
	return &models.OrderResult{
		OrderID:         cfg.OrderID,
		Status:          models.OrderCompleted,
		CommitResult:    commitResult,
		Verification:    verification,
		ExecutionTimeMs: elapsed,
	}
}

// selfCheck re-fetches the just-committed blob from storage and recomputes
// its digest, comparing against what Commit claimed. This is deliberately
// not the full adversarial replay the Watcher performs out-of-band — it
// only catches a storage round-trip or accounting defect in the Executor's
// own process.
func (o *Orchestrator) selfCheck(ctx context.Context, commitResult *models.CommitResult) *models.VerificationResult {
	raw, err := storage.FetchResult(ctx, o.storageProvider, commitResult.ResultURI)
	if err != nil {
		return &models.VerificationResult{Error: fmt.Sprintf("self-check fetch: %v", err)}
	}
	actualHash, err := hasher.Digest(json.RawMessage(raw))
	if err != nil {
		return &models.VerificationResult{Error: fmt.Sprintf("self-check digest: %v", err)}
	}
	return &models.VerificationResult{
		IsValid:      actualHash == commitResult.ResultHash,
		ExpectedHash: commitResult.ResultHash,
		ActualHash:   actualHash,
	}
}
