// Package executor implements the Executor Pipeline: the commit path that
// turns a skill package and an input envelope into a storable
// CommitResult, plus the AI Executor provider chain and worker pool that
// drive it from a queue of orders.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"skillruntime/pkg/hasher"
	"skillruntime/pkg/models"
	"skillruntime/pkg/sandbox"
	"skillruntime/pkg/storage"

	"github.com/rs/zerolog"
)

// Pipeline executes a skill package against an input envelope and produces
// the payload an on-chain submitter needs. It never submits a transaction
// itself.
type Pipeline struct {
	sandbox     *sandbox.Sandbox
	ai          *AIExecutor
	storageImpl storage.Provider
	log         zerolog.Logger
}

// New constructs a Pipeline. ai may be nil if no provider credentials are
// configured; AI-mode commits will then fail at execution time rather than
// at construction time, matching the graceful-degradation pattern used
// elsewhere in the runtime.
func New(sb *sandbox.Sandbox, ai *AIExecutor, storageProvider storage.Provider, log zerolog.Logger) *Pipeline {
	return &Pipeline{sandbox: sb, ai: ai, storageImpl: storageProvider, log: log}
}

// Commit runs pkg against input per pkg.ExecutionMode, digests and uploads
// the result, and returns a CommitResult. Any failure in execution, digest,
// or upload collapses to status=Failed with ErrorMessage set; ExecutionTimeMs
// is measured in all cases.
func (p *Pipeline) Commit(ctx context.Context, orderID string, pkg models.SkillPackage, input models.InputEnvelope, override *models.SandboxConfig) *models.CommitResult {
	start := time.Now()
	result := &models.CommitResult{
		OrderID:       orderID,
		ExecutionMode: pkg.ExecutionMode,
	}

	output, modelUsed, tokensUsed, err := p.runExecution(ctx, pkg, input, override)
	if err != nil {
		result.Status = "failed"
		result.ErrorMessage = err.Error()
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		p.log.Error().Str("order_id", orderID).Err(err).Msg("executor: commit failed during execution")
		return result
	}

	digest, err := hasher.Digest(json.RawMessage(output))
	if err != nil {
		result.Status = "failed"
		result.ErrorMessage = fmt.Sprintf("digest: %v", err)
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		p.log.Error().Str("order_id", orderID).Err(err).Msg("executor: commit failed during digest")
		return result
	}

	uri, err := storage.StoreResult(ctx, p.storageImpl, orderID, output)
	if err != nil {
		result.Status = "failed"
		result.ErrorMessage = fmt.Sprintf("upload: %v", err)
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		p.log.Error().Str("order_id", orderID).Err(err).Msg("executor: commit failed during upload")
		return result
	}

	result.ResultURI = uri
	result.ResultHash = digest
	result.Status = "success"
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	result.ModelUsed = modelUsed
	result.TokensUsed = tokensUsed
	p.log.Info().Str("order_id", orderID).Str("result_hash", digest).
		Int64("execution_time_ms", result.ExecutionTimeMs).Msg("executor: commit succeeded")
	return result
}

func (p *Pipeline) runExecution(ctx context.Context, pkg models.SkillPackage, input models.InputEnvelope, override *models.SandboxConfig) (json.RawMessage, string, int, error) {
	switch pkg.ExecutionMode {
	case models.ExecutionSandbox:
		out, err := p.sandbox.Execute(ctx, pkg, input, override)
		return out, "", 0, err
	case models.ExecutionAI:
		if p.ai == nil {
			return nil, "", 0, fmt.Errorf("executor: AI execution mode requested but no provider is configured")
		}
		out, modelUsed, tokens, err := p.ai.ExecuteSkill(ctx, pkg, input)
		return out, modelUsed, tokens, err
	default:
		return nil, "", 0, fmt.Errorf("executor: unknown execution mode %q", pkg.ExecutionMode)
	}
}
