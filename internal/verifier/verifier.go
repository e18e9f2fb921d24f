// Package verifier implements the Verifier Pipeline: deterministic replay
// of a committed order and byte-exact digest comparison against what the
// Executor claimed.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"

	"skillruntime/internal/executor"
	"skillruntime/pkg/hasher"
	"skillruntime/pkg/models"
	"skillruntime/pkg/sandbox"
	"skillruntime/pkg/storage"

	"github.com/rs/zerolog"
)

// OrderSource is the watcher's view onto ledger-tracked orders.
type OrderSource interface {
	GetOrder(orderID string) (*models.Order, error)
}

// SkillRegistry resolves a skill identifier to the package the Executor
// claims to have run. A process failure to resolve is a verification
// error, never a mismatch.
type SkillRegistry interface {
	Resolve(ctx context.Context, skillID string) (models.SkillPackage, error)
}

// InputSource fetches the original input envelope an order was committed
// against, from wherever it was preserved (storage, or ledger event data).
type InputSource interface {
	FetchInput(ctx context.Context, order *models.Order) (models.InputEnvelope, error)
}

// Verifier replays a committed order's execution and compares digests.
type Verifier struct {
	orders  OrderSource
	skills  SkillRegistry
	inputs  InputSource
	sandbox *sandbox.Sandbox
	ai      *executor.AIExecutor
	log     zerolog.Logger
}

// New constructs a Verifier. ai may be nil if no AI provider is configured;
// verification of an AI-mode order then reports a process error rather than
// a false mismatch.
func New(orders OrderSource, skills SkillRegistry, inputs InputSource, sb *sandbox.Sandbox, ai *executor.AIExecutor, log zerolog.Logger) *Verifier {
	return &Verifier{orders: orders, skills: skills, inputs: inputs, sandbox: sb, ai: ai, log: log}
}

// processError builds a VerificationResult for a failure that occurred
// before a meaningful digest comparison was possible. IsValid is left at
// its zero value; callers MUST check Error first — a non-empty Error means
// IsValid carries no meaning, since "is_valid = false" is reserved
// exclusively for an actual digest mismatch.
func processError(format string, args ...interface{}) *models.VerificationResult {
	return &models.VerificationResult{Error: fmt.Sprintf(format, args...)}
}

// Verify replays order_id's execution and byte-compares the recomputed
// digest against the committed one.
func (v *Verifier) Verify(ctx context.Context, orderID string) *models.VerificationResult {
	order, err := v.orders.GetOrder(orderID)
	if err != nil {
		v.log.Error().Str("order_id", orderID).Err(err).Msg("verifier: failed to fetch order")
		return processError("fetch order: %v", err)
	}
	if order == nil {
		return processError("order not found: %s", orderID)
	}

	pkg, err := v.skills.Resolve(ctx, order.SkillID)
	if err != nil {
		v.log.Error().Str("order_id", orderID).Err(err).Msg("verifier: failed to resolve skill package")
		return processError("resolve skill package: %v", err)
	}

	input, err := v.inputs.FetchInput(ctx, order)
	if err != nil {
		v.log.Error().Str("order_id", orderID).Err(err).Msg("verifier: failed to fetch input envelope")
		return processError("fetch input envelope: %v", err)
	}

	output, err := v.replay(ctx, pkg, input)
	if err != nil {
		v.log.Error().Str("order_id", orderID).Err(err).Msg("verifier: replay execution failed")
		return processError("replay execution: %v", err)
	}

	actualHash, err := hasher.Digest(json.RawMessage(output))
	if err != nil {
		return processError("digest recomputed output: %v", err)
	}

	isValid := actualHash == order.ResultHash
	if !isValid {
		v.log.Warn().Str("order_id", orderID).Str("expected", order.ResultHash).Str("actual", actualHash).
			Msg("verifier: digest mismatch")
	}
	return &models.VerificationResult{
		IsValid:      isValid,
		ExpectedHash: order.ResultHash,
		ActualHash:   actualHash,
	}
}

func (v *Verifier) replay(ctx context.Context, pkg models.SkillPackage, input models.InputEnvelope) (json.RawMessage, error) {
	switch pkg.ExecutionMode {
	case models.ExecutionSandbox:
		return v.sandbox.Execute(ctx, pkg, input, nil)
	case models.ExecutionAI:
		if v.ai == nil {
			return nil, fmt.Errorf("AI execution mode requested but no provider is configured")
		}
		out, _, _, err := v.ai.ExecuteSkill(ctx, pkg, input)
		return out, err
	default:
		return nil, fmt.Errorf("unknown execution mode %q", pkg.ExecutionMode)
	}
}

// --- default registry/input-source implementations ------------------------

// InMemorySkillRegistry resolves skill packages from a registry populated
// at startup (cmd/executor, cmd/watcher and cmd/verifier load it from the
// JSON file at Config.SkillRegistryPath).
type InMemorySkillRegistry struct {
	packages map[string]models.SkillPackage
}

// NewInMemorySkillRegistry constructs an empty registry.
func NewInMemorySkillRegistry() *InMemorySkillRegistry {
	return &InMemorySkillRegistry{packages: make(map[string]models.SkillPackage)}
}

// Register adds or replaces a skill package under its "name@version" ID.
func (r *InMemorySkillRegistry) Register(skillID string, pkg models.SkillPackage) {
	r.packages[skillID] = pkg
}

// Resolve implements SkillRegistry.
func (r *InMemorySkillRegistry) Resolve(ctx context.Context, skillID string) (models.SkillPackage, error) {
	pkg, ok := r.packages[skillID]
	if !ok {
		return models.SkillPackage{}, fmt.Errorf("skill package not found for id %q", skillID)
	}
	return pkg, nil
}

// StorageInputSource fetches a preserved input envelope from the content-
// addressed storage backend at order.InputURI.
type StorageInputSource struct {
	provider storage.Provider
}

// NewStorageInputSource constructs a StorageInputSource.
func NewStorageInputSource(provider storage.Provider) *StorageInputSource {
	return &StorageInputSource{provider: provider}
}

// FetchInput implements InputSource.
func (s *StorageInputSource) FetchInput(ctx context.Context, order *models.Order) (models.InputEnvelope, error) {
	if order.InputURI == "" {
		return nil, fmt.Errorf("order %s has no preserved input envelope", order.ID)
	}
	raw, err := storage.FetchResult(ctx, s.provider, order.InputURI)
	if err != nil {
		return nil, err
	}
	var input models.InputEnvelope
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("decode input envelope: %w", err)
	}
	return input, nil
}
