// Package challenger implements the on-chain dispute path: replay a
// committed order through the Verifier, and if the replay disagrees with
// what the Executor claimed, submit a challenge instruction against the
// order's escrow account.
package challenger

import (
	"context"
	"fmt"
	"time"

	"skillruntime/pkg/chain"
	"skillruntime/pkg/models"

	"github.com/rs/zerolog"
)

// Verifier is the subset of internal/verifier.Verifier the Challenger needs.
type Verifier interface {
	Verify(ctx context.Context, orderID string) *models.VerificationResult
}

// Submitter is the subset of chain.Client the Challenger needs, so tests can
// stub out the RPC round trip.
type Submitter interface {
	SubmitChallenge(ctx context.Context, instr chain.Instruction, orderID string) (string, error)
}

// Challenger runs verify-then-challenge against a single escrow program.
type Challenger struct {
	verifier        Verifier
	client          Submitter
	identity        *chain.Keypair
	escrowProgramID string
	log             *ChallengeLog
	zlog            zerolog.Logger
}

// New constructs a Challenger. escrowProgramID is the on-chain program the
// challenge instruction is built against; identity signs and is cited as the
// challenger account.
func New(verifier Verifier, client Submitter, identity *chain.Keypair, escrowProgramID string, log *ChallengeLog, zlog zerolog.Logger) *Challenger {
	return &Challenger{
		verifier:        verifier,
		client:          client,
		identity:        identity,
		escrowProgramID: escrowProgramID,
		log:             log,
		zlog:            zlog,
	}
}

// ChallengeIfInvalid replays orderID's execution and, only when the replay
// produces a digest that disagrees with the committed one, submits an
// on-chain challenge against orderAccount (the order's escrow account
// pubkey). A verification process failure is never itself a mismatch and
// never triggers a challenge — it is logged as Rejected with the process
// error as its reason, mirroring the "result valid" no-op path.
func (c *Challenger) ChallengeIfInvalid(ctx context.Context, orderID, orderAccount string) *models.ChallengeResult {
	verification := c.verifier.Verify(ctx, orderID)

	var result *models.ChallengeResult
	switch {
	case verification.Error != "":
		c.zlog.Warn().Str("order_id", orderID).Str("error", verification.Error).
			Msg("challenger: verification did not complete, no challenge submitted")
		result = &models.ChallengeResult{
			OrderID:     orderID,
			Status:      models.ChallengeRejected,
			ErrorReason: verification.Error,
			Timestamp:   time.Now(),
		}
	case verification.IsValid:
		c.zlog.Info().Str("order_id", orderID).Msg("challenger: result valid, no challenge submitted")
		result = &models.ChallengeResult{
			OrderID:     orderID,
			Status:      models.ChallengeRejected,
			ErrorReason: "result valid",
			Timestamp:   time.Now(),
		}
	default:
		result = c.submitChallenge(ctx, orderID, orderAccount, verification)
	}

	if err := c.log.Append(result); err != nil {
		c.zlog.Error().Str("order_id", orderID).Err(err).Msg("challenger: failed to persist challenge log entry")
	}
	return result
}

func (c *Challenger) submitChallenge(ctx context.Context, orderID, orderAccount string, verification *models.VerificationResult) *models.ChallengeResult {
	description := fmt.Sprintf("digest mismatch: expected=%s actual=%s", verification.ExpectedHash, verification.ActualHash)
	proof := chain.ProofBlob(description)
	instr := chain.BuildChallengeInstruction(c.escrowProgramID, orderAccount, c.identity.PublicKeyBase58(), proof)

	c.zlog.Warn().Str("order_id", orderID).Str("expected", verification.ExpectedHash).Str("actual", verification.ActualHash).
		Msg("challenger: digest mismatch detected, submitting challenge")

	sig, err := c.client.SubmitChallenge(ctx, instr, orderID)
	if err != nil {
		c.zlog.Error().Str("order_id", orderID).Err(err).Msg("challenger: challenge submission failed")
		return &models.ChallengeResult{
			OrderID:     orderID,
			Status:      models.ChallengeFailed,
			ErrorReason: err.Error(),
			Timestamp:   time.Now(),
		}
	}

	c.zlog.Info().Str("order_id", orderID).Str("tx_signature", sig).Msg("challenger: challenge submitted")
	return &models.ChallengeResult{
		OrderID:     orderID,
		Status:      models.ChallengeSubmitted,
		TxSignature: sig,
		Timestamp:   time.Now(),
	}
}

// Stats returns challenge outcome counts by status, across every order this
// process has challenged.
func (c *Challenger) Stats() map[models.ChallengeStatus]int {
	return c.log.Stats()
}
