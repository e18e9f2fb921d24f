// Package models defines the shared data model of the Skill Runtime
// Environment: orders, skill packages, pipeline outcomes, and the
// on-chain events that drive them.
package models

import (
	"encoding/json"
	"time"
)

// OrderStatus is the lifecycle state of an Order as tracked on the ledger.
type OrderStatus string

const (
	OrderCreated    OrderStatus = "created"
	OrderFunded     OrderStatus = "funded"
	OrderCommitted  OrderStatus = "committed"
	OrderChallenged OrderStatus = "challenged"
	OrderReleased   OrderStatus = "released"
	OrderCancelled  OrderStatus = "cancelled"
)

// ExecutionMode selects how a skill package is run.
type ExecutionMode string

const (
	ExecutionSandbox ExecutionMode = "sandbox"
	ExecutionAI      ExecutionMode = "ai"
)

// Order is the unit of work referenced by an on-chain escrow account.
// The runtime never mutates an Order directly; it only submits instructions.
type Order struct {
	ID             string      `json:"order_id" db:"id"`
	ClientID       string      `json:"client_id" db:"client_id"`
	ExecutorID     string      `json:"executor_id" db:"executor_id"`
	SkillID        string      `json:"skill_id" db:"skill_id"`
	InputURI       string      `json:"input_uri,omitempty" db:"input_uri"`
	ResultHash     string      `json:"result_hash,omitempty" db:"result_hash"`
	Status         OrderStatus `json:"status" db:"status"`
	DisputeDeadline time.Time  `json:"dispute_deadline" db:"dispute_deadline"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// RuntimeDescriptor describes how to execute a Sandbox-mode skill package.
type RuntimeDescriptor struct {
	DockerImage     string `json:"docker_image"`
	Entrypoint      string `json:"entrypoint"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
}

// SkillPackage is the immutable, content-addressed manifest describing a skill.
type SkillPackage struct {
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Category      string            `json:"category"`
	InputSchema   json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema  json.RawMessage   `json:"output_schema,omitempty"`
	ExecutionMode ExecutionMode     `json:"execution_mode"`
	Runtime       RuntimeDescriptor `json:"runtime,omitempty"`
	ContentDigest string            `json:"content_digest"`
}

// InputEnvelope is the JSON object passed to a skill. Invariants (enforced
// before any execution attempt): serialized size <= 100 KiB, top-level
// field count <= 20.
type InputEnvelope map[string]interface{}

// CommitResult is the outcome of the Executor Pipeline's commit path.
type CommitResult struct {
	OrderID         string        `json:"order_id"`
	ResultURI       string        `json:"result_uri,omitempty"`
	ResultHash      string        `json:"result_hash,omitempty"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
	Status          string        `json:"status"` // "success" | "failed"
	ErrorMessage    string        `json:"error_message,omitempty"`
	ExecutionMode   ExecutionMode `json:"execution_mode"`
	ModelUsed       string        `json:"model_used,omitempty"`
	TokensUsed      int           `json:"tokens_used,omitempty"`
}

// VerificationResult is the outcome of the Verifier Pipeline's replay path.
type VerificationResult struct {
	IsValid      bool   `json:"is_valid"`
	Error        string `json:"error,omitempty"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
}

// ChallengeStatus is the outcome status of a challenge attempt.
type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeSubmitted ChallengeStatus = "submitted"
	ChallengeAccepted  ChallengeStatus = "accepted"
	ChallengeRejected  ChallengeStatus = "rejected"
	ChallengeFailed    ChallengeStatus = "failed"
)

// ChallengeResult is appended to the process-wide ChallengeLog.
type ChallengeResult struct {
	OrderID      string          `json:"order_id"`
	Status       ChallengeStatus `json:"status"`
	ErrorReason  string          `json:"error_reason,omitempty"`
	TxSignature  string          `json:"tx_signature,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// OrderTerminalStatus is the terminal state of an Orchestrator run.
type OrderTerminalStatus string

const (
	OrderCompleted OrderTerminalStatus = "completed"
	OrderFailed    OrderTerminalStatus = "failed"
	OrderTimeout   OrderTerminalStatus = "timeout"
)

// OrderConfig configures one Orchestrator invocation.
type OrderConfig struct {
	OrderID        string
	SkillPackage   SkillPackage
	Input          InputEnvelope
	TimeoutSeconds int
	MaxRetries     int
	CallbackURL    string
	SandboxConfig  *SandboxConfig
}

// SandboxConfig overrides the default resource limits of a sandbox invocation.
type SandboxConfig struct {
	MemLimit         string
	CPUPeriod        int
	CPUQuota         int
	TimeoutSeconds   int
	NetworkDisabled  bool
}

// DefaultSandboxConfig returns the normative resource defaults.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MemLimit:        "512m",
		CPUPeriod:       100000,
		CPUQuota:        50000,
		TimeoutSeconds:  30,
		NetworkDisabled: true,
	}
}

// OrderResult is the Orchestrator's output for one execute_order call.
type OrderResult struct {
	OrderID         string               `json:"order_id"`
	Status          OrderTerminalStatus  `json:"status"`
	CommitResult    *CommitResult        `json:"commit_result,omitempty"`
	Verification    *VerificationResult  `json:"verification,omitempty"`
	ExecutionTimeMs int64                `json:"execution_time_ms"`
	ErrorMessage    string               `json:"error_message,omitempty"`
}

// ChainEventKind enumerates the recognized program-log event categories.
type ChainEventKind string

const (
	EventSkillRegistered      ChainEventKind = "skill.registered"
	EventSkillUpdated         ChainEventKind = "skill.updated"
	EventSkillDeprecated      ChainEventKind = "skill.deprecated"
	EventAgentCreated         ChainEventKind = "agent.created"
	EventAgentUpdated         ChainEventKind = "agent.updated"
	EventAgentClosed          ChainEventKind = "agent.closed"
	EventEscrowCreated        ChainEventKind = "escrow.created"
	EventEscrowFunded         ChainEventKind = "escrow.funded"
	EventResultCommitted      ChainEventKind = "escrow.result_committed"
	EventEscrowReleased       ChainEventKind = "escrow.released"
	EventEscrowCancelled      ChainEventKind = "escrow.cancelled"
	EventEscrowDisputed       ChainEventKind = "escrow.disputed"
	EventTransferHookInit     ChainEventKind = "transferhook.initialized"
	EventTransferHookConfig   ChainEventKind = "transferhook.config_updated"
	EventTransferHookHooked   ChainEventKind = "transferhook.transfer_hooked"
	EventUnknown              ChainEventKind = "unknown"
)

// ChainEvent is a typed record emitted by the Log Parser. Immutable after emission.
type ChainEvent struct {
	Kind      ChainEventKind         `json:"kind"`
	Signature string                 `json:"signature"`
	Slot      uint64                 `json:"slot"`
	Timestamp time.Time              `json:"timestamp"`
	ProgramID string                 `json:"program_id"`
	Data      map[string]interface{} `json:"data"`
	RawLines  []string               `json:"raw_lines"`
}

// ErrorResponse is the standard JSON error envelope for HTTP and CLI surfaces.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"`
}

// ErrorDetails carries the structured fields of an ErrorResponse.
type ErrorDetails struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
