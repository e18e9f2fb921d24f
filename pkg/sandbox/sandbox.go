// Package sandbox implements resource-bounded, network-disabled,
// deterministic skill execution: one container per invocation, with
// scoped acquisition of the container handle and guaranteed release on
// every exit path (success, failure, timeout, cancellation).
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"skillruntime/pkg/models"
)

// Errors surfaced by Execute, forming a typed failure taxonomy callers can
// switch on.
var (
	ErrInputTooLarge      = errors.New("sandbox: input too large")
	ErrTooManyFields      = errors.New("sandbox: too many fields")
	ErrContainerTimeout   = errors.New("sandbox: container timeout")
	ErrNonZeroExit        = errors.New("sandbox: non-zero exit")
	ErrInvalidOutput      = errors.New("sandbox: invalid output")
)

const (
	maxInputBytes = 100 * 1024
	maxFields     = 20
)

// Engine is the container-engine contract the sandbox consumes: run, wait,
// read logs, force-remove. Any implementation (a real Docker daemon client,
// a mock for tests) satisfies this.
type Engine interface {
	Run(ctx context.Context, image, command string, env map[string]string, cfg models.SandboxConfig) (Handle, error)
}

// Handle is a running (or exited) container's scoped lifetime.
type Handle interface {
	ID() string
	Wait(ctx context.Context, timeout time.Duration) (exitCode int, timedOut bool, err error)
	Logs(ctx context.Context) ([]byte, error)
	Stdout(ctx context.Context) ([]byte, error)
	Remove(ctx context.Context, force bool) error
}

// Sandbox executes skill packages against an Engine.
type Sandbox struct {
	engine Engine
}

// New constructs a Sandbox bound to engine.
func New(engine Engine) *Sandbox {
	return &Sandbox{engine: engine}
}

// ValidateInput enforces InputEnvelope size and shape invariants before any
// container is started.
func ValidateInput(input models.InputEnvelope) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	if len(raw) > maxInputBytes {
		return ErrInputTooLarge
	}
	if len(input) > maxFields {
		return ErrTooManyFields
	}
	return nil
}

// Execute runs pkg in a freshly-launched, resource-limited container and
// returns its decoded stdout as a SkillResult. The container handle is
// force-removed on every exit path, including context cancellation.
func (s *Sandbox) Execute(ctx context.Context, pkg models.SkillPackage, input models.InputEnvelope, override *models.SandboxConfig) (json.RawMessage, error) {
	if err := ValidateInput(input); err != nil {
		return nil, err
	}

	cfg := models.DefaultSandboxConfig()
	if pkg.Runtime.TimeoutSeconds > 0 && pkg.Runtime.TimeoutSeconds < cfg.TimeoutSeconds {
		cfg.TimeoutSeconds = pkg.Runtime.TimeoutSeconds
	}
	if override != nil {
		cfg = mergeOverride(cfg, *override)
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	env := map[string]string{"INPUT_JSON": string(inputJSON)}

	handle, err := s.engine.Run(ctx, pkg.Runtime.DockerImage, fmt.Sprintf("python %s", pkg.Runtime.Entrypoint), env, cfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: run: %w", err)
	}
	// Scoped acquisition: guarantee removal on every exit path below.
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = handle.Remove(removeCtx, true)
	}()

	exitCode, timedOut, err := handle.Wait(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
	if timedOut {
		return nil, ErrContainerTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox: wait: %w", err)
	}
	if exitCode != 0 {
		logs, _ := handle.Logs(ctx)
		return nil, fmt.Errorf("%w: exit code %d: %s", ErrNonZeroExit, exitCode, string(logs))
	}

	stdout, err := handle.Stdout(ctx)
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout: %w", err)
	}
	var probe interface{}
	if err := json.Unmarshal(stdout, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return json.RawMessage(stdout), nil
}

func mergeOverride(base models.SandboxConfig, override models.SandboxConfig) models.SandboxConfig {
	if override.MemLimit != "" {
		base.MemLimit = override.MemLimit
	}
	if override.CPUPeriod != 0 {
		base.CPUPeriod = override.CPUPeriod
	}
	if override.CPUQuota != 0 {
		base.CPUQuota = override.CPUQuota
	}
	if override.TimeoutSeconds != 0 {
		base.TimeoutSeconds = override.TimeoutSeconds
	}
	base.NetworkDisabled = override.NetworkDisabled || base.NetworkDisabled
	return base
}
