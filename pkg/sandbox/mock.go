package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"skillruntime/pkg/models"
)

// MockEngine is an in-memory Engine for tests: no daemon, no sockets. Each
// Run call is matched against a caller-supplied responder keyed by image.
type MockEngine struct {
	mu         sync.Mutex
	Responders map[string]MockResponder
	Removed    []string
}

// MockResponder produces a fixed outcome for a given image.
type MockResponder struct {
	Stdout   []byte
	ExitCode int
	TimesOut bool
	RunErr   error
}

// NewMockEngine constructs an empty MockEngine.
func NewMockEngine() *MockEngine {
	return &MockEngine{Responders: make(map[string]MockResponder)}
}

var _ Engine = (*MockEngine)(nil)

func (m *MockEngine) Run(ctx context.Context, image, command string, env map[string]string, cfg models.SandboxConfig) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.Responders[image]
	if !ok {
		return nil, fmt.Errorf("sandbox: no mock responder registered for image %q", image)
	}
	if resp.RunErr != nil {
		return nil, resp.RunErr
	}
	return &mockHandle{engine: m, id: image + "-mock", resp: resp}, nil
}

type mockHandle struct {
	engine *MockEngine
	id     string
	resp   MockResponder
}

var _ Handle = (*mockHandle)(nil)

func (h *mockHandle) ID() string { return h.id }

func (h *mockHandle) Wait(ctx context.Context, timeout time.Duration) (int, bool, error) {
	if h.resp.TimesOut {
		return 0, true, nil
	}
	return h.resp.ExitCode, false, nil
}

func (h *mockHandle) Logs(ctx context.Context) ([]byte, error) {
	return h.resp.Stdout, nil
}

func (h *mockHandle) Stdout(ctx context.Context) ([]byte, error) {
	return h.resp.Stdout, nil
}

func (h *mockHandle) Remove(ctx context.Context, force bool) error {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	h.engine.Removed = append(h.engine.Removed, h.id)
	return nil
}
