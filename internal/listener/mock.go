package listener

import (
	"context"
	"fmt"
	"time"

	"skillruntime/pkg/models"

	"github.com/rs/zerolog"
)

// Listener is the interface both ChainListener and MockListener satisfy,
// so downstream code (tests, the orchestrating cmd/*) can depend on either
// interchangeably.
type Listener interface {
	OnEvent(cb Callback)
	Run(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
}

var (
	_ Listener = (*ChainListener)(nil)
	_ Listener = (*MockListener)(nil)
)

// MockListener emits a fixed or generated sequence of synthetic ChainEvents
// on a configurable interval. It honours the same Listener contract as
// ChainListener so downstream pipelines can be tested deterministically
// without a live websocket connection.
type MockListener struct {
	programIDs []string
	interval   time.Duration
	events     []*models.ChainEvent
	log        zerolog.Logger

	callbacks []Callback
	stop      chan struct{}
	stopped   chan struct{}
	stopOnce  bool
}

// NewMockListener constructs a MockListener that replays events in order,
// one per interval tick, looping once exhausted. If events is empty, Run
// synthesizes a minimal lifecycle across every program in programIDs (an
// escrow created/funded/result-committed/released sequence on the first
// program, plus a transfer-hook init/config/hooked sequence on the second,
// if present) keyed by a monotonically increasing synthetic signature.
func NewMockListener(programIDs []string, interval time.Duration, events []*models.ChainEvent, log zerolog.Logger) *MockListener {
	return &MockListener{
		programIDs: programIDs,
		interval:   interval,
		events:     events,
		log:        log,
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// OnEvent registers a callback. Not safe to call concurrently with Run.
func (m *MockListener) OnEvent(cb Callback) {
	m.callbacks = append(m.callbacks, cb)
}

// Run ticks synthetic events to every registered callback until ctx is
// cancelled or Stop is called.
func (m *MockListener) Run(ctx context.Context) error {
	defer close(m.stopped)

	events := m.events
	if len(events) == 0 {
		events = defaultMockEvents(m.programIDs)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	idx := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case <-ticker.C:
			event := events[idx%len(events)]
			idx++
			m.dispatch(event)
		}
	}
}

func (m *MockListener) dispatch(event *models.ChainEvent) {
	for _, cb := range m.callbacks {
		m.invoke(cb, event)
	}
}

func (m *MockListener) invoke(cb Callback, event *models.ChainEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("program_id", event.ProgramID).Interface("panic", r).
				Msg("mock listener: callback panicked")
		}
	}()
	cb(event)
}

// Stop is idempotent.
func (m *MockListener) Stop() {
	if m.stopOnce {
		return
	}
	m.stopOnce = true
	close(m.stop)
}

// Done resolves once Run has returned.
func (m *MockListener) Done() <-chan struct{} {
	return m.stopped
}

// defaultMockEvents builds a synthetic event sequence spanning every watched
// program: an escrow lifecycle on programIDs[0], plus a transfer-hook
// lifecycle on programIDs[1] when a second program is configured, so
// --test mode exercises the same multi-program fan-in Run uses against a
// live subscription.
func defaultMockEvents(programIDs []string) []*models.ChainEvent {
	if len(programIDs) == 0 {
		programIDs = []string{""}
	}
	now := time.Now().UTC()
	mk := func(i int, programID string, kind models.ChainEventKind) *models.ChainEvent {
		return &models.ChainEvent{
			Kind:      kind,
			Signature: fmt.Sprintf("mock_sig_%d", i),
			Slot:      uint64(1000 + i),
			Timestamp: now,
			ProgramID: programID,
			Data:      map[string]interface{}{"amount": int64(1000000 * (i + 1))},
			RawLines:  []string{fmt.Sprintf("Program log: mock event %d", i)},
		}
	}

	escrowID := programIDs[0]
	events := []*models.ChainEvent{
		mk(0, escrowID, models.EventEscrowCreated),
		mk(1, escrowID, models.EventEscrowFunded),
		mk(2, escrowID, models.EventResultCommitted),
		mk(3, escrowID, models.EventEscrowReleased),
	}

	if len(programIDs) > 1 {
		hookID := programIDs[1]
		events = append(events,
			mk(4, hookID, models.EventTransferHookInit),
			mk(5, hookID, models.EventTransferHookConfig),
			mk(6, hookID, models.EventTransferHookHooked),
		)
	}

	return events
}
