package listener

import (
	"context"
	"sync"
	"time"

	"skillruntime/pkg/chain"
	"skillruntime/pkg/models"

	"github.com/rs/zerolog"
)

const (
	reconnectDelay    = 2 * time.Second
	maxReconnectTries = 10
)

// Subscriber is the subset of chain.Client the Listener needs, so tests can
// stub out the websocket round trip.
type Subscriber interface {
	Subscribe(ctx context.Context, programID string) (<-chan chain.LogNotification, func() error, error)
}

// Callback observes every ChainEvent fanned out by the Listener. Callbacks
// run sequentially, in arrival order, on the same goroutine that drains the
// merged event stream — a callback that suspends delays subsequent
// deliveries but never reorders them, even across programs.
type Callback func(event *models.ChainEvent)

// ChainListener subscribes to every configured program's logs and fans out
// parsed events to registered callbacks. Solana's logsSubscribe `mentions`
// filter accepts exactly one address, so each program gets its own
// subscribe-and-reconnect loop running concurrently; a single dispatch
// goroutine drains their merged output so delivery across programs is still
// serialized, never concurrent.
type ChainListener struct {
	client     Subscriber
	programIDs []string
	log        zerolog.Logger

	callbacks []Callback
	events    chan *models.ChainEvent
	stop      chan struct{}
	stopped   chan struct{}
	stopOnce  bool
}

// New constructs a ChainListener watching every program in programIDs.
// Callbacks must be registered before Run is called.
func New(client Subscriber, programIDs []string, log zerolog.Logger) *ChainListener {
	return &ChainListener{
		client:     client,
		programIDs: programIDs,
		log:        log,
		events:     make(chan *models.ChainEvent),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// OnEvent registers a callback. Not safe to call concurrently with Run.
func (l *ChainListener) OnEvent(cb Callback) {
	l.callbacks = append(l.callbacks, cb)
}

// Run subscribes to every watched program concurrently and dispatches their
// merged notification stream to callbacks until ctx is cancelled, Stop is
// called, or every program's reconnect budget is exhausted. It blocks until
// all per-program loops and the dispatch loop have fully stopped.
func (l *ChainListener) Run(ctx context.Context) error {
	defer close(l.stopped)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(l.programIDs))
	for i, programID := range l.programIDs {
		wg.Add(1)
		go func(i int, programID string) {
			defer wg.Done()
			errs[i] = l.runProgram(runCtx, programID)
		}(i, programID)
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for {
			select {
			case event := <-l.events:
				l.dispatch(event)
			case <-runCtx.Done():
				return
			}
		}
	}()

	wg.Wait()
	cancel()
	<-dispatchDone

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return nil
	default:
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runProgram subscribes to a single program's logs, reconnecting with a
// fixed delay up to maxReconnectTries before giving up. It returns nil on a
// clean ctx/Stop cancellation and the last subscribe error once the
// reconnect budget is exhausted.
func (l *ChainListener) runProgram(ctx context.Context, programID string) error {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		default:
		}

		notifications, closeFn, err := l.client.Subscribe(ctx, programID)
		if err != nil {
			attempts++
			l.log.Error().Str("program_id", programID).Int("attempt", attempts).Err(err).
				Msg("listener: subscribe failed")
			if attempts >= maxReconnectTries {
				l.log.Error().Str("program_id", programID).Msg("listener: reconnect budget exhausted, stopping")
				return err
			}
			if !l.sleepOrStop(ctx, reconnectDelay) {
				return nil
			}
			continue
		}

		attempts = 0
		transportErr := l.consume(ctx, programID, notifications)
		if closeFn != nil {
			_ = closeFn()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		default:
		}

		if transportErr {
			attempts++
			l.log.Warn().Str("program_id", programID).Int("attempt", attempts).
				Msg("listener: transport closed, reconnecting")
			if attempts >= maxReconnectTries {
				l.log.Error().Str("program_id", programID).Msg("listener: reconnect budget exhausted, stopping")
				return nil
			}
			if !l.sleepOrStop(ctx, reconnectDelay) {
				return nil
			}
		}
	}
}

// consume drains notifications for one program until the channel closes (a
// transport failure, or ctx/stop cancellation upstream) and returns true if
// it closed because of an unexpected transport failure rather than a clean
// stop. Parsed events are handed to the shared dispatch loop rather than
// invoked directly, so two programs' notifications never race on callbacks.
func (l *ChainListener) consume(ctx context.Context, programID string, notifications <-chan chain.LogNotification) bool {
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return true
			}
			event := ParseLogBatch(programID, n.Signature, n.Slot, n.Logs)
			if event == nil {
				continue
			}
			select {
			case l.events <- event:
			case <-ctx.Done():
				return false
			case <-l.stop:
				return false
			}
		case <-ctx.Done():
			return false
		case <-l.stop:
			return false
		}
	}
}

func (l *ChainListener) dispatch(event *models.ChainEvent) {
	for _, cb := range l.callbacks {
		l.invoke(cb, event)
	}
}

func (l *ChainListener) invoke(cb Callback, event *models.ChainEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("program_id", event.ProgramID).Interface("panic", r).
				Msg("listener: callback panicked")
		}
	}()
	cb(event)
}

func (l *ChainListener) sleepOrStop(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-l.stop:
		return false
	}
}

// Stop is idempotent and causes any in-flight receive to terminate at the
// next message boundary. It does not block until Run has fully returned.
func (l *ChainListener) Stop() {
	if l.stopOnce {
		return
	}
	l.stopOnce = true
	close(l.stop)
}

// Done resolves once Run has returned.
func (l *ChainListener) Done() <-chan struct{} {
	return l.stopped
}
