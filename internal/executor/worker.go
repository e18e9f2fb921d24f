package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"skillruntime/pkg/auth"
	"skillruntime/pkg/db"
	"skillruntime/pkg/models"

	"github.com/rs/zerolog"
)

// Retry/backoff tuning for outbound commit-result callbacks.
const (
	MaxRetryAttempts = 6
	BaseDelay        = 500 * time.Millisecond
	MaxDelay         = 30 * time.Second
	JitterMin        = 0.85
	JitterMax        = 1.15
)

// OrderExecutor drives one order through commit, self-check, retry and
// timeout semantics. Satisfied by *orchestrator.Orchestrator; the indirection
// keeps this package from importing it directly.
type OrderExecutor interface {
	ExecuteOrder(ctx context.Context, cfg models.OrderConfig) *models.OrderResult
}

// WorkerPool polls the order queue and hands each pending order to an
// OrderExecutor on a fixed number of goroutines, each pulling from a shared
// buffered job channel fed by a single dispatcher.
type WorkerPool struct {
	workers      int
	db           *db.ExecutorDB
	orchestrator OrderExecutor
	hmacAuth     *auth.HMACAuth
	hmacKeyID    string
	client       *http.Client
	log          zerolog.Logger
	jobQueue     chan *models.OrderConfig
	quit         chan struct{}
	workerQuit   []chan struct{}
}

// NewWorkerPool constructs a WorkerPool bound to database, order executor,
// and the HMAC identity used to sign outbound commit-result callbacks.
func NewWorkerPool(workers int, database *db.ExecutorDB, orchestrator OrderExecutor, hmacAuth *auth.HMACAuth, hmacKeyID string, log zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workers:      workers,
		db:           database,
		orchestrator: orchestrator,
		hmacAuth:     hmacAuth,
		hmacKeyID:    hmacKeyID,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          log,
		jobQueue:     make(chan *models.OrderConfig, workers*2),
		quit:         make(chan struct{}),
		workerQuit:   make([]chan struct{}, workers),
	}
}

// Start launches the dispatcher and the fixed pool of worker goroutines.
func (wp *WorkerPool) Start() {
	wp.log.Info().Int("workers", wp.workers).Msg("executor: starting worker pool")
	for i := 0; i < wp.workers; i++ {
		wp.workerQuit[i] = make(chan struct{})
		go wp.worker(i, wp.workerQuit[i])
	}
	go wp.dispatcher()
}

// Stop signals the dispatcher and every worker to exit at their next
// iteration boundary.
func (wp *WorkerPool) Stop() {
	wp.log.Info().Msg("executor: stopping worker pool")
	close(wp.quit)
	for i := 0; i < wp.workers; i++ {
		close(wp.workerQuit[i])
	}
}

// dispatcher polls the order queue every 5 seconds for pending orders and
// pushes them onto the job queue, dropping (rather than blocking on) an
// order if the queue is momentarily full — the next tick will pick it up.
func (wp *WorkerPool) dispatcher() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-wp.quit:
			wp.log.Info().Msg("executor: dispatcher stopping")
			return
		case <-ticker.C:
			orders, err := wp.db.ListPendingOrders(wp.workers * 2)
			if err != nil {
				wp.log.Error().Err(err).Msg("executor: failed to list pending orders")
				continue
			}
			for _, order := range orders {
				select {
				case wp.jobQueue <- order:
				default:
				}
			}
		}
	}
}

func (wp *WorkerPool) worker(id int, quit chan struct{}) {
	workerLog := wp.log.With().Int("worker_id", id).Logger()
	workerLog.Info().Msg("executor: worker started")
	defer workerLog.Info().Msg("executor: worker stopped")

	for {
		select {
		case <-quit:
			return
		case cfg := <-wp.jobQueue:
			wp.processOrder(workerLog, cfg)
		}
	}
}

func (wp *WorkerPool) processOrder(workerLog zerolog.Logger, cfg *models.OrderConfig) {
	orderLog := workerLog.With().Str("order_id", cfg.OrderID).Logger()
	orderLog.Info().Msg("executor: processing order")

	if err := wp.db.EnqueueOrder(cfg, "processing"); err != nil {
		orderLog.Error().Err(err).Msg("executor: failed to mark order processing")
		return
	}

	// No outer deadline here: the Orchestrator derives its own per-attempt
	// timeout from cfg.TimeoutSeconds and owns the retry budget across
	// attempts, so an outer deadline sized for one attempt would truncate
	// retries.
	result := wp.orchestrator.ExecuteOrder(context.Background(), *cfg)

	if result.CommitResult != nil {
		if _, err := wp.db.SaveCommitResult(result.CommitResult); err != nil {
			orderLog.Error().Err(err).Msg("executor: failed to persist commit result")
		}
	}

	finalStatus := "failed"
	switch result.Status {
	case models.OrderCompleted:
		finalStatus = "committed"
	case models.OrderTimeout:
		finalStatus = "timeout"
	}
	if err := wp.db.EnqueueOrder(cfg, finalStatus); err != nil {
		orderLog.Error().Err(err).Msg("executor: failed to mark order terminal status")
	}

	if cfg.CallbackURL == "" || result.CommitResult == nil {
		return
	}
	if err := wp.sendCallbackWithRetry(orderLog, cfg.CallbackURL, result.CommitResult); err != nil {
		orderLog.Error().Err(err).Msg("executor: commit-result callback failed after all retries")
	}
}

// sendCallbackWithRetry POSTs result to callbackURL, HMAC-signed, retrying
// transient failures with jittered exponential backoff.
func (wp *WorkerPool) sendCallbackWithRetry(log zerolog.Logger, callbackURL string, result *models.CommitResult) error {
	for attempt := 0; attempt < MaxRetryAttempts; attempt++ {
		statusCode, err := wp.sendCallback(callbackURL, result)
		if err == nil && statusCode >= 200 && statusCode < 300 {
			log.Info().Int("status_code", statusCode).Msg("executor: commit-result callback sent")
			return nil
		}

		retry := shouldRetry(statusCode, err)
		log.Warn().Err(err).Int("status_code", statusCode).Int("attempt", attempt+1).
			Bool("will_retry", retry && attempt < MaxRetryAttempts-1).Msg("executor: callback attempt failed")

		if !retry {
			if err != nil {
				return fmt.Errorf("non-retryable callback error: %w", err)
			}
			return fmt.Errorf("non-retryable callback status: %d", statusCode)
		}
		if attempt == MaxRetryAttempts-1 {
			break
		}
		time.Sleep(calculateBackoffDelay(attempt))
	}
	return fmt.Errorf("callback failed after %d attempts", MaxRetryAttempts)
}

func (wp *WorkerPool) sendCallback(callbackURL string, result *models.CommitResult) (int, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	if wp.hmacAuth != nil {
		nonce := fmt.Sprintf("%d", rand.Int63())
		authHeader := wp.hmacAuth.CreateAuthHeader(http.MethodPost, req.URL.EscapedPath(), body, wp.hmacKeyID, nonce)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
	}

	resp, err := wp.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func shouldRetry(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 {
		return true
	}
	return false
}

func calculateBackoffDelay(attempt int) time.Duration {
	delay := BaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > MaxDelay {
		delay = MaxDelay
	}
	jitter := JitterMin + rand.Float64()*(JitterMax-JitterMin)
	return time.Duration(float64(delay) * jitter)
}
