package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"skillruntime/internal/executor"
	"skillruntime/internal/listener"
	"skillruntime/internal/orchestrator"
	"skillruntime/internal/verifier"
	"skillruntime/pkg/api"
	"skillruntime/pkg/auth"
	"skillruntime/pkg/chain"
	"skillruntime/pkg/config"
	"skillruntime/pkg/db"
	"skillruntime/pkg/logger"
	"skillruntime/pkg/models"
	"skillruntime/pkg/sandbox"
	"skillruntime/pkg/storage"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.InitWithFileLogging(cfg.LogLevel, logger.Executor)
	startupLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Executor, logger.Startup)
	startupLogger.Info().Msg("Starting Skill Runtime Environment - Executor")

	database, err := db.NewExecutorDB(cfg.ExecutorDBPath)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close()
	startupLogger.Info().Str("db_path", cfg.ExecutorDBPath).Msg("Database initialized successfully")

	secrets := cfg.GetExecutorSecrets()
	hmacAuth := auth.NewHMACAuth(secrets, cfg.GetClockSkew())
	startupLogger.Info().Int("secret_count", len(secrets)).Msg("HMAC authentication initialized")

	storageProvider := storage.GetProvider(cfg.GitHubToken, cfg.StorageDir)

	engine := sandbox.NewDockerEngine(cfg.DockerSocket)
	sb := sandbox.New(engine)

	aiLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Executor, logger.Commit)
	aiExecutor := executor.NewAIExecutor(cfg.AI.DeepSeekAPIKey, cfg.AI.OpenAIAPIKey, aiLogger)

	pipelineLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Executor, logger.Commit)
	pipeline := executor.New(sb, aiExecutor, storageProvider, pipelineLogger)

	orchLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Executor, logger.Commit)
	orch := orchestrator.New(pipeline, storageProvider, orchLogger)
	orch.RegisterFailureCallback(func(result *models.OrderResult) {
		startupLogger.Warn().Str("order_id", result.OrderID).Str("status", string(result.Status)).
			Str("error", result.ErrorMessage).Msg("executor: order did not complete")
	})

	pool := executor.NewWorkerPool(cfg.ExecutorWorkerCount, database, orch, hmacAuth, cfg.ExecutorHMACKeyID, pipelineLogger)
	pool.Start()
	defer pool.Stop()
	startupLogger.Info().Int("worker_count", cfg.ExecutorWorkerCount).Msg("Worker pool started")

	skillRegistry := verifier.NewInMemorySkillRegistry()
	if err := loadSkillRegistry(cfg.SkillRegistryPath, skillRegistry); err != nil {
		startupLogger.Warn().Err(err).Str("path", cfg.SkillRegistryPath).
			Msg("executor: continuing with an empty skill registry")
	}

	listenerLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Executor, logger.Listener)
	chainListener := buildListener(cfg, listenerLogger, startupLogger)
	chainListener.OnEvent(orderFundedHandler(database, storageProvider, skillRegistry, listenerLogger))

	listenerCtx, cancelListener := context.WithCancel(context.Background())
	go func() {
		if err := chainListener.Run(listenerCtx); err != nil && err != context.Canceled {
			listenerLogger.Error().Err(err).Msg("executor: chain listener stopped")
		}
	}()

	middleware := api.NewMiddleware(hmacAuth, database)
	router := mux.NewRouter()
	router.Use(middleware.RequestLogging)
	router.Use(middleware.SizeLimit)
	router.Use(middleware.CORS)

	router.HandleFunc("/healthz", api.HealthCheck).Methods("GET")
	router.HandleFunc("/readyz", api.ReadinessCheck(database)).Methods("GET")

	ordersRouter := router.PathPrefix("/orders").Subrouter()
	ordersRouter.Use(middleware.HMACAuth)
	ordersRouter.HandleFunc("", handleSubmitOrder(database, listenerLogger)).Methods("POST")

	server := &http.Server{
		Addr:         cfg.GetExecutorAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		startupLogger.Info().Str("address", cfg.GetExecutorAddr()).Msg("Executor server starting")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			startupLogger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	go cleanupExecutorNonces(database, cfg)
	startupLogger.Info().Msg("Background nonce cleanup routine started")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	startupLogger.Info().Msg("Shutdown signal received")

	cancelListener()
	<-chainListener.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		startupLogger.Error().Err(err).Msg("Server shutdown error")
	}
	startupLogger.Info().Msg("Executor server stopped")

	if err := logger.CleanupOldLogs(cfg.LogRetentionDays); err != nil {
		startupLogger.Warn().Err(err).Msg("Failed to cleanup old log files")
	}
}

// buildListener selects a chain-backed listener in normal operation, or a
// MockListener replaying synthetic escrow events when running against
// seeded fixtures instead of a live ledger.
func buildListener(cfg *config.Config, log zerolog.Logger, startupLog zerolog.Logger) listener.Listener {
	if cfg.TestMode() {
		startupLog.Info().Msg("executor: test mode active, using mock listener")
		return listener.NewMockListener(cfg.WatchedProgramIDs(), 5*time.Second, nil, log)
	}

	var kp *chain.Keypair
	if cfg.Chain.ExecutorKeypair != "" {
		parsed, err := chain.ParseKeypair(cfg.Chain.ExecutorKeypair)
		if err != nil {
			startupLog.Error().Err(err).Msg("executor: failed to parse executor keypair, continuing without chain signing")
		} else {
			kp = parsed
		}
	}

	client := chain.NewClient(chain.Config{
		RPCURL:          cfg.Chain.RPCURL,
		WSURL:           cfg.Chain.WSURL,
		EscrowProgramID: cfg.Chain.EscrowProgramID,
		DemoMode:        cfg.Chain.DemoMode,
		Keypair:         kp,
		Logger:          log,
	})
	return listener.New(client, cfg.WatchedProgramIDs(), log)
}

// orderFundedHandler reacts to escrow.funded events by resolving the
// skill package and preserved input, building an OrderConfig, and
// enqueueing it onto the same queue the HTTP submission path uses --
// both feed the one Orchestrator-backed worker pool rather than
// maintaining a second dispatch path.
func orderFundedHandler(database *db.ExecutorDB, provider storage.Provider, skills *verifier.InMemorySkillRegistry, log zerolog.Logger) listener.Callback {
	return func(event *models.ChainEvent) {
		if event.Kind != models.EventEscrowFunded {
			return
		}
		go func() {
			cfg, err := orderConfigFromEvent(context.Background(), event, provider, skills)
			if err != nil {
				log.Error().Str("signature", event.Signature).Err(err).
					Msg("executor: failed to build order from escrow.funded event")
				return
			}
			if err := database.EnqueueOrder(cfg, "pending"); err != nil {
				log.Error().Str("order_id", cfg.OrderID).Err(err).Msg("executor: failed to enqueue order from chain event")
			}
		}()
	}
}

var errMissingEventFields = errors.New("escrow.funded event missing order_id or skill_id")

func orderConfigFromEvent(ctx context.Context, event *models.ChainEvent, provider storage.Provider, skills *verifier.InMemorySkillRegistry) (*models.OrderConfig, error) {
	orderID, _ := event.Data["order_id"].(string)
	skillID, _ := event.Data["skill_id"].(string)
	inputURI, _ := event.Data["input_uri"].(string)
	callbackURL, _ := event.Data["callback_url"].(string)
	if orderID == "" || skillID == "" {
		return nil, errMissingEventFields
	}

	pkg, err := skills.Resolve(ctx, skillID)
	if err != nil {
		return nil, err
	}

	input := models.InputEnvelope{}
	if inputURI != "" {
		raw, err := storage.FetchResult(ctx, provider, inputURI)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, err
		}
	}

	return &models.OrderConfig{
		OrderID:        orderID,
		SkillPackage:   pkg,
		Input:          input,
		TimeoutSeconds: pkg.Runtime.TimeoutSeconds,
		MaxRetries:     2,
		CallbackURL:    callbackURL,
	}, nil
}

func handleSubmitOrder(database *db.ExecutorDB, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg models.OrderConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if cfg.OrderID == "" {
			writeJSONError(w, http.StatusBadRequest, "order_id is required")
			return
		}
		if err := sandbox.ValidateInput(cfg.Input); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := database.EnqueueOrder(&cfg, "pending"); err != nil {
			log.Error().Str("order_id", cfg.OrderID).Err(err).Msg("executor: failed to enqueue submitted order")
			writeJSONError(w, http.StatusInternalServerError, "failed to enqueue order")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"order_id": cfg.OrderID, "status": "pending"})
	}
}

func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: models.ErrorDetails{Code: "BAD_REQUEST", Message: message}})
}

func cleanupExecutorNonces(database *db.ExecutorDB, cfg *config.Config) {
	cleanupLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Executor, logger.General)
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		olderThan := time.Now().Add(-2 * cfg.GetClockSkew())
		if err := database.CleanupOldNonces(olderThan); err != nil {
			cleanupLogger.Error().Err(err).Msg("Failed to cleanup old nonces")
		} else {
			cleanupLogger.Debug().Msg("Cleaned up old nonces")
		}
	}
}

func loadSkillRegistry(path string, registry *verifier.InMemorySkillRegistry) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var packages map[string]models.SkillPackage
	if err := json.Unmarshal(data, &packages); err != nil {
		return err
	}
	for id, pkg := range packages {
		registry.Register(id, pkg)
	}
	return nil
}
