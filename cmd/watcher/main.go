package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"skillruntime/internal/challenger"
	"skillruntime/internal/executor"
	"skillruntime/internal/listener"
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

	logger.InitWithFileLogging(cfg.LogLevel, logger.Watcher)
	startupLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Watcher, logger.Startup)
	startupLogger.Info().Msg("Starting Skill Runtime Environment - Watcher")

	database, err := db.NewWatcherDB(cfg.WatcherDBPath)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close()
	startupLogger.Info().Str("db_path", cfg.WatcherDBPath).Msg("Database initialized successfully")

	secrets := cfg.GetWatcherSecrets()
	hmacAuth := auth.NewHMACAuth(secrets, cfg.GetClockSkew())
	startupLogger.Info().Int("secret_count", len(secrets)).Msg("HMAC authentication initialized")

	storageProvider := storage.GetProvider(cfg.GitHubToken, cfg.StorageDir)

	engine := sandbox.NewDockerEngine(cfg.DockerSocket)
	sb := sandbox.New(engine)

	aiLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Watcher, logger.Verify)
	aiExecutor := executor.NewAIExecutor(cfg.AI.DeepSeekAPIKey, cfg.AI.OpenAIAPIKey, aiLogger)

	skillRegistry := verifier.NewInMemorySkillRegistry()
	if err := loadSkillRegistry(cfg.SkillRegistryPath, skillRegistry); err != nil {
		startupLogger.Warn().Err(err).Str("path", cfg.SkillRegistryPath).
			Msg("watcher: continuing with an empty skill registry")
	}

	inputSource := verifier.NewStorageInputSource(storageProvider)
	verifierLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Watcher, logger.Verify)
	verifierInstance := verifier.New(database, skillRegistry, inputSource, sb, aiExecutor, verifierLogger)

	challengeLog := challenger.NewChallengeLog(database)

	var challengerKeypair *chain.Keypair
	if cfg.Chain.ChallengerKeypair != "" {
		parsed, err := chain.ParseKeypair(cfg.Chain.ChallengerKeypair)
		if err != nil {
			startupLogger.Error().Err(err).Msg("watcher: failed to parse challenger keypair, continuing without chain signing")
		} else {
			challengerKeypair = parsed
		}
	}

	challengerLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Watcher, logger.Challenge)
	chainClient := chain.NewClient(chain.Config{
		RPCURL:          cfg.Chain.RPCURL,
		WSURL:           cfg.Chain.WSURL,
		EscrowProgramID: cfg.Chain.EscrowProgramID,
		DemoMode:        cfg.Chain.DemoMode,
		Keypair:         challengerKeypair,
		Logger:          challengerLogger,
	})

	challengerInstance := challenger.New(verifierInstance, chainClient, challengerKeypair, cfg.Chain.EscrowProgramID, challengeLog, challengerLogger)

	listenerLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Watcher, logger.Listener)
	chainListener := buildWatcherListener(cfg, chainClient, listenerLogger, startupLogger)
	chainListener.OnEvent(watcherEventHandler(database, challengerInstance, listenerLogger))

	listenerCtx, cancelListener := context.WithCancel(context.Background())
	go func() {
		if err := chainListener.Run(listenerCtx); err != nil && err != context.Canceled {
			listenerLogger.Error().Err(err).Msg("watcher: chain listener stopped")
		}
	}()

	middleware := api.NewMiddleware(hmacAuth, database)
	router := mux.NewRouter()
	router.Use(middleware.RequestLogging)
	router.Use(middleware.SizeLimit)
	router.Use(middleware.CORS)

	router.HandleFunc("/healthz", api.HealthCheck).Methods("GET")
	router.HandleFunc("/readyz", api.ReadinessCheck(database)).Methods("GET")
	router.HandleFunc("/stats", handleChallengeStats(challengeLog)).Methods("GET")

	server := &http.Server{
		Addr:         cfg.GetWatcherAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		startupLogger.Info().Str("address", cfg.GetWatcherAddr()).Msg("Watcher server starting")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			startupLogger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	go cleanupWatcherNonces(database, cfg)
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
	startupLogger.Info().Msg("Watcher server stopped")

	if err := logger.CleanupOldLogs(cfg.LogRetentionDays); err != nil {
		startupLogger.Warn().Err(err).Msg("Failed to cleanup old log files")
	}
}

func buildWatcherListener(cfg *config.Config, chainClient *chain.Client, log zerolog.Logger, startupLog zerolog.Logger) listener.Listener {
	if cfg.TestMode() {
		startupLog.Info().Msg("watcher: test mode active, using mock listener")
		return listener.NewMockListener(cfg.WatchedProgramIDs(), 5*time.Second, nil, log)
	}
	return listener.New(chainClient, cfg.WatchedProgramIDs(), log)
}

// watcherEventHandler keeps a local Order snapshot current as escrow events
// arrive, and triggers a verify-then-challenge pass the moment an order's
// result is committed on chain.
func watcherEventHandler(database *db.WatcherDB, c *challenger.Challenger, log zerolog.Logger) listener.Callback {
	return func(event *models.ChainEvent) {
		orderID, _ := event.Data["order_id"].(string)
		if orderID == "" {
			return
		}

		switch event.Kind {
		case models.EventEscrowCreated, models.EventEscrowFunded:
			order := snapshotFromEvent(event, orderID)
			if err := database.SaveOrder(order); err != nil {
				log.Error().Str("order_id", orderID).Err(err).Msg("watcher: failed to save order snapshot")
			}
		case models.EventResultCommitted:
			order := snapshotFromEvent(event, orderID)
			order.Status = models.OrderCommitted
			if err := database.SaveOrder(order); err != nil {
				log.Error().Str("order_id", orderID).Err(err).Msg("watcher: failed to save committed order snapshot")
				return
			}
			orderAccount, _ := event.Data["order_account"].(string)
			go func() {
				result := c.ChallengeIfInvalid(context.Background(), orderID, orderAccount)
				log.Info().Str("order_id", orderID).Str("status", string(result.Status)).
					Msg("watcher: verify-then-challenge pass complete")
			}()
		}
	}
}

func snapshotFromEvent(event *models.ChainEvent, orderID string) *models.Order {
	skillID, _ := event.Data["skill_id"].(string)
	inputURI, _ := event.Data["input_uri"].(string)
	resultHash, _ := event.Data["result_hash"].(string)
	return &models.Order{
		ID:         orderID,
		SkillID:    skillID,
		InputURI:   inputURI,
		ResultHash: resultHash,
		Status:     models.OrderFunded,
		CreatedAt:  event.Timestamp,
	}
}

func handleChallengeStats(challengeLog *challenger.ChallengeLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logStats, err := logger.GetLogStats()
		if err != nil {
			logStats = map[string]int{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"challenges": challengeLog.Stats(),
			"log_files":  logStats,
		})
	}
}

func cleanupWatcherNonces(database *db.WatcherDB, cfg *config.Config) {
	cleanupLogger := logger.NewCategoryLogger(cfg.LogLevel, logger.Watcher, logger.General)
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
