// Package config provides configuration management for the Skill Runtime
// Environment. Loads settings from environment variables and .env files
// with validation and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ChainConfig holds the ledger-facing configuration.
type ChainConfig struct {
	RPCURL            string // Ledger RPC endpoint (SOLANA_RPC_URL)
	WSURL             string // Ledger websocket endpoint for logsSubscribe
	HeliusAPIKey      string // WebSocket credential for the Listener (required in non-test mode)
	EscrowProgramID   string // Escrow program identifier the Listener watches
	TransferHookID    string // Transfer-hook program identifier the Listener watches
	ExecutorKeypair   string // Executor signing identity, base58 secret
	ChallengerKeypair string // Challenger signing identity, base58 secret
	DemoMode          bool   // Gates real sendTransaction calls behind a synthetic signature
	TestOrders        string // Seed orders for offline watcher runs
	TestOrderPubkey   string // Seed order owner pubkey for offline watcher runs
}

// AIConfig holds AI Executor provider credentials, in priority order.
type AIConfig struct {
	DeepSeekAPIKey string
	OpenAIAPIKey   string
}

// Config holds all configuration settings for the executor, watcher,
// listener, verifier, and mock processes.
type Config struct {
	// Executor service
	ExecutorHost        string
	ExecutorPort        string
	ExecutorHMACKeyID   string
	ExecutorHMACSecret  string
	ExecutorWorkerCount int

	// Watcher service
	WatcherHost       string
	WatcherPort       string
	WatcherHMACKeyID  string
	WatcherHMACSecret string

	// Shared HMAC configuration
	SharedSecretKey string

	// Storage
	GitHubToken string // If present, selects the remote-blob storage provider
	StorageDir  string

	// Sandbox
	DockerSocket string // Unix socket path for the container engine ("" selects the daemon default)

	// Chain
	Chain ChainConfig

	// AI
	AI AIConfig

	// Database
	ExecutorDBPath string
	WatcherDBPath  string

	// Skill resolution: a JSON file mapping skill_id -> SkillPackage,
	// populated out of band (no on-chain skill-manifest schema is in
	// scope). Missing file is tolerated; an empty registry just fails
	// orders referencing unregistered skills.
	SkillRegistryPath string

	// Security
	ClockSkewSeconds int

	// Logging
	LogLevel         string
	LogRetentionDays int

	// Timing
	DisputeWindowSeconds int
}

// Load reads configuration from environment variables and .env file.
// Automatically loads .env if present; environment variables take
// precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ExecutorHost:        getEnv("EXECUTOR_HOST", "0.0.0.0"),
		ExecutorPort:        getEnv("EXECUTOR_PORT", "8080"),
		ExecutorHMACKeyID:   getEnv("EXECUTOR_HMAC_KEY_ID", "executor-kid-1"),
		ExecutorHMACSecret:  getEnv("EXECUTOR_HMAC_SECRET", ""),
		ExecutorWorkerCount: getEnvAsInt("EXECUTOR_WORKER_COUNT", 4),

		WatcherHost:       getEnv("WATCHER_HOST", "0.0.0.0"),
		WatcherPort:       getEnv("WATCHER_PORT", "8081"),
		WatcherHMACKeyID:  getEnv("WATCHER_HMAC_KEY_ID", "watcher-kid-1"),
		WatcherHMACSecret: getEnv("WATCHER_HMAC_SECRET", ""),

		SharedSecretKey: getEnv("SHARED_SECRET_KEY", ""),

		GitHubToken: getEnv("GITHUB_TOKEN", ""),
		StorageDir:  getEnv("STORAGE_DIR", "data/results"),

		DockerSocket: getEnv("DOCKER_SOCKET", ""),

		Chain: ChainConfig{
			RPCURL:            getEnv("SOLANA_RPC_URL", "https://api.devnet.solana.com"),
			WSURL:             getEnv("SOLANA_WS_URL", "wss://api.devnet.solana.com"),
			HeliusAPIKey:      getEnv("HELIUS_API_KEY", ""),
			EscrowProgramID:   getEnv("ESCROW_PROGRAM_ID", ""),
			TransferHookID:    getEnv("TRANSFER_HOOK_PROGRAM_ID", ""),
			ExecutorKeypair:   getEnv("EXECUTOR_KEYPAIR", ""),
			ChallengerKeypair: getEnv("CHALLENGER_KEYPAIR", ""),
			DemoMode:          getEnvAsBool("CHAIN_DEMO_MODE", true),
			TestOrders:        getEnv("TEST_ORDERS", ""),
			TestOrderPubkey:   getEnv("TEST_ORDER_PUBKEY", ""),
		},

		AI: AIConfig{
			DeepSeekAPIKey: getEnv("DEEPSEEK_API_KEY", ""),
			OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		},

		ExecutorDBPath: getEnv("EXECUTOR_DB_PATH", "executor.db"),
		WatcherDBPath:  getEnv("WATCHER_DB_PATH", "watcher.db"),

		SkillRegistryPath: getEnv("SKILL_REGISTRY_PATH", "skills.json"),

		ClockSkewSeconds: getEnvAsInt("CLOCK_SKEW_SECONDS", 300),

		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogRetentionDays: getEnvAsInt("LOG_RETENTION_DAYS", 7),

		DisputeWindowSeconds: getEnvAsInt("DISPUTE_WINDOW_SECONDS", 3600),
	}

	return cfg, cfg.validate()
}

// TestMode reports whether this process is running against seeded
// fixtures rather than a live chain subscription.
func (c *Config) TestMode() bool {
	return c.Chain.TestOrders != "" || c.Chain.TestOrderPubkey != ""
}

// WatchedProgramIDs returns the enumerated set of program identifiers the
// Listener subscribes to: the escrow program, and the transfer-hook program
// when one is configured. logsSubscribe's mentions filter accepts a single
// address, so each entry becomes its own subscription.
func (c *Config) WatchedProgramIDs() []string {
	ids := []string{c.Chain.EscrowProgramID}
	if c.Chain.TransferHookID != "" {
		ids = append(ids, c.Chain.TransferHookID)
	}
	return ids
}

// validate enforces the required-configuration rules.
func (c *Config) validate() error {
	if c.SharedSecretKey == "" && (c.ExecutorHMACSecret == "" || c.WatcherHMACSecret == "") {
		return fmt.Errorf("either SHARED_SECRET_KEY or both EXECUTOR_HMAC_SECRET and WATCHER_HMAC_SECRET must be set")
	}
	if !c.TestMode() && c.Chain.HeliusAPIKey == "" {
		return fmt.Errorf("HELIUS_API_KEY is required outside test mode")
	}
	return nil
}

// GetExecutorAddr returns the bind address for the executor control surface.
func (c *Config) GetExecutorAddr() string {
	return fmt.Sprintf("%s:%s", c.ExecutorHost, c.ExecutorPort)
}

// GetWatcherAddr returns the bind address for the watcher control surface.
func (c *Config) GetWatcherAddr() string {
	return fmt.Sprintf("%s:%s", c.WatcherHost, c.WatcherPort)
}

// GetClockSkew returns the clock skew tolerance as a time.Duration.
func (c *Config) GetClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSeconds) * time.Second
}

// GetDisputeWindow returns the dispute window as a time.Duration.
func (c *Config) GetDisputeWindow() time.Duration {
	return time.Duration(c.DisputeWindowSeconds) * time.Second
}

// GetExecutorSecrets returns the HMAC secrets map the executor's callback
// verifier accepts, preferring a shared secret over individual ones.
func (c *Config) GetExecutorSecrets() map[string]string {
	return c.hmacSecrets()
}

// GetWatcherSecrets returns the HMAC secrets map the watcher's callback
// verifier accepts, preferring a shared secret over individual ones.
func (c *Config) GetWatcherSecrets() map[string]string {
	return c.hmacSecrets()
}

func (c *Config) hmacSecrets() map[string]string {
	secrets := make(map[string]string)
	if c.SharedSecretKey != "" {
		secrets[c.ExecutorHMACKeyID] = c.SharedSecretKey
		secrets[c.WatcherHMACKeyID] = c.SharedSecretKey
		return secrets
	}
	if c.ExecutorHMACSecret != "" {
		secrets[c.ExecutorHMACKeyID] = c.ExecutorHMACSecret
	}
	if c.WatcherHMACSecret != "" {
		secrets[c.WatcherHMACKeyID] = c.WatcherHMACSecret
	}
	return secrets
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
