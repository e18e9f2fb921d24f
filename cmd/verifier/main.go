// cmd/verifier is a one-shot CLI: replay a single committed order through
// the Verifier Pipeline and report whether the digest still matches.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"skillruntime/internal/executor"
	"skillruntime/internal/verifier"
	"skillruntime/pkg/config"
	"skillruntime/pkg/db"
	"skillruntime/pkg/logger"
	"skillruntime/pkg/models"
	"skillruntime/pkg/sandbox"
	"skillruntime/pkg/storage"
)

func main() {
	orderID := flag.String("order", "", "order id to verify (required)")
	verbose := flag.Bool("verbose", false, "print the full VerificationResult, not just the verdict")
	help := flag.Bool("help", false, "show usage")
	flag.Parse()

	if *help {
		showUsage()
		return
	}
	if *orderID == "" {
		fail(fmt.Errorf("--order is required"))
	}

	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}
	logger.Init(cfg.LogLevel)
	log := logger.NewCategoryLogger(cfg.LogLevel, logger.Watcher, logger.Verify)

	database, err := db.NewWatcherDB(cfg.WatcherDBPath)
	if err != nil {
		fail(err)
	}
	defer database.Close()

	storageProvider := storage.GetProvider(cfg.GitHubToken, cfg.StorageDir)
	engine := sandbox.NewDockerEngine(cfg.DockerSocket)
	sb := sandbox.New(engine)
	aiExecutor := executor.NewAIExecutor(cfg.AI.DeepSeekAPIKey, cfg.AI.OpenAIAPIKey, log)

	skillRegistry := verifier.NewInMemorySkillRegistry()
	if err := loadSkillRegistry(cfg.SkillRegistryPath, skillRegistry); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load skill registry at %s: %v\n", cfg.SkillRegistryPath, err)
	}
	inputSource := verifier.NewStorageInputSource(storageProvider)

	v := verifier.New(database, skillRegistry, inputSource, sb, aiExecutor, log)

	orderLog := logger.WithOrderID(*orderID)
	orderLog.Info().Msg("verifier: starting replay")

	result := v.Verify(context.Background(), *orderID)

	if *verbose {
		encoded, _ := json.Marshal(result)
		fmt.Println(string(encoded))
	}

	if result.Error != "" {
		orderLog.Error().Str("error", result.Error).Msg("verifier: replay failed")
		fail(fmt.Errorf("%s", result.Error))
	}
	if !result.IsValid {
		orderLog.Warn().Str("expected_hash", result.ExpectedHash).Str("actual_hash", result.ActualHash).
			Msg("verifier: digest mismatch")
		fmt.Fprintf(os.Stderr, `{"error": "digest mismatch: expected %s, got %s"}`+"\n", result.ExpectedHash, result.ActualHash)
		os.Exit(1)
	}

	orderLog.Info().Msg("verifier: digest matches")
	fmt.Printf("order %s verified: digest matches\n", *orderID)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, `{"error": %q}`+"\n", err.Error())
	os.Exit(1)
}

func showUsage() {
	fmt.Println(`verifier: replay and check a single committed order

Usage:
  verifier --order <id> [--verbose]

Flags:
  --order <id>   order id to verify (required)
  --verbose      print the full VerificationResult as JSON
  --help         show this message

Exit codes:
  0   digest matches
  1   digest mismatch, or a process error prevented verification`)
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
