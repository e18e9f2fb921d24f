// cmd/listener runs a standalone Chain Listener: subscribes to the logs of
// every program in Config.WatchedProgramIDs and logs every parsed event. Used for manual inspection and for
// replaying a seeded fixture sequence against downstream tooling.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"skillruntime/internal/listener"
	"skillruntime/pkg/chain"
	"skillruntime/pkg/config"
	"skillruntime/pkg/logger"
	"skillruntime/pkg/models"

	"github.com/rs/zerolog"
)

func logEvent(log zerolog.Logger) listener.Callback {
	return func(event *models.ChainEvent) {
		log.Info().Str("kind", string(event.Kind)).Str("signature", event.Signature).
			Uint64("slot", event.Slot).Interface("data", event.Data).Msg("listener: event received")
	}
}

func main() {
	mainnet := flag.Bool("mainnet", false, "subscribe against mainnet-beta")
	devnet := flag.Bool("devnet", false, "subscribe against devnet (default)")
	test := flag.Bool("test", false, "replay a synthetic escrow event sequence instead of subscribing")
	interval := flag.Duration("interval", 5*time.Second, "tick interval between synthetic events in --test mode")
	help := flag.Bool("help", false, "show usage")
	flag.Parse()

	if *help {
		showUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, `{"error": %q}`+"\n", err.Error())
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)
	log := logger.NewCategoryLogger(cfg.LogLevel, logger.ListenerService, logger.Listener)

	network := "devnet"
	switch {
	case *mainnet:
		network = "mainnet"
		cfg.Chain.RPCURL = "https://api.mainnet-beta.solana.com"
		cfg.Chain.WSURL = "wss://api.mainnet-beta.solana.com"
	case *devnet:
		network = "devnet"
	}

	programIDs := cfg.WatchedProgramIDs()

	var l listener.Listener
	if *test {
		log.Info().Dur("interval", *interval).Msg("listener: running in test mode against synthetic events")
		l = listener.NewMockListener(programIDs, *interval, nil, log)
	} else {
		log.Info().Str("network", network).Strs("program_ids", programIDs).Msg("listener: subscribing to live program logs")
		client := chain.NewClient(chain.Config{
			RPCURL:          cfg.Chain.RPCURL,
			WSURL:           cfg.Chain.WSURL,
			EscrowProgramID: cfg.Chain.EscrowProgramID,
			DemoMode:        cfg.Chain.DemoMode,
			Logger:          log,
		})
		l = listener.New(client, programIDs, log)
	}

	l.OnEvent(logEvent(log))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case <-interrupt:
		log.Info().Msg("listener: shutdown signal received")
		cancel()
		<-l.Done()
	case err := <-done:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("listener: stopped with error")
			os.Exit(1)
		}
	}
}

func showUsage() {
	fmt.Println(`listener: standalone Chain Listener

Usage:
  listener [--mainnet|--devnet|--test] [--interval <duration>]

Flags:
  --mainnet          subscribe against mainnet-beta
  --devnet           subscribe against devnet (default)
  --test             replay a synthetic escrow lifecycle instead of subscribing
  --interval <dur>   tick interval between synthetic events in --test mode (default 5s)
  --help             show this message`)
}
