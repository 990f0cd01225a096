// Command bundlerd runs the x402 bundler: the payment-gated admission API,
// the bundling pipeline workers, and the retention janitor, in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ar-io/x402-bundler/internal/bundlerapp"
	"github.com/ar-io/x402-bundler/internal/config"
	"github.com/ar-io/x402-bundler/internal/logging"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bundlerd: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup("bundlerd", cfg.Environment)

	services, err := bundlerapp.New(cfg, nil, nil, log)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := services.Run(ctx); err != nil {
		log.Error("bundlerd exited", "error", err)
		os.Exit(1)
	}
}
