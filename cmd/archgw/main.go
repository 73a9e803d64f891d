// Command archgw runs the gateway: it loads the YAML configuration, boots
// the prompt-target embedding cache, and serves the chat-completions data
// plane plus an admin endpoint for metrics and health.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

func main() {
	var (
		configPath     = flag.String("config", "arch_config.yaml", "path to the gateway configuration file")
		adminAddr      = flag.String("admin-addr", "127.0.0.1:9091", "admin listener address (metrics, health)")
		modelServerURL = flag.String("model-server", "http://127.0.0.1:51000", "base url of the model server sidecar")
		archFCURL      = flag.String("arch-fc", "http://127.0.0.1:51001", "base url of the function-calling sidecar")
		debug          = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(serverOptions{
		configPath:     *configPath,
		adminAddr:      *adminAddr,
		modelServerURL: *modelServerURL,
		archFCURL:      *archFCURL,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize gateway", zap.Error(err))
	}

	if err := srv.run(ctx); err != nil {
		logger.Fatal("gateway terminated", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
