// Package main is the entry point for the nango-server binary.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nangohq/nango/cmd/nango-server/app"
	"github.com/nangohq/nango/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(app.Run(ctx))
}
