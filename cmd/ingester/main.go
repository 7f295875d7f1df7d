package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"transcom-sync/internal/cli"
)

func main() {
	// Interrupts cancel the run between windows and phases.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
