package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lakowske/poststack/internal/cmd"
)

func main() {
	// SIGINT/SIGTERM cancel the ambient context, which propagates
	// through every blocking runtime and database call.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
