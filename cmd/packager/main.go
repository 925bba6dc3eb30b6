package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alvesdmateus/app-packager/internal/cli/commands"
)

func main() {
	// Cancelled builds clean up their staging directories before exiting
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
