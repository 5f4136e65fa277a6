package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// cliContext is canceled on interrupt or SIGTERM.
func cliContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
