package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-converse/internal/chatcli"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chatcli.Version = version
	if err := chatcli.RootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
