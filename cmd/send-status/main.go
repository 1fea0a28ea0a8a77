// Package main sends one customer status event to a running relay.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	entrypoint "github.com/ruru/counselor-relay/internal/platform/cmd"
	"github.com/ruru/counselor-relay/internal/platform/config"
	"github.com/ruru/counselor-relay/internal/tools/sendstatus"
)

func main() {
	cfg, err := sendstatus.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSendStatus, func(ctx context.Context) error {
		return sendstatus.Run(ctx, cfg, os.Stdout)
	})
	if err != nil {
		config.Exitf("send status: %v", err)
	}
}
