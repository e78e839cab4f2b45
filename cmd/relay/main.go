// Package main starts the relay websocket service and handles termination.
//
// The process is a transport adapter around room input fan-out and frame
// broadcasts; the authoritative timeline lives in the rollback manager.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	relaycmd "github.com/louisbranch/rewind/internal/cmd/relay"
)

func main() {
	cfg, err := relaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[RELAY] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relaycmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
