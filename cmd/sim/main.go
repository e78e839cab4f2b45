// Package main starts a mirror client that tracks a relay room frame by
// frame.
//
// It submits inputs, replays every broadcast into a local rollback manager,
// and reports state hash divergence, which points at a non-deterministic
// rule.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	simcmd "github.com/louisbranch/rewind/internal/cmd/sim"
)

func main() {
	cfg, err := simcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[SIM] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := simcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to mirror: %v", err)
	}
}
