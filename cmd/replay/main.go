// Package main provides a one-shot utility that re-derives a room's state
// from its input journal.
//
// It folds every journaled input through the room's rule from frame zero and
// verifies the persisted checkpoint, so rule determinism can be audited
// offline.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	replaycmd "github.com/louisbranch/rewind/internal/cmd/replay"
)

func main() {
	cfg, err := replaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[REPLAY] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := replaycmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to replay: %v", err)
	}
}
