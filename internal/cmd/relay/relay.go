// Package relay parses relay command flags and composes the WebSocket
// relay entrypoint.
package relay

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/rewind/internal/cmd/rules"
	"github.com/louisbranch/rewind/internal/journal"
	"github.com/louisbranch/rewind/internal/journal/sqlite"
	"github.com/louisbranch/rewind/internal/observability/audit"
	entrypoint "github.com/louisbranch/rewind/internal/platform/cmd"
	server "github.com/louisbranch/rewind/internal/relay"
)

// Config holds relay command configuration.
type Config struct {
	HTTPAddr      string `env:"REWIND_RELAY_HTTP_ADDR"      envDefault:":8090"`
	DBPath        string `env:"REWIND_RELAY_DB"`
	Window        int    `env:"REWIND_RELAY_WINDOW"         envDefault:"120"`
	TickMS        int    `env:"REWIND_RELAY_TICK_MS"        envDefault:"50"`
	KeyframeEvery int    `env:"REWIND_RELAY_KEYFRAME_EVERY" envDefault:"20"`
	MaxPeers      int    `env:"REWIND_RELAY_MAX_PEERS"      envDefault:"16"`
	Rule          string `env:"REWIND_RELAY_RULE"           envDefault:"arena"`
	RuleScript    string `env:"REWIND_RELAY_RULE_SCRIPT"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "journal SQLite path, in-memory journal when empty")
	fs.IntVar(&cfg.Window, "window", cfg.Window, "rollback window in frames")
	fs.IntVar(&cfg.TickMS, "tick-ms", cfg.TickMS, "tick interval in milliseconds")
	fs.IntVar(&cfg.KeyframeEvery, "keyframe-every", cfg.KeyframeEvery, "ticks between keyframe broadcasts")
	fs.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "maximum participants per room")
	fs.StringVar(&cfg.Rule, "rule", cfg.Rule, "room rule name")
	fs.StringVar(&cfg.RuleScript, "rule-script", cfg.RuleScript, "path to a Lua rule script")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the relay and serves rollback sessions until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(context.Context) error {
		rule, err := rules.Resolve(cfg.Rule, cfg.RuleScript)
		if err != nil {
			return fmt.Errorf("resolve rule: %w", err)
		}
		grants, err := server.LoadGrantConfigFromEnv(time.Now)
		if err != nil {
			return fmt.Errorf("load join grants: %w", err)
		}
		store, err := openJournal(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("relay: close journal: %v", err)
			}
		}()

		return server.Run(ctx, server.Config{
			HTTPAddr:      cfg.HTTPAddr,
			Rule:          rule,
			Window:        cfg.Window,
			TickInterval:  time.Duration(cfg.TickMS) * time.Millisecond,
			KeyframeEvery: cfg.KeyframeEvery,
			MaxPeers:      cfg.MaxPeers,
			Journal:       store,
			Audit:         audit.NewEmitter(store),
			Grants:        grants,
		})
	})
}

func openJournal(path string) (journal.Store, error) {
	if strings.TrimSpace(path) == "" {
		return journal.NewMemory(), nil
	}
	return sqlite.Open(path)
}
