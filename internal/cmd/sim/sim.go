// Package sim implements the mirror client behind the sim command. It joins
// a relay room, feeds every broadcast input into a local rollback manager,
// advances in lockstep with the relay's frame broadcasts, and compares state
// hashes frame by frame. A divergence means the rule stepped differently on
// the two sides, which points at a non-deterministic rule rather than at
// transport loss.
package sim

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	entrypoint "github.com/louisbranch/rewind/internal/platform/cmd"
)

// Config holds the sim client settings.
type Config struct {
	URL         string `env:"REWIND_SIM_URL" envDefault:"ws://localhost:8090/ws"`
	Room        string `env:"REWIND_SIM_ROOM" envDefault:"demo"`
	Ticks       int    `env:"REWIND_SIM_TICKS" envDefault:"60"`
	Participant string `env:"REWIND_SIM_PARTICIPANT"`
	Input       string `env:"REWIND_SIM_INPUT"`
	RuleScript  string `env:"REWIND_SIM_RULE_SCRIPT"`
	Grant       string `env:"REWIND_SIM_GRANT"`
}

// ParseConfig loads environment defaults and binds the sim flags.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.URL, "url", cfg.URL, "relay websocket URL")
	fs.StringVar(&cfg.Room, "room", cfg.Room, "room to join")
	fs.IntVar(&cfg.Ticks, "ticks", cfg.Ticks, "number of inputs to submit before reporting")
	fs.StringVar(&cfg.Participant, "participant", cfg.Participant, "participant id (relay assigns one when empty)")
	fs.StringVar(&cfg.Input, "input", cfg.Input, "fixed JSON input to submit every tick (walks the arena when empty)")
	fs.StringVar(&cfg.RuleScript, "rule-script", cfg.RuleScript, "Lua script for the room's rule when it is not built in")
	fs.StringVar(&cfg.Grant, "grant", cfg.Grant, "signed join grant token")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the mirror session and prints its report.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSim, func(ctx context.Context) error {
		report, err := runMirror(ctx, cfg)
		if err != nil {
			return err
		}
		printReport(os.Stdout, report)
		return nil
	})
}

func printReport(out io.Writer, report Report) {
	fmt.Fprintf(out, "room %s mirrored as %s under rule %s\n", report.RoomID, report.ParticipantID, report.Rule)
	fmt.Fprintf(out, "%d inputs submitted over %d frames, final frame %d\n", report.InputsSent, report.FramesSeen, report.FinalFrame)
	if report.Divergences == 0 {
		fmt.Fprintf(out, "no divergences\n")
	} else {
		fmt.Fprintf(out, "%d divergences (rule is not deterministic)\n", report.Divergences)
	}
	if len(report.StateJSON) > 0 {
		fmt.Fprintf(out, "state: %s\n", report.StateJSON)
		fmt.Fprintf(out, "hash: %s\n", report.StateHash)
	}
}
