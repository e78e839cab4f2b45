// Package replay re-derives a recorded room from its journal.
//
// The tool folds every journaled input through the room's rule from frame
// zero and prints the derived state and its content hash. When the journal
// holds a checkpoint, the derived state at the checkpoint frame is verified
// against the stored hash, which catches non-deterministic rules.
package replay

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/louisbranch/rewind"
	"github.com/louisbranch/rewind/internal/cmd/rules"
	"github.com/louisbranch/rewind/internal/encoding"
	"github.com/louisbranch/rewind/internal/journal"
	"github.com/louisbranch/rewind/internal/journal/sqlite"
	entrypoint "github.com/louisbranch/rewind/internal/platform/cmd"
	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/relay"
)

// Config holds replay command configuration.
type Config struct {
	DBPath     string `env:"REWIND_REPLAY_DB"`
	RoomID     string `env:"REWIND_REPLAY_ROOM"`
	Rule       string `env:"REWIND_REPLAY_RULE" envDefault:"arena"`
	RuleScript string `env:"REWIND_REPLAY_RULE_SCRIPT"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "journal SQLite path")
	fs.StringVar(&cfg.RoomID, "room", cfg.RoomID, "room to re-derive")
	fs.StringVar(&cfg.Rule, "rule", cfg.Rule, "room rule name")
	fs.StringVar(&cfg.RuleScript, "rule-script", cfg.RuleScript, "path to a Lua rule script")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Result summarizes a re-derived room.
type Result struct {
	RoomID     string
	Frame      rewind.Frame
	Inputs     int
	StateJSON  []byte
	StateHash  string
	Checkpoint *CheckpointCheck
}

// CheckpointCheck compares the re-derived state against the stored
// checkpoint at its frame.
type CheckpointCheck struct {
	Frame       rewind.Frame
	StoredHash  string
	DerivedHash string
	Match       bool
}

// Rederive folds every journaled input for a room through the rule from
// frame zero. The derivation targets the newest recorded frame: the
// checkpoint frame or the highest input frame, whichever is greater.
func Rederive(ctx context.Context, store journal.Store, roomID string, rule relay.Rule) (Result, error) {
	records, err := store.ListInputs(ctx, roomID, 0, 0)
	if err != nil {
		return Result{}, fmt.Errorf("list inputs: %w", err)
	}

	checkpoint, err := store.GetCheckpoint(ctx, roomID)
	haveCheckpoint := err == nil
	if err != nil && !apperrors.IsCode(err, apperrors.CodeNotFound) {
		return Result{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if len(records) == 0 && !haveCheckpoint {
		return Result{}, apperrors.WithMetadata(apperrors.CodeNotFound, "no journal records for room", map[string]string{
			"room_id": roomID,
		})
	}

	target := rewind.Frame(0)
	if haveCheckpoint {
		target = checkpoint.Frame
	}
	for _, record := range records {
		if record.Frame > target {
			target = record.Frame
		}
	}

	// The window spans the whole session so no input falls below the
	// horizon during re-derivation.
	mgr := rewind.New[json.RawMessage](rule.Initial(), int(target)+1)
	for _, record := range records {
		if err := mgr.Submit(record.Frame, record.ParticipantID, json.RawMessage(record.PayloadJSON)); err != nil {
			return Result{}, fmt.Errorf("replay input seq %d: %w", record.Seq, err)
		}
	}

	state := mgr.StateAt(target, rule.Step)
	stateJSON, err := encoding.CanonicalJSON(state)
	if err != nil {
		return Result{}, fmt.Errorf("encode state: %w", err)
	}

	result := Result{
		RoomID:    roomID,
		Frame:     target,
		Inputs:    len(records),
		StateJSON: stateJSON,
		StateHash: encoding.HashBytes(stateJSON),
	}

	if haveCheckpoint {
		derivedJSON, err := encoding.CanonicalJSON(mgr.StateAt(checkpoint.Frame, rule.Step))
		if err != nil {
			return Result{}, fmt.Errorf("encode checkpoint state: %w", err)
		}
		derivedHash := encoding.HashBytes(derivedJSON)
		result.Checkpoint = &CheckpointCheck{
			Frame:       checkpoint.Frame,
			StoredHash:  checkpoint.StateHash,
			DerivedHash: derivedHash,
			Match:       derivedHash == checkpoint.StateHash,
		}
	}

	return result, nil
}

// Run re-derives the configured room and prints the outcome.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceReplay, func(context.Context) error {
		return run(ctx, cfg, os.Stdout)
	})
}

func run(ctx context.Context, cfg Config, out io.Writer) error {
	roomID := strings.TrimSpace(cfg.RoomID)
	if roomID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "room id is required")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "journal database path is required")
	}

	rule, err := rules.Resolve(cfg.Rule, cfg.RuleScript)
	if err != nil {
		return fmt.Errorf("resolve rule: %w", err)
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("replay: close journal: %v", err)
		}
	}()

	result, err := Rederive(ctx, store, roomID, rule)
	if err != nil {
		return err
	}
	printResult(out, result)
	return nil
}

func printResult(out io.Writer, result Result) {
	fmt.Fprintf(out, "room %s: %d inputs re-derived to frame %d\n", result.RoomID, result.Inputs, result.Frame)
	fmt.Fprintf(out, "state: %s\n", result.StateJSON)
	fmt.Fprintf(out, "hash: %s\n", result.StateHash)
	if check := result.Checkpoint; check != nil {
		if check.Match {
			fmt.Fprintf(out, "checkpoint at frame %d verified\n", check.Frame)
		} else {
			fmt.Fprintf(out, "checkpoint at frame %d MISMATCH: stored %s, derived %s\n", check.Frame, check.StoredHash, check.DerivedHash)
		}
	}
}
