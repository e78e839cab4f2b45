package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/louisbranch/rewind"
	"github.com/louisbranch/rewind/internal/encoding"
	"github.com/louisbranch/rewind/internal/journal"
	"github.com/louisbranch/rewind/internal/journal/sqlite"
	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
)

type counterRule struct{}

func (counterRule) Name() string { return "counter" }

func (counterRule) Initial() any { return map[string]any{"count": float64(0)} }

func (counterRule) Step(inputs map[rewind.Participant]json.RawMessage, state any) any {
	count := state.(map[string]any)["count"].(float64)
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		var input struct {
			Add float64 `json:"add"`
		}
		if err := json.Unmarshal(inputs[rewind.Participant(id)], &input); err != nil {
			continue
		}
		count += input.Add
	}
	return map[string]any{"count": count}
}

func appendInput(t *testing.T, store journal.Store, roomID string, frame rewind.Frame, pid, payload string) {
	t.Helper()
	_, err := store.AppendInput(context.Background(), journal.InputRecord{
		RoomID:        roomID,
		Frame:         frame,
		ParticipantID: rewind.Participant(pid),
		PayloadJSON:   payload,
	})
	if err != nil {
		t.Fatalf("append input: %v", err)
	}
}

func TestRederiveFoldsJournal(t *testing.T) {
	store := journal.NewMemory()
	appendInput(t, store, "r1", 0, "p1", `{"add":2}`)
	appendInput(t, store, "r1", 5, "p1", `{"add":3}`)

	result, err := Rederive(context.Background(), store, "r1", counterRule{})
	if err != nil {
		t.Fatalf("rederive: %v", err)
	}
	if result.Frame != 5 {
		t.Fatalf("frame = %d, want 5", result.Frame)
	}
	if result.Inputs != 2 {
		t.Fatalf("inputs = %d, want 2", result.Inputs)
	}
	// add 2 holds over frames 0 through 4, add 3 lands on frame 5.
	if string(result.StateJSON) != `{"count":13}` {
		t.Fatalf("state = %s, want {\"count\":13}", result.StateJSON)
	}
	if result.StateHash != encoding.HashBytes(result.StateJSON) {
		t.Fatal("expected hash of state bytes")
	}
	if result.Checkpoint != nil {
		t.Fatalf("checkpoint check = %+v, want none", result.Checkpoint)
	}
}

func TestRederiveVerifiesCheckpoint(t *testing.T) {
	store := journal.NewMemory()
	appendInput(t, store, "r1", 0, "p1", `{"add":2}`)

	// The held input folds to 2*4 = 8 by frame 3.
	wantJSON, err := encoding.CanonicalJSON(map[string]any{"count": float64(8)})
	if err != nil {
		t.Fatalf("encode checkpoint state: %v", err)
	}
	if err := store.SaveCheckpoint(context.Background(), journal.Checkpoint{
		RoomID:    "r1",
		Frame:     3,
		StateJSON: string(wantJSON),
		StateHash: encoding.HashBytes(wantJSON),
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	result, err := Rederive(context.Background(), store, "r1", counterRule{})
	if err != nil {
		t.Fatalf("rederive: %v", err)
	}
	if result.Frame != 3 {
		t.Fatalf("frame = %d, want 3", result.Frame)
	}
	if result.Checkpoint == nil || !result.Checkpoint.Match {
		t.Fatalf("checkpoint check = %+v, want match", result.Checkpoint)
	}
}

func TestRederiveReportsCheckpointMismatch(t *testing.T) {
	store := journal.NewMemory()
	appendInput(t, store, "r1", 0, "p1", `{"add":2}`)
	if err := store.SaveCheckpoint(context.Background(), journal.Checkpoint{
		RoomID:    "r1",
		Frame:     2,
		StateJSON: `{"count":99}`,
		StateHash: "bogus",
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	result, err := Rederive(context.Background(), store, "r1", counterRule{})
	if err != nil {
		t.Fatalf("rederive: %v", err)
	}
	if result.Checkpoint == nil || result.Checkpoint.Match {
		t.Fatalf("checkpoint check = %+v, want mismatch", result.Checkpoint)
	}
	if result.Checkpoint.StoredHash != "bogus" {
		t.Fatalf("stored hash = %q, want %q", result.Checkpoint.StoredHash, "bogus")
	}
}

func TestRederiveIsDeterministic(t *testing.T) {
	store := journal.NewMemory()
	appendInput(t, store, "r1", 0, "p1", `{"add":2}`)
	appendInput(t, store, "r1", 3, "p2", `{"add":5}`)
	appendInput(t, store, "r1", 7, "p1", `{"add":1}`)

	first, err := Rederive(context.Background(), store, "r1", counterRule{})
	if err != nil {
		t.Fatalf("first rederive: %v", err)
	}
	second, err := Rederive(context.Background(), store, "r1", counterRule{})
	if err != nil {
		t.Fatalf("second rederive: %v", err)
	}
	if !bytes.Equal(first.StateJSON, second.StateJSON) {
		t.Fatalf("state diverged: %s vs %s", first.StateJSON, second.StateJSON)
	}
	if first.StateHash != second.StateHash {
		t.Fatalf("hash diverged: %q vs %q", first.StateHash, second.StateHash)
	}
}

func TestRederiveUnknownRoom(t *testing.T) {
	store := journal.NewMemory()
	_, err := Rederive(context.Background(), store, "ghost", counterRule{})
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestRunPrintsReport(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	store, err := sqlite.Open(db)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	appendInput(t, store, "r1", 0, "p1", `{"dx":1,"dy":0}`)
	if err := store.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	buf := &bytes.Buffer{}
	if err := run(context.Background(), Config{DBPath: db, RoomID: "r1", Rule: "arena"}, buf); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "room r1: 1 inputs re-derived to frame 0") {
		t.Fatalf("output missing summary: %q", out)
	}
	if !strings.Contains(out, "hash: ") {
		t.Fatalf("output missing hash: %q", out)
	}
}

func TestRunRequiresRoom(t *testing.T) {
	err := run(context.Background(), Config{DBPath: "journal.db"}, &bytes.Buffer{})
	if !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("error = %v, want INVALID_ARGUMENT", err)
	}
}

func TestRunRequiresDB(t *testing.T) {
	err := run(context.Background(), Config{RoomID: "r1"}, &bytes.Buffer{})
	if !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("error = %v, want INVALID_ARGUMENT", err)
	}
}
