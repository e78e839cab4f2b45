//go:build integration

package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/rewind/internal/cmd/replay"
	"github.com/louisbranch/rewind/internal/encoding"
	"github.com/louisbranch/rewind/internal/observability/audit/events"
	arena "github.com/louisbranch/rewind/internal/sim"
)

// TestSessionFlowJournalsAndReplays drives a full session: two granted
// participants submit inputs (one late), the room ticks and keyframes, the
// journal records everything, and an offline re-derivation reproduces the
// persisted checkpoint.
func TestSessionFlowJournalsAndReplays(t *testing.T) {
	h := startRelay(t, 25*time.Millisecond, 4)
	ctx, cancel := context.WithTimeout(context.Background(), integrationTimeout())
	defer cancel()

	alice := dialPeer(t, h.srv)
	bob := dialPeer(t, h.srv)
	now := time.Now().UTC()

	joined := joinPeer(t, alice, "match-1", "alice", joinGrantToken(t, "match-1", "alice", now))
	if joined.Rule != "arena" {
		t.Fatalf("rule = %q, want arena", joined.Rule)
	}
	joinPeer(t, bob, "match-1", "bob", joinGrantToken(t, "match-1", "bob", now))

	ack := submitPeerInput(t, alice, "alice-1", 0, `{"dx":1,"dy":0}`)
	if ack.Result.Status != "ok" || ack.Result.Seq != 1 {
		t.Fatalf("ack = %+v, want ok with seq 1", ack.Result)
	}
	ack = submitPeerInput(t, bob, "bob-1", 1, `{"dx":0,"dy":1}`)
	if ack.Result.Status != "ok" || ack.Result.Seq != 2 {
		t.Fatalf("ack = %+v, want ok with seq 2", ack.Result)
	}

	// Let the room run past the submitted frames, then land a late input that
	// forces a rollback re-derivation.
	awaitTickAtLeast(t, bob, 3)
	ack = submitPeerInput(t, bob, "bob-2", 2, `{"dx":0,"dy":1}`)
	if ack.Result.Status != "ok" || ack.Result.Seq != 3 {
		t.Fatalf("late ack = %+v, want ok with seq 3", ack.Result)
	}

	keyframe := awaitKeyframe(t, alice)
	if keyframe.StateHash != encoding.HashBytes(keyframe.State) {
		t.Fatal("expected keyframe hash to match keyframe state bytes")
	}
	for _, id := range []string{"alice", "bob"} {
		if !strings.Contains(string(keyframe.State), `"`+id+`"`) {
			t.Fatalf("keyframe state = %s, want %s present", keyframe.State, id)
		}
	}

	// An honest hash report passes, a corrupt one draws a resync keyframe.
	writePeerFrame(t, alice, "sync.hash", "hash-1", map[string]any{
		"frame":      keyframe.Frame,
		"state_hash": keyframe.StateHash,
	})
	verdict := awaitAck(t, alice, "hash-1")
	if verdict.Result.Status != "ok" {
		t.Fatalf("hash verdict = %q, want ok", verdict.Result.Status)
	}
	writePeerFrame(t, alice, "sync.hash", "hash-2", map[string]any{
		"frame":      keyframe.Frame,
		"state_hash": "0000000000000000",
	})
	verdict = awaitAck(t, alice, "hash-2")
	if verdict.Result.Status != "diverged" {
		t.Fatalf("hash verdict = %q, want diverged", verdict.Result.Status)
	}
	resync := awaitKeyframe(t, alice)
	if resync.StateHash != encoding.HashBytes(resync.State) {
		t.Fatal("expected resync keyframe hash to match its state bytes")
	}

	// The tick after the keyframe proves the checkpoint write completed.
	awaitTickAtLeast(t, alice, keyframe.Frame+1)

	records, err := h.store.ListInputs(ctx, "match-1", 0, 0)
	if err != nil {
		t.Fatalf("list inputs: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("journal holds %d inputs, want 3", len(records))
	}
	wantFrames := []uint64{0, 1, 2}
	wantParticipants := []string{"alice", "bob", "bob"}
	for i, record := range records {
		if record.Seq != uint64(i+1) {
			t.Fatalf("record %d seq = %d, want gapless from 1", i, record.Seq)
		}
		if uint64(record.Frame) != wantFrames[i] || string(record.ParticipantID) != wantParticipants[i] {
			t.Fatalf("record %d = %+v, want frame %d by %s", i, record, wantFrames[i], wantParticipants[i])
		}
	}

	checkpoint, err := h.store.GetCheckpoint(ctx, "match-1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if checkpoint.Frame < 4 || checkpoint.Frame%4 != 0 {
		t.Fatalf("checkpoint frame = %d, want a keyframe multiple", checkpoint.Frame)
	}
	if checkpoint.StateHash == "" {
		t.Fatal("expected checkpoint hash")
	}

	result, err := replay.Rederive(ctx, h.store, "match-1", arena.NewRule())
	if err != nil {
		t.Fatalf("rederive: %v", err)
	}
	if result.Inputs != 3 {
		t.Fatalf("rederive folded %d inputs, want 3", result.Inputs)
	}
	if result.Checkpoint == nil {
		t.Fatal("expected checkpoint verification")
	}
	if !result.Checkpoint.Match {
		t.Fatalf("checkpoint mismatch: stored %s, derived %s", result.Checkpoint.StoredHash, result.Checkpoint.DerivedHash)
	}

	_ = alice.Close()
	_ = bob.Close()
	awaitAuditEvents(t, h, "match-1", map[string]int{
		events.RoomJoined:      2,
		events.RoomLeft:        2,
		events.StateDivergence: 1,
	})
}

// TestJoinGrantPolicy exercises the grant gate: missing, mismatched, and
// expired grants are refused and audited, a valid grant joins.
func TestJoinGrantPolicy(t *testing.T) {
	h := startRelay(t, time.Hour, 0)
	now := time.Now().UTC()

	denied := dialPeer(t, h.srv)
	writePeerFrame(t, denied, "sync.join", "join-1", map[string]any{
		"room_id":        "match-2",
		"participant_id": "mallory",
	})
	frame := awaitFrameType(t, denied, "sync.error")
	if code := decodePeerError(t, frame.Payload).Error.Code; code != "GRANT_REQUIRED" {
		t.Fatalf("code = %q, want GRANT_REQUIRED", code)
	}

	writePeerFrame(t, denied, "sync.join", "join-2", map[string]any{
		"room_id":        "match-2",
		"participant_id": "mallory",
		"grant":          joinGrantToken(t, "other-room", "mallory", now),
	})
	frame = awaitFrameType(t, denied, "sync.error")
	if code := decodePeerError(t, frame.Payload).Error.Code; code != "GRANT_MISMATCH" {
		t.Fatalf("code = %q, want GRANT_MISMATCH", code)
	}

	writePeerFrame(t, denied, "sync.join", "join-3", map[string]any{
		"room_id":        "match-2",
		"participant_id": "mallory",
		"grant":          joinGrantToken(t, "match-2", "mallory", now.Add(-10*time.Minute)),
	})
	frame = awaitFrameType(t, denied, "sync.error")
	if code := decodePeerError(t, frame.Payload).Error.Code; code != "GRANT_EXPIRED" {
		t.Fatalf("code = %q, want GRANT_EXPIRED", code)
	}

	granted := dialPeer(t, h.srv)
	joined := joinPeer(t, granted, "match-2", "alice", joinGrantToken(t, "match-2", "alice", now))
	if joined.ParticipantID != "alice" {
		t.Fatalf("participant = %q, want alice", joined.ParticipantID)
	}

	awaitAuditEvents(t, h, "match-2", map[string]int{
		events.GrantDenied: 3,
		events.RoomJoined:  1,
	})
}

// awaitAuditEvents polls the journal until every wanted event name reaches
// its count. Leave events trail connection teardown, so a single read would
// race it.
func awaitAuditEvents(t *testing.T, h relayHarness, roomID string, want map[string]int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		eventList, err := h.store.ListAuditEvents(ctx, roomID, 100)
		cancel()
		if err != nil {
			t.Fatalf("list audit events: %v", err)
		}
		counts := make(map[string]int)
		for _, event := range eventList {
			counts[event.EventName]++
		}
		matched := true
		for name, n := range want {
			if counts[name] < n {
				matched = false
				break
			}
		}
		if matched {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit events = %v, want at least %v", counts, want)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
