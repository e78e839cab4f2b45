// Package sim provides a small deterministic arena rule for exercising
// rollback sessions end to end.
//
// The arena is an integer grid. Every participant owns one cell and moves at
// most one cell per axis per frame. Because rollback holds the last known
// input across predicted frames, a participant keeps drifting in its last
// direction until a new input lands.
package sim

import (
	"encoding/json"
	"hash/fnv"
	"sort"

	"github.com/louisbranch/rewind"
	"github.com/louisbranch/rewind/internal/relay"
)

// DefaultWidth and DefaultHeight bound the arena grid when a Rule does not
// set its own dimensions.
const (
	DefaultWidth  = 16
	DefaultHeight = 16
)

// Rule advances a shared arena grid. The zero value uses the default grid.
type Rule struct {
	Width  int
	Height int
}

var _ relay.Rule = Rule{}

// move is the wire shape of one participant input.
type move struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

// NewRule returns an arena rule over the default grid.
func NewRule() Rule {
	return Rule{Width: DefaultWidth, Height: DefaultHeight}
}

// Name identifies the rule in configuration and journal records.
func (r Rule) Name() string { return "arena" }

// Initial returns an arena with no players.
func (r Rule) Initial() any {
	return map[string]any{"players": map[string]any{}}
}

// Step applies one frame of movement and returns the next state. The prior
// state is never mutated. Participants appear on their first input at a
// spawn cell derived from their id, so replays seat players identically.
// Malformed inputs are skipped; oversized moves clamp to one cell per axis.
func (r Rule) Step(inputs map[rewind.Participant]json.RawMessage, state any) any {
	width, height := r.bounds()
	players := copyPlayers(state)

	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	for _, pid := range ids {
		var m move
		if err := json.Unmarshal(inputs[rewind.Participant(pid)], &m); err != nil {
			continue
		}
		x, y, ok := playerPosition(players, pid)
		if !ok {
			x, y = spawnCell(pid, width, height)
		}
		x = clampCoord(x+clampStep(m.DX), width)
		y = clampCoord(y+clampStep(m.DY), height)
		players[pid] = map[string]any{"x": float64(x), "y": float64(y)}
	}

	return map[string]any{"players": players}
}

func (r Rule) bounds() (int, int) {
	width, height := r.Width, r.Height
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return width, height
}

// copyPlayers deep copies the player table so Step can write freely without
// aliasing the prior state.
func copyPlayers(state any) map[string]any {
	players := map[string]any{}
	root, ok := state.(map[string]any)
	if !ok {
		return players
	}
	prior, ok := root["players"].(map[string]any)
	if !ok {
		return players
	}
	for pid, value := range prior {
		pos, ok := value.(map[string]any)
		if !ok {
			continue
		}
		next := make(map[string]any, len(pos))
		for key, v := range pos {
			next[key] = v
		}
		players[pid] = next
	}
	return players
}

func playerPosition(players map[string]any, pid string) (int, int, bool) {
	pos, ok := players[pid].(map[string]any)
	if !ok {
		return 0, 0, false
	}
	x, okX := asInt(pos["x"])
	y, okY := asInt(pos["y"])
	if !okX || !okY {
		return 0, 0, false
	}
	return x, y, true
}

func asInt(value any) (int, bool) {
	switch n := value.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// spawnCell derives a stable starting cell from the participant id.
func spawnCell(pid string, width, height int) (int, int) {
	h := fnv.New32a()
	h.Write([]byte(pid))
	n := h.Sum32()
	return int(n % uint32(width)), int(n / uint32(width) % uint32(height))
}

// clampStep limits a requested move to one cell per axis.
func clampStep(v int) int {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func clampCoord(v, size int) int {
	if v < 0 {
		return 0
	}
	if v >= size {
		return size - 1
	}
	return v
}
