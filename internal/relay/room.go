package relay

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/louisbranch/rewind"
	"github.com/louisbranch/rewind/internal/encoding"
	"github.com/louisbranch/rewind/internal/journal"
	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/platform/timeouts"
)

// roomConfig carries the settings every room in a hub shares.
type roomConfig struct {
	rule          Rule
	window        int
	tickInterval  time.Duration
	keyframeEvery int
	maxPeers      int
	journal       journal.Store
}

// room owns the authoritative rollback manager for one session. The mutex
// guards the manager, the subscriber set, and the tick loop lifecycle. The
// tick loop runs only while the room has subscribers; an empty room keeps
// its state but stops consuming a goroutine.
type room struct {
	id  string
	cfg roomConfig

	mu          sync.Mutex
	mgr         *rewind.Manager[json.RawMessage, any]
	subscribers map[*wsPeer]rewind.Participant
	ticks       uint64
	running     bool
	stop        chan struct{}
}

func newRoom(id string, cfg roomConfig) *room {
	return &room{
		id:          id,
		cfg:         cfg,
		mgr:         rewind.New[json.RawMessage](cfg.rule.Initial(), cfg.window),
		subscribers: make(map[*wsPeer]rewind.Participant),
	}
}

// joinSnapshot captures the room view a joining peer needs to seed its local
// prediction. heldInputs is the resolved input view at the current frame;
// without it a late joiner could not reproduce the next frame, because inputs
// submitted before it joined keep applying until their participants send new
// ones.
type joinSnapshot struct {
	rule         string
	currentFrame rewind.Frame
	oldestFrame  rewind.Frame
	window       int
	tickInterval time.Duration
	state        any
	heldInputs   map[rewind.Participant]json.RawMessage
}

func (r *room) join(peer *wsPeer, id rewind.Participant) (joinSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, subscribed := r.subscribers[peer]; !subscribed && r.cfg.maxPeers > 0 && len(r.subscribers) >= r.cfg.maxPeers {
		return joinSnapshot{}, apperrors.WithMetadata(apperrors.CodeRoomFull, "room is at capacity", map[string]string{
			"room_id":   r.id,
			"max_peers": strconv.Itoa(r.cfg.maxPeers),
		})
	}

	r.subscribers[peer] = id
	if !r.running {
		r.running = true
		stop := make(chan struct{})
		r.stop = stop
		go r.run(stop)
	}
	return joinSnapshot{
		rule:         r.cfg.rule.Name(),
		currentFrame: r.mgr.CurrentFrame(),
		oldestFrame:  r.mgr.OldestFrame(),
		window:       r.mgr.MaxHistory(),
		tickInterval: r.cfg.tickInterval,
		state:        r.mgr.CurrentState(),
		heldInputs:   r.mgr.ResolveInputs(r.mgr.CurrentFrame()),
	}, nil
}

func (r *room) leave(peer *wsPeer) (rewind.Participant, bool) {
	r.mu.Lock()
	id := r.subscribers[peer]
	delete(r.subscribers, peer)
	empty := len(r.subscribers) == 0
	if empty && r.running {
		r.running = false
		close(r.stop)
		r.stop = nil
	}
	r.mu.Unlock()
	return id, empty
}

// submit records an input with the rollback manager and journals it. The
// returned peers are the other subscribers the input fans out to. Journal
// failures are logged, not surfaced; the authoritative timeline already
// accepted the input.
func (r *room) submit(peer *wsPeer, id rewind.Participant, frame rewind.Frame, input json.RawMessage) (uint64, []*wsPeer, error) {
	r.mu.Lock()
	if err := r.mgr.Submit(frame, id, input); err != nil {
		r.mu.Unlock()
		return 0, nil, err
	}
	peers := make([]*wsPeer, 0, len(r.subscribers))
	for subscriber := range r.subscribers {
		if subscriber == peer {
			continue
		}
		peers = append(peers, subscriber)
	}
	r.mu.Unlock()

	seq := r.appendToJournal(id, frame, input)
	return seq, peers, nil
}

func (r *room) appendToJournal(id rewind.Participant, frame rewind.Frame, input json.RawMessage) uint64 {
	if r.cfg.journal == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.JournalWrite)
	defer cancel()
	record, err := r.cfg.journal.AppendInput(ctx, journal.InputRecord{
		RoomID:        r.id,
		Frame:         frame,
		ParticipantID: id,
		PayloadJSON:   string(input),
	})
	if err != nil {
		log.Printf("relay: journal append failed room=%q frame=%d err=%v", r.id, frame, err)
		return 0
	}
	return record.Seq
}

func (r *room) run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick advances the authoritative timeline by one frame and broadcasts the
// new cursors. Every keyframeEvery ticks the full state goes out and the
// journal checkpoint is refreshed.
func (r *room) tick() {
	r.mu.Lock()
	r.mgr.Advance(r.cfg.rule.Step)
	current := r.mgr.CurrentFrame()
	oldest := r.mgr.OldestFrame()
	state := r.mgr.CurrentState()
	r.ticks++
	keyframe := r.cfg.keyframeEvery > 0 && r.ticks%uint64(r.cfg.keyframeEvery) == 0
	peers := make([]*wsPeer, 0, len(r.subscribers))
	for subscriber := range r.subscribers {
		peers = append(peers, subscriber)
	}
	r.mu.Unlock()

	stateJSON, err := encoding.CanonicalJSON(state)
	if err != nil {
		log.Printf("relay: encode state failed room=%q frame=%d err=%v", r.id, current, err)
		return
	}
	hash := encoding.HashBytes(stateJSON)

	tickFrame := wsFrame{
		Type: "sync.frame",
		Payload: mustJSON(framePayload{
			Frame:       uint64(current),
			OldestFrame: uint64(oldest),
			StateHash:   hash,
			ServerTime:  time.Now().UTC().Format(time.RFC3339),
		}),
	}
	for _, peer := range peers {
		_ = peer.writeFrame(tickFrame)
	}

	if !keyframe {
		return
	}
	keyframeFrame := wsFrame{
		Type: "sync.keyframe",
		Payload: mustJSON(keyframePayload{
			Frame:       uint64(current),
			OldestFrame: uint64(oldest),
			State:       json.RawMessage(stateJSON),
			StateHash:   hash,
		}),
	}
	for _, peer := range peers {
		_ = peer.writeFrame(keyframeFrame)
	}
	r.persistCheckpoint(current, stateJSON, hash)
}

func (r *room) persistCheckpoint(frame rewind.Frame, stateJSON []byte, hash string) {
	if r.cfg.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.JournalWrite)
	defer cancel()
	err := r.cfg.journal.SaveCheckpoint(ctx, journal.Checkpoint{
		RoomID:    r.id,
		Frame:     frame,
		StateJSON: string(stateJSON),
		StateHash: hash,
	})
	if err != nil {
		log.Printf("relay: checkpoint save failed room=%q frame=%d err=%v", r.id, frame, err)
	}
}

// stateAt derives the state at a frame. A nil frame means the current frame;
// requests outside the retained window clamp to its nearest edge.
func (r *room) stateAt(frame *uint64) (rewind.Frame, any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if frame == nil {
		return r.mgr.CurrentFrame(), r.mgr.CurrentState()
	}
	at := rewind.Frame(*frame)
	if at > r.mgr.CurrentFrame() {
		at = r.mgr.CurrentFrame()
	}
	if at < r.mgr.OldestFrame() {
		at = r.mgr.OldestFrame()
	}
	return at, r.mgr.StateAt(at, r.cfg.rule.Step)
}

// snapshot returns the current cursors and state for an on-demand keyframe.
func (r *room) snapshot() (rewind.Frame, rewind.Frame, any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mgr.CurrentFrame(), r.mgr.OldestFrame(), r.mgr.CurrentState()
}

const (
	hashVerdictMatch    = "ok"
	hashVerdictDiverged = "diverged"
	hashVerdictStale    = "stale"
)

// verifyHash compares a client-reported state hash against the authoritative
// derivation for that frame. Frames outside the retained window cannot be
// re-derived and report as stale.
func (r *room) verifyHash(frame rewind.Frame, hash string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if frame > r.mgr.CurrentFrame() || frame < r.mgr.OldestFrame() {
		return hashVerdictStale, nil
	}
	serverHash, err := encoding.ContentHash(r.mgr.StateAt(frame, r.cfg.rule.Step))
	if err != nil {
		return "", err
	}
	if serverHash == hash {
		return hashVerdictMatch, nil
	}
	return hashVerdictDiverged, nil
}

// shutdown stops the tick loop regardless of subscribers and persists a
// final checkpoint.
func (r *room) shutdown() {
	r.mu.Lock()
	if r.running {
		r.running = false
		close(r.stop)
		r.stop = nil
	}
	current := r.mgr.CurrentFrame()
	state := r.mgr.CurrentState()
	r.mu.Unlock()

	stateJSON, err := encoding.CanonicalJSON(state)
	if err != nil {
		log.Printf("relay: encode state failed room=%q frame=%d err=%v", r.id, current, err)
		return
	}
	r.persistCheckpoint(current, stateJSON, encoding.HashBytes(stateJSON))
}

type roomHub struct {
	mu    sync.Mutex
	cfg   roomConfig
	rooms map[string]*room
}

func newRoomHub(cfg roomConfig) *roomHub {
	return &roomHub{
		cfg:   cfg,
		rooms: make(map[string]*room),
	}
}

func (h *roomHub) room(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if ok {
		return room
	}

	room = newRoom(roomID, h.cfg)
	h.rooms[roomID] = room
	return room
}

func (h *roomHub) close() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	for _, room := range rooms {
		room.shutdown()
	}
}
