package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/rewind"
	"github.com/louisbranch/rewind/internal/cmd/rules"
	"github.com/louisbranch/rewind/internal/encoding"
	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/relay"
)

const readTimeout = 30 * time.Second

// driftCycle walks the arena in a small square so a demo session shows
// movement with no net displacement.
var driftCycle = []string{
	`{"dx":1,"dy":0}`,
	`{"dx":0,"dy":1}`,
	`{"dx":-1,"dy":0}`,
	`{"dx":0,"dy":-1}`,
}

// Report summarizes a mirror session.
type Report struct {
	RoomID        string
	ParticipantID string
	Rule          string
	InputsSent    int
	FramesSeen    int
	FinalFrame    uint64
	Divergences   int
	StateJSON     []byte
	StateHash     string
}

type wireFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type joinedWire struct {
	RoomID        string                     `json:"room_id"`
	ParticipantID string                     `json:"participant_id"`
	Rule          string                     `json:"rule"`
	CurrentFrame  uint64                     `json:"current_frame"`
	Window        int                        `json:"window"`
	State         json.RawMessage            `json:"state"`
	HeldInputs    map[string]json.RawMessage `json:"held_inputs"`
}

type inputWire struct {
	ParticipantID string          `json:"participant_id"`
	Frame         uint64          `json:"frame"`
	Input         json.RawMessage `json:"input"`
}

type inputSend struct {
	Frame uint64          `json:"frame"`
	Input json.RawMessage `json:"input"`
}

type frameWire struct {
	Frame     uint64 `json:"frame"`
	StateHash string `json:"state_hash"`
}

type stateWire struct {
	Frame     uint64 `json:"frame"`
	StateHash string `json:"state_hash"`
}

type ackWire struct {
	Result struct {
		Status string `json:"status"`
	} `json:"result"`
}

type errorWire struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// mirror drives one client-side rollback manager in lockstep with a relay
// room. Local frames are remote frames shifted down by offset.
type mirror struct {
	ctx  context.Context
	conn *websocket.Conn
	rule relay.Rule
	mgr  *rewind.Manager[json.RawMessage, any]

	roomID string
	id     rewind.Participant
	offset rewind.Frame

	input         string
	ticksBudget   int
	inputsSent    int
	lastInput     rewind.Frame
	framesSeen    int
	divergences   int
	awaitingFinal bool
}

func runMirror(ctx context.Context, cfg Config) (Report, error) {
	input := strings.TrimSpace(cfg.Input)
	if input != "" && !json.Valid([]byte(input)) {
		return Report{}, apperrors.New(apperrors.CodeInvalidArgument, "input override must be valid JSON")
	}
	if strings.TrimSpace(cfg.Room) == "" {
		return Report{}, apperrors.New(apperrors.CodeInvalidArgument, "room id is required")
	}

	conn, err := dial(cfg.URL)
	if err != nil {
		return Report{}, err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	joined, pending, err := join(conn, cfg)
	if err != nil {
		return Report{}, err
	}

	rule, err := rules.Resolve(joined.Rule, cfg.RuleScript)
	if err != nil {
		return Report{}, fmt.Errorf("resolve rule %q: %w", joined.Rule, err)
	}

	var initial any
	if err := json.Unmarshal(joined.State, &initial); err != nil {
		return Report{}, fmt.Errorf("decode joined state: %w", err)
	}

	// A fresh room reports frame 0 with its unfolded initial state, so local
	// frame 0 lines up with remote frame 0. A running room reports state
	// already folded through its current frame, so local frame 0 corresponds
	// to the remote frame after that one.
	var offset rewind.Frame
	if joined.CurrentFrame > 0 {
		offset = rewind.Frame(joined.CurrentFrame) + 1
	}

	m := &mirror{
		ctx:         ctx,
		conn:        conn,
		rule:        rule,
		mgr:         rewind.New[json.RawMessage](initial, joined.Window),
		roomID:      joined.RoomID,
		id:          rewind.Participant(joined.ParticipantID),
		offset:      offset,
		input:       input,
		ticksBudget: cfg.Ticks,
	}
	for id, heldInput := range joined.HeldInputs {
		if err := m.mgr.Submit(0, rewind.Participant(id), heldInput); err != nil {
			return Report{}, fmt.Errorf("seed held input for %s: %w", id, err)
		}
	}
	return m.run(pending)
}

func dial(rawURL string) (*websocket.Conn, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if parsed.Host == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "relay url is required")
	}
	conn, err := websocket.Dial(parsed.String(), "", "http://"+parsed.Host)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

func join(conn *websocket.Conn, cfg Config) (joinedWire, []wireFrame, error) {
	payload := map[string]any{"room_id": strings.TrimSpace(cfg.Room)}
	if id := strings.TrimSpace(cfg.Participant); id != "" {
		payload["participant_id"] = id
	}
	if grant := strings.TrimSpace(cfg.Grant); grant != "" {
		payload["grant"] = grant
	}
	if err := writeFrame(conn, wireFrame{Type: "sync.join", RequestID: "join-1", Payload: mustJSON(payload)}); err != nil {
		return joinedWire{}, nil, fmt.Errorf("send join: %w", err)
	}
	var pending []wireFrame
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return joinedWire{}, nil, fmt.Errorf("await join: %w", err)
		}
		switch frame.Type {
		case "sync.joined":
			var joined joinedWire
			if err := json.Unmarshal(frame.Payload, &joined); err != nil {
				return joinedWire{}, nil, fmt.Errorf("decode joined frame: %w", err)
			}
			return joined, pending, nil
		case "sync.error":
			return joinedWire{}, nil, joinError(frame.Payload)
		default:
			// Broadcasts from a live room can interleave before the reply.
			// They postdate the join snapshot, so the mirror replays them
			// once it exists.
			pending = append(pending, frame)
		}
	}
}

func joinError(payload json.RawMessage) error {
	var wsErr errorWire
	if err := json.Unmarshal(payload, &wsErr); err != nil {
		return fmt.Errorf("join rejected: %w", err)
	}
	return apperrors.New(apperrors.Code(wsErr.Error.Code), wsErr.Error.Message)
}

// run processes every relay frame in arrival order. Skipping any broadcast
// would desynchronize the local ledger, so replies are picked out of the
// stream rather than awaited with dedicated reads.
func (m *mirror) run(pending []wireFrame) (Report, error) {
	for _, frame := range pending {
		report, finished, err := m.process(frame)
		if err != nil {
			return Report{}, err
		}
		if finished {
			return report, nil
		}
	}
	for {
		frame, err := readFrame(m.conn)
		if err != nil {
			if m.ctx.Err() != nil {
				return Report{}, m.ctx.Err()
			}
			return Report{}, fmt.Errorf("read relay frame: %w", err)
		}
		report, finished, err := m.process(frame)
		if err != nil {
			return Report{}, err
		}
		if finished {
			return report, nil
		}
	}
}

func (m *mirror) process(frame wireFrame) (Report, bool, error) {
	switch frame.Type {
	case "sync.input":
		m.handleInput(frame.Payload)
	case "sync.frame":
		finished, err := m.handleFrame(frame.Payload)
		if err != nil {
			return Report{}, false, err
		}
		if finished && !m.awaitingFinal {
			m.awaitingFinal = true
			request := wireFrame{Type: "sync.state", RequestID: "final-1", Payload: mustJSON(map[string]any{})}
			if err := writeFrame(m.conn, request); err != nil {
				return Report{}, false, fmt.Errorf("request final state: %w", err)
			}
		}
	case "sync.keyframe":
		m.handleKeyframe(frame.Payload)
	case "sync.state":
		if m.awaitingFinal {
			report, err := m.finish(frame.Payload)
			if err != nil {
				return Report{}, false, err
			}
			return report, true, nil
		}
	case "sync.ack":
		m.handleAck(frame.Payload)
	case "sync.error":
		m.handleError(frame.Payload)
	}
	return Report{}, false, nil
}

func (m *mirror) handleInput(payload json.RawMessage) {
	var input inputWire
	if err := json.Unmarshal(payload, &input); err != nil {
		log.Printf("sim: drop malformed input broadcast: %v", err)
		return
	}
	if rewind.Frame(input.Frame) < m.offset {
		// The relay reconciled an input older than the join point. The local
		// timeline starts at the join state and cannot rewind past it.
		log.Printf("sim: input for frame %d predates the join point", input.Frame)
		return
	}
	local := rewind.Frame(input.Frame) - m.offset
	if err := m.mgr.Submit(local, rewind.Participant(input.ParticipantID), input.Input); err != nil {
		log.Printf("sim: drop input for frame %d: %v", input.Frame, err)
	}
}

func (m *mirror) handleFrame(payload json.RawMessage) (bool, error) {
	var tick frameWire
	if err := json.Unmarshal(payload, &tick); err != nil {
		return false, fmt.Errorf("decode frame broadcast: %w", err)
	}
	remote := rewind.Frame(tick.Frame)
	if remote < m.offset {
		return false, nil
	}
	m.framesSeen++

	// Queue the next input one frame ahead so it lands before the relay
	// settles that frame.
	if m.inputsSent < m.ticksBudget {
		if err := m.sendInput(remote + 1); err != nil {
			return false, err
		}
	}

	target := remote - m.offset
	for m.mgr.CurrentFrame() < target {
		m.mgr.Advance(m.rule.Step)
	}
	localHash, err := m.hashAt(target)
	if err != nil {
		return false, err
	}
	if localHash != tick.StateHash {
		m.divergences++
		log.Printf("sim: state diverged at frame %d: local %s remote %s", tick.Frame, localHash, tick.StateHash)
	}

	finished := m.inputsSent >= m.ticksBudget && remote >= m.lastInput
	return finished, nil
}

func (m *mirror) handleKeyframe(payload json.RawMessage) {
	var keyframe frameWire
	if err := json.Unmarshal(payload, &keyframe); err != nil {
		log.Printf("sim: drop malformed keyframe: %v", err)
		return
	}
	remote := rewind.Frame(keyframe.Frame)
	if remote < m.offset {
		return
	}
	localHash, err := m.hashAt(remote - m.offset)
	if err != nil {
		log.Printf("sim: hash keyframe state: %v", err)
		return
	}
	if localHash != keyframe.StateHash {
		m.divergences++
		log.Printf("sim: keyframe diverged at frame %d: local %s remote %s", keyframe.Frame, localHash, keyframe.StateHash)
	}
}

func (m *mirror) handleAck(payload json.RawMessage) {
	var ack ackWire
	if err := json.Unmarshal(payload, &ack); err != nil {
		return
	}
	if ack.Result.Status != "ok" {
		log.Printf("sim: input ack status %q", ack.Result.Status)
	}
}

func (m *mirror) handleError(payload json.RawMessage) {
	var wsErr errorWire
	if err := json.Unmarshal(payload, &wsErr); err != nil {
		return
	}
	log.Printf("sim: relay error %s: %s", wsErr.Error.Code, wsErr.Error.Message)
}

func (m *mirror) sendInput(frame rewind.Frame) error {
	payload := m.input
	if payload == "" {
		payload = driftCycle[m.inputsSent%len(driftCycle)]
	}
	request := wireFrame{
		Type:      "sync.input",
		RequestID: fmt.Sprintf("input-%d", m.inputsSent+1),
		Payload:   mustJSON(inputSend{Frame: uint64(frame), Input: json.RawMessage(payload)}),
	}
	if err := writeFrame(m.conn, request); err != nil {
		return fmt.Errorf("send input: %w", err)
	}
	if err := m.mgr.Submit(frame-m.offset, m.id, json.RawMessage(payload)); err != nil {
		return fmt.Errorf("mirror own input: %w", err)
	}
	m.inputsSent++
	m.lastInput = frame
	return nil
}

func (m *mirror) finish(payload json.RawMessage) (Report, error) {
	var final stateWire
	if err := json.Unmarshal(payload, &final); err != nil {
		return Report{}, fmt.Errorf("decode final state: %w", err)
	}
	report := Report{
		RoomID:        m.roomID,
		ParticipantID: string(m.id),
		Rule:          m.rule.Name(),
		InputsSent:    m.inputsSent,
		FramesSeen:    m.framesSeen,
		FinalFrame:    final.Frame,
		Divergences:   m.divergences,
	}
	remote := rewind.Frame(final.Frame)
	if remote < m.offset {
		return report, nil
	}
	stateJSON, err := encoding.CanonicalJSON(m.mgr.StateAt(remote-m.offset, m.rule.Step))
	if err != nil {
		return Report{}, fmt.Errorf("encode local state: %w", err)
	}
	report.StateJSON = stateJSON
	report.StateHash = encoding.HashBytes(stateJSON)
	if report.StateHash != final.StateHash {
		report.Divergences++
		log.Printf("sim: final state diverged at frame %d: local %s remote %s", final.Frame, report.StateHash, final.StateHash)
	}
	return report, nil
}

// hashAt derives the local state hash for a frame. StateAt is used instead of
// CurrentState so a comparison at the join frame works before the first
// advance.
func (m *mirror) hashAt(frame rewind.Frame) (string, error) {
	stateJSON, err := encoding.CanonicalJSON(m.mgr.StateAt(frame, m.rule.Step))
	if err != nil {
		return "", fmt.Errorf("encode local state: %w", err)
	}
	return encoding.HashBytes(stateJSON), nil
}

func writeFrame(conn *websocket.Conn, frame wireFrame) error {
	return json.NewEncoder(conn).Encode(frame)
}

func readFrame(conn *websocket.Conn) (wireFrame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return wireFrame{}, err
	}
	var frame wireFrame
	if err := json.NewDecoder(conn).Decode(&frame); err != nil {
		return wireFrame{}, err
	}
	return frame, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
