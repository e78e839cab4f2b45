// Package relay hosts rollback sessions over WebSocket. Each room runs one
// authoritative rollback manager on a fixed tick; connected peers submit
// frame-indexed inputs and receive cursor broadcasts, periodic keyframes,
// and hash checks to detect divergence.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/rewind"
	"github.com/louisbranch/rewind/internal/encoding"
	"github.com/louisbranch/rewind/internal/id"
	"github.com/louisbranch/rewind/internal/journal"
	"github.com/louisbranch/rewind/internal/observability/audit"
	"github.com/louisbranch/rewind/internal/observability/audit/events"
	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/platform/timeouts"
)

const (
	defaultWindow        = 120
	defaultTickInterval  = 50 * time.Millisecond
	defaultKeyframeEvery = 20
	defaultMaxPeers      = 16

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Config defines the inputs for the relay transport boundary.
//
// The relay owns connection hygiene and room fan-out; simulation semantics
// live in the Rule and durability in the journal Store. Journal and Audit
// are optional, rooms run in memory without them.
type Config struct {
	HTTPAddr          string
	Rule              Rule
	Window            int
	TickInterval      time.Duration
	KeyframeEvery     int
	MaxPeers          int
	Journal           journal.Store
	Audit             *audit.Emitter
	Grants            GrantConfig
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the relay HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	hub             *roomHub
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type joinPayload struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	Grant         string `json:"grant,omitempty"`
}

type joinedPayload struct {
	RoomID         string                     `json:"room_id"`
	ParticipantID  string                     `json:"participant_id"`
	Rule           string                     `json:"rule"`
	CurrentFrame   uint64                     `json:"current_frame"`
	OldestFrame    uint64                     `json:"oldest_frame"`
	Window         int                        `json:"window"`
	TickIntervalMS int64                      `json:"tick_interval_ms"`
	State          json.RawMessage            `json:"state"`
	StateHash      string                     `json:"state_hash"`
	HeldInputs     map[string]json.RawMessage `json:"held_inputs,omitempty"`
	ServerTime     string                     `json:"server_time"`
}

type inputPayload struct {
	Frame uint64          `json:"frame"`
	Input json.RawMessage `json:"input"`
}

type inputBroadcast struct {
	RoomID        string          `json:"room_id"`
	ParticipantID string          `json:"participant_id"`
	Frame         uint64          `json:"frame"`
	Input         json.RawMessage `json:"input"`
}

type framePayload struct {
	Frame       uint64 `json:"frame"`
	OldestFrame uint64 `json:"oldest_frame"`
	StateHash   string `json:"state_hash"`
	ServerTime  string `json:"server_time"`
}

type keyframePayload struct {
	Frame       uint64          `json:"frame"`
	OldestFrame uint64          `json:"oldest_frame"`
	State       json.RawMessage `json:"state"`
	StateHash   string          `json:"state_hash"`
}

type statePayload struct {
	Frame *uint64 `json:"frame,omitempty"`
}

type stateResult struct {
	Frame     uint64          `json:"frame"`
	State     json.RawMessage `json:"state"`
	StateHash string          `json:"state_hash"`
}

type hashPayload struct {
	Frame     uint64 `json:"frame"`
	StateHash string `json:"state_hash"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status string `json:"status"`
	Frame  uint64 `json:"frame,omitempty"`
	Seq    uint64 `json:"seq,omitempty"`
}

type wsSession struct {
	mu            sync.Mutex
	participantID rewind.Participant
	room          *room
	peer          *wsPeer
}

func newWSSession(peer *wsPeer) *wsSession {
	return &wsSession{peer: peer}
}

func (s *wsSession) setRoom(next *room, id rewind.Participant) *room {
	s.mu.Lock()
	previous := s.room
	s.room = next
	s.participantID = id
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentRoom() *room {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	return room
}

func (s *wsSession) participant() rewind.Participant {
	s.mu.Lock()
	id := s.participantID
	s.mu.Unlock()
	return id
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// NewHandler builds relay routes for tests and embedding. Grant enforcement
// follows config.Grants; the zero value leaves rooms open.
func NewHandler(config Config) (http.Handler, error) {
	config = withDefaults(config)
	if config.Rule == nil {
		return nil, errors.New("rule is required")
	}
	hub := newRoomHub(roomConfig{
		rule:          config.Rule,
		window:        config.Window,
		tickInterval:  config.TickInterval,
		keyframeEvery: config.KeyframeEvery,
		maxPeers:      config.MaxPeers,
		journal:       config.Journal,
	})
	return newHandler(hub, config.Grants, config.Audit), nil
}

func withDefaults(config Config) Config {
	if config.Window <= 0 {
		config.Window = defaultWindow
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.KeyframeEvery <= 0 {
		config.KeyframeEvery = defaultKeyframeEvery
	}
	if config.MaxPeers <= 0 {
		config.MaxPeers = defaultMaxPeers
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	return config
}

func newHandler(hub *roomHub, grants GrantConfig, emitter *audit.Emitter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub, grants, emitter)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, hub *roomHub, grants GrantConfig, emitter *audit.Emitter) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	session := newWSSession(peer)
	defer func() {
		if room := session.currentRoom(); room != nil {
			leaveRoom(room, session, emitter)
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", apperrors.CodeInvalidArgument, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInputTooLarge, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeRateLimited, "frame rate limit exceeded")
			if room := session.currentRoom(); room != nil {
				emitAudit(emitter, journal.AuditEvent{
					RoomID:        room.id,
					EventName:     events.ConnRateLimited,
					Severity:      string(audit.SeverityWarn),
					ParticipantID: session.participant(),
				})
			}
			return
		}

		switch frame.Type {
		case "sync.join":
			handleJoinFrame(session, hub, grants, emitter, frame)
		case "sync.input":
			handleInputFrame(session, emitter, frame)
		case "sync.state":
			handleStateFrame(session, frame)
		case "sync.hash":
			handleHashFrame(session, emitter, frame)
		default:
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInvalidArgument, "unsupported frame type")
		}
	}
}

func leaveRoom(room *room, session *wsSession, emitter *audit.Emitter) {
	if room == nil || session == nil {
		return
	}
	id, _ := room.leave(session.peer)
	emitAudit(emitter, journal.AuditEvent{
		RoomID:        room.id,
		EventName:     events.RoomLeft,
		Severity:      string(audit.SeverityInfo),
		ParticipantID: id,
	})
}

func handleJoinFrame(session *wsSession, hub *roomHub, grants GrantConfig, emitter *audit.Emitter, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInvalidArgument, "invalid join payload")
		return
	}

	roomID := strings.TrimSpace(payload.RoomID)
	if roomID == "" {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInvalidArgument, "room_id is required")
		return
	}
	participantID := strings.TrimSpace(payload.ParticipantID)
	if participantID == "" {
		assigned, err := id.NewID()
		if err != nil {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeUnknown, "assign participant id")
			return
		}
		participantID = assigned
	}

	if grants.Enabled() {
		if _, err := ValidateGrant(payload.Grant, GrantExpectation{RoomID: roomID, ParticipantID: participantID}, grants); err != nil {
			code := apperrors.GetCode(err)
			log.Printf("relay: join grant denied room=%q participant=%q err=%v", roomID, participantID, err)
			emitAudit(emitter, journal.AuditEvent{
				RoomID:         roomID,
				EventName:      events.GrantDenied,
				Severity:       string(audit.SeverityWarn),
				ParticipantID:  rewind.Participant(participantID),
				AttributesJSON: string(mustJSON(map[string]any{"code": string(code)})),
			})
			_ = writeWSError(session.peer, frame.RequestID, code, "join grant rejected")
			return
		}
	}

	room := hub.room(roomID)
	snapshot, err := room.join(session.peer, rewind.Participant(participantID))
	if err != nil {
		code := apperrors.GetCode(err)
		log.Printf("relay: join rejected room=%q participant=%q err=%v", roomID, participantID, err)
		emitAudit(emitter, journal.AuditEvent{
			RoomID:        roomID,
			EventName:     events.RoomFull,
			Severity:      string(audit.SeverityWarn),
			ParticipantID: rewind.Participant(participantID),
		})
		_ = writeWSError(session.peer, frame.RequestID, code, "room is at capacity")
		return
	}
	previous := session.setRoom(room, rewind.Participant(participantID))
	if previous != nil && previous != room {
		leaveRoom(previous, session, emitter)
	}

	stateJSON, err := encoding.CanonicalJSON(snapshot.state)
	if err != nil {
		log.Printf("relay: encode room state failed room=%q err=%v", roomID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeRuleFailed, "room state unavailable")
		return
	}

	emitAudit(emitter, journal.AuditEvent{
		RoomID:        roomID,
		EventName:     events.RoomJoined,
		Severity:      string(audit.SeverityInfo),
		ParticipantID: rewind.Participant(participantID),
	})

	var held map[string]json.RawMessage
	if len(snapshot.heldInputs) > 0 {
		held = make(map[string]json.RawMessage, len(snapshot.heldInputs))
		for id, input := range snapshot.heldInputs {
			held[string(id)] = input
		}
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "sync.joined",
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			RoomID:         roomID,
			ParticipantID:  participantID,
			Rule:           snapshot.rule,
			CurrentFrame:   uint64(snapshot.currentFrame),
			OldestFrame:    uint64(snapshot.oldestFrame),
			Window:         snapshot.window,
			TickIntervalMS: snapshot.tickInterval.Milliseconds(),
			State:          json.RawMessage(stateJSON),
			StateHash:      encoding.HashBytes(stateJSON),
			HeldInputs:     held,
			ServerTime:     time.Now().UTC().Format(time.RFC3339),
		}),
	})
}

func handleInputFrame(session *wsSession, emitter *audit.Emitter, frame wsFrame) {
	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeRoomNotFound, "join a room before submitting input")
		return
	}

	var payload inputPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInputMalformed, "invalid input payload")
		return
	}
	if len(payload.Input) == 0 {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInputMalformed, "input is required")
		return
	}

	participantID := session.participant()
	seq, peers, err := room.submit(session.peer, participantID, rewind.Frame(payload.Frame), payload.Input)
	if err != nil {
		var tooOld *rewind.InputTooOldError
		if errors.As(err, &tooOld) {
			emitAudit(emitter, journal.AuditEvent{
				RoomID:        room.id,
				EventName:     events.InputRejected,
				Severity:      string(audit.SeverityWarn),
				ParticipantID: participantID,
				AttributesJSON: string(mustJSON(map[string]any{
					"frame":              uint64(tooOld.Frame),
					"oldest_valid_frame": uint64(tooOld.OldestValid),
				})),
			})
			_ = writeWSErrorDetails(session.peer, frame.RequestID, apperrors.CodeInputTooOld, tooOld.Error(), map[string]any{
				"frame":              uint64(tooOld.Frame),
				"oldest_valid_frame": uint64(tooOld.OldestValid),
			})
			return
		}
		_ = writeWSError(session.peer, frame.RequestID, apperrors.GetCode(err), "input rejected")
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "sync.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{
				Status: "ok",
				Frame:  payload.Frame,
				Seq:    seq,
			},
		}),
	})

	if len(peers) == 0 {
		return
	}
	fanout := wsFrame{
		Type: "sync.input",
		Payload: mustJSON(inputBroadcast{
			RoomID:        room.id,
			ParticipantID: string(participantID),
			Frame:         payload.Frame,
			Input:         payload.Input,
		}),
	}
	for _, peer := range peers {
		_ = peer.writeFrame(fanout)
	}
}

func handleStateFrame(session *wsSession, frame wsFrame) {
	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeRoomNotFound, "join a room before requesting state")
		return
	}

	var payload statePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInvalidArgument, "invalid state payload")
			return
		}
	}

	at, state := room.stateAt(payload.Frame)
	stateJSON, err := encoding.CanonicalJSON(state)
	if err != nil {
		log.Printf("relay: encode room state failed room=%q frame=%d err=%v", room.id, at, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeRuleFailed, "room state unavailable")
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "sync.state",
		RequestID: frame.RequestID,
		Payload: mustJSON(stateResult{
			Frame:     uint64(at),
			State:     json.RawMessage(stateJSON),
			StateHash: encoding.HashBytes(stateJSON),
		}),
	})
}

func handleHashFrame(session *wsSession, emitter *audit.Emitter, frame wsFrame) {
	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeRoomNotFound, "join a room before reporting hashes")
		return
	}

	var payload hashPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInvalidArgument, "invalid hash payload")
		return
	}
	if strings.TrimSpace(payload.StateHash) == "" {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInvalidArgument, "state_hash is required")
		return
	}

	verdict, err := room.verifyHash(rewind.Frame(payload.Frame), payload.StateHash)
	if err != nil {
		log.Printf("relay: hash check failed room=%q frame=%d err=%v", room.id, payload.Frame, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeRuleFailed, "hash check unavailable")
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "sync.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{
				Status: verdict,
				Frame:  payload.Frame,
			},
		}),
	})

	if verdict != hashVerdictDiverged {
		return
	}

	emitAudit(emitter, journal.AuditEvent{
		RoomID:        room.id,
		EventName:     events.StateDivergence,
		Severity:      string(audit.SeverityWarn),
		ParticipantID: session.participant(),
		AttributesJSON: string(mustJSON(map[string]any{
			"frame":       payload.Frame,
			"client_hash": payload.StateHash,
		})),
	})

	// Resync the diverged client with a fresh keyframe.
	current, oldest, state := room.snapshot()
	stateJSON, err := encoding.CanonicalJSON(state)
	if err != nil {
		log.Printf("relay: encode room state failed room=%q frame=%d err=%v", room.id, current, err)
		return
	}
	_ = session.peer.writeFrame(wsFrame{
		Type: "sync.keyframe",
		Payload: mustJSON(keyframePayload{
			Frame:       uint64(current),
			OldestFrame: uint64(oldest),
			State:       json.RawMessage(stateJSON),
			StateHash:   encoding.HashBytes(stateJSON),
		}),
	})
}

func writeWSError(peer *wsPeer, requestID string, code apperrors.Code, message string) error {
	return writeWSErrorDetails(peer, requestID, code, message, nil)
}

func writeWSErrorDetails(peer *wsPeer, requestID string, code apperrors.Code, message string, details map[string]any) error {
	return peer.writeFrame(wsFrame{
		Type:      "sync.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(code),
				Message:   message,
				Retryable: code.Retryable(),
				Details:   details,
			},
		}),
	})
}

func emitAudit(emitter *audit.Emitter, event journal.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.JournalWrite)
	defer cancel()
	if err := emitter.Emit(ctx, event); err != nil {
		log.Printf("relay: audit emit failed room=%q event=%q err=%v", event.RoomID, event.EventName, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured relay server.
func NewServer(config Config) (*Server, error) {
	config = withDefaults(config)
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.Rule == nil {
		return nil, errors.New("rule is required")
	}

	hub := newRoomHub(roomConfig{
		rule:          config.Rule,
		window:        config.Window,
		tickInterval:  config.TickInterval,
		keyframeEvery: config.KeyframeEvery,
		maxPeers:      config.MaxPeers,
		journal:       config.Journal,
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(hub, config.Grants, config.Audit),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		hub:             hub,
	}, nil
}

// Run creates and serves a relay server until the context ends.
//
// Operators can treat this as the lifecycle boundary for the real-time
// surface.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("relay server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources and stops room tick loops.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.hub != nil {
		s.hub.close()
	}
}
