//go:build integration

package integration

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/rewind/internal/journal/sqlite"
	"github.com/louisbranch/rewind/internal/observability/audit"
	"github.com/louisbranch/rewind/internal/relay"
	arena "github.com/louisbranch/rewind/internal/sim"
)

var (
	joinGrantIssuer     = "test-issuer"
	joinGrantAudience   = "relay"
	joinGrantKeyOnce    sync.Once
	joinGrantPrivateKey ed25519.PrivateKey
	joinGrantPublicKey  ed25519.PublicKey
)

// integrationTimeout returns the default timeout for integration reads.
func integrationTimeout() time.Duration {
	return 10 * time.Second
}

// relayHarness bundles the pieces a session flow test talks to.
type relayHarness struct {
	srv   *httptest.Server
	store *sqlite.Store
}

// startRelay boots a relay handler over a fresh sqlite journal with join
// grants enforced.
func startRelay(t *testing.T, tickInterval time.Duration, keyframeEvery int) relayHarness {
	t.Helper()

	setJoinGrantEnv(t)
	grants, err := relay.LoadGrantConfigFromEnv(time.Now)
	if err != nil {
		t.Fatalf("load grant config: %v", err)
	}
	if !grants.Enabled() {
		t.Fatal("expected join grants to be enabled")
	}

	store, err := sqlite.Open(t.TempDir() + "/journal.db")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close journal: %v", err)
		}
	})

	handler, err := relay.NewHandler(relay.Config{
		Rule:          arena.NewRule(),
		Window:        64,
		TickInterval:  tickInterval,
		KeyframeEvery: keyframeEvery,
		Journal:       store,
		Audit:         audit.NewEmitter(store),
		Grants:        grants,
	})
	if err != nil {
		t.Fatalf("new relay handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return relayHarness{srv: srv, store: store}
}

func setJoinGrantEnv(t *testing.T) {
	t.Helper()

	joinGrantKeyOnce.Do(func() {
		publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate join grant key: %v", err)
		}
		joinGrantPublicKey = publicKey
		joinGrantPrivateKey = privateKey
	})

	t.Setenv(relay.EnvJoinGrantIssuer, joinGrantIssuer)
	t.Setenv(relay.EnvJoinGrantAudience, joinGrantAudience)
	t.Setenv(relay.EnvJoinGrantPublicKey, base64.RawStdEncoding.EncodeToString(joinGrantPublicKey))
}

// joinGrantToken mints a signed join grant for a room and participant.
func joinGrantToken(t *testing.T, roomID, participantID string, now time.Time) string {
	t.Helper()
	if joinGrantPrivateKey == nil {
		t.Fatal("join grant key is not configured")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	headerJSON, err := json.Marshal(map[string]string{
		"alg": "EdDSA",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("encode join grant header: %v", err)
	}
	payloadJSON, err := json.Marshal(map[string]any{
		"iss":            joinGrantIssuer,
		"aud":            joinGrantAudience,
		"exp":            now.Add(5 * time.Minute).Unix(),
		"iat":            now.Unix(),
		"jti":            fmt.Sprintf("jti-%d", now.UnixNano()),
		"room_id":        roomID,
		"participant_id": participantID,
	})
	if err != nil {
		t.Fatalf("encode join grant payload: %v", err)
	}
	encodedHeader := base64.RawURLEncoding.EncodeToString(headerJSON)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := encodedHeader + "." + encodedPayload
	signature := ed25519.Sign(joinGrantPrivateKey, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

type peerFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type peerJoined struct {
	RoomID        string          `json:"room_id"`
	ParticipantID string          `json:"participant_id"`
	Rule          string          `json:"rule"`
	CurrentFrame  uint64          `json:"current_frame"`
	Window        int             `json:"window"`
	State         json.RawMessage `json:"state"`
	StateHash     string          `json:"state_hash"`
}

type peerTick struct {
	Frame       uint64 `json:"frame"`
	OldestFrame uint64 `json:"oldest_frame"`
	StateHash   string `json:"state_hash"`
}

type peerKeyframe struct {
	Frame     uint64          `json:"frame"`
	State     json.RawMessage `json:"state"`
	StateHash string          `json:"state_hash"`
}

type peerState struct {
	Frame     uint64          `json:"frame"`
	State     json.RawMessage `json:"state"`
	StateHash string          `json:"state_hash"`
}

type peerAck struct {
	Result struct {
		Status string `json:"status"`
		Frame  uint64 `json:"frame"`
		Seq    uint64 `json:"seq"`
	} `json:"result"`
}

type peerError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func dialPeer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writePeerFrame(t *testing.T, conn *websocket.Conn, frameType, requestID string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	frame := peerFrame{Type: frameType, RequestID: requestID, Payload: data}
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("send %s: %v", frameType, err)
	}
}

func readPeerFrame(t *testing.T, conn *websocket.Conn) peerFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(integrationTimeout()))
	var frame peerFrame
	if err := json.NewDecoder(conn).Decode(&frame); err != nil {
		t.Fatalf("decode relay frame: %v", err)
	}
	return frame
}

// awaitFrameType discards interleaved broadcasts until the wanted type
// arrives.
func awaitFrameType(t *testing.T, conn *websocket.Conn, frameType string) peerFrame {
	t.Helper()
	for i := 0; i < 1000; i++ {
		frame := readPeerFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame arrived", frameType)
	return peerFrame{}
}

func joinPeer(t *testing.T, conn *websocket.Conn, roomID, participantID, grant string) peerJoined {
	t.Helper()
	payload := map[string]any{"room_id": roomID, "participant_id": participantID}
	if grant != "" {
		payload["grant"] = grant
	}
	writePeerFrame(t, conn, "sync.join", "join-"+participantID, payload)
	frame := awaitFrameType(t, conn, "sync.joined")
	var joined peerJoined
	if err := json.Unmarshal(frame.Payload, &joined); err != nil {
		t.Fatalf("decode joined payload: %v", err)
	}
	return joined
}

// submitPeerInput sends an input and waits for its ack.
func submitPeerInput(t *testing.T, conn *websocket.Conn, requestID string, frame uint64, input string) peerAck {
	t.Helper()
	writePeerFrame(t, conn, "sync.input", requestID, map[string]any{
		"frame": frame,
		"input": json.RawMessage(input),
	})
	return awaitAck(t, conn, requestID)
}

func awaitAck(t *testing.T, conn *websocket.Conn, requestID string) peerAck {
	t.Helper()
	for i := 0; i < 1000; i++ {
		got := readPeerFrame(t, conn)
		if got.Type != "sync.ack" || got.RequestID != requestID {
			continue
		}
		var ack peerAck
		if err := json.Unmarshal(got.Payload, &ack); err != nil {
			t.Fatalf("decode ack payload: %v", err)
		}
		return ack
	}
	t.Fatalf("no ack arrived for %s", requestID)
	return peerAck{}
}

func awaitTickAtLeast(t *testing.T, conn *websocket.Conn, frame uint64) peerTick {
	t.Helper()
	for i := 0; i < 1000; i++ {
		got := readPeerFrame(t, conn)
		if got.Type != "sync.frame" {
			continue
		}
		var tick peerTick
		if err := json.Unmarshal(got.Payload, &tick); err != nil {
			t.Fatalf("decode frame payload: %v", err)
		}
		if tick.Frame >= frame {
			return tick
		}
	}
	t.Fatalf("room never reached frame %d", frame)
	return peerTick{}
}

func awaitKeyframe(t *testing.T, conn *websocket.Conn) peerKeyframe {
	t.Helper()
	frame := awaitFrameType(t, conn, "sync.keyframe")
	var keyframe peerKeyframe
	if err := json.Unmarshal(frame.Payload, &keyframe); err != nil {
		t.Fatalf("decode keyframe payload: %v", err)
	}
	return keyframe
}

func decodePeerError(t *testing.T, payload json.RawMessage) peerError {
	t.Helper()
	var wsErr peerError
	if err := json.Unmarshal(payload, &wsErr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return wsErr
}
