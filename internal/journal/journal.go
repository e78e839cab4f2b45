// Package journal defines persistence contracts for the input journal:
// accepted inputs, room state checkpoints, and operational audit events.
//
// The journal is the durable record of a session. Replaying its inputs in
// sequence order through the room's rule re-derives every state the room
// ever produced, which keeps storage technology separate from the rollback
// engine and the relay.
package journal

import (
	"context"
	"time"

	"github.com/louisbranch/rewind"
	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such record"
// states and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// InputRecord is one accepted participant input. Seq is assigned by the
// store on append: per room, gapless, starting at 1.
type InputRecord struct {
	RoomID        string
	Seq           uint64
	Frame         rewind.Frame
	ParticipantID rewind.Participant
	// PayloadJSON is the raw input payload as submitted.
	PayloadJSON string
	ReceivedAt  time.Time
}

// Checkpoint captures a room's derived state at a frame. Stores keep the
// latest checkpoint per room.
type Checkpoint struct {
	RoomID string
	Frame  rewind.Frame
	// StateJSON is the canonical JSON form of the state.
	StateJSON string
	// StateHash is the content hash of StateJSON.
	StateHash string
	UpdatedAt time.Time
}

// AuditEvent records an operational event on a room, such as a join, a
// rejected input, or a divergence report.
type AuditEvent struct {
	RoomID        string
	EventName     string
	Severity      string
	ParticipantID rewind.Participant
	// TraceID and SpanID tie the event to the active trace when tracing is
	// enabled.
	TraceID string
	SpanID  string
	// AttributesJSON carries event-specific context as a JSON object.
	AttributesJSON string
	Timestamp      time.Time
}

// Store persists the journal for all rooms a relay hosts.
type Store interface {
	// AppendInput records an accepted input and returns it with Seq set.
	AppendInput(ctx context.Context, record InputRecord) (InputRecord, error)
	// ListInputs returns up to limit inputs for a room with Seq greater
	// than afterSeq, in ascending Seq order. A non-positive limit returns
	// all remaining inputs.
	ListInputs(ctx context.Context, roomID string, afterSeq uint64, limit int) ([]InputRecord, error)
	// SaveCheckpoint stores the latest checkpoint for a room, replacing any
	// earlier one.
	SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error
	// GetCheckpoint returns the latest checkpoint for a room, or ErrNotFound.
	GetCheckpoint(ctx context.Context, roomID string) (Checkpoint, error)
	// AppendAuditEvent records an operational audit event.
	AppendAuditEvent(ctx context.Context, event AuditEvent) error
	// ListAuditEvents returns up to limit audit events for a room in append
	// order.
	ListAuditEvents(ctx context.Context, roomID string, limit int) ([]AuditEvent, error)
	// Close releases store resources.
	Close() error
}
