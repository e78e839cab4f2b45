// Package sqlite provides a SQLite-backed journal store.
//
// It persists accepted inputs, room checkpoints, and audit events so a
// relay can restart without losing session history.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/rewind"
	"github.com/louisbranch/rewind/internal/journal"
	"github.com/louisbranch/rewind/internal/journal/sqlite/migrations"
	sqlitemigrate "github.com/louisbranch/rewind/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for room journals.
type Store struct {
	sqlDB *sql.DB
}

var _ journal.Store = (*Store)(nil)

// DB returns the underlying sql.DB instance.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Open opens a SQLite journal store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// AppendInput atomically assigns the room's next sequence number and records
// the input.
func (s *Store) AppendInput(ctx context.Context, record journal.InputRecord) (journal.InputRecord, error) {
	if err := ctx.Err(); err != nil {
		return journal.InputRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return journal.InputRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.RoomID) == "" {
		return journal.InputRecord{}, fmt.Errorf("room id is required")
	}
	if strings.TrimSpace(string(record.ParticipantID)) == "" {
		return journal.InputRecord{}, fmt.Errorf("participant id is required")
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return journal.InputRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO room_seq (room_id, next_seq) VALUES (?, 1)",
		record.RoomID,
	); err != nil {
		return journal.InputRecord{}, fmt.Errorf("init input seq: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT next_seq FROM room_seq WHERE room_id = ?",
		record.RoomID,
	).Scan(&seq); err != nil {
		return journal.InputRecord{}, fmt.Errorf("get input seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE room_seq SET next_seq = next_seq + 1 WHERE room_id = ?",
		record.RoomID,
	); err != nil {
		return journal.InputRecord{}, fmt.Errorf("increment input seq: %w", err)
	}
	record.Seq = uint64(seq)

	if _, err := tx.ExecContext(ctx, `
INSERT INTO inputs (room_id, seq, frame, participant_id, payload, received_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		record.RoomID,
		int64(record.Seq),
		int64(record.Frame),
		string(record.ParticipantID),
		record.PayloadJSON,
		toMillis(record.ReceivedAt),
	); err != nil {
		return journal.InputRecord{}, fmt.Errorf("append input: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return journal.InputRecord{}, fmt.Errorf("commit input: %w", err)
	}
	return record, nil
}

// ListInputs returns up to limit inputs with Seq greater than afterSeq in
// ascending Seq order. A non-positive limit returns all remaining inputs.
func (s *Store) ListInputs(ctx context.Context, roomID string, afterSeq uint64, limit int) ([]journal.InputRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, frame, participant_id, payload, received_at
FROM inputs
WHERE room_id = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?
`, roomID, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	defer rows.Close()

	var records []journal.InputRecord
	for rows.Next() {
		var (
			seq           int64
			frame         int64
			participantID string
			payload       string
			receivedAt    int64
		)
		if err := rows.Scan(&seq, &frame, &participantID, &payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan input: %w", err)
		}
		records = append(records, journal.InputRecord{
			RoomID:        roomID,
			Seq:           uint64(seq),
			Frame:         rewind.Frame(frame),
			ParticipantID: rewind.Participant(participantID),
			PayloadJSON:   payload,
			ReceivedAt:    fromMillis(receivedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inputs: %w", err)
	}
	return records, nil
}

// SaveCheckpoint stores the latest checkpoint for a room, replacing any
// earlier one.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint journal.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(checkpoint.RoomID) == "" {
		return fmt.Errorf("room id is required")
	}
	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO checkpoints (room_id, frame, state, state_hash, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET
	frame = excluded.frame,
	state = excluded.state,
	state_hash = excluded.state_hash,
	updated_at = excluded.updated_at
`,
		checkpoint.RoomID,
		int64(checkpoint.Frame),
		checkpoint.StateJSON,
		checkpoint.StateHash,
		toMillis(checkpoint.UpdatedAt),
	); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the latest checkpoint for a room, or
// journal.ErrNotFound.
func (s *Store) GetCheckpoint(ctx context.Context, roomID string) (journal.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return journal.Checkpoint{}, err
	}
	if s == nil || s.sqlDB == nil {
		return journal.Checkpoint{}, fmt.Errorf("storage is not configured")
	}

	var (
		frame     int64
		state     string
		stateHash string
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT frame, state, state_hash, updated_at
FROM checkpoints
WHERE room_id = ?
`, roomID).Scan(&frame, &state, &stateHash, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return journal.Checkpoint{}, journal.ErrNotFound
		}
		return journal.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}

	return journal.Checkpoint{
		RoomID:    roomID,
		Frame:     rewind.Frame(frame),
		StateJSON: state,
		StateHash: stateHash,
		UpdatedAt: fromMillis(updatedAt),
	}, nil
}

// AppendAuditEvent records an operational audit event.
func (s *Store) AppendAuditEvent(ctx context.Context, event journal.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(event.RoomID) == "" {
		return fmt.Errorf("room id is required")
	}
	if strings.TrimSpace(event.EventName) == "" {
		return fmt.Errorf("event name is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attributes := event.AttributesJSON
	if strings.TrimSpace(attributes) == "" {
		attributes = "{}"
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_events (room_id, event_name, severity, participant_id, trace_id, span_id, attributes, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		event.RoomID,
		event.EventName,
		event.Severity,
		string(event.ParticipantID),
		event.TraceID,
		event.SpanID,
		attributes,
		toMillis(event.Timestamp),
	); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns up to limit audit events for a room in append
// order. A non-positive limit returns all events.
func (s *Store) ListAuditEvents(ctx context.Context, roomID string, limit int) ([]journal.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT event_name, severity, participant_id, trace_id, span_id, attributes, timestamp
FROM audit_events
WHERE room_id = ?
ORDER BY rowid ASC
LIMIT ?
`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []journal.AuditEvent
	for rows.Next() {
		var (
			eventName     string
			severity      string
			participantID string
			traceID       string
			spanID        string
			attributes    string
			timestamp     int64
		)
		if err := rows.Scan(&eventName, &severity, &participantID, &traceID, &spanID, &attributes, &timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, journal.AuditEvent{
			RoomID:         roomID,
			EventName:      eventName,
			Severity:       severity,
			ParticipantID:  rewind.Participant(participantID),
			TraceID:        traceID,
			SpanID:         spanID,
			AttributesJSON: attributes,
			Timestamp:      fromMillis(timestamp),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
