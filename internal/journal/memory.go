package journal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests and relays running without
// durability. It is safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	inputs      map[string][]InputRecord
	checkpoints map[string]Checkpoint
	audits      map[string][]AuditEvent
	now         func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory journal store.
func NewMemory() *Memory {
	return &Memory{
		inputs:      make(map[string][]InputRecord),
		checkpoints: make(map[string]Checkpoint),
		audits:      make(map[string][]AuditEvent),
		now:         time.Now,
	}
}

// AppendInput records an accepted input and returns it with Seq set.
func (m *Memory) AppendInput(ctx context.Context, record InputRecord) (InputRecord, error) {
	if err := ctx.Err(); err != nil {
		return InputRecord{}, err
	}
	if strings.TrimSpace(record.RoomID) == "" {
		return InputRecord{}, fmt.Errorf("room id is required")
	}
	if strings.TrimSpace(string(record.ParticipantID)) == "" {
		return InputRecord{}, fmt.Errorf("participant id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record.Seq = uint64(len(m.inputs[record.RoomID])) + 1
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = m.now().UTC()
	}
	m.inputs[record.RoomID] = append(m.inputs[record.RoomID], record)
	return record, nil
}

// ListInputs returns up to limit inputs with Seq greater than afterSeq.
func (m *Memory) ListInputs(ctx context.Context, roomID string, afterSeq uint64, limit int) ([]InputRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var records []InputRecord
	for _, record := range m.inputs[roomID] {
		if record.Seq <= afterSeq {
			continue
		}
		records = append(records, record)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

// SaveCheckpoint stores the latest checkpoint for a room.
func (m *Memory) SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(checkpoint.RoomID) == "" {
		return fmt.Errorf("room id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = m.now().UTC()
	}
	m.checkpoints[checkpoint.RoomID] = checkpoint
	return nil
}

// GetCheckpoint returns the latest checkpoint for a room, or ErrNotFound.
func (m *Memory) GetCheckpoint(ctx context.Context, roomID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoint, ok := m.checkpoints[roomID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return checkpoint, nil
}

// AppendAuditEvent records an operational audit event.
func (m *Memory) AppendAuditEvent(ctx context.Context, event AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(event.RoomID) == "" {
		return fmt.Errorf("room id is required")
	}
	if strings.TrimSpace(event.EventName) == "" {
		return fmt.Errorf("event name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = m.now().UTC()
	}
	m.audits[event.RoomID] = append(m.audits[event.RoomID], event)
	return nil
}

// ListAuditEvents returns up to limit audit events in append order.
func (m *Memory) ListAuditEvents(ctx context.Context, roomID string, limit int) ([]AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.audits[roomID]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	out := make([]AuditEvent, len(events))
	copy(out, events)
	return out, nil
}

// Close implements Store. The in-memory store holds no resources.
func (m *Memory) Close() error {
	return nil
}
