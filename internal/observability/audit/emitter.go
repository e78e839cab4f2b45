// Package audit contains durable operational audit writes for relay
// operations.
//
// This package owns persisted audit events used for incident analysis and
// session debugging. For distributed tracing, services still use package
// internal/platform/otel; when a trace is active the emitter stamps its ids
// onto each event.
package audit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/rewind/internal/journal"
)

// Severity describes the audit severity level.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Store persists audit events.
type Store interface {
	AppendAuditEvent(ctx context.Context, event journal.AuditEvent) error
}

// Emitter records operational audit events.
type Emitter struct {
	store Store
	clock func() time.Time
}

// NewEmitter creates a new audit event emitter.
func NewEmitter(store Store) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records an audit event. It is a no-op when the store is nil. A zero
// timestamp is filled from the emitter clock, and empty trace ids are filled
// from the active span context.
func (e *Emitter) Emit(ctx context.Context, evt journal.AuditEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		if e.clock == nil {
			evt.Timestamp = time.Now().UTC()
		} else {
			evt.Timestamp = e.clock().UTC()
		}
	}
	if evt.TraceID == "" || evt.SpanID == "" {
		spanCtx := trace.SpanContextFromContext(ctx)
		if spanCtx.IsValid() {
			if evt.TraceID == "" {
				evt.TraceID = spanCtx.TraceID().String()
			}
			if evt.SpanID == "" {
				evt.SpanID = spanCtx.SpanID().String()
			}
		}
	}
	return e.store.AppendAuditEvent(ctx, evt)
}
