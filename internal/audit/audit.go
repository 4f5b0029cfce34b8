// Package audit appends a record of every policy decision. Writes are
// best-effort: a failed write is logged and counted but never changes the
// outcome of the authorization decision already made.
package audit

import (
	"context"
	"database/sql"
	"time"

	"authplane.org/internal/ids"
	"authplane.org/internal/obs"
)

// Status classifies a recorded decision.
type Status string

const (
	StatusAllow Status = "allow"
	StatusDeny  Status = "deny"
	StatusError Status = "error"
)

// Entry is one append-only decision record. Rows are never updated after
// insert.
type Entry struct {
	ID          string
	TenantID    string
	Status      Status
	Payload     string
	Response    string
	ErrorMsg    string
	HTTPStatus  int
	Duration    time.Duration
	TriggeredBy string
	OpType      string
	CreatedAt   time.Time
}

// Recorder appends decision records. Implementations absorb their own
// failures; Record never reports an error back to the decision path.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// NopRecorder drops every record.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) {}

// LogRecorder emits each record as a structured JSON log line.
type LogRecorder struct{}

func (LogRecorder) Record(_ context.Context, e Entry) {
	obs.Log("info", "policy_decision", map[string]any{
		"type":         "audit",
		"tenant_id":    e.TenantID,
		"status":       string(e.Status),
		"payload":      e.Payload,
		"response":     e.Response,
		"error":        e.ErrorMsg,
		"duration_ms":  e.Duration.Milliseconds(),
		"triggered_by": e.TriggeredBy,
		"op_type":      e.OpType,
	})
}

// PGRecorder appends records to the policy_decision_logs table.
type PGRecorder struct {
	db    *sql.DB
	alert bool
	now   func() time.Time
}

// PGOption configures PGRecorder.
type PGOption func(*PGRecorder)

// WithAlerting escalates failed audit writes to error-level logs for
// operational alerting; without it failures are warn-level best-effort
// drops.
func WithAlerting(enabled bool) PGOption {
	return func(r *PGRecorder) { r.alert = enabled }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) PGOption {
	return func(r *PGRecorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewPGRecorder constructs a PGRecorder on an open connection pool.
func NewPGRecorder(db *sql.DB, opts ...PGOption) *PGRecorder {
	r := &PGRecorder{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *PGRecorder) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		insert into policy_decision_logs
			(id, tenant_id, status, payload, response, error_message, http_status_code, duration_ms, triggered_by, op_type, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.TenantID, string(e.Status), e.Payload, e.Response, e.ErrorMsg,
		e.HTTPStatus, e.Duration.Milliseconds(), e.TriggeredBy, e.OpType, e.CreatedAt)
	if err != nil {
		obs.RecordAuditWriteFailure()
		level := "warn"
		if r.alert {
			level = "error"
		}
		obs.Log(level, "audit_write_failed", map[string]any{
			"tenant_id": e.TenantID,
			"status":    string(e.Status),
			"error":     err.Error(),
		})
	}
}

// Fanout forwards each record to every recorder in order.
func Fanout(recorders ...Recorder) Recorder {
	return fanout(recorders)
}

type fanout []Recorder

func (f fanout) Record(ctx context.Context, e Entry) {
	for _, r := range f {
		if r != nil {
			r.Record(ctx, e)
		}
	}
}
