package hipaa

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Action is the AuditEvent.action code.
type Action string

const (
	ActionCreate  Action = "C"
	ActionRead    Action = "R"
	ActionUpdate  Action = "U"
	ActionDelete  Action = "D"
	ActionExecute Action = "E"
)

// Outcome is the AuditEvent.outcome code.
type Outcome string

const (
	OutcomeSuccess        Outcome = "0"
	OutcomeMinorFailure   Outcome = "4"
	OutcomeSeriousFailure Outcome = "8"
	OutcomeMajorFailure   Outcome = "12"
)

// OutcomeForStatus derives an outcome from an HTTP status when the handler
// did not set one.
func OutcomeForStatus(status int) Outcome {
	switch {
	case status >= 500:
		return OutcomeSeriousFailure
	case status >= 400:
		return OutcomeMinorFailure
	}
	return OutcomeSuccess
}

// AuditEvent represents a FHIR-aligned audit event stored in the audit_event table.
type AuditEvent struct {
	ID               uuid.UUID `json:"id"`
	TypeCode         string    `json:"type_code"`
	SubtypeCode      string    `json:"subtype_code"`
	Action           Action    `json:"action"`
	Recorded         time.Time `json:"recorded"`
	Outcome          Outcome   `json:"outcome"`
	OutcomeDesc      string    `json:"outcome_desc,omitempty"`
	AgentWhoID       string    `json:"agent_who_id,omitempty"`
	AgentNetworkAddr string    `json:"agent_network_address,omitempty"`
	SourceEndpoint   string    `json:"source_endpoint"`
	Method           string    `json:"method"`
	StatusCode       int       `json:"status_code"`
	RequestID        string    `json:"request_id,omitempty"`
	EntityWhatType   string    `json:"entity_what_type,omitempty"`
	EntityWhatID     string    `json:"entity_what_id,omitempty"`
}

// NewRESTEvent creates an AuditEvent for a RESTful interaction.
func NewRESTEvent(action Action, subtype, endpoint string) *AuditEvent {
	return &AuditEvent{
		ID:             uuid.New(),
		TypeCode:       "rest",
		SubtypeCode:    subtype,
		Action:         action,
		Recorded:       time.Now().UTC(),
		Outcome:        OutcomeSuccess,
		SourceEndpoint: endpoint,
	}
}

// Recorder persists audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

const insertAuditEventPG = `
	INSERT INTO audit_event (
		id, type_code, subtype_code, action, recorded, outcome, outcome_desc,
		agent_who_id, agent_network_address, source_endpoint, method, status_code,
		request_id, entity_what_type, entity_what_id
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

const insertAuditEventSQLite = `
	INSERT INTO audit_event (
		id, type_code, subtype_code, action, recorded, outcome, outcome_desc,
		agent_who_id, agent_network_address, source_endpoint, method, status_code,
		request_id, entity_what_type, entity_what_id
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func auditArgs(e *AuditEvent) []any {
	return []any{
		e.ID, e.TypeCode, e.SubtypeCode, string(e.Action), e.Recorded, string(e.Outcome), e.OutcomeDesc,
		e.AgentWhoID, e.AgentNetworkAddr, e.SourceEndpoint, e.Method, e.StatusCode,
		e.RequestID, e.EntityWhatType, e.EntityWhatID,
	}
}

func prepare(e *AuditEvent) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Recorded.IsZero() {
		e.Recorded = time.Now().UTC()
	}
}

// AuditLogger writes audit events to the Postgres audit_event table.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger creates a new AuditLogger backed by the given connection pool.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

func (a *AuditLogger) Record(ctx context.Context, event *AuditEvent) error {
	prepare(event)
	if _, err := a.pool.Exec(ctx, insertAuditEventPG, auditArgs(event)...); err != nil {
		return fmt.Errorf("hipaa audit: insert event: %w", err)
	}
	return nil
}

// SQLAuditLogger writes audit events to the audit_event table of an
// embedded SQLite database.
type SQLAuditLogger struct {
	db *sql.DB
}

func NewSQLAuditLogger(db *sql.DB) *SQLAuditLogger {
	return &SQLAuditLogger{db: db}
}

func (a *SQLAuditLogger) Record(ctx context.Context, event *AuditEvent) error {
	prepare(event)
	args := auditArgs(event)
	args[0] = event.ID.String()
	args[4] = event.Recorded.Format(time.RFC3339Nano)
	if _, err := a.db.ExecContext(ctx, insertAuditEventSQLite, args...); err != nil {
		return fmt.Errorf("hipaa audit: insert event: %w", err)
	}
	return nil
}
