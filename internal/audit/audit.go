// Package audit records a forensic trail of authentication and mailbox
// mutation events into the same SQLite database the MailboxStore uses.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// EventType names one kind of recorded action.
type EventType string

const (
	EventLoginSuccess   EventType = "login.success"
	EventLoginFailure   EventType = "login.failure"
	EventConnectionCap  EventType = "connection.rejected"
	EventApiKeyCreate   EventType = "apikey.create"
	EventApiKeyRevoke   EventType = "apikey.revoke"
	EventMessageDeleted EventType = "message.deleted"
	EventFlagsChanged   EventType = "message.flags_changed"
)

// Event is one row read back from audit_log.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    EventType `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail"`
	IPAddress string    `json:"ip_address"`
}

// Logger writes audit events to the audit_log table. A nil *Logger (or
// one wrapping a nil db) degrades gracefully to a no-op, so callers never
// need to guard every call site with a nil check.
type Logger struct {
	db *sql.DB
}

// NewLogger wraps db for audit writes. The audit_log table is expected to
// already exist via the MailboxStore's migrations.
func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// Log records an event with structured detail, marshaled to JSON.
func (l *Logger) Log(ctx context.Context, actor string, action EventType, target string, detail map[string]any, ip string) error {
	if l == nil || l.db == nil {
		return nil
	}

	detailJSON := "{}"
	if detail != nil {
		if data, err := json.Marshal(detail); err == nil {
			detailJSON = string(data)
		}
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (actor, action, target, detail, ip_address) VALUES (?, ?, ?, ?, ?)`,
		actor, string(action), target, detailJSON, ip)
	return err
}

// LogSimple records an event with no structured detail.
func (l *Logger) LogSimple(ctx context.Context, actor string, action EventType, target, ip string) error {
	return l.Log(ctx, actor, action, target, nil, ip)
}

// QueryFilter narrows a Query call.
type QueryFilter struct {
	Actor     string
	Action    EventType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Query retrieves matching audit events, most recent first.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}

	query := `SELECT id, timestamp, actor, action, target, detail, ip_address FROM audit_log WHERE 1=1`
	var args []any

	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, string(filter.Action))
	}
	if !filter.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime)
	}
	query += " ORDER BY timestamp DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.Target, &e.Detail, &e.IPAddress); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
