// Package logstore implements the Structured Log Store (C1): an
// append-only, query+aggregate event log keyed by trace/conversation/
// token/request IDs. Backed by SQLite via the shared pkg/db migration
// runner, generalized from the teacher's usage-stats aggregation pattern
// (pkg/usage/stats.go) from token-usage breakdowns to level/component
// breakdowns over a time range.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kestrelctl/a2arelay/pkg/db"
	"github.com/kestrelctl/a2arelay/pkg/logger"
)

// Level is a log event severity, ordered least to most severe.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one structured log event, per spec.md §3.
type Entry struct {
	ID             int64     `db:"id" json:"id"`
	Timestamp      time.Time `db:"-" json:"timestamp"`
	Level          Level     `db:"level" json:"level"`
	Component      string    `db:"component" json:"component"`
	Event          string    `db:"event" json:"event"`
	Message        string    `db:"message" json:"message"`
	TraceID        string    `db:"trace_id" json:"trace_id,omitempty"`
	ConversationID string    `db:"conversation_id" json:"conversation_id,omitempty"`
	TokenID        string    `db:"token_id" json:"token_id,omitempty"`
	RequestID      string    `db:"request_id" json:"request_id,omitempty"`
	ErrorCode      string    `db:"error_code" json:"error_code,omitempty"`
	StatusCode     int       `db:"status_code" json:"status_code,omitempty"`
	Hint           string    `db:"hint" json:"hint,omitempty"`
	Data           string    `db:"data" json:"data,omitempty"`
}

type row struct {
	ID             int64          `db:"id"`
	Timestamp      string         `db:"timestamp"`
	Level          string         `db:"level"`
	Component      string         `db:"component"`
	Event          string         `db:"event"`
	Message        string         `db:"message"`
	TraceID        sql.NullString `db:"trace_id"`
	ConversationID sql.NullString `db:"conversation_id"`
	TokenID        sql.NullString `db:"token_id"`
	RequestID      sql.NullString `db:"request_id"`
	ErrorCode      sql.NullString `db:"error_code"`
	StatusCode     sql.NullInt64  `db:"status_code"`
	Hint           sql.NullString `db:"hint"`
	Data           sql.NullString `db:"data"`
}

func (r row) toEntry() Entry {
	ts, _ := time.Parse(time.RFC3339Nano, r.Timestamp)
	return Entry{
		ID:             r.ID,
		Timestamp:      ts,
		Level:          Level(r.Level),
		Component:      r.Component,
		Event:          r.Event,
		Message:        r.Message,
		TraceID:        r.TraceID.String,
		ConversationID: r.ConversationID.String,
		TokenID:        r.TokenID.String,
		RequestID:      r.RequestID.String,
		ErrorCode:      r.ErrorCode.String,
		StatusCode:     int(r.StatusCode.Int64),
		Hint:           r.Hint.String,
		Data:           r.Data.String,
	}
}

// Store is the SQLite-backed Structured Log Store.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating and migrating if necessary) the log store at
// dbPath. On an incompatible existing schema it rotates the old file
// aside (db.Rotate) and recreates a fresh database, logging a single
// log_db_rotated event — the rotate-on-mismatch policy of spec.md §4.9.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := db.RunMigrations(ctx, dbPath, migrations()); err != nil {
		rotated, rotateErr := db.Rotate(dbPath, time.Now().UTC().Format("20060102T150405"))
		if rotateErr != nil {
			return nil, rotateErr
		}
		logger.G(ctx).WithField("legacy_path", rotated).WithField("event", "log_db_rotated").
			Warn("log store schema incompatible, rotated aside")

		if err := db.RunMigrations(ctx, dbPath, migrations()); err != nil {
			return nil, err
		}
	}

	sqlDB, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	return &Store{db: sqlDB}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Write persists one log entry. It never returns an error to the caller
// that would interrupt request handling — failures are logged to the
// fallback logrus sink instead, per spec.md §4.9 "never raises".
func (s *Store) Write(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (timestamp, level, component, event, message, trace_id, conversation_id, token_id, request_id, error_code, status_code, hint, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Component, e.Event, e.Message,
		nullable(e.TraceID), nullable(e.ConversationID), nullable(e.TokenID), nullable(e.RequestID),
		nullable(e.ErrorCode), e.StatusCode, nullable(e.Hint), nullable(e.Data))
	if err != nil {
		logger.G(ctx).WithField("error", err).WithField("component", "logstore").Error("failed to write log event")
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Filters narrows a List query.
type Filters struct {
	Component      string
	Level          Level
	ConversationID string
	TokenID        string
	ErrorCode      string
	Limit          int
}

// List returns log entries matching filters, most recent first.
func (s *Store) List(ctx context.Context, f Filters) ([]Entry, error) {
	query := `SELECT id, timestamp, level, component, event, message, trace_id, conversation_id, token_id, request_id, error_code, status_code, hint, data FROM logs WHERE 1=1`
	var args []interface{}

	if f.Component != "" {
		query += ` AND component = ?`
		args = append(args, f.Component)
	}
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, f.Level)
	}
	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	if f.TokenID != "" {
		query += ` AND token_id = ?`
		args = append(args, f.TokenID)
	}
	if f.ErrorCode != "" {
		query += ` AND error_code = ?`
		args = append(args, f.ErrorCode)
	}

	query += ` ORDER BY timestamp DESC, id DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntry())
	}
	return out, nil
}

// GetTrace returns all log entries sharing traceID, in insertion order
// (per spec.md §5 "trace-scoped reads are ordered by insertion").
func (s *Store) GetTrace(ctx context.Context, traceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, timestamp, level, component, event, message, trace_id, conversation_id, token_id, request_id, error_code, status_code, hint, data
		FROM logs WHERE trace_id = ? ORDER BY id ASC LIMIT ?
	`, traceID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntry())
	}
	return out, nil
}

// Stats is an aggregate over a time range, in the spirit of the teacher's
// daily/provider usage breakdown (pkg/usage/stats.go) adapted to
// level/component.
type Stats struct {
	Total       int            `json:"total"`
	ByLevel     map[string]int `json:"by_level"`
	ByComponent map[string]int `json:"by_component"`
}

// AggregateStats computes Stats for log events between from and to
// (inclusive), defaulting to the full table when either is zero.
func (s *Store) AggregateStats(ctx context.Context, from, to time.Time) (*Stats, error) {
	query := `SELECT level, component, COUNT(*) as n FROM logs WHERE 1=1`
	var args []interface{}
	if !from.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, from.Format(time.RFC3339Nano))
	}
	if !to.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, to.Format(time.RFC3339Nano))
	}
	query += ` GROUP BY level, component`

	type agg struct {
		Level     string `db:"level"`
		Component string `db:"component"`
		N         int    `db:"n"`
	}
	var rows []agg
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	stats := &Stats{ByLevel: map[string]int{}, ByComponent: map[string]int{}}
	for _, r := range rows {
		stats.Total += r.N
		stats.ByLevel[r.Level] += r.N
		stats.ByComponent[r.Component] += r.N
	}
	return stats, nil
}

// MarshalData is a convenience for callers building the opaque `data` field.
func MarshalData(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
