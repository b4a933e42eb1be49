// Package audit persists the dispatch event trail in Postgres.
package audit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTable = "dispatch_events"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Record is one audited transition.
type Record struct {
	ID         uuid.UUID
	DispatchID uuid.UUID
	Stage      string
	TS         time.Time
	URL        string
	Host       string
	Scheme     string
	Proxy      string
	Address    string
	RecordType string
	Reason     string
	StatusCode int
	Duration   time.Duration
	Note       string
}

// Config controls the Postgres connection pool used for audit rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// EventStore writes audit rows into Postgres.
type EventStore struct {
	pool  execCloser
	table string
}

// NewEventStore connects a pool using cfg.
func NewEventStore(ctx context.Context, cfg Config) (*EventStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("audit.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &EventStore{pool: pool, table: table}, nil
}

// NewEventStoreWithPool wraps an existing pool (primarily for testing).
func NewEventStoreWithPool(pool execCloser, table string) (*EventStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &EventStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Table reports the destination table.
func (s *EventStore) Table() string { return s.table }

// Close releases the underlying pool resources.
func (s *EventStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the audit table when it does not exist.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          uuid PRIMARY KEY,
	dispatch_id uuid,
	stage       text NOT NULL,
	ts          timestamptz NOT NULL,
	url         text,
	host        text,
	scheme      text,
	proxy       text,
	address     text,
	record_type text,
	reason      text,
	status_code integer,
	duration_ms bigint,
	note        text
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

const columnsPerRow = 14

// Insert writes records in a single multi-row statement.
func (s *EventStore) Insert(ctx context.Context, records []Record) error {
	if s == nil || s.pool == nil {
		return errors.New("audit store is not configured")
	}
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (
	id, dispatch_id, stage, ts, url, host, scheme, proxy,
	address, record_type, reason, status_code, duration_ms, note
) VALUES `, s.table)

	args := make([]any, 0, len(records)*columnsPerRow)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for c := range columnsPerRow {
			if c > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", i*columnsPerRow+c+1)
		}
		sb.WriteString(")")

		id := rec.ID
		if id == uuid.Nil {
			id = uuid.Must(uuid.NewV7())
		}
		var dispatchID *uuid.UUID
		if rec.DispatchID != uuid.Nil {
			d := rec.DispatchID
			dispatchID = &d
		}
		args = append(args,
			id,
			dispatchID,
			rec.Stage,
			rec.TS,
			rec.URL,
			rec.Host,
			rec.Scheme,
			rec.Proxy,
			rec.Address,
			rec.RecordType,
			rec.Reason,
			rec.StatusCode,
			rec.Duration.Milliseconds(),
			rec.Note,
		)
	}

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert audit rows: %w", err)
	}
	return nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	DispatchID uuid.UUID
	Stage      string
	Limit      int
	Offset     int
}

// List returns records newest first.
func (s *EventStore) List(ctx context.Context, f Filter) ([]Record, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("audit store is not configured")
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var dispatchID *uuid.UUID
	if f.DispatchID != uuid.Nil {
		dispatchID = &f.DispatchID
	}
	query := fmt.Sprintf(`SELECT id, dispatch_id, stage, ts, url, host, scheme, proxy,
	address, record_type, reason, status_code, duration_ms, note
FROM %s
WHERE ($1::uuid IS NULL OR dispatch_id = $1) AND ($2 = '' OR stage = $2)
ORDER BY ts DESC
LIMIT $3 OFFSET $4`, s.table)

	rows, err := s.pool.Query(ctx, query, dispatchID, f.Stage, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list audit rows: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			dispatch   pgtype.UUID
			durationMS int64
		)
		if err := rows.Scan(
			&rec.ID,
			&dispatch,
			&rec.Stage,
			&rec.TS,
			&rec.URL,
			&rec.Host,
			&rec.Scheme,
			&rec.Proxy,
			&rec.Address,
			&rec.RecordType,
			&rec.Reason,
			&rec.StatusCode,
			&durationMS,
			&rec.Note,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if dispatch.Valid {
			rec.DispatchID = uuid.UUID(dispatch.Bytes)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}
