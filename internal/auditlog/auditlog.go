// Package auditlog is a SQLite-backed durable record of the gateway's
// security-relevant events (authentication, logout, key rotation) and
// periodic connection-count samples, supplementing spec §4.1/§4.2 with the
// durable trail a production deployment of this gateway would keep.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// EventKind is the closed set of events the log records.
type EventKind string

const (
	EventAuthenticate EventKind = "AUTHENTICATE"
	EventAuthFailed   EventKind = "AUTH_FAILED"
	EventLogout       EventKind = "LOGOUT"
	EventKeyRotated   EventKind = "KEY_ROTATED"
	EventDisconnect   EventKind = "DISCONNECT"
)

// Log is a SQLite-backed append-only audit trail.
type Log struct {
	db *sql.DB
}

// Open creates (or reuses) the database at path, opened with WAL mode and a
// busy timeout so it tolerates concurrent writers without SQLITE_BUSY
// errors under the gateway's fan-in of per-client events.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is a single-process driver; serialize writers.

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping audit log: %w", err)
	}

	l := &Log{db: db}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize audit log schema: %w", err)
	}
	return l, nil
}

func (l *Log) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		client_id TEXT NOT NULL,
		detail TEXT,
		occurred_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_client ON events(client_id, occurred_at);

	CREATE TABLE IF NOT EXISTS connection_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		live_connections INTEGER NOT NULL,
		sampled_at INTEGER NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends one event. detail is free-form, informational text (an
// api key's client, an error message) and is never used for authorization
// decisions.
func (l *Log) Record(ctx context.Context, kind EventKind, clientID, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (kind, client_id, detail, occurred_at) VALUES (?, ?, ?, ?)`,
		string(kind), clientID, detail, time.Now().UnixMilli(),
	)
	return err
}

// SampleConnections records a connection-count sample, used by the periodic
// sampler started from cmd/gateway.
func (l *Log) SampleConnections(ctx context.Context, live int) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO connection_samples (live_connections, sampled_at) VALUES (?, ?)`,
		live, time.Now().UnixMilli(),
	)
	return err
}

// RecentEvents returns up to limit most recent events for clientID, newest
// first, used by the /stats endpoint's debugging surface.
func (l *Log) RecentEvents(ctx context.Context, clientID string, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, client_id, detail, occurred_at FROM events WHERE client_id = ? ORDER BY occurred_at DESC LIMIT ?`,
		clientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var occurredAtMs int64
		if err := rows.Scan(&e.Kind, &e.ClientID, &e.Detail, &occurredAtMs); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.OccurredAt = time.UnixMilli(occurredAtMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Event is one row from the events table.
type Event struct {
	Kind       EventKind
	ClientID   string
	Detail     string
	OccurredAt time.Time
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// StartSampler runs SampleConnections on interval until ctx is canceled,
// using liveFn to read the current connection count without the sampler
// needing to know about session.Manager directly.
func (l *Log) StartSampler(ctx context.Context, interval time.Duration, liveFn func() int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = l.SampleConnections(ctx, liveFn())
		case <-ctx.Done():
			return
		}
	}
}
