package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/ocmt/backend/internal/errdefs"
)

// Store persists audit events.
type Store interface {
	Record(ctx context.Context, e Event) error
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	tenant_id  TEXT NOT NULL DEFAULT '',
	fields     JSONB NOT NULL DEFAULT '{}',
	at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_tenant_at ON audit_events (tenant_id, at DESC);`

// PostgresStore writes the trail to Postgres. One row per event, fields as
// JSONB.
type PostgresStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewPostgresStore connects, verifies the connection and ensures the schema.
func NewPostgresStore(ctx context.Context, dbURL string, log *slog.Logger) (*PostgresStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "open audit database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "ping audit database")
	}
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		db.Close()
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "ensure audit_events schema")
	}
	return &PostgresStore{db: db, log: log.With("component", "audit-store")}, nil
}

// Record inserts one event. Replayed ids are ignored.
func (s *PostgresStore) Record(ctx context.Context, e Event) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "marshal audit fields")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, event_type, tenant_id, fields, at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Type, e.TenantID, fields, e.At)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "insert audit event")
	}
	return nil
}

// Recent returns the newest events, optionally filtered by tenant.
func (s *PostgresStore) Recent(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, event_type, tenant_id, fields, at FROM audit_events`
	args := []interface{}{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1 ORDER BY at DESC LIMIT $2`
		args = append(args, tenantID, limit)
	} else {
		query += ` ORDER BY at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "query audit events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			fields []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.TenantID, &fields, &e.At); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "scan audit event")
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &e.Fields); err != nil {
				return nil, errdefs.Wrap(errdefs.KindInternal, err, "decode audit fields")
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Run consumes the bus until ctx ends, persisting every event. Insert
// failures are logged and skipped; the trail is best-effort, the bus never
// blocks on it.
func (s *PostgresStore) Run(ctx context.Context, bus *Bus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case e := <-ch:
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Record(wctx, e); err != nil {
				s.log.Warn("audit event not persisted", "type", e.Type, "tenant", e.TenantID, "error", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
