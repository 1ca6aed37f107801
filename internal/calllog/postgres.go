package calllog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the call_log table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_log (
    id             TEXT PRIMARY KEY,
    call_sid       TEXT NOT NULL DEFAULT '',
    stream_sid     TEXT NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ NOT NULL,
    ended_at       TIMESTAMPTZ,
    turns          INTEGER NOT NULL DEFAULT 0,
    replies        INTEGER NOT NULL DEFAULT 0,
    fallbacks      INTEGER NOT NULL DEFAULT 0,
    barge_ins      INTEGER NOT NULL DEFAULT 0,
    reconnects     INTEGER NOT NULL DEFAULT 0,
    dropped_frames INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_call_log_call_sid ON call_log(call_sid);
CREATE INDEX IF NOT EXISTS idx_call_log_started_at ON call_log(started_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore on an existing connection or pool.
// The caller is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn, verifies connectivity and applies
// [Schema]. Close the returned store to release the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("calllog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: ping: %w", err)
	}
	s := &PostgresStore{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("calllog: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool when the store owns one.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Begin implements Store.
func (s *PostgresStore) Begin(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("calllog: begin: empty record id")
	}
	const query = `
		INSERT INTO call_log (id, call_sid, stream_sid, started_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.Exec(ctx, query, rec.ID, rec.CallSID, rec.StreamSID, rec.StartedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("calllog: begin: record %q already exists", rec.ID)
		}
		return fmt.Errorf("calllog: begin: %w", err)
	}
	return nil
}

// Finish implements Store.
func (s *PostgresStore) Finish(ctx context.Context, rec Record) error {
	const query = `
		UPDATE call_log SET
			call_sid = $2, stream_sid = $3, ended_at = $4,
			turns = $5, replies = $6, fallbacks = $7,
			barge_ins = $8, reconnects = $9, dropped_frames = $10
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		rec.ID, rec.CallSID, rec.StreamSID, nullTime(rec.EndedAt),
		rec.Turns, rec.Replies, rec.Fallbacks,
		rec.BargeIns, rec.Reconnects, rec.DroppedFrames,
	)
	if err != nil {
		return fmt.Errorf("calllog: finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("calllog: finish %q: %w", rec.ID, ErrNotFound)
	}
	return nil
}

const selectColumns = `
	SELECT id, call_sid, stream_sid, started_at, ended_at,
	       turns, replies, fallbacks, barge_ins, reconnects, dropped_frames
	FROM call_log`

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, selectColumns+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("calllog: get %q: %w", id, ErrNotFound)
		}
		return Record{}, fmt.Errorf("calllog: get: %w", err)
	}
	return rec, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	query := selectColumns + " ORDER BY started_at DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("calllog: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("calllog: list scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calllog: list rows: %w", err)
	}
	return out, nil
}

// scanRecord reads one row in selectColumns order.
func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var ended *time.Time
	err := row.Scan(
		&rec.ID, &rec.CallSID, &rec.StreamSID, &rec.StartedAt, &ended,
		&rec.Turns, &rec.Replies, &rec.Fallbacks, &rec.BargeIns, &rec.Reconnects, &rec.DroppedFrames,
	)
	if err != nil {
		return Record{}, err
	}
	if ended != nil {
		rec.EndedAt = *ended
	}
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique-violation
// error (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
