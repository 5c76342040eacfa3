package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/rehearsal/internal/report"
	"github.com/MrWong99/rehearsal/pkg/types"
)

var _ Store = (*PostgresStore)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS rehearsal_sessions (
    id             TEXT         PRIMARY KEY,
    session_id     TEXT         NOT NULL DEFAULT '',
    scenario_id    TEXT         NOT NULL,
    scenario_name  TEXT         NOT NULL DEFAULT '',
    participant    TEXT         NOT NULL DEFAULT '',
    case_text      TEXT         NOT NULL DEFAULT '',
    phase          TEXT         NOT NULL DEFAULT '',
    elapsed_ms     BIGINT       NOT NULL DEFAULT 0,
    text_only      BOOLEAN      NOT NULL DEFAULT false,
    report         JSONB,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_rehearsal_sessions_created_at
    ON rehearsal_sessions (created_at DESC);

CREATE INDEX IF NOT EXISTS idx_rehearsal_sessions_scenario
    ON rehearsal_sessions (scenario_id);

CREATE TABLE IF NOT EXISTS rehearsal_messages (
    record_id  TEXT         NOT NULL REFERENCES rehearsal_sessions (id) ON DELETE CASCADE,
    seq        INTEGER      NOT NULL,
    role       TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (record_id, seq)
);
`

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, pings the server and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save implements [Store]. The record and its messages are written in one
// transaction.
func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	var reportJSON []byte
	if r.Report != nil {
		b, err := json.Marshal(r.Report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		reportJSON = b
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO rehearsal_sessions
		    (id, session_id, scenario_id, scenario_name, participant, case_text,
		     phase, elapsed_ms, text_only, report, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.SessionID, r.ScenarioID, r.ScenarioName, r.Participant, r.Case,
		r.Phase, r.ElapsedMS, r.TextOnly, reportJSON, r.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert session: %w", err)
	}

	if len(r.Messages) > 0 {
		rows := make([][]any, len(r.Messages))
		for i, m := range r.Messages {
			rows[i] = []any{r.ID, int32(i), string(m.Role), m.Text, m.Timestamp}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"rehearsal_messages"},
			[]string{"record_id", "seq", "role", "text", "timestamp"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy messages: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	var (
		r          Record
		reportJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, scenario_id, scenario_name, participant, case_text,
		       phase, elapsed_ms, text_only, report, created_at
		FROM rehearsal_sessions WHERE id = $1`, id,
	).Scan(&r.ID, &r.SessionID, &r.ScenarioID, &r.ScenarioName, &r.Participant, &r.Case,
		&r.Phase, &r.ElapsedMS, &r.TextOnly, &reportJSON, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("query session: %w", err)
	}
	if len(reportJSON) > 0 {
		r.Report = &report.EvaluationReport{}
		if err := json.Unmarshal(reportJSON, r.Report); err != nil {
			return Record{}, fmt.Errorf("decode report: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT role, text, timestamp FROM rehearsal_messages
		WHERE record_id = $1 ORDER BY seq`, id)
	if err != nil {
		return Record{}, fmt.Errorf("query messages: %w", err)
	}
	r.Messages, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var (
			m    types.Message
			role string
		)
		err := row.Scan(&role, &m.Text, &m.Timestamp)
		m.Role = types.Role(role)
		return m, err
	})
	if err != nil {
		return Record{}, fmt.Errorf("scan messages: %w", err)
	}
	return r, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.session_id, s.scenario_id, s.scenario_name, s.participant,
		       s.elapsed_ms, s.created_at, (s.report->>'score')::float8,
		       (SELECT count(*) FROM rehearsal_messages m WHERE m.record_id = s.id)
		FROM rehearsal_sessions s
		ORDER BY s.created_at DESC, s.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Summary, error) {
		var (
			sum   Summary
			count int64
		)
		err := row.Scan(&sum.ID, &sum.SessionID, &sum.ScenarioID, &sum.ScenarioName, &sum.Participant,
			&sum.ElapsedMS, &sum.CreatedAt, &sum.Score, &count)
		sum.Messages = int(count)
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [Store].
func (s *PostgresStore) Close() {
	s.pool.Close()
}
