package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/civicsignal/billcost/internal/db"
	"github.com/civicsignal/billcost/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations.
var preparedStatements = map[string]string{
	"insert_raw_document": `INSERT INTO raw_documents (id, source_id, content_hash, content_type, payload, fetched_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (source_id, content_hash) DO NOTHING`,
	"get_task":            `SELECT id, task_type, bill_id, jurisdiction_id, status, model_used, context_ref, result, error, created_at, started_at, completed_at FROM analysis_tasks WHERE id = $1`,
	"append_health":       `INSERT INTO source_health (id, source_id, checked_at, outcome, latency_ms, items_found) VALUES ($1, $2, $3, $4, $5, $6)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS jurisdictions (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	type            TEXT NOT NULL,
	source_priority TEXT NOT NULL DEFAULT 'api_first',
	status          TEXT NOT NULL DEFAULT 'active',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sources (
	id                 TEXT PRIMARY KEY,
	jurisdiction_id    TEXT NOT NULL REFERENCES jurisdictions(id),
	url                TEXT NOT NULL,
	category           TEXT NOT NULL,
	acquisition_method TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'active',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sources_jurisdiction ON sources(jurisdiction_id);
CREATE INDEX IF NOT EXISTS idx_sources_status ON sources(status);

CREATE TABLE IF NOT EXISTS source_health (
	id          TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL REFERENCES sources(id),
	checked_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	outcome     TEXT NOT NULL,
	latency_ms  BIGINT NOT NULL DEFAULT 0,
	items_found INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_source_health_recent ON source_health(source_id, checked_at DESC);

CREATE TABLE IF NOT EXISTS raw_documents (
	id                 TEXT PRIMARY KEY,
	source_id          TEXT NOT NULL REFERENCES sources(id),
	content_hash       TEXT NOT NULL,
	content_type       TEXT NOT NULL,
	payload            BYTEA NOT NULL,
	fetched_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed          BOOLEAN NOT NULL DEFAULT false,
	current_generation INTEGER NOT NULL DEFAULT 0,
	UNIQUE (source_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_raw_documents_unprocessed ON raw_documents(fetched_at) WHERE NOT processed;

CREATE TABLE IF NOT EXISTS embedded_documents (
	id              TEXT PRIMARY KEY,
	raw_document_id TEXT NOT NULL REFERENCES raw_documents(id),
	chunk_index     INTEGER NOT NULL,
	text            TEXT NOT NULL,
	embedding       vector(1024),
	jurisdiction_id TEXT NOT NULL,
	category        TEXT NOT NULL,
	generation      INTEGER NOT NULL,
	visible         BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_embedded_documents_doc_gen ON embedded_documents(raw_document_id, generation);
CREATE INDEX IF NOT EXISTS idx_embedded_documents_visible ON embedded_documents(jurisdiction_id, category) WHERE visible;

CREATE TABLE IF NOT EXISTS analysis_tasks (
	id              TEXT PRIMARY KEY,
	task_type       TEXT NOT NULL,
	bill_id         TEXT,
	jurisdiction_id TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'queued',
	model_used      TEXT,
	context_ref     TEXT,
	result          JSONB,
	error           TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_analysis_tasks_bill ON analysis_tasks(bill_id, task_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_analysis_tasks_status ON analysis_tasks(status);
CREATE INDEX IF NOT EXISTS idx_analysis_tasks_jurisdiction ON analysis_tasks(jurisdiction_id);

CREATE TABLE IF NOT EXISTS impacts (
	id                 TEXT PRIMARY KEY,
	bill_id            TEXT NOT NULL,
	description        TEXT NOT NULL,
	relevant_clause    TEXT,
	evidence           JSONB,
	chain_of_causality TEXT,
	confidence         DOUBLE PRECISION NOT NULL,
	p10                DOUBLE PRECISION NOT NULL,
	p25                DOUBLE PRECISION NOT NULL,
	p50                DOUBLE PRECISION NOT NULL,
	p75                DOUBLE PRECISION NOT NULL,
	p90                DOUBLE PRECISION NOT NULL,
	model_used         TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (p10 <= p25 AND p25 <= p50 AND p50 <= p75 AND p75 <= p90)
);

CREATE INDEX IF NOT EXISTS idx_impacts_bill ON impacts(bill_id, created_at DESC);

CREATE TABLE IF NOT EXISTS model_configs (
	id         TEXT PRIMARY KEY,
	provider   TEXT NOT NULL,
	model_name TEXT NOT NULL,
	use_case   TEXT NOT NULL,
	priority   INTEGER NOT NULL,
	enabled    BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS system_prompts (
	id          TEXT PRIMARY KEY,
	prompt_type TEXT NOT NULL,
	version     INTEGER NOT NULL,
	content     TEXT NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (prompt_type, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_system_prompts_one_active ON system_prompts(prompt_type) WHERE is_active;

CREATE TABLE IF NOT EXISTS source_candidates (
	id              TEXT PRIMARY KEY,
	jurisdiction_id TEXT NOT NULL REFERENCES jurisdictions(id),
	url             TEXT NOT NULL,
	category        TEXT NOT NULL,
	query           TEXT,
	score           DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'proposed',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (jurisdiction_id, url)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJurisdiction(ctx context.Context, j model.Jurisdiction) (*model.Jurisdiction, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.JurisdictionActive
	}
	now := nowUTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jurisdictions (id, name, type, source_priority, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		j.ID, j.Name, string(j.Type), string(j.SourcePriority), string(j.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert jurisdiction")
	}
	return &j, nil
}

func (s *PostgresStore) GetJurisdiction(ctx context.Context, id string) (*model.Jurisdiction, error) {
	var j model.Jurisdiction
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, type, source_priority, status, created_at, updated_at FROM jurisdictions WHERE id = $1`,
		id,
	).Scan(&j.ID, &j.Name, &j.Type, &j.SourcePriority, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: jurisdiction %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get jurisdiction %s", id)
	}
	return &j, nil
}

func (s *PostgresStore) ListJurisdictions(ctx context.Context, status model.JurisdictionStatus) ([]model.Jurisdiction, error) {
	query := `SELECT id, name, type, source_priority, status, created_at, updated_at FROM jurisdictions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jurisdictions")
	}
	defer rows.Close()

	var out []model.Jurisdiction
	for rows.Next() {
		var j model.Jurisdiction
		if err := rows.Scan(&j.ID, &j.Name, &j.Type, &j.SourcePriority, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan jurisdiction")
		}
		out = append(out, j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jurisdictions iterate")
}

func (s *PostgresStore) CreateSource(ctx context.Context, src model.Source) (*model.Source, error) {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.Status == "" {
		src.Status = model.SourceActive
	}
	now := nowUTC()
	src.CreatedAt = now
	src.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sources (id, jurisdiction_id, url, category, acquisition_method, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		src.ID, src.JurisdictionID, src.URL, string(src.Category), string(src.Method), string(src.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert source")
	}
	return &src, nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	var src model.Source
	err := s.pool.QueryRow(ctx,
		`SELECT id, jurisdiction_id, url, category, acquisition_method, status, created_at, updated_at FROM sources WHERE id = $1`,
		id,
	).Scan(&src.ID, &src.JurisdictionID, &src.URL, &src.Category, &src.Method, &src.Status, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: source %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get source %s", id)
	}
	return &src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, filter SourceFilter) ([]model.Source, error) {
	query := `SELECT id, jurisdiction_id, url, category, acquisition_method, status, created_at, updated_at FROM sources WHERE true`
	args := []any{}
	argIdx := 1

	add := func(clause string, val any) {
		query += ` AND ` + clause + placeholder(argIdx)
		args = append(args, val)
		argIdx++
	}
	if filter.JurisdictionID != "" {
		add(`jurisdiction_id = `, filter.JurisdictionID)
	}
	if filter.Status != "" {
		add(`status = `, string(filter.Status))
	}
	if filter.Category != "" {
		add(`category = `, string(filter.Category))
	}
	if filter.Method != "" {
		add(`acquisition_method = `, string(filter.Method))
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		if err := rows.Scan(&src.ID, &src.JurisdictionID, &src.URL, &src.Category, &src.Method, &src.Status, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) UpdateSourceStatus(ctx context.Context, id string, status model.SourceStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), nowUTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: source %s", id)
	}
	return nil
}

func (s *PostgresStore) AppendHealth(ctx context.Context, rec model.SourceHealthRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CheckedAt.IsZero() {
		rec.CheckedAt = nowUTC()
	}
	_, err := s.pool.Exec(ctx, "append_health",
		rec.ID, rec.SourceID, rec.CheckedAt, string(rec.Outcome), rec.LatencyMS, rec.ItemsFound,
	)
	return eris.Wrap(err, "postgres: append health")
}

// RecentHealth returns the most recent n health records for a source,
// newest first.
func (s *PostgresStore) RecentHealth(ctx context.Context, sourceID string, n int) ([]model.SourceHealthRecord, error) {
	if n <= 0 {
		n = 3
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, checked_at, outcome, latency_ms, items_found FROM source_health
		 WHERE source_id = $1 ORDER BY checked_at DESC LIMIT $2`,
		sourceID, n,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent health")
	}
	defer rows.Close()

	var out []model.SourceHealthRecord
	for rows.Next() {
		var rec model.SourceHealthRecord
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.CheckedAt, &rec.Outcome, &rec.LatencyMS, &rec.ItemsFound); err != nil {
			return nil, eris.Wrap(err, "postgres: scan health record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: recent health iterate")
}

// placeholder renders a $n argument marker.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
