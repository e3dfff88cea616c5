package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/db"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/normalize"
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

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'pending',
	fingerprint TEXT NOT NULL,
	notes       TEXT NOT NULL DEFAULT '',
	models      JSONB NOT NULL DEFAULT '[]',
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active_fingerprint ON runs(fingerprint) WHERE status <> 'failed';
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);

CREATE TABLE IF NOT EXISTS brands (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	canonical_key TEXT NOT NULL UNIQUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prompts (
	id            TEXT PRIMARY KEY,
	text          TEXT NOT NULL,
	canonical_key TEXT NOT NULL UNIQUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_brands (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	brand_id TEXT NOT NULL REFERENCES brands(id),
	position INTEGER NOT NULL,
	PRIMARY KEY (run_id, brand_id)
);

CREATE TABLE IF NOT EXISTS run_prompts (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	prompt_id TEXT NOT NULL REFERENCES prompts(id),
	position  INTEGER NOT NULL,
	PRIMARY KEY (run_id, prompt_id)
);

CREATE TABLE IF NOT EXISTS responses (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	prompt_id     TEXT NOT NULL REFERENCES prompts(id),
	model         TEXT NOT NULL,
	provider      TEXT NOT NULL DEFAULT '',
	raw_text      TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	error_kind    TEXT NOT NULL DEFAULT '',
	latency_ms    DOUBLE PRECISION NOT NULL DEFAULT 0,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, prompt_id, model)
);

CREATE INDEX IF NOT EXISTS idx_responses_run_id ON responses(run_id);

CREATE TABLE IF NOT EXISTS mentions (
	response_id TEXT NOT NULL REFERENCES responses(id),
	brand_id    TEXT NOT NULL REFERENCES brands(id),
	mentioned   BOOLEAN NOT NULL,
	count       INTEGER NOT NULL DEFAULT 0,
	position    INTEGER NOT NULL DEFAULT -1,
	PRIMARY KEY (response_id, brand_id)
);

CREATE TABLE IF NOT EXISTS api_keys (
	provider   TEXT PRIMARY KEY,
	sealed_key TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const pgRunColumns = `id, status, fingerprint, notes, models, error, created_at, updated_at`

var (
	upsertBrandSQL = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "brands",
		Columns:      []string{"id", "name", "canonical_key", "created_at"},
		ConflictKeys: []string{"canonical_key"},
		UpdateCols:   []string{"canonical_key"},
		Returning:    []string{"id"},
	})
	upsertPromptSQL = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "prompts",
		Columns:      []string{"id", "text", "canonical_key", "created_at"},
		ConflictKeys: []string{"canonical_key"},
		UpdateCols:   []string{"canonical_key"},
		Returning:    []string{"id"},
	})
	upsertAPIKeySQL = db.MustUpsertSQL(db.UpsertConfig{
		Table:        "api_keys",
		Columns:      []string{"provider", "sealed_key", "updated_at"},
		ConflictKeys: []string{"provider"},
	})
)

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

func (s *PostgresStore) CreateRun(ctx context.Context, in NewRun) (*model.Run, bool, error) {
	modelsJSON, err := json.Marshal(in.Models)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal models")
	}

	run, err := newRunRecord(in)
	if err != nil {
		return nil, false, err
	}
	ts := run.CreatedAt

	created := false
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO runs (`+pgRunColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (fingerprint) WHERE status <> 'failed' DO NOTHING`,
			run.ID, string(run.Status), run.Fingerprint, run.Notes, modelsJSON, run.Error, ts, ts,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert run")
		}
		if tag.RowsAffected() == 0 {
			existing, err := scanPgRun(tx.QueryRow(ctx,
				`SELECT `+pgRunColumns+` FROM runs WHERE fingerprint = $1 AND status <> 'failed'`,
				in.Fingerprint,
			))
			if err != nil {
				return eris.Wrap(err, "postgres: load active run")
			}
			run = existing
			return nil
		}

		brandRows, err := upsertEntities(ctx, tx, upsertBrandSQL, run.ID, in.Brands, ts)
		if err != nil {
			return eris.Wrap(err, "postgres: upsert brands")
		}
		if _, err := db.CopyFrom(ctx, tx, "run_brands", []string{"run_id", "brand_id", "position"}, brandRows); err != nil {
			return err
		}

		promptRows, err := upsertEntities(ctx, tx, upsertPromptSQL, run.ID, in.Prompts, ts)
		if err != nil {
			return eris.Wrap(err, "postgres: upsert prompts")
		}
		if _, err := db.CopyFrom(ctx, tx, "run_prompts", []string{"run_id", "prompt_id", "position"}, promptRows); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return run, created, nil
}

// upsertEntities inserts or fetches each entry by canonical key and returns
// association rows (run_id, entity_id, position). Rows are upserted in key
// order so concurrent transactions lock the unique index in the same order.
func upsertEntities(ctx context.Context, tx pgx.Tx, query, runID string, entries []normalize.Entry, ts time.Time) ([][]any, error) {
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return entries[order[a]].Key < entries[order[b]].Key })

	rows := make([][]any, len(entries))
	for _, i := range order {
		var id string
		if err := tx.QueryRow(ctx, query, newID(), entries[i].Value, entries[i].Key, ts).Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "upsert %q", entries[i].Value)
		}
		rows[i] = []any{runID, id, i}
	}
	return rows, nil
}

func (s *PostgresStore) FindActiveRun(ctx context.Context, fingerprint string) (*model.Run, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE fingerprint = $1 AND status <> 'failed'`,
		fingerprint,
	))
	return run, eris.Wrap(err, "postgres: find active run")
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID,
	))
	return run, eris.Wrapf(err, "postgres: get run %s", runID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list runs")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) CountRuns(ctx context.Context) (map[model.RunStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count runs")
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: count runs scan")
		}
		counts[model.RunStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count runs iterate")
}

func (s *PostgresStore) RunBrands(ctx context.Context, runID string) ([]model.Brand, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.id, b.name, b.canonical_key, b.created_at
		 FROM run_brands rb JOIN brands b ON b.id = rb.brand_id
		 WHERE rb.run_id = $1 ORDER BY rb.position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run brands")
	}
	defer rows.Close()

	var out []model.Brand
	for rows.Next() {
		var b model.Brand
		if err := rows.Scan(&b.ID, &b.Name, &b.CanonicalKey, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan brand")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: run brands iterate")
}

func (s *PostgresStore) RunPrompts(ctx context.Context, runID string) ([]model.Prompt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.text, p.canonical_key, p.created_at
		 FROM run_prompts rp JOIN prompts p ON p.id = rp.prompt_id
		 WHERE rp.run_id = $1 ORDER BY rp.position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run prompts")
	}
	defer rows.Close()

	var out []model.Prompt
	for rows.Next() {
		var p model.Prompt
		if err := rows.Scan(&p.ID, &p.Text, &p.CanonicalKey, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan prompt")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: run prompts iterate")
}

func (s *PostgresStore) TransitionRun(ctx context.Context, runID string, from, to model.RunStatus, reason string) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	if to != model.RunStatusFailed {
		reason = ""
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(to), reason, now(), runID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition run %s", runID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SaveResponse(ctx context.Context, resp *model.Response) (bool, error) {
	prepareResponse(resp)

	inserted := false
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO responses (id, run_id, prompt_id, model, provider, raw_text, error, error_kind,
			 latency_ms, input_tokens, output_tokens, cost_usd, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (run_id, prompt_id, model) DO NOTHING`,
			resp.ID, resp.RunID, resp.PromptID, resp.Model, resp.Provider, resp.RawText, resp.Error,
			resp.ErrorKind, resp.LatencyMs, resp.InputTokens, resp.OutputTokens, resp.CostUSD, resp.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert response")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		rows := make([][]any, len(resp.Mentions))
		for i, m := range resp.Mentions {
			rows[i] = []any{resp.ID, m.BrandID, m.Mentioned, m.Count, m.Position}
		}
		if _, err := db.CopyFrom(ctx, tx, "mentions",
			[]string{"response_id", "brand_id", "mentioned", "count", "position"}, rows); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *PostgresStore) ListResponses(ctx context.Context, runID string) ([]model.Response, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.run_id, r.prompt_id, p.text, r.model, r.provider, r.raw_text, r.error, r.error_kind,
		 r.latency_ms, r.input_tokens, r.output_tokens, r.cost_usd, r.created_at,
		 COALESCE(
		   (SELECT json_agg(json_build_object(
		      'brand_id', m.brand_id, 'brand_name', b.name, 'mentioned', m.mentioned,
		      'count', m.count, 'position', m.position) ORDER BY rb.position)
		    FROM mentions m
		    JOIN brands b ON b.id = m.brand_id
		    LEFT JOIN run_brands rb ON rb.run_id = r.run_id AND rb.brand_id = m.brand_id
		    WHERE m.response_id = r.id),
		   '[]'::json)
		 FROM responses r JOIN prompts p ON p.id = r.prompt_id
		 WHERE r.run_id = $1 ORDER BY r.created_at, r.id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list responses")
	}
	defer rows.Close()

	out := []model.Response{}
	for rows.Next() {
		var r model.Response
		var mentionsJSON []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.PromptID, &r.PromptText, &r.Model, &r.Provider,
			&r.RawText, &r.Error, &r.ErrorKind, &r.LatencyMs, &r.InputTokens, &r.OutputTokens,
			&r.CostUSD, &r.CreatedAt, &mentionsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan response")
		}
		if err := json.Unmarshal(mentionsJSON, &r.Mentions); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal mentions")
		}
		for i := range r.Mentions {
			r.Mentions[i].ResponseID = r.ID
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list responses iterate")
}

func (s *PostgresStore) PutAPIKey(ctx context.Context, key model.APIKey) error {
	if key.UpdatedAt.IsZero() {
		key.UpdatedAt = now()
	}
	_, err := s.pool.Exec(ctx, upsertAPIKeySQL, key.Provider, key.SealedKey, key.UpdatedAt)
	return eris.Wrap(err, "postgres: put api key")
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, provider string) (*model.APIKey, error) {
	var k model.APIKey
	err := s.pool.QueryRow(ctx,
		`SELECT provider, sealed_key, updated_at FROM api_keys WHERE provider = $1`, provider,
	).Scan(&k.Provider, &k.SealedKey, &k.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get api key")
	}
	return &k, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT provider, sealed_key, updated_at FROM api_keys ORDER BY provider`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list api keys")
	}
	defer rows.Close()

	var out []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.Provider, &k.SealedKey, &k.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan api key")
		}
		out = append(out, k)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list api keys iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var modelsJSON []byte

	err := row.Scan(&r.ID, &status, &r.Fingerprint, &r.Notes, &modelsJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal(modelsJSON, &r.Models); err != nil {
		return nil, eris.Wrap(err, "unmarshal models")
	}
	return &r, nil
}
