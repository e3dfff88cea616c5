package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/visibility-engine/internal/model"
)

// sqliteTime is fixed width so that lexical order equals time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite. All access goes
// through a single connection, which serializes writers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'pending',
	fingerprint TEXT NOT NULL,
	notes       TEXT NOT NULL DEFAULT '',
	models      TEXT NOT NULL DEFAULT '[]',
	error       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active_fingerprint ON runs(fingerprint) WHERE status <> 'failed';
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

CREATE TABLE IF NOT EXISTS brands (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	canonical_key TEXT NOT NULL UNIQUE,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompts (
	id            TEXT PRIMARY KEY,
	text          TEXT NOT NULL,
	canonical_key TEXT NOT NULL UNIQUE,
	created_at    TEXT NOT NULL
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
	latency_ms    REAL NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	UNIQUE (run_id, prompt_id, model)
);

CREATE TABLE IF NOT EXISTS mentions (
	response_id TEXT NOT NULL REFERENCES responses(id),
	brand_id    TEXT NOT NULL REFERENCES brands(id),
	mentioned   INTEGER NOT NULL,
	count       INTEGER NOT NULL DEFAULT 0,
	position    INTEGER NOT NULL DEFAULT -1,
	PRIMARY KEY (response_id, brand_id)
);

CREATE TABLE IF NOT EXISTS api_keys (
	provider   TEXT PRIMARY KEY,
	sealed_key TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteRunColumns = `id, status, fingerprint, notes, models, error, created_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, in NewRun) (*model.Run, bool, error) {
	modelsJSON, err := json.Marshal(in.Models)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal models")
	}

	run, err := newRunRecord(in)
	if err != nil {
		return nil, false, err
	}
	ts := run.CreatedAt

	created := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO runs (`+sqliteRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (fingerprint) WHERE status <> 'failed' DO NOTHING`,
			run.ID, string(run.Status), run.Fingerprint, run.Notes, string(modelsJSON), run.Error,
			formatTime(ts), formatTime(ts),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert run")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			existing, err := scanRun(tx.QueryRowContext(ctx,
				`SELECT `+sqliteRunColumns+` FROM runs WHERE fingerprint = ? AND status <> 'failed'`,
				in.Fingerprint,
			))
			if err != nil {
				return eris.Wrap(err, "sqlite: load active run")
			}
			run = existing
			return nil
		}

		for i, b := range in.Brands {
			var brandID string
			err := tx.QueryRowContext(ctx,
				`INSERT INTO brands (id, name, canonical_key, created_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT (canonical_key) DO UPDATE SET canonical_key = excluded.canonical_key
				 RETURNING id`,
				newID(), b.Value, b.Key, formatTime(ts),
			).Scan(&brandID)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert brand %q", b.Value)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_brands (run_id, brand_id, position) VALUES (?, ?, ?)`,
				run.ID, brandID, i,
			); err != nil {
				return eris.Wrap(err, "sqlite: link brand")
			}
		}

		for i, p := range in.Prompts {
			var promptID string
			err := tx.QueryRowContext(ctx,
				`INSERT INTO prompts (id, text, canonical_key, created_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT (canonical_key) DO UPDATE SET canonical_key = excluded.canonical_key
				 RETURNING id`,
				newID(), p.Value, p.Key, formatTime(ts),
			).Scan(&promptID)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert prompt %q", p.Value)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_prompts (run_id, prompt_id, position) VALUES (?, ?, ?)`,
				run.ID, promptID, i,
			); err != nil {
				return eris.Wrap(err, "sqlite: link prompt")
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return run, created, nil
}

func (s *SQLiteStore) FindActiveRun(ctx context.Context, fingerprint string) (*model.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE fingerprint = ? AND status <> 'failed'`,
		fingerprint,
	))
	return run, eris.Wrap(err, "sqlite: find active run")
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID,
	))
	return run, eris.Wrapf(err, "sqlite: get run %s", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list runs")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CountRuns(ctx context.Context) (map[model.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count runs")
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: count runs scan")
		}
		counts[model.RunStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count runs iterate")
}

func (s *SQLiteStore) RunBrands(ctx context.Context, runID string) ([]model.Brand, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.id, b.name, b.canonical_key, b.created_at
		 FROM run_brands rb JOIN brands b ON b.id = rb.brand_id
		 WHERE rb.run_id = ? ORDER BY rb.position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run brands")
	}
	defer rows.Close()

	var out []model.Brand
	for rows.Next() {
		var b model.Brand
		var created string
		if err := rows.Scan(&b.ID, &b.Name, &b.CanonicalKey, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan brand")
		}
		b.CreatedAt = parseTime(created)
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: run brands iterate")
}

func (s *SQLiteStore) RunPrompts(ctx context.Context, runID string) ([]model.Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.text, p.canonical_key, p.created_at
		 FROM run_prompts rp JOIN prompts p ON p.id = rp.prompt_id
		 WHERE rp.run_id = ? ORDER BY rp.position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run prompts")
	}
	defer rows.Close()

	var out []model.Prompt
	for rows.Next() {
		var p model.Prompt
		var created string
		if err := rows.Scan(&p.ID, &p.Text, &p.CanonicalKey, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prompt")
		}
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: run prompts iterate")
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, runID string, from, to model.RunStatus, reason string) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	if to != model.RunStatusFailed {
		reason = ""
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), reason, formatTime(now()), runID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) SaveResponse(ctx context.Context, resp *model.Response) (bool, error) {
	prepareResponse(resp)

	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO responses (id, run_id, prompt_id, model, provider, raw_text, error, error_kind,
			 latency_ms, input_tokens, output_tokens, cost_usd, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, prompt_id, model) DO NOTHING`,
			resp.ID, resp.RunID, resp.PromptID, resp.Model, resp.Provider, resp.RawText, resp.Error,
			resp.ErrorKind, resp.LatencyMs, resp.InputTokens, resp.OutputTokens, resp.CostUSD,
			formatTime(resp.CreatedAt),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert response")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			return nil
		}

		for _, m := range resp.Mentions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO mentions (response_id, brand_id, mentioned, count, position) VALUES (?, ?, ?, ?, ?)`,
				resp.ID, m.BrandID, m.Mentioned, m.Count, m.Position,
			); err != nil {
				return eris.Wrap(err, "sqlite: insert mention")
			}
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *SQLiteStore) ListResponses(ctx context.Context, runID string) ([]model.Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.run_id, r.prompt_id, p.text, r.model, r.provider, r.raw_text, r.error, r.error_kind,
		 r.latency_ms, r.input_tokens, r.output_tokens, r.cost_usd, r.created_at
		 FROM responses r JOIN prompts p ON p.id = r.prompt_id
		 WHERE r.run_id = ? ORDER BY r.created_at, r.id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list responses")
	}

	var out []model.Response
	index := make(map[string]int)
	for rows.Next() {
		var r model.Response
		var created string
		if err := rows.Scan(&r.ID, &r.RunID, &r.PromptID, &r.PromptText, &r.Model, &r.Provider,
			&r.RawText, &r.Error, &r.ErrorKind, &r.LatencyMs, &r.InputTokens, &r.OutputTokens,
			&r.CostUSD, &created); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan response")
		}
		r.CreatedAt = parseTime(created)
		r.Mentions = []model.Mention{}
		index[r.ID] = len(out)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, eris.Wrap(err, "sqlite: list responses iterate")
	}
	// The single connection must be released before the next query.
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}

	mrows, err := s.db.QueryContext(ctx,
		`SELECT m.response_id, m.brand_id, b.name, m.mentioned, m.count, m.position
		 FROM mentions m
		 JOIN responses r ON r.id = m.response_id
		 JOIN brands b ON b.id = m.brand_id
		 LEFT JOIN run_brands rb ON rb.run_id = r.run_id AND rb.brand_id = m.brand_id
		 WHERE r.run_id = ? ORDER BY m.response_id, rb.position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list mentions")
	}
	defer mrows.Close()

	for mrows.Next() {
		var m model.Mention
		if err := mrows.Scan(&m.ResponseID, &m.BrandID, &m.BrandName, &m.Mentioned, &m.Count, &m.Position); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mention")
		}
		if i, ok := index[m.ResponseID]; ok {
			out[i].Mentions = append(out[i].Mentions, m)
		}
	}
	return out, eris.Wrap(mrows.Err(), "sqlite: list mentions iterate")
}

func (s *SQLiteStore) PutAPIKey(ctx context.Context, key model.APIKey) error {
	if key.UpdatedAt.IsZero() {
		key.UpdatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (provider, sealed_key, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (provider) DO UPDATE SET sealed_key = excluded.sealed_key, updated_at = excluded.updated_at`,
		key.Provider, key.SealedKey, formatTime(key.UpdatedAt),
	)
	return eris.Wrap(err, "sqlite: put api key")
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, provider string) (*model.APIKey, error) {
	var k model.APIKey
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, sealed_key, updated_at FROM api_keys WHERE provider = ?`, provider,
	).Scan(&k.Provider, &k.SealedKey, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get api key")
	}
	k.UpdatedAt = parseTime(updated)
	return &k, nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider, sealed_key, updated_at FROM api_keys ORDER BY provider`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list api keys")
	}
	defer rows.Close()

	var out []model.APIKey
	for rows.Next() {
		var k model.APIKey
		var updated string
		if err := rows.Scan(&k.Provider, &k.SealedKey, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan api key")
		}
		k.UpdatedAt = parseTime(updated)
		out = append(out, k)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list api keys iterate")
}

// helpers

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var modelsJSON, created, updated string

	err := row.Scan(&r.ID, &r.Status, &r.Fingerprint, &r.Notes, &modelsJSON, &r.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	if err := json.Unmarshal([]byte(modelsJSON), &r.Models); err != nil {
		return nil, eris.Wrap(err, "unmarshal models")
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}
