package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a single-row INSERT ... ON CONFLICT statement.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // inserted columns, bound to $1..$n in order
	ConflictKeys []string // columns of the unique constraint
	UpdateCols   []string // columns set from EXCLUDED; nil means every non-key column
	Returning    []string // optional RETURNING list
}

// UpsertSQL builds the statement for cfg. Setting a conflict key to its own
// EXCLUDED value turns the upsert into an atomic insert-or-fetch when paired
// with RETURNING.
func UpsertSQL(cfg UpsertConfig) (string, error) {
	if cfg.Table == "" {
		return "", eris.New("db: upsert: no table specified")
	}
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		keys := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			keys[k] = true
		}
		for _, c := range cfg.Columns {
			if !keys[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)
	if len(updateCols) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		set := make([]string, len(updateCols))
		for i, c := range updateCols {
			q := pgx.Identifier{c}.Sanitize()
			set[i] = q + " = EXCLUDED." + q
		}
		b.WriteString(" DO UPDATE SET " + strings.Join(set, ", "))
	}
	if len(cfg.Returning) > 0 {
		b.WriteString(" RETURNING " + quoteAndJoin(cfg.Returning))
	}
	return b.String(), nil
}

// MustUpsertSQL is UpsertSQL for package-level statements.
func MustUpsertSQL(cfg UpsertConfig) string {
	q, err := UpsertSQL(cfg)
	if err != nil {
		panic(err)
	}
	return q
}

func identifier(table string) pgx.Identifier {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}
	}
	return pgx.Identifier{table}
}

// sanitizeTable quotes possibly schema-qualified names like "public.runs".
func sanitizeTable(table string) string {
	return identifier(table).Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
