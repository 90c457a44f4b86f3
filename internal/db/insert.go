package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// maxBindParams is the Postgres limit on parameters in one statement.
const maxBindParams = 65535

// DefaultBatchSize is the number of rows per INSERT statement when the caller
// passes a non-positive batch size.
const DefaultBatchSize = 1000

// InsertConfig defines the target of a multi-row insert.
type InsertConfig struct {
	Table     string   // target table (e.g., "public.item")
	Columns   []string // columns in row order
	BatchSize int      // rows per statement; <= 0 uses DefaultBatchSize
}

// InsertValues writes rows with multi-row INSERT ... VALUES statements, paging
// at cfg.BatchSize rows. Returns the number of rows inserted.
func InsertValues(ctx context.Context, q Querier, cfg InsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: insert: no columns specified")
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if limit := maxBindParams / len(cfg.Columns); batch > limit {
		batch = limit
	}

	var total int64
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))

		sql, args, err := buildInsert(cfg.Table, cfg.Columns, rows[start:end])
		if err != nil {
			return total, err
		}

		tag, err := q.Exec(ctx, sql, args...)
		if err != nil {
			return total, eris.Wrapf(err, "db: INSERT INTO %s (rows %d-%d)", cfg.Table, start, end-1)
		}
		total += tag.RowsAffected()
	}

	return total, nil
}

// buildInsert renders one INSERT statement with positional placeholders.
func buildInsert(table string, cols []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", SanitizeTable(table), QuoteAndJoin(cols))

	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if len(row) != len(cols) {
			return "", nil, eris.Errorf("db: insert into %s: row %d has %d values, want %d", table, i, len(row), len(cols))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, v)
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteByte(')')
	}

	return b.String(), args, nil
}

// Truncate empties a table, restarting its identity sequence and cascading to
// dependent tables.
func Truncate(ctx context.Context, q Querier, table string) error {
	sql := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", SanitizeTable(table))
	if _, err := q.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "db: truncate %s", table)
	}
	return nil
}

// SanitizeTable handles schema-qualified table names like "public.item".
func SanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// QuoteAndJoin quotes each column name and joins with commas.
func QuoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
