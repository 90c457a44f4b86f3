package refresh

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID keys the transaction-scoped advisory lock that serializes
// concurrent migrators.
const migrationLockID int64 = 5317002

// Migrate applies pending destination migrations in lexicographic order. Each
// file runs in its own transaction together with its schema_migrations row, so
// a migration is either applied and recorded or neither. The advisory lock is
// transaction scoped, which keeps it on the same pooled connection and
// releases it on commit or rollback.
func Migrate(ctx context.Context, pool db.Beginner) error {
	log := zap.L().With(zap.String("component", "refresh.migrate"))

	names, err := migrationNames()
	if err != nil {
		return err
	}

	if err := inLockedTx(ctx, pool, func(tx pgx.Tx) error {
		return ensureMigrationTable(ctx, tx)
	}); err != nil {
		return err
	}

	var applied int
	for _, name := range names {
		ok, err := applyMigration(ctx, pool, name)
		if err != nil {
			return err
		}
		if ok {
			log.Info("applied migration", zap.String("file", name))
			applied++
		}
	}

	log.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(names)))
	return nil
}

// applyMigration runs name unless it is already recorded. It reports whether
// the migration was applied.
func applyMigration(ctx context.Context, pool db.Beginner, name string) (bool, error) {
	var applied bool
	err := inLockedTx(ctx, pool, func(tx pgx.Tx) error {
		var done bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM public.schema_migrations WHERE filename = $1)",
			name,
		).Scan(&done); err != nil {
			return eris.Wrapf(err, "refresh: check migration %s", name)
		}
		if done {
			return nil
		}

		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "refresh: read migration %s", name)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "refresh: apply migration %s", name)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO public.schema_migrations (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return eris.Wrapf(err, "refresh: record migration %s", name)
		}
		applied = true
		return nil
	})
	return applied, err
}

// inLockedTx runs fn in a transaction holding the migration advisory lock.
// The transaction commits when fn succeeds and rolls back otherwise.
func inLockedTx(ctx context.Context, pool db.Beginner, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "refresh: begin migration transaction")
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		_ = tx.Rollback(ctx)
		return eris.Wrap(err, "refresh: acquire migration advisory lock")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "refresh: commit migration transaction")
	}
	return nil
}

// migrationNames lists the embedded migration files in apply order.
func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "refresh: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// PendingMigrations lists embedded migrations not yet applied.
func PendingMigrations(ctx context.Context, pool db.Querier) ([]string, error) {
	if err := ensureMigrationTable(ctx, pool); err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, err
	}
	names, err := migrationNames()
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, name := range names {
		if !applied[name] {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

func ensureMigrationTable(ctx context.Context, pool db.Querier) error {
	sql := `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "refresh: ensure migration table")
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool db.Querier) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM public.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "refresh: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "refresh: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
