package refresh

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFileNames(t *testing.T) []string {
	t.Helper()
	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func expectLockedTx(mock pgxmock.PgxPoolIface) {
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func expectMigrationTable(mock pgxmock.PgxPoolIface) {
	expectLockedTx(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public.schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCommit()
}

func expectRecorded(mock pgxmock.PgxPoolIface, name string, done bool) {
	expectLockedTx(mock)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(name).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(done))
}

func TestMigrate_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)
	require.NotEmpty(t, names)

	expectMigrationTable(mock)
	for _, name := range names {
		expectRecorded(mock, name, false)
		mock.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec("INSERT INTO public.schema_migrations").
			WithArgs(name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()
	}

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AllApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectMigrationTable(mock)
	for _, name := range migrationFileNames(t) {
		expectRecorded(mock, name, true)
		mock.ExpectCommit()
	}

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ApplyErrorRollsBackWithoutRecording(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)
	require.GreaterOrEqual(t, len(names), 2)

	expectMigrationTable(mock)
	expectRecorded(mock, names[0], true)
	mock.ExpectCommit()
	expectRecorded(mock, names[1], false)
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh: apply migration "+names[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RecordErrorRollsBackMigration(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)

	expectMigrationTable(mock)
	expectRecorded(mock, names[0], false)
	mock.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO public.schema_migrations").
		WithArgs(names[0]).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh: record migration "+names[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_LockError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(migrationLockID).
		WillReturnError(errors.New("timeout"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh: acquire migration advisory lock")
	assert.Contains(t, err.Error(), "timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("pool closed"))

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh: begin migration transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingMigrations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := migrationFileNames(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename").WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow(names[0]))

	pending, err := PendingMigrations(context.Background(), mock)
	require.NoError(t, err)
	assert.Equal(t, names[1:], pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}
