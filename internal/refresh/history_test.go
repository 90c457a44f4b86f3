package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_StartCompleteFail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO public.refresh_log").
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE public.refresh_log").
		WithArgs(pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE public.refresh_log").
		WithArgs("boom", "run-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	h := NewHistory(mock)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx, "run-1"))
	require.NoError(t, h.Complete(ctx, "run-1", &Result{Status: "success"}))
	require.NoError(t, h.Fail(ctx, "run-2", "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_StartError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO public.refresh_log").
		WithArgs("run-1").
		WillReturnError(errors.New("relation does not exist"))

	err = NewHistory(mock).Start(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history: start run run-1")
	assert.Contains(t, err.Error(), "relation does not exist")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_LastSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	started := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT started_at FROM public.refresh_log").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(started))
	mock.ExpectQuery("SELECT started_at FROM public.refresh_log").
		WillReturnError(pgx.ErrNoRows)

	h := NewHistory(mock)
	got, err := h.LastSuccess(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, started.Equal(*got))

	got, err = h.LastSuccess(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_ListRecent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	started := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)
	msg := "refresh: connect source: connection refused"

	mock.ExpectQuery("SELECT id, status, started_at").
		WithArgs(20).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "started_at", "completed_at", "result", "error"}).
			AddRow("run-2", RunFailed, started, &completed, []byte(nil), &msg).
			AddRow("run-1", RunComplete, started, &completed, []byte(`{"status":"success","compras":{"items_insertados":12}}`), (*string)(nil)))

	entries, err := NewHistory(mock).ListRecent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, RunFailed, entries[0].Status)
	assert.Equal(t, msg, entries[0].Error)
	assert.Nil(t, entries[0].Result)

	require.NotNil(t, entries[1].Result)
	assert.Equal(t, 12, entries[1].Result.Compras.ItemsInserted)
	assert.Empty(t, entries[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}
