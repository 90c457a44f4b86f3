package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/maintops/internal/db"
)

// Run statuses recorded in public.refresh_log.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunFailed   = "failed"
)

// RunEntry is a row in public.refresh_log.
type RunEntry struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"resultado,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// History provides read/write access to public.refresh_log.
type History struct {
	q db.Querier
}

// NewHistory creates a History backed by q.
func NewHistory(q db.Querier) *History {
	return &History{q: q}
}

// Start records the beginning of run id.
func (h *History) Start(ctx context.Context, id string) error {
	_, err := h.q.Exec(ctx,
		`INSERT INTO public.refresh_log (id, status, started_at)
		 VALUES ($1, 'running', now())`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "history: start run %s", id)
	}
	return nil
}

// Complete marks run id as completed with result.
func (h *History) Complete(ctx context.Context, id string, result *Result) error {
	var payload []byte
	if result != nil {
		var err error
		payload, err = json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "history: marshal result")
		}
	}

	_, err := h.q.Exec(ctx,
		`UPDATE public.refresh_log
		 SET status = 'complete', completed_at = now(), result = $1
		 WHERE id = $2`,
		payload, id,
	)
	if err != nil {
		return eris.Wrapf(err, "history: complete run %s", id)
	}
	return nil
}

// Fail marks run id as failed with an error message.
func (h *History) Fail(ctx context.Context, id string, errMsg string) error {
	_, err := h.q.Exec(ctx,
		`UPDATE public.refresh_log
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "history: fail run %s", id)
	}
	return nil
}

// LastSuccess returns the start time of the most recent completed run, or
// nil if no run has completed.
func (h *History) LastSuccess(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := h.q.QueryRow(ctx,
		`SELECT started_at FROM public.refresh_log
		 WHERE status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "history: last success")
	}
	return &t, nil
}

// ListRecent returns up to limit runs, most recent first.
func (h *History) ListRecent(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.q.Query(ctx,
		`SELECT id, status, started_at, completed_at, result, error
		 FROM public.refresh_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "history: list recent")
	}
	defer rows.Close()

	entries := []RunEntry{}
	for rows.Next() {
		var (
			e           RunEntry
			completedAt *time.Time
			payload     []byte
			errStr      *string
		)
		if err := rows.Scan(&e.ID, &e.Status, &e.StartedAt, &completedAt, &payload, &errStr); err != nil {
			return nil, eris.Wrap(err, "history: scan entry")
		}
		e.CompletedAt = completedAt
		if errStr != nil {
			e.Error = *errStr
		}
		if len(payload) > 0 {
			var r Result
			if err := json.Unmarshal(payload, &r); err == nil {
				e.Result = &r
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
