package refresh

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"

	"github.com/sells-group/maintops/internal/db"
)

// categoryWriter runs the destination steps of one category. With an open
// transaction every step joins it; otherwise each step commits on its own.
type categoryWriter struct {
	conn db.Conn
	tx   pgx.Tx
}

// beginCategory opens the category transaction when loads are atomic.
func (p *Pipeline) beginCategory(ctx context.Context, conn db.Conn) (*categoryWriter, error) {
	w := &categoryWriter{conn: conn}
	if !p.opts.AtomicLoad {
		return w, nil
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "refresh: begin destination transaction")
	}
	w.tx = tx
	return w, nil
}

func (w *categoryWriter) step(ctx context.Context, fn func(q db.Querier) error) error {
	if w.tx != nil {
		return fn(w.tx)
	}
	tx, err := w.conn.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (w *categoryWriter) commit(ctx context.Context) error {
	if w.tx == nil {
		return nil
	}
	err := w.tx.Commit(ctx)
	w.tx = nil
	return err
}

// rollback abandons an uncommitted category transaction.
func (w *categoryWriter) rollback(ctx context.Context) {
	if w.tx == nil {
		return
	}
	_ = w.tx.Rollback(ctx)
	w.tx = nil
}

// readCatalog loads an (id, label) query into a label -> id map. Rows with a
// NULL label are skipped and the first id seen for a label wins.
func readCatalog(ctx context.Context, q db.Querier, sql string) (map[string]int64, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			id    int64
			label pgtype.Text
		)
		if err := rows.Scan(&id, &label); err != nil {
			return nil, err
		}
		if !label.Valid {
			continue
		}
		if _, seen := out[label.String]; !seen {
			out[label.String] = id
		}
	}
	return out, rows.Err()
}

// factRow is a reschedule resolved against the destination catalogs.
type factRow struct {
	WorkOrderID int64
	Sequence    int
	StartedAt   *time.Time
	ReasonID    int64
	pos         int // position in the extracted set, for stable ordering
}

// reconcile joins reschedules to reason and work-order ids by label. Records
// that fail either join are dropped.
func reconcile(rows []Reschedule, reasonIDs, orderIDs map[string]int64) []factRow {
	out := make([]factRow, 0, len(rows))
	for i, r := range rows {
		if r.Reason == nil {
			continue
		}
		reasonID, ok := reasonIDs[*r.Reason]
		if !ok {
			continue
		}
		orderID, ok := orderIDs[r.WorkOrder]
		if !ok {
			continue
		}
		out = append(out, factRow{
			WorkOrderID: orderID,
			StartedAt:   r.StartedAt,
			ReasonID:    reasonID,
			pos:         i,
		})
	}
	return out
}

// assignSequence sorts facts by (work order, start time) and numbers each work
// order's reschedules 1..n in that order. Missing start times sort last.
func assignSequence(facts []factRow) {
	sort.SliceStable(facts, func(i, j int) bool {
		a, b := facts[i], facts[j]
		if a.WorkOrderID != b.WorkOrderID {
			return a.WorkOrderID < b.WorkOrderID
		}
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return a.pos < b.pos
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		case !a.StartedAt.Equal(*b.StartedAt):
			return a.StartedAt.Before(*b.StartedAt)
		default:
			return a.pos < b.pos
		}
	})

	seq := 0
	for i := range facts {
		if i == 0 || facts[i].WorkOrderID != facts[i-1].WorkOrderID {
			seq = 0
		}
		seq++
		facts[i].Sequence = seq
	}
}

func factRows(facts []factRow) [][]any {
	out := make([][]any, len(facts))
	for i, f := range facts {
		var started any
		if f.StartedAt != nil {
			started = *f.StartedAt
		}
		out[i] = []any{f.WorkOrderID, f.Sequence, started, f.ReasonID}
	}
	return out
}

// distinctSorted returns the unique values of labels in ascending order.
func distinctSorted(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func labelRows(labels []string) [][]any {
	out := make([][]any, len(labels))
	for i, l := range labels {
		out[i] = []any{l}
	}
	return out
}
