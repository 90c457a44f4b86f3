package refresh

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/db"
	"github.com/sells-group/maintops/internal/refresh/transform"
)

// rescheduleQuery selects every occurrence after the first scheduled start
// of each maintenance work order.
const rescheduleQuery = `
WITH ordenes AS (
    SELECT
        nombre_faena,
        codigo_interno AS equipo_desc,
        actividad,
        estado_actividad,
        fecha_original::timestamp AS fecha_original,
        numero_otm AS otm_desc,
        fecha_inicio::timestamp AS fecha_inicio,
        motivo_no_cumplimiento AS motivo_reprogramacion_desc,
        ROW_NUMBER() OVER (PARTITION BY numero_otm ORDER BY fecha_inicio ASC) AS rn
    FROM consultas_cgo_ext.v_reg_historico_ot_orden
    WHERE numero_otm LIKE 'M%'
)
SELECT
    nombre_faena,
    equipo_desc,
    actividad,
    estado_actividad,
    fecha_original,
    otm_desc,
    fecha_inicio,
    motivo_reprogramacion_desc
FROM ordenes
WHERE rn > 1`

const (
	reasonCatalogTable = "public.motivo_reprogramacion"
	rescheduleTable    = "public.reprogramacion_otm"
)

// Reschedule is one rescheduling event read from the historical order view.
// Nil pointers are NULLs in the source.
type Reschedule struct {
	Site           *string    // nombre_faena
	Equipment      *string    // equipo_desc
	Activity       *string    // actividad
	ActivityStatus *string    // estado_actividad
	OriginalDate   *time.Time // fecha_original
	WorkOrder      string     // otm_desc
	StartedAt      *time.Time // fecha_inicio
	Reason         *string    // motivo_reprogramacion_desc
}

func (p *Pipeline) runReschedules(ctx context.Context, src db.Querier, dst db.Conn, progress Progress) (*RescheduleResult, error) {
	log := zap.L().With(zap.String("component", "refresh.reprogramaciones"))
	start := time.Now()

	report(progress, "Extrayendo reprogramaciones", 5)
	rows, err := extractReschedules(ctx, src)
	if err != nil {
		return nil, err
	}
	total := len(rows)
	log.Info("extracted reschedules", zap.Int("rows", total))

	report(progress, "Limpiando motivos reprogramación", 15)
	cleanReasons(rows)

	report(progress, "Imputando motivos", 25)
	imputed := imputeReasons(rows)

	report(progress, "Filtrando registros", 35)
	loadable := p.filterReasons(rows)
	notImputed := total - len(loadable)
	log.Info("reschedules transformed",
		zap.Int("imputed", imputed),
		zap.Int("loadable", len(loadable)),
		zap.Int("dropped", notImputed),
	)

	w, err := p.beginCategory(ctx, dst)
	if err != nil {
		return nil, err
	}
	defer w.rollback(ctx)

	report(progress, "Truncando tablas reprogramación", 45)
	if err := w.step(ctx, func(q db.Querier) error {
		if err := db.Truncate(ctx, q, rescheduleTable); err != nil {
			return err
		}
		return db.Truncate(ctx, q, reasonCatalogTable)
	}); err != nil {
		return nil, eris.Wrap(err, "refresh: truncate reprogramacion tables")
	}

	report(progress, "Insertando motivos", 55)
	labels := distinctSorted(reasonsOf(loadable))
	if len(labels) > 0 {
		if err := w.step(ctx, func(q db.Querier) error {
			_, err := db.InsertValues(ctx, q, db.InsertConfig{
				Table:     reasonCatalogTable,
				Columns:   []string{"motivo_reprogramacion_desc"},
				BatchSize: p.opts.BatchSize,
			}, labelRows(labels))
			return err
		}); err != nil {
			return nil, eris.Wrap(err, "refresh: insert motivo_reprogramacion")
		}
	}

	report(progress, "Insertando reprogramaciones", 65)
	var inserted int
	if err := w.step(ctx, func(q db.Querier) error {
		reasonIDs, err := readCatalog(ctx, q,
			"SELECT motivo_reprogramacion_id, motivo_reprogramacion_desc FROM public.motivo_reprogramacion")
		if err != nil {
			return eris.Wrap(err, "read motivo_reprogramacion")
		}
		orderIDs, err := readCatalog(ctx, q,
			"SELECT otm_id, otm_desc FROM public.orden_man ORDER BY otm_id")
		if err != nil {
			return eris.Wrap(err, "read orden_man")
		}

		facts := reconcile(loadable, reasonIDs, orderIDs)
		if len(facts) == 0 {
			return nil
		}
		assignSequence(facts)

		n, err := db.InsertValues(ctx, q, db.InsertConfig{
			Table:     rescheduleTable,
			Columns:   []string{"otm_id", "n_reprogramacion", "fecha_inicio", "motivo_reprogramacion_id"},
			BatchSize: p.opts.BatchSize,
		}, factRows(facts))
		inserted = int(n)
		return err
	}); err != nil {
		return nil, eris.Wrap(err, "refresh: load reprogramacion_otm")
	}

	if err := w.commit(ctx); err != nil {
		return nil, eris.Wrap(err, "refresh: commit reprogramaciones")
	}

	log.Info("reschedules loaded",
		zap.Int("motivos", len(labels)),
		zap.Int("reprogramaciones", inserted),
		zap.Int("unresolved", len(loadable)-inserted),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &RescheduleResult{
		Extracted:         total,
		ReasonsInserted:   len(labels),
		ReschedulesLoaded: inserted,
		NotImputed:        notImputed,
	}, nil
}

// extractReschedules reads the rescheduling view.
func extractReschedules(ctx context.Context, q db.Querier) ([]Reschedule, error) {
	rows, err := q.Query(ctx, rescheduleQuery)
	if err != nil {
		return nil, eris.Wrap(err, "refresh: query reprogramaciones")
	}
	defer rows.Close()

	var out []Reschedule
	for rows.Next() {
		var (
			site, equipment, activity, status, order, reason pgtype.Text
			originalDate, startedAt                          pgtype.Timestamp
		)
		if err := rows.Scan(&site, &equipment, &activity, &status, &originalDate, &order, &startedAt, &reason); err != nil {
			return nil, eris.Wrap(err, "refresh: scan reprogramacion")
		}
		out = append(out, Reschedule{
			Site:           textPtr(site),
			Equipment:      textPtr(equipment),
			Activity:       textPtr(activity),
			ActivityStatus: textPtr(status),
			OriginalDate:   timePtr(originalDate),
			WorkOrder:      order.String,
			StartedAt:      timePtr(startedAt),
			Reason:         textPtr(reason),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "refresh: iterate reprogramaciones")
	}
	return out, nil
}

// cleanReasons strips punctuation from every reason. Missing reasons and
// reasons left empty become nil.
func cleanReasons(rows []Reschedule) {
	for i := range rows {
		raw := ""
		if rows[i].Reason != nil {
			raw = *rows[i].Reason
		}
		if cleaned, ok := transform.CleanReason(raw); ok {
			rows[i].Reason = &cleaned
		} else {
			rows[i].Reason = nil
		}
	}
}

// imputeReasons fills nil reasons with the most frequent reason for the same
// activity, falling back to the same activity status. Returns the number of
// reasons filled.
func imputeReasons(rows []Reschedule) int {
	byActivity := make([]transform.Sample, 0, len(rows))
	byStatus := make([]transform.Sample, 0, len(rows))
	for _, r := range rows {
		if r.Reason == nil {
			continue
		}
		byActivity = append(byActivity, transform.Sample{Key: r.Activity, Label: r.Reason})
		byStatus = append(byStatus, transform.Sample{Key: r.ActivityStatus, Label: r.Reason})
	}
	activityModes := transform.ModeByGroup(byActivity)
	statusModes := transform.ModeByGroup(byStatus)

	var filled int
	for i := range rows {
		if rows[i].Reason != nil {
			continue
		}
		label, ok := transform.Impute(
			transform.Fallback{Modes: activityModes, Key: rows[i].Activity},
			transform.Fallback{Modes: statusModes, Key: rows[i].ActivityStatus},
		)
		if ok {
			rows[i].Reason = &label
			filled++
		}
	}
	return filled
}

// filterReasons drops excluded and still-missing reasons and, when enabled,
// canonicalizes the survivors.
func (p *Pipeline) filterReasons(rows []Reschedule) []Reschedule {
	out := make([]Reschedule, 0, len(rows))
	for _, r := range rows {
		if r.Reason == nil || p.classifier.Excluded(*r.Reason) {
			continue
		}
		if p.opts.ClassifyRescheduleReasons {
			canonical := p.classifier.RescheduleReason(*r.Reason)
			r.Reason = &canonical
		}
		out = append(out, r)
	}
	return out
}

func reasonsOf(rows []Reschedule) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Reason != nil {
			out = append(out, *r.Reason)
		}
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}

func timePtr(t pgtype.Timestamp) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
