package refresh

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/db"
)

const purchaseQuery = `
SELECT DISTINCT
    motivo_compra,
    item_material_o_servicio
FROM consultas_cgo_ext.v_sol_items_otm_otr
WHERE motivo_compra IS NOT NULL
   OR item_material_o_servicio IS NOT NULL`

const (
	purchaseReasonTable = "public.motivo_compra"
	itemTable           = "public.item"
)

// Purchase is one distinct (reason, item) pair from the purchase line-items
// view, with the concepts it classified to.
type Purchase struct {
	Reason *string // motivo_compra
	Item   *string // item_material_o_servicio

	ReasonConcept *string // motivo_compra_limpio
	ItemConcept   *string // item_limpio
}

func (p *Pipeline) runPurchases(ctx context.Context, src db.Querier, dst db.Conn, progress Progress) (*PurchaseResult, error) {
	log := zap.L().With(zap.String("component", "refresh.compras"))
	start := time.Now()

	report(progress, "Extrayendo compras", 70)
	rows, err := extractPurchases(ctx, src)
	if err != nil {
		return nil, err
	}
	log.Info("extracted purchases", zap.Int("rows", len(rows)))

	report(progress, "Limpiando motivos e items", 75)
	p.classifyPurchases(rows)

	report(progress, "Deduplicando catálogos", 80)
	reasons, items := purchaseCatalogs(rows)

	w, err := p.beginCategory(ctx, dst)
	if err != nil {
		return nil, err
	}
	defer w.rollback(ctx)

	report(progress, "Truncando tablas compras", 85)
	if err := w.step(ctx, func(q db.Querier) error {
		if err := db.Truncate(ctx, q, purchaseReasonTable); err != nil {
			return err
		}
		return db.Truncate(ctx, q, itemTable)
	}); err != nil {
		return nil, eris.Wrap(err, "refresh: truncate compras tables")
	}

	report(progress, "Insertando catálogos", 90)
	if len(reasons) > 0 {
		if err := w.step(ctx, func(q db.Querier) error {
			_, err := db.InsertValues(ctx, q, db.InsertConfig{
				Table:     purchaseReasonTable,
				Columns:   []string{"motvo_compra_desc"},
				BatchSize: p.opts.BatchSize,
			}, labelRows(reasons))
			return err
		}); err != nil {
			return nil, eris.Wrap(err, "refresh: insert motivo_compra")
		}
	}
	if len(items) > 0 {
		if err := w.step(ctx, func(q db.Querier) error {
			_, err := db.InsertValues(ctx, q, db.InsertConfig{
				Table:     itemTable,
				Columns:   []string{"item_desc"},
				BatchSize: p.opts.BatchSize,
			}, labelRows(items))
			return err
		}); err != nil {
			return nil, eris.Wrap(err, "refresh: insert item")
		}
	}

	if err := w.commit(ctx); err != nil {
		return nil, eris.Wrap(err, "refresh: commit compras")
	}

	log.Info("purchase catalogs loaded",
		zap.Int("motivos", len(reasons)),
		zap.Int("items", len(items)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &PurchaseResult{
		Extracted:       len(rows),
		ReasonsInserted: len(reasons),
		ItemsInserted:   len(items),
	}, nil
}

func extractPurchases(ctx context.Context, q db.Querier) ([]Purchase, error) {
	rows, err := q.Query(ctx, purchaseQuery)
	if err != nil {
		return nil, eris.Wrap(err, "refresh: query compras")
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		var reason, item pgtype.Text
		if err := rows.Scan(&reason, &item); err != nil {
			return nil, eris.Wrap(err, "refresh: scan compra")
		}
		out = append(out, Purchase{Reason: textPtr(reason), Item: textPtr(item)})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "refresh: iterate compras")
	}
	return out, nil
}

// classifyPurchases fills the reason and item concepts of every row. Each
// field classifies independently.
func (p *Pipeline) classifyPurchases(rows []Purchase) {
	for i := range rows {
		if rows[i].Reason != nil {
			if c, ok := p.classifier.PurchaseReason(*rows[i].Reason); ok {
				rows[i].ReasonConcept = &c
			}
		}
		if rows[i].Item != nil {
			if c, ok := p.classifier.Item(*rows[i].Item); ok {
				rows[i].ItemConcept = &c
			}
		}
	}
}

// purchaseCatalogs returns the sorted distinct reason and item concepts.
func purchaseCatalogs(rows []Purchase) (reasons, items []string) {
	for _, r := range rows {
		if r.ReasonConcept != nil {
			reasons = append(reasons, *r.ReasonConcept)
		}
		if r.ItemConcept != nil {
			items = append(items, *r.ItemConcept)
		}
	}
	return distinctSorted(reasons), distinctSorted(items)
}
