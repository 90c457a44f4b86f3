// Package refresh implements the full-refresh pipeline that extracts
// rescheduling and purchase records from the ERP views, cleans and classifies
// them, and reloads the reporting catalogs and fact tables.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/maintops/internal/db"
	"github.com/sells-group/maintops/internal/refresh/transform"
)

// Update is one progress report. Nil fields leave the corresponding state
// untouched.
type Update struct {
	Step    *string
	Percent *int
}

// At builds an Update carrying both a step label and a percentage.
func At(step string, percent int) Update {
	return Update{Step: &step, Percent: &percent}
}

// Progress receives progress reports from a running pipeline. Report is
// called synchronously from the pipeline goroutine.
type Progress interface {
	Report(u Update)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(u Update)

// Report calls f(u).
func (f ProgressFunc) Report(u Update) { f(u) }

// Result is the payload returned by a successful run.
type Result struct {
	Status           string           `json:"status"`
	Message          string           `json:"mensaje"`
	Reprogramaciones RescheduleResult `json:"reprogramaciones"`
	Compras          PurchaseResult   `json:"compras"`
}

// RescheduleResult summarizes the rescheduling sub-pipeline.
type RescheduleResult struct {
	Extracted         int `json:"registros_extraidos"`
	ReasonsInserted   int `json:"motivos_insertados"`
	ReschedulesLoaded int `json:"reprogramaciones_insertadas"`
	NotImputed        int `json:"registros_no_imputados"`
}

// PurchaseResult summarizes the purchases sub-pipeline.
type PurchaseResult struct {
	Extracted       int `json:"registros_extraidos"`
	ReasonsInserted int `json:"motivos_insertados"`
	ItemsInserted   int `json:"items_insertados"`
}

// Dialer opens a dedicated connection for one run.
type Dialer func(ctx context.Context) (db.Conn, error)

// PgxDialer returns a Dialer that connects with pgx to dsn.
func PgxDialer(dsn string) Dialer {
	return func(ctx context.Context) (db.Conn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Options tunes a Pipeline.
type Options struct {
	// StatementTimeout bounds every statement on the source connection.
	StatementTimeout time.Duration
	// BatchSize is the number of rows per multi-row INSERT.
	BatchSize int
	// AtomicLoad runs truncate and inserts of one category in a single
	// destination transaction. When false every step commits on its own.
	AtomicLoad bool
	// ClassifyRescheduleReasons canonicalizes rescheduling reasons against the
	// item vocabulary before loading.
	ClassifyRescheduleReasons bool
}

// DefaultStatementTimeout is the source statement timeout when none is set.
const DefaultStatementTimeout = 10 * time.Minute

// RunRecorder persists the outcome of each run.
type RunRecorder interface {
	Start(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, result *Result) error
	Fail(ctx context.Context, id string, errMsg string) error
}

// Pipeline runs the rescheduling then the purchases sub-pipeline over one
// source/destination connection pair.
type Pipeline struct {
	source     Dialer
	dest       Dialer
	classifier *transform.Classifier
	opts       Options
	recorder   RunRecorder
}

// New creates a Pipeline.
func New(source, dest Dialer, classifier *transform.Classifier, opts Options) *Pipeline {
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = DefaultStatementTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = db.DefaultBatchSize
	}
	return &Pipeline{
		source:     source,
		dest:       dest,
		classifier: classifier,
		opts:       opts,
	}
}

// WithRecorder attaches a run-history recorder. Recorder failures are logged
// and never fail a run.
func (p *Pipeline) WithRecorder(r RunRecorder) *Pipeline {
	p.recorder = r
	return p
}

// Run executes both sub-pipelines. Errors from either are returned as-is;
// destination tables keep whatever state the failing step left.
func (p *Pipeline) Run(ctx context.Context, progress Progress) (*Result, error) {
	runID := uuid.NewString()
	log := zap.L().With(zap.String("component", "refresh.pipeline"), zap.String("run_id", runID))
	start := time.Now()

	p.recordStart(ctx, log, runID)

	result, err := p.run(ctx, log, progress)
	if err != nil {
		log.Error("refresh failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		p.recordFail(ctx, log, runID, err)
		return nil, err
	}

	log.Info("refresh complete",
		zap.Int("reprogramaciones", result.Reprogramaciones.ReschedulesLoaded),
		zap.Int("motivos_compra", result.Compras.ReasonsInserted),
		zap.Int("items", result.Compras.ItemsInserted),
		zap.Duration("elapsed", time.Since(start)),
	)
	p.recordComplete(ctx, log, runID, result)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, log *zap.Logger, progress Progress) (*Result, error) {
	report(progress, "Conectando a bases de datos", 1)

	src, dst, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.Close(ctx); err != nil {
			log.Warn("close source connection", zap.Error(err))
		}
		if err := dst.Close(ctx); err != nil {
			log.Warn("close destination connection", zap.Error(err))
		}
	}()

	srcTx, err := src.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, eris.Wrap(err, "refresh: begin source transaction")
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	timeout := fmt.Sprintf("SET LOCAL statement_timeout = %d", p.opts.StatementTimeout.Milliseconds())
	if _, err := srcTx.Exec(ctx, timeout); err != nil {
		return nil, eris.Wrap(err, "refresh: set source statement timeout")
	}

	reprog, err := p.runReschedules(ctx, srcTx, dst, progress)
	if err != nil {
		return nil, err
	}

	compras, err := p.runPurchases(ctx, srcTx, dst, progress)
	if err != nil {
		return nil, err
	}

	report(progress, "Finalizado", 100)
	return &Result{
		Status:           "success",
		Message:          "Ambos pipelines completados",
		Reprogramaciones: *reprog,
		Compras:          *compras,
	}, nil
}

// connect dials source and destination concurrently.
func (p *Pipeline) connect(ctx context.Context) (db.Conn, db.Conn, error) {
	var src, dst db.Conn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := p.source(gctx)
		if err != nil {
			return eris.Wrap(err, "refresh: connect source")
		}
		src = c
		return nil
	})
	g.Go(func() error {
		c, err := p.dest(gctx)
		if err != nil {
			return eris.Wrap(err, "refresh: connect destination")
		}
		dst = c
		return nil
	})

	if err := g.Wait(); err != nil {
		if src != nil {
			_ = src.Close(ctx)
		}
		if dst != nil {
			_ = dst.Close(ctx)
		}
		return nil, nil, err
	}
	return src, dst, nil
}

func (p *Pipeline) recordStart(ctx context.Context, log *zap.Logger, id string) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Start(ctx, id); err != nil {
		log.Warn("record run start", zap.Error(err))
	}
}

func (p *Pipeline) recordComplete(ctx context.Context, log *zap.Logger, id string, result *Result) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Complete(ctx, id, result); err != nil {
		log.Warn("record run completion", zap.Error(err))
	}
}

func (p *Pipeline) recordFail(ctx context.Context, log *zap.Logger, id string, runErr error) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Fail(ctx, id, runErr.Error()); err != nil {
		log.Warn("record run failure", zap.Error(err))
	}
}

// report forwards a step to progress. A panicking sink does not abort the run.
func report(progress Progress, step string, percent int) {
	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("progress sink panicked", zap.Any("panic", r), zap.String("step", step))
		}
	}()
	progress.Report(At(step, percent))
}
