package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/config"
	"github.com/sells-group/maintops/internal/refresh"
	"github.com/sells-group/maintops/internal/refresh/transform"
)

// destPool opens a pool on the destination database for migrations, run
// history and health checks.
func destPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Dest.DSN())
	if err != nil {
		return nil, eris.Wrap(err, "create destination pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping destination database")
	}
	return pool, nil
}

// loadClassifier builds the classifier from the embedded vocabulary,
// overridden by refresh.vocabulary_file when set.
func loadClassifier(rc config.RefreshConfig) (*transform.Classifier, error) {
	if rc.VocabularyFile == "" {
		return transform.NewClassifier(transform.DefaultLexicon()), nil
	}
	lex, err := transform.LoadLexicon(rc.VocabularyFile)
	if err != nil {
		return nil, err
	}
	zap.L().Info("loaded vocabulary override", zap.String("file", rc.VocabularyFile))
	return transform.NewClassifier(lex), nil
}

// newPipeline wires the refresh pipeline from cfg. recorder may be nil.
func newPipeline(recorder refresh.RunRecorder) (*refresh.Pipeline, error) {
	classifier, err := loadClassifier(cfg.Refresh)
	if err != nil {
		return nil, err
	}

	p := refresh.New(
		refresh.PgxDialer(cfg.Source.DSN()),
		refresh.PgxDialer(cfg.Dest.DSN()),
		classifier,
		refresh.Options{
			StatementTimeout:          cfg.Refresh.StatementTimeout,
			BatchSize:                 cfg.Refresh.BatchSize,
			AtomicLoad:                cfg.Refresh.AtomicLoad,
			ClassifyRescheduleReasons: cfg.Refresh.ClassifyRescheduleReasons,
		},
	)
	if recorder != nil {
		p.WithRecorder(recorder)
	}
	return p, nil
}
