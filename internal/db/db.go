// Package db provides shared pgx interfaces and bulk-write helpers used by the
// refresh pipeline.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the statement surface shared by connections, pools and
// transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Conn is a single dedicated connection (*pgx.Conn or pgxmock.PgxConnIface).
type Conn interface {
	Querier
	Beginner
	Close(ctx context.Context) error
}

// Pool is a connection pool (*pgxpool.Pool or pgxmock.PgxPoolIface).
type Pool interface {
	Querier
	Beginner
	Ping(ctx context.Context) error
	Close()
}
