package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/validata-io/validata/internal/db"
)

// Querier is the slice of pgx shared by pools and transactions, so every
// repository can run against either.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type pgxUnitOfWork struct {
	conn *db.Connection
}

// NewUnitOfWork creates a transaction scope over the shared connection.
func NewUnitOfWork(conn *db.Connection) UnitOfWork {
	return &pgxUnitOfWork{conn: conn}
}

func (u *pgxUnitOfWork) WithinTx(ctx context.Context, fn func(Repositories) error) error {
	return u.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(Repositories{
			Files:   &sourceFileRepository{db: tx},
			Errors:  &validationErrorRepository{db: tx},
			Results: &loadResultRepository{db: tx},
		})
	})
}
