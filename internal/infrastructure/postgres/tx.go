package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is what Store and Ledger run statements on: the pool, or the
// transaction of the surrounding unit of work.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type txKey struct{}

// conn returns the transaction carried by ctx, or pool outside a unit of work.
// Begin on a transaction opens a savepoint.
func conn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// UnitOfWork runs callbacks in one transaction that every Store and Ledger call
// made with the callback's ctx joins, outbox rows included.
type UnitOfWork struct {
	pool *pgxpool.Pool
}

// NewUnitOfWork creates a UnitOfWork on pool
func NewUnitOfWork(pool *pgxpool.Pool) *UnitOfWork {
	return &UnitOfWork{pool: pool}
}

// Atomically commits the writes of fn, or rolls all of them back when fn fails.
// A nested call joins the outer transaction.
func (u *UnitOfWork) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	const op = "postgres.unit_of_work"

	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return classify(op, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}
