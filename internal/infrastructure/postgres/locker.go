package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Locker serialises work on a key across replicas with session advisory locks.
// The lock is held on one pooled connection, so lock and unlock always run on
// the same session.
type Locker struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewLocker creates an advisory locker
func NewLocker(pool *pgxpool.Pool, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{pool: pool, logger: logger}
}

// Lock blocks until the key is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		// a cancelled wait may leave the session in an unknown state
		conn.Conn().Close(context.Background())
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var released bool
		err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key).Scan(&released)
		if err != nil || !released {
			l.logger.Warn("advisory unlock failed, dropping session",
				zap.String("key", key), zap.Bool("released", released), zap.Error(err))
			conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}
