package utils

import (
	"context"
	"errors"
	"time"

	"github.com/UltimateTournament/backoff/v4"
	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

type Permanent interface {
	IsPermanent() bool
}

// ReliableExec runs f against a pooled connection, retrying transient
// failures with exponential backoff until timeout.
func ReliableExec(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, f func(ctx context.Context, conn *pgxpool.Conn) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return backoff.Retry(func() error {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return wrapPermanent(ctx, err)
		}
		defer conn.Release()
		return wrapPermanent(ctx, f(ctx, conn))
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

// ReliableExecInTx is ReliableExec wrapped in a crdb retryable transaction.
func ReliableExecInTx(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, f func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return backoff.Retry(func() error {
		err := crdbpgx.ExecuteTx(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			return f(ctx, tx)
		})
		return wrapPermanent(ctx, err)
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

func wrapPermanent(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return backoff.Permanent(err)
	}
	var perm Permanent
	if errors.As(err, &perm) && perm.IsPermanent() {
		return backoff.Permanent(err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return backoff.Permanent(err)
	}
	return err
}
