package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"journeyline/internal/observability"
)

// Querier is the subset of database/sql shared by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Op is a short, bounded unit of database work. It must never block on
// network or AI calls while holding q.
type Op func(ctx context.Context, q Querier) error

// Gateway hands out pooled connections for short operations and retries
// operations that fail because the store dropped the connection.
type Gateway struct {
	DB     *sql.DB
	Retry  RetryPolicy
	Logger *slog.Logger
	// Sleep waits between retries; tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway returns a gateway using the default retry policy.
func NewGateway(conn *sql.DB) Gateway {
	return Gateway{DB: conn, Retry: DefaultRetryPolicy()}
}

func (g Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return observability.Logger()
}

// WithFreshConnection acquires a connection immediately before op and
// releases it when op returns, errors or panics.
func (g Gateway) WithFreshConnection(ctx context.Context, op Op) error {
	if g.DB == nil {
		return errors.New("gateway: database not configured")
	}
	conn, err := g.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	return op(ctx, conn)
}

// Transactional runs several writes on one acquired connection. It does not
// wrap them in a transaction: a failure midway leaves earlier writes applied,
// so every write passed here must be independently idempotent.
func (g Gateway) Transactional(ctx context.Context, ops ...Op) error {
	return g.WithFreshConnection(ctx, func(ctx context.Context, q Querier) error {
		for i, op := range ops {
			if err := op(ctx, q); err != nil {
				return fmt.Errorf("write %d of %d: %w", i+1, len(ops), err)
			}
		}
		return nil
	})
}

// RetryWithBackoff runs op on a fresh connection, retrying transient
// connection failures with exponential backoff. Other errors return at once.
func (g Gateway) RetryWithBackoff(ctx context.Context, op Op, opts ...RetryOption) error {
	policy := g.Retry.withDefaults()
	for _, opt := range opts {
		opt(&policy)
	}
	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		err := g.WithFreshConnection(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
		if attempt == policy.MaxRetries {
			break
		}
		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}
		g.logger().Warn("transient database error, retrying",
			"attempt", attempt,
			"max_retries", policy.MaxRetries,
			"delay_ms", delay.Milliseconds(),
			"error", err)
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func (g Gateway) sleep(ctx context.Context, d time.Duration) error {
	if g.Sleep != nil {
		return g.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithConn is WithFreshConnection for operations that produce a value.
func WithConn[T any](ctx context.Context, g Gateway, fn func(ctx context.Context, q Querier) (T, error)) (T, error) {
	var out T
	err := g.WithFreshConnection(ctx, func(ctx context.Context, q Querier) error {
		v, err := fn(ctx, q)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// RetryValue is RetryWithBackoff for operations that produce a value.
func RetryValue[T any](ctx context.Context, g Gateway, fn func(ctx context.Context, q Querier) (T, error), opts ...RetryOption) (T, error) {
	var out T
	err := g.RetryWithBackoff(ctx, func(ctx context.Context, q Querier) error {
		v, err := fn(ctx, q)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, err
}
