package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/db"
	"journeyline/internal/observability"
)

func newTestGateway(t *testing.T) (db.Gateway, *sql.DB, *[]time.Duration) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = conn.Exec(`CREATE TABLE notes(id INTEGER PRIMARY KEY, body TEXT NOT NULL)`)
	require.NoError(t, err)
	var slept []time.Duration
	g := db.NewGateway(conn)
	g.Logger = observability.Discard()
	g.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return g, conn, &slept
}

func TestWithFreshConnectionReleasesOnSuccess(t *testing.T) {
	g, conn, _ := newTestGateway(t)
	err := g.WithFreshConnection(context.Background(), func(ctx context.Context, q db.Querier) error {
		assert.Equal(t, 1, conn.Stats().InUse)
		_, err := q.ExecContext(ctx, `INSERT INTO notes(body) VALUES (?)`, "hello")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, conn.Stats().InUse)
}

func TestWithFreshConnectionReleasesOnFailure(t *testing.T) {
	g, conn, _ := newTestGateway(t)
	boom := errors.New("boom")
	err := g.WithFreshConnection(context.Background(), func(ctx context.Context, q db.Querier) error {
		assert.Equal(t, 1, conn.Stats().InUse)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, conn.Stats().InUse)
}

func TestWithFreshConnectionReleasesOnPanic(t *testing.T) {
	g, conn, _ := newTestGateway(t)
	func() {
		defer func() { _ = recover() }()
		_ = g.WithFreshConnection(context.Background(), func(ctx context.Context, q db.Querier) error {
			panic("kaboom")
		})
	}()
	assert.Equal(t, 0, conn.Stats().InUse)
}

func TestRetryWithBackoffRecoversFromTransientFailures(t *testing.T) {
	g, conn, slept := newTestGateway(t)
	attempts := 0
	var retried []int
	err := g.RetryWithBackoff(context.Background(), func(ctx context.Context, q db.Querier) error {
		attempts++
		if attempts <= 2 {
			return errors.New("Connection terminated unexpectedly")
		}
		_, err := q.ExecContext(ctx, `INSERT INTO notes(body) VALUES (?)`, "ok")
		return err
	}, db.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		retried = append(retried, attempt)
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	assert.Equal(t, 0, conn.Stats().InUse)
}

func TestRetryWithBackoffStopsAtMaxRetries(t *testing.T) {
	g, _, slept := newTestGateway(t)
	g.Retry = db.RetryPolicy{MaxRetries: 3, BaseDelay: 1000 * time.Millisecond, MaxDelay: 10000 * time.Millisecond}
	original := errors.New("read ECONNRESET")
	attempts := 0
	err := g.RetryWithBackoff(context.Background(), func(ctx context.Context, q db.Querier) error {
		attempts++
		return original
	})
	require.ErrorIs(t, err, original)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, *slept)
}

func TestRetryWithBackoffDoesNotRetryPermanentErrors(t *testing.T) {
	g, _, slept := newTestGateway(t)
	permanent := errors.New("UNIQUE constraint failed: notes.id")
	attempts := 0
	retries := 0
	err := g.RetryWithBackoff(context.Background(), func(ctx context.Context, q db.Querier) error {
		attempts++
		return permanent
	}, db.WithOnRetry(func(int, error, time.Duration) { retries++ }))
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, retries)
	assert.Empty(t, *slept)
}

func TestRetryWithBackoffHonoursCancellation(t *testing.T) {
	g, _, _ := newTestGateway(t)
	g.Sleep = nil
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := g.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
		attempts++
		cancel()
		return errors.New("connection refused")
	}, db.WithBaseDelay(time.Hour))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicyDelayIsCapped(t *testing.T) {
	p := db.RetryPolicy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 3*time.Second, p.Delay(3))
	assert.Equal(t, 3*time.Second, p.Delay(10))
}

func TestIsTransient(t *testing.T) {
	cases := map[string]bool{
		"Connection terminated unexpectedly":                  true,
		"terminating connection due to administrator command": true,
		"dial tcp 10.0.0.1:5432: connect: connection refused": true,
		"read tcp: connection reset by peer":                  true,
		"timeout expired":                                     true,
		"database is locked (5) (SQLITE_BUSY)":                true,
		"sql: no rows in result set":                          false,
		"UNIQUE constraint failed: journey_sessions.id":       false,
		"framework five_whys: invalid response from executor": false,
	}
	for msg, want := range cases {
		assert.Equal(t, want, db.IsTransient(errors.New(msg)), msg)
	}
	assert.True(t, db.IsTransient(sql.ErrConnDone))
	assert.False(t, db.IsTransient(context.DeadlineExceeded))
	assert.False(t, db.IsTransient(nil))
}

func TestTransactionalKeepsEarlierWritesOnFailure(t *testing.T) {
	g, conn, _ := newTestGateway(t)
	insert := func(body string) db.Op {
		return func(ctx context.Context, q db.Querier) error {
			_, err := q.ExecContext(ctx, `INSERT INTO notes(body) VALUES (?)`, body)
			return err
		}
	}
	fail := func(ctx context.Context, q db.Querier) error { return errors.New("second write failed") }
	err := g.Transactional(context.Background(), insert("first"), fail, insert("third"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write 2 of 3")

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&n))
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, conn.Stats().InUse)
}

func TestRetryValueReturnsResult(t *testing.T) {
	g, _, _ := newTestGateway(t)
	n, err := db.RetryValue(context.Background(), g, func(ctx context.Context, q db.Querier) (int, error) {
		var out int
		err := q.QueryRowContext(ctx, `SELECT 41 + 1`).Scan(&out)
		return out, err
	})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}
