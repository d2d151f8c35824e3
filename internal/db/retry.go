package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 10 * time.Second
)

// RetryPolicy bounds RetryWithBackoff. MaxRetries counts total attempts.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	OnRetry    func(attempt int, err error, delay time.Duration)
}

type RetryOption func(*RetryPolicy)

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

func WithMaxRetries(n int) RetryOption {
	return func(p *RetryPolicy) { p.MaxRetries = n }
}

func WithBaseDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.BaseDelay = d }
}

func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.MaxDelay = d }
}

// WithOnRetry registers a callback fired before each wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryOption {
	return func(p *RetryPolicy) { p.OnRetry = fn }
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based):
// min(base*2^(attempt-1), max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// transientSignatures are lower-cased fragments of errors raised when the
// store or the network drops a connection out from under us.
var transientSignatures = []string{
	"connection terminated",
	"connection closed",
	"connection is closed",
	"terminating connection",
	"server closed the connection",
	"connection timeout",
	"timeout expired",
	"i/o timeout",
	"timed out",
	"etimedout",
	"connection reset",
	"econnreset",
	"connection refused",
	"econnrefused",
	"broken pipe",
	"administrator command",
	"bad connection",
	"database is locked",
	"sqlite_busy",
}

// IsTransient reports whether err looks like a dropped or refused connection.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
