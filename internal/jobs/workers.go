package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"journeyline/internal/db"
	"journeyline/internal/domain"
)

var ErrUnknownJobType = errors.New("no worker registered for job type")

// ProgressFunc reports progress of the running job. Percent is clamped to
// 0..100 by the store and never moves backwards.
type ProgressFunc func(percent int, message string)

// Worker runs one claimed job and returns the value stored as result_data.
type Worker interface {
	Run(ctx context.Context, job domain.BackgroundJob, progress ProgressFunc) (any, error)
}

type WorkerFunc func(ctx context.Context, job domain.BackgroundJob, progress ProgressFunc) (any, error)

func (f WorkerFunc) Run(ctx context.Context, job domain.BackgroundJob, progress ProgressFunc) (any, error) {
	return f(ctx, job, progress)
}

// Registry maps job types to workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

func (r *Registry) Register(jobType string, w Worker) error {
	if jobType == "" {
		return fmt.Errorf("job type is required")
	}
	if w == nil {
		return fmt.Errorf("worker for %s is nil", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[jobType]; exists {
		return fmt.Errorf("worker for %s already registered", jobType)
	}
	r.workers[jobType] = w
	return nil
}

func (r *Registry) Resolve(jobType string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return w, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for t := range r.workers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying by WithRetry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// WithRetry runs fn up to attempts times with a fixed delay between tries.
// Permanent errors and a cancelled context stop the retries early.
func WithRetry(attempts int, delay time.Duration, fn WorkerFunc) WorkerFunc {
	if attempts <= 0 {
		attempts = 1
	}
	return func(ctx context.Context, job domain.BackgroundJob, progress ProgressFunc) (any, error) {
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			res, err := fn(ctx, job, progress)
			if err == nil {
				return res, nil
			}
			lastErr = err
			if isPermanent(err) || ctx.Err() != nil || attempt == attempts {
				break
			}
			if err := db.SleepContext(ctx, delay); err != nil {
				break
			}
		}
		return nil, lastErr
	}
}
