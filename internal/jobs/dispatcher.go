package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"journeyline/internal/config"
	"journeyline/internal/domain"
	"journeyline/internal/observability"
	"journeyline/internal/repo"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultBatchSize     = 10
	defaultMaxConcurrent = 4
)

// Dispatcher polls pending jobs, claims them one by one and runs each on its
// own goroutine. A claim is a conditional update, so several dispatchers may
// share one database without running a job twice.
type Dispatcher struct {
	Service       Service
	Workers       *Registry
	PollInterval  time.Duration
	BatchSize     int
	MaxConcurrent int
	Logger        *slog.Logger
	// Sweep runs before every poll, for example to requeue stalled sessions.
	Sweep func(ctx context.Context) error

	once  sync.Once
	slots chan struct{}
	wg    sync.WaitGroup
}

func NewDispatcher(svc Service, workers *Registry, cfg config.Jobs) *Dispatcher {
	return &Dispatcher{
		Service:       svc,
		Workers:       workers,
		PollInterval:  cfg.PollInterval(),
		BatchSize:     cfg.BatchSize,
		MaxConcurrent: cfg.MaxConcurrent,
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return observability.Logger()
}

func (d *Dispatcher) init() {
	d.once.Do(func() {
		n := d.MaxConcurrent
		if n <= 0 {
			n = defaultMaxConcurrent
		}
		d.slots = make(chan struct{}, n)
	})
}

// ProcessPendingJobs claims up to BatchSize pending jobs, oldest first, and
// starts a worker for each. It returns the number of jobs started. Jobs
// claimed elsewhere in the meantime are skipped.
func (d *Dispatcher) ProcessPendingJobs(ctx context.Context) (int, error) {
	d.init()
	limit := d.BatchSize
	if limit <= 0 {
		limit = defaultBatchSize
	}
	pending, err := d.Service.PendingJobs(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	started := 0
	for _, job := range pending {
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return started, ctx.Err()
		}
		ok, err := d.Service.ClaimJob(ctx, job.ID)
		if err != nil || !ok {
			<-d.slots
			if err != nil {
				d.logger().Warn("claim job failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		job.Status = domain.JobRunning
		started++
		d.wg.Add(1)
		go d.runJob(ctx, job)
	}
	return started, nil
}

func (d *Dispatcher) runJob(ctx context.Context, job domain.BackgroundJob) {
	defer d.wg.Done()
	defer func() { <-d.slots }()
	log := d.logger().With("job_id", job.ID, "job_type", job.JobType)
	// Bookkeeping writes outlive a dispatcher shutdown.
	store := context.WithoutCancel(ctx)

	result, err := d.invoke(ctx, job, func(percent int, message string) {
		if err := d.Service.ReportProgress(store, job.ID, percent, message); err != nil && !errors.Is(err, repo.ErrConflict) {
			log.Warn("report progress failed", "error", err)
		}
	})
	if err != nil {
		log.Error("job failed", "error", err)
		err = d.Service.FailJob(store, job.ID, err)
	} else {
		log.Info("job completed")
		err = d.Service.CompleteJob(store, job.ID, result)
	}
	switch {
	case errors.Is(err, repo.ErrConflict):
		log.Info("job finished after cancellation; outcome discarded")
	case err != nil:
		log.Error("record job outcome failed", "error", err)
	}
}

// invoke resolves and runs the worker, turning panics into errors.
func (d *Dispatcher) invoke(ctx context.Context, job domain.BackgroundJob, progress ProgressFunc) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()
	if d.Workers == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, job.JobType)
	}
	w, err := d.Workers.Resolve(job.JobType)
	if err != nil {
		return nil, err
	}
	return w.Run(ctx, job, progress)
}

// Run polls until ctx is cancelled, then waits for running workers.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	var types []string
	if d.Workers != nil {
		types = d.Workers.Types()
	}
	d.logger().Info("job dispatcher started", "poll_interval_ms", interval.Milliseconds(), "job_types", types)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			d.Wait()
			d.logger().Info("job dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if d.Sweep != nil {
		if err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
			d.logger().Warn("sweep failed", "error", err)
		}
	}
	if _, err := d.ProcessPendingJobs(ctx); err != nil && ctx.Err() == nil {
		d.logger().Warn("process pending jobs failed", "error", err)
	}
}

// Wait blocks until every started worker has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
