// Package journey sequences framework steps for a session, checkpointing the
// accumulated context after every step so a run can resume where it stopped.
package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"journeyline/internal/bridge"
	"journeyline/internal/config"
	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/events"
	"journeyline/internal/framework"
	"journeyline/internal/observability"
	"journeyline/internal/policy"
	"journeyline/internal/repo"
	"journeyline/internal/strategic"
)

// ProgressFunc receives one update before every step and one on completion.
type ProgressFunc func(domain.JourneyProgress)

type Orchestrator struct {
	Gateway        db.Gateway
	Config         *config.Config
	Policy         *policy.Engine
	Frameworks     *framework.Registry
	Bridges        *bridge.Table
	Accumulator    strategic.Accumulator
	Understandings UnderstandingSource
	Insights       InsightSink
	Events         events.Writer
	Logger         *slog.Logger
	// OnNonFatal receives failures that were tolerated, such as AuditError.
	OnNonFatal    func(error)
	LeaseDuration time.Duration
	StepDelay     time.Duration
	Now           func() time.Time
	NewID         func() string
	Sleep         func(ctx context.Context, d time.Duration) error
}

// New wires an orchestrator with store-backed collaborators. The registry's
// mergers drive the accumulator.
func New(g db.Gateway, cfg *config.Config, reg *framework.Registry) Orchestrator {
	acc := strategic.New()
	acc.Mergers = reg
	return Orchestrator{
		Gateway:        g,
		Config:         cfg,
		Frameworks:     reg,
		Bridges:        bridge.Default(),
		Accumulator:    acc,
		Understandings: StoreUnderstandings{Gateway: g},
		Insights:       StoreInsights{Gateway: g},
		LeaseDuration:  cfg.Session.Lease(),
		StepDelay:      cfg.Session.StepDelay(),
		Now:            time.Now,
		NewID:          uuid.NewString,
	}
}

func (o Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o Orchestrator) stamp() string { return domain.FormatTime(o.now()) }

func (o Orchestrator) newID() string {
	if o.NewID == nil {
		return uuid.NewString()
	}
	return o.NewID()
}

func (o Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return observability.Logger()
}

func (o Orchestrator) leaseDuration() time.Duration {
	if o.LeaseDuration <= 0 {
		return 10 * time.Minute
	}
	return o.LeaseDuration
}

func (o Orchestrator) lease() string {
	return domain.FormatTime(o.now().Add(o.leaseDuration()))
}

func (o Orchestrator) accumulator() strategic.Accumulator {
	acc := o.Accumulator
	if acc.Now == nil {
		acc.Now = o.now
	}
	return acc
}

// frameworksFor returns the configured steps of a journey type.
func (o Orchestrator) frameworksFor(journeyType string) ([]string, bool) {
	if o.Config == nil {
		return nil, false
	}
	j, ok := o.Config.Journey(journeyType)
	if !ok {
		return nil, false
	}
	return j.Frameworks, true
}

// Available reports whether userID may start journeyType, with the reason.
func (o Orchestrator) Available(ctx context.Context, journeyType, userID string) (bool, string, error) {
	var j config.Journey
	defined := false
	if o.Config != nil {
		j, defined = o.Config.Journey(journeyType)
	}
	if o.Policy == nil {
		switch {
		case !defined:
			return false, "journey type is not defined", nil
		case !j.IsAvailable():
			return false, "journey type is disabled", nil
		}
		return true, "available", nil
	}
	d, err := o.Policy.Evaluate(ctx, policy.Input{
		UserID: userID,
		Journey: policy.JourneyInput{
			Type:         journeyType,
			Defined:      defined,
			Available:    defined && j.IsAvailable(),
			Frameworks:   j.Frameworks,
			AllowedUsers: j.AllowedUsers,
		},
	})
	if err != nil {
		return false, "", err
	}
	return d.Allow, d.Reason, nil
}

// StartJourney creates a session for the understanding at status
// initializing and returns its id. Nothing runs until ExecuteJourney.
func (o Orchestrator) StartJourney(ctx context.Context, understandingID, journeyType, userID string) (string, error) {
	ok, reason, err := o.Available(ctx, journeyType, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s (%s)", ErrUnavailableJourney, journeyType, reason)
	}
	u, err := o.Understandings.GetUnderstanding(ctx, understandingID)
	if err != nil {
		return "", fmt.Errorf("load understanding %s: %w", understandingID, err)
	}
	if userID == "" {
		userID = u.UserID
	}
	id := o.newID()
	ts := o.stamp()
	session := domain.JourneySession{
		ID:                  id,
		UnderstandingID:     u.ID,
		UserID:              userID,
		JourneyType:         journeyType,
		Status:              domain.SessionInitializing,
		CompletedFrameworks: []string{},
		Context:             o.accumulator().InitializeContext(u, id, journeyType),
		CreatedAt:           ts,
		UpdatedAt:           ts,
	}
	if err := o.Gateway.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).InsertSession(ctx, session)
	}); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	o.appendEvent(ctx, events.Event{Type: events.JourneyStarted, SessionID: id, UserID: userID,
		Payload: events.EventPayload{"journey_type": journeyType, "understanding_id": u.ID}})
	o.logger().Info("journey started", "session_id", id, "journey_type", journeyType, "user_id", userID)
	return id, nil
}

// GetSession returns the stored session.
func (o Orchestrator) GetSession(ctx context.Context, id string) (domain.JourneySession, error) {
	return db.RetryValue(ctx, o.Gateway, func(ctx context.Context, q db.Querier) (domain.JourneySession, error) {
		return repo.New(q).GetSession(ctx, id)
	})
}

// ListSessions returns a user's sessions, newest first.
func (o Orchestrator) ListSessions(ctx context.Context, userID string, limit int) ([]domain.JourneySession, error) {
	return db.RetryValue(ctx, o.Gateway, func(ctx context.Context, q db.Querier) ([]domain.JourneySession, error) {
		return repo.New(q).ListSessions(ctx, repo.SessionFilter{UserID: userID, Limit: limit})
	})
}

// ExpiredLeases lists in-progress sessions nobody is executing.
func (o Orchestrator) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.JourneySession, error) {
	return db.RetryValue(ctx, o.Gateway, func(ctx context.Context, q db.Querier) ([]domain.JourneySession, error) {
		return repo.New(q).ExpiredLeases(ctx, domain.FormatTime(now), limit)
	})
}

// GetProgress projects the stored session into a progress value.
func (o Orchestrator) GetProgress(ctx context.Context, id string) (domain.JourneyProgress, error) {
	s, err := o.GetSession(ctx, id)
	if err != nil {
		return domain.JourneyProgress{}, err
	}
	frameworks, ok := o.frameworksFor(s.JourneyType)
	if !ok {
		frameworks = s.CompletedFrameworks
	}
	return progressOf(s.ID, frameworks, s.CurrentFrameworkIndex, s.Status), nil
}

func progressOf(sessionID string, frameworks []string, index int, status domain.SessionStatus) domain.JourneyProgress {
	p := domain.JourneyProgress{
		SessionID:       sessionID,
		FrameworkIndex:  index,
		TotalFrameworks: len(frameworks),
		Status:          status,
	}
	if index < len(frameworks) {
		p.CurrentFramework = frameworks[index]
	}
	switch {
	case status == domain.SessionCompleted:
		p.PercentComplete = 100
	case len(frameworks) > 0:
		p.PercentComplete = min(100, index*100/len(frameworks))
	}
	return p
}

// PauseJourney asks a running or not-yet-started session to stop after its
// current step. Pausing a paused session is a no-op.
func (o Orchestrator) PauseJourney(ctx context.Context, id string) (domain.JourneySession, error) {
	err := o.Gateway.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).PauseSession(ctx, id, o.stamp())
	})
	if err != nil && !errors.Is(err, repo.ErrConflict) {
		return domain.JourneySession{}, err
	}
	s, gerr := o.GetSession(ctx, id)
	if gerr != nil {
		return s, gerr
	}
	if err != nil {
		if s.Status.Terminal() {
			return s, fmt.Errorf("pause %s: %w", id, ErrSessionTerminal)
		}
		return s, nil
	}
	o.appendEvent(ctx, events.Event{Type: events.JourneyPaused, SessionID: id, UserID: s.UserID,
		Payload: events.EventPayload{"framework_index": s.CurrentFrameworkIndex}})
	return s, nil
}

// ResumeJourney continues a paused or in-progress session from its last
// checkpoint. Completed steps are never run again.
func (o Orchestrator) ResumeJourney(ctx context.Context, id string, progress ProgressFunc) (domain.JourneySession, error) {
	s, err := o.GetSession(ctx, id)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionPaused && s.Status != domain.SessionInProgress {
		return s, fmt.Errorf("resume %s (status %s): %w", id, s.Status, ErrNotResumable)
	}
	o.appendEvent(ctx, events.Event{Type: events.JourneyResumed, SessionID: id, UserID: s.UserID,
		Payload: events.EventPayload{"framework_index": s.CurrentFrameworkIndex}})
	return o.ExecuteJourney(ctx, id, progress)
}

// ExecuteJourney runs the remaining steps of a session. It holds the session
// lease for the whole run and never holds a database connection while a
// framework executes.
func (o Orchestrator) ExecuteJourney(ctx context.Context, id string, progress ProgressFunc) (domain.JourneySession, error) {
	if progress == nil {
		progress = func(domain.JourneyProgress) {}
	}
	s, err := o.GetSession(ctx, id)
	if err != nil {
		return s, err
	}
	if s.Status.Terminal() {
		return s, fmt.Errorf("execute %s (status %s): %w", id, s.Status, ErrSessionTerminal)
	}
	run := &run{o: o, session: s, executorID: o.newID(), progress: progress,
		log: o.logger().With("session_id", id, "journey_type", s.JourneyType)}

	frameworks, ok := o.frameworksFor(s.JourneyType)
	if !ok {
		return run.fail(ctx, fmt.Errorf("%w: %s is no longer configured", ErrUnavailableJourney, s.JourneyType), false)
	}
	run.frameworks = frameworks

	err = o.Gateway.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).AcquireSessionLease(ctx, id, run.executorID, o.stamp(), o.lease())
	})
	if errors.Is(err, repo.ErrConflict) {
		return s, fmt.Errorf("execute %s: %w", id, ErrSessionBusy)
	}
	if err != nil {
		return s, err
	}
	return run.loop(ctx)
}

// run is the state of one ExecuteJourney call.
type run struct {
	o          Orchestrator
	session    domain.JourneySession
	frameworks []string
	executorID string
	progress   ProgressFunc
	log        *slog.Logger
}

func (r *run) loop(ctx context.Context) (domain.JourneySession, error) {
	o := r.o
	acc := o.accumulator()
	c := r.session.Context
	if c.Insights == nil {
		c.Insights = map[string]any{}
	}
	index := r.session.CurrentFrameworkIndex
	total := len(r.frameworks)
	r.log.Info("journey executing", "from_index", index, "total_frameworks", total)

	for index < total {
		name := r.frameworks[index]
		r.progress(progressOf(r.session.ID, r.frameworks, index, domain.SessionInProgress))

		entry, err := o.Frameworks.Resolve(name)
		if err != nil {
			return r.fail(ctx, &UnimplementedFrameworkError{Name: name}, true)
		}
		stop := r.heartbeat(ctx)
		result := r.execute(ctx, entry, name, c)
		stop()
		if ctx.Err() != nil {
			return r.abandon(ctx.Err())
		}
		c = acc.AddFrameworkResult(c, result)
		r.audit(ctx, result)

		if index+1 < total {
			var added []string
			c, added = o.bridges().Apply(name, r.frameworks[index+1], c)
			if len(added) > 0 {
				o.appendEvent(ctx, events.Event{Type: events.BridgeApplied, SessionID: r.session.ID, UserID: r.session.UserID,
					Framework: name, Payload: events.EventPayload{"to": r.frameworks[index+1], "keys": added}})
			}
		}

		// The step is done; record it even if the caller goes away now.
		persist := context.WithoutCancel(ctx)
		status, err := db.RetryValue(persist, o.Gateway, func(ctx context.Context, q db.Querier) (domain.SessionStatus, error) {
			return repo.New(q).CheckpointSession(ctx, repo.Checkpoint{
				SessionID:           r.session.ID,
				ExecutorID:          r.executorID,
				FromIndex:           index,
				CompletedFrameworks: c.CompletedFrameworks,
				Context:             c,
				LeaseExpiresAt:      o.lease(),
				Now:                 o.stamp(),
			})
		})
		if errors.Is(err, repo.ErrConflict) {
			r.log.Warn("checkpoint lost", "framework", name, "framework_index", index)
			return r.session, fmt.Errorf("checkpoint %s step %d: %w", r.session.ID, index, ErrCheckpointConflict)
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.abandon(ctx.Err())
			}
			return r.fail(ctx, fmt.Errorf("checkpoint step %d (%s): %w", index, name, err), true)
		}
		index++
		r.log.Info("framework completed", "framework", name, "framework_index", index,
			"duration_ms", result.DurationMS, "errors", len(result.Errors))

		if status == domain.SessionPaused {
			return r.stopPaused(ctx, index)
		}
		if ctx.Err() != nil {
			return r.abandon(ctx.Err())
		}
		if index < total {
			if err := o.sleep(ctx, o.StepDelay); err != nil {
				return r.abandon(err)
			}
		}
	}
	return r.complete(ctx, acc.FinalizeContext(c, c.Decisions))
}

// heartbeat renews the session lease while a step runs so no other executor
// can take the session mid-step. The returned func stops renewal and waits
// for the renewer to exit.
func (r *run) heartbeat(ctx context.Context) func() {
	o := r.o
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(o.leaseDuration()/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := o.Gateway.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
				return repo.New(q).RenewSessionLease(ctx, r.session.ID, r.executorID, o.stamp(), o.lease())
			})
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, repo.ErrConflict), errors.Is(err, repo.ErrNotFound):
				r.log.Warn("session lease lost", "error", err)
				return
			default:
				r.log.Warn("renew session lease failed", "error", err)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// execute invokes the framework with no connection held. Executor errors and
// panics become result errors so the journey can continue.
func (r *run) execute(ctx context.Context, entry framework.Entry, name string, c domain.StrategicContext) (result domain.FrameworkResult) {
	start := r.o.now()
	result = domain.FrameworkResult{FrameworkName: name, ExecutedAt: domain.FormatTime(start)}
	defer func() {
		if p := recover(); p != nil {
			result.Data = nil
			result.Errors = append(result.Errors, fmt.Sprintf("panic: %v", p))
		}
		result.DurationMS = r.o.now().Sub(start).Milliseconds()
		if result.Failed() {
			r.log.Warn("framework failed", "framework", name, "errors", result.Errors)
			r.o.appendEvent(ctx, events.Event{Type: events.StepFailed, SessionID: r.session.ID, UserID: r.session.UserID,
				Framework: name, Payload: events.EventPayload{"errors": result.Errors}})
		} else {
			r.o.appendEvent(ctx, events.Event{Type: events.StepCompleted, SessionID: r.session.ID, UserID: r.session.UserID,
				Framework: name, Payload: events.EventPayload{"duration_ms": result.DurationMS}})
		}
	}()
	data, err := entry.Executor.Execute(ctx, name, strategic.Clone(c))
	if err != nil {
		result.Errors = []string{err.Error()}
		return result
	}
	result.Data = data
	return result
}

// audit writes the insight record. Failures go to the non-fatal channel.
func (r *run) audit(ctx context.Context, result domain.FrameworkResult) {
	o := r.o
	if o.Insights == nil {
		return
	}
	payload, err := json.Marshal(result.Data)
	if err == nil {
		err = o.Insights.PersistInsight(ctx, domain.InsightRecord{
			ID:            o.newID(),
			SessionID:     r.session.ID,
			FrameworkName: result.FrameworkName,
			Insight:       payload,
			Errors:        result.Errors,
			DurationMS:    result.DurationMS,
			CreatedAt:     o.stamp(),
		})
	}
	if err == nil {
		return
	}
	auditErr := &AuditError{SessionID: r.session.ID, Framework: result.FrameworkName, Err: err}
	r.log.Warn("insight not persisted", "framework", result.FrameworkName, "error", err)
	o.appendEvent(ctx, events.Event{Type: events.InsightPersistFailed, SessionID: r.session.ID, UserID: r.session.UserID,
		Framework: result.FrameworkName, Payload: events.EventPayload{"error": err.Error()}})
	if o.OnNonFatal != nil {
		o.OnNonFatal(auditErr)
	}
}

func (r *run) complete(ctx context.Context, c domain.StrategicContext) (domain.JourneySession, error) {
	o := r.o
	persist := context.WithoutCancel(ctx)
	err := o.Gateway.RetryWithBackoff(persist, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).CompleteSession(ctx, r.session.ID, r.executorID, c, o.stamp())
	})
	if errors.Is(err, repo.ErrConflict) {
		s, gerr := o.GetSession(persist, r.session.ID)
		if gerr == nil && s.Status == domain.SessionPaused {
			return r.stopPaused(ctx, s.CurrentFrameworkIndex)
		}
		return r.session, fmt.Errorf("complete %s: %w", r.session.ID, ErrCheckpointConflict)
	}
	if err != nil {
		if ctx.Err() != nil {
			return r.abandon(ctx.Err())
		}
		return r.fail(ctx, fmt.Errorf("complete session: %w", err), true)
	}
	total := len(r.frameworks)
	r.progress(progressOf(r.session.ID, r.frameworks, total, domain.SessionCompleted))
	o.appendEvent(ctx, events.Event{Type: events.JourneyCompleted, SessionID: r.session.ID, UserID: r.session.UserID,
		Payload: events.EventPayload{"completed_frameworks": c.CompletedFrameworks}})
	r.log.Info("journey completed", "total_frameworks", total)
	return o.GetSession(persist, r.session.ID)
}

// stopPaused hands the session back after a pause request was observed.
func (r *run) stopPaused(ctx context.Context, index int) (domain.JourneySession, error) {
	o := r.o
	cleanup := context.WithoutCancel(ctx)
	if err := o.Gateway.RetryWithBackoff(cleanup, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).ReleaseSessionLease(ctx, r.session.ID, r.executorID, o.stamp())
	}); err != nil {
		r.log.Warn("release lease failed", "error", err)
	}
	r.progress(progressOf(r.session.ID, r.frameworks, index, domain.SessionPaused))
	r.log.Info("journey paused", "framework_index", index)
	return o.GetSession(cleanup, r.session.ID)
}

// abandon stops without failing the session when the caller went away. The
// session stays resumable once the lease is released.
func (r *run) abandon(cause error) (domain.JourneySession, error) {
	o := r.o
	cleanup := context.Background()
	if err := o.Gateway.RetryWithBackoff(cleanup, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).ReleaseSessionLease(ctx, r.session.ID, r.executorID, o.stamp())
	}); err != nil {
		r.log.Warn("release lease failed", "error", err)
	}
	r.log.Warn("journey interrupted", "error", cause)
	return r.session, cause
}

// fail marks the session failed and returns cause. owned restricts the
// update to sessions whose lease this run still holds.
func (r *run) fail(ctx context.Context, cause error, owned bool) (domain.JourneySession, error) {
	o := r.o
	cleanup := context.WithoutCancel(ctx)
	executor := ""
	if owned {
		executor = r.executorID
	}
	err := o.Gateway.RetryWithBackoff(cleanup, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).FailSession(ctx, r.session.ID, executor, cause.Error(), o.stamp())
	})
	if err != nil {
		r.log.Error("mark session failed", "error", err, "cause", cause)
	}
	o.appendEvent(cleanup, events.Event{Type: events.JourneyFailed, SessionID: r.session.ID, UserID: r.session.UserID,
		Payload: events.EventPayload{"error": cause.Error()}})
	r.log.Error("journey failed", "error", cause)
	if s, gerr := o.GetSession(cleanup, r.session.ID); gerr == nil {
		r.session = s
	}
	return r.session, cause
}

func (o Orchestrator) bridges() *bridge.Table {
	if o.Bridges == nil {
		return bridge.NewTable()
	}
	return o.Bridges
}

func (o Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	return db.SleepContext(ctx, d)
}

// appendEvent records an event on a short connection. Event writes are
// best effort.
func (o Orchestrator) appendEvent(ctx context.Context, e events.Event) {
	w := o.Events
	if w.Now == nil {
		w.Now = o.now
	}
	err := o.Gateway.WithFreshConnection(context.WithoutCancel(ctx), func(ctx context.Context, q db.Querier) error {
		return w.Append(ctx, q, e)
	})
	if err != nil {
		o.logger().Warn("append event failed", "type", e.Type, "session_id", e.SessionID, "error", err)
	}
}
