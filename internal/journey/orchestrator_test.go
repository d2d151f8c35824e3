package journey_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/config"
	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/events"
	"journeyline/internal/framework"
	"journeyline/internal/journey"
	"journeyline/internal/migrate"
	"journeyline/internal/observability"
	"journeyline/internal/policy"
	"journeyline/internal/repo"
)

// recorder wraps the local executor, counting calls and letting a test
// override single frameworks.
type recorder struct {
	mu        sync.Mutex
	calls     []string
	inputs    map[string]domain.StrategicContext
	overrides map[string]framework.ExecutorFunc
}

func newRecorder() *recorder {
	return &recorder{inputs: map[string]domain.StrategicContext{}, overrides: map[string]framework.ExecutorFunc{}}
}

func (r *recorder) Execute(ctx context.Context, name string, c domain.StrategicContext) (map[string]any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.inputs[name] = c
	override := r.overrides[name]
	r.mu.Unlock()
	if override != nil {
		return override(ctx, name, c)
	}
	return framework.LocalExecutor{}.Execute(ctx, name, c)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

type testEnv struct {
	Orch *journey.Orchestrator
	Exec *recorder
	DB   *sql.DB
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	cfg := config.Default()
	cfg.Journeys["custom"] = config.Journey{Frameworks: []string{"five_whys", "okr"}}

	g := db.NewGateway(conn)
	g.Logger = observability.Discard()
	g.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	exec := newRecorder()
	o := journey.New(g, cfg, framework.NewDefaultRegistry(exec))
	o.Logger = observability.Discard()
	o.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	o.StepDelay = 0

	require.NoError(t, repo.New(conn).InsertUnderstanding(ctx, domain.Understanding{
		ID: "u-1", UserID: "alice", Title: "Meal kits", UserInput: "Launch a meal kit service for students", CreatedAt: "2024-01-01T00:00:00.000Z",
	}))
	return testEnv{Orch: &o, Exec: exec, DB: conn, Ctx: ctx}
}

func (e testEnv) eventTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	evts, err := repo.New(e.DB).SessionEvents(e.Ctx, sessionID, "", 100)
	require.NoError(t, err)
	var out []string
	for i := len(evts) - 1; i >= 0; i-- {
		out = append(out, evts[i].Type)
	}
	return out
}

func TestFiveWhysThenBMCScenario(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "business_model_innovation", "alice")
	require.NoError(t, err)

	s, err := env.Orch.GetSession(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInitializing, s.Status)
	assert.Equal(t, 0, s.CurrentFrameworkIndex)
	assert.Empty(t, s.CompletedFrameworks)

	var progress []domain.JourneyProgress
	s, err = env.Orch.ExecuteJourney(env.Ctx, id, func(p domain.JourneyProgress) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.Equal(t, domain.SessionCompleted, s.Status)
	assert.Equal(t, 2, s.CurrentFrameworkIndex)
	assert.Equal(t, []string{"five_whys", "bmc"}, s.CompletedFrameworks)
	assert.NotNil(t, s.CompletedAt)
	assert.Nil(t, s.ExecutorID)
	assert.Contains(t, s.Context.Insights, "rootCauses")
	assert.Contains(t, s.Context.Insights, "bmcDesignConstraints")
	assert.Contains(t, s.Context.Insights, "bmcBlocks")
	assert.Equal(t, domain.ContextCompleted, s.Context.Status)

	// The bridge ran before bmc, so bmc saw the injected constraints.
	assert.Contains(t, env.Exec.inputs["bmc"].Insights, "bmcDesignConstraints")
	assert.NotContains(t, env.Exec.inputs["five_whys"].Insights, "bmcDesignConstraints")

	require.Len(t, progress, 3)
	assert.Equal(t, "five_whys", progress[0].CurrentFramework)
	assert.Equal(t, 0, progress[0].PercentComplete)
	assert.Equal(t, "bmc", progress[1].CurrentFramework)
	assert.Equal(t, 50, progress[1].PercentComplete)
	assert.Equal(t, 100, progress[2].PercentComplete)
	assert.Equal(t, domain.SessionCompleted, progress[2].Status)

	insights, err := repo.New(env.DB).ListInsights(env.Ctx, id)
	require.NoError(t, err)
	assert.Len(t, insights, 2)

	assert.Equal(t, []string{
		events.JourneyStarted, events.StepCompleted, events.BridgeApplied, events.StepCompleted, events.JourneyCompleted,
	}, env.eventTypes(t, id))
}

func TestCompletedFrameworksFollowConfiguredOrder(t *testing.T) {
	env := newTestEnv(t)
	for _, jt := range []string{"market_entry", "competitive_strategy", "growth_strategy", "blue_ocean"} {
		id, err := env.Orch.StartJourney(env.Ctx, "u-1", jt, "alice")
		require.NoError(t, err)
		s, err := env.Orch.ExecuteJourney(env.Ctx, id, nil)
		require.NoError(t, err)
		want, _ := env.Orch.Config.Journey(jt)
		assert.Equal(t, want.Frameworks, s.CompletedFrameworks, jt)
		assert.Equal(t, len(want.Frameworks), s.CurrentFrameworkIndex, jt)
	}
}

func TestPauseAndIdempotentResume(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "market_entry", "alice")
	require.NoError(t, err)

	env.Exec.overrides["porters"] = func(ctx context.Context, name string, c domain.StrategicContext) (map[string]any, error) {
		_, err := env.Orch.PauseJourney(context.Background(), id)
		require.NoError(t, err)
		return framework.LocalExecutor{}.Execute(ctx, name, c)
	}
	s, err := env.Orch.ExecuteJourney(env.Ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPaused, s.Status)
	assert.Equal(t, 2, s.CurrentFrameworkIndex)
	assert.Equal(t, []string{"pestle", "porters"}, s.CompletedFrameworks)
	assert.Nil(t, s.ExecutorID)

	p, err := env.Orch.GetProgress(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyProgress{SessionID: id, CurrentFramework: "swot", FrameworkIndex: 2, TotalFrameworks: 3, PercentComplete: 66, Status: domain.SessionPaused}, p)

	delete(env.Exec.overrides, "porters")
	s, err = env.Orch.ResumeJourney(env.Ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)
	assert.Equal(t, []string{"pestle", "porters", "swot"}, s.CompletedFrameworks)
	assert.Equal(t, []string{"pestle", "porters", "swot"}, env.Exec.Calls())

	// Resuming a completed journey is refused and runs nothing.
	_, err = env.Orch.ResumeJourney(env.Ctx, id, nil)
	assert.ErrorIs(t, err, journey.ErrNotResumable)
	assert.Len(t, env.Exec.Calls(), 3)
}

func TestUnknownFrameworkFailsJourney(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "custom", "alice")
	require.NoError(t, err)

	s, err := env.Orch.ExecuteJourney(env.Ctx, id, nil)
	var unimplemented *journey.UnimplementedFrameworkError
	require.ErrorAs(t, err, &unimplemented)
	assert.Equal(t, "okr", unimplemented.Name)
	assert.Equal(t, domain.SessionFailed, s.Status)
	assert.Equal(t, 1, s.CurrentFrameworkIndex)
	assert.Contains(t, s.ErrorMessage, "okr")

	_, err = env.Orch.ResumeJourney(env.Ctx, id, nil)
	assert.ErrorIs(t, err, journey.ErrNotResumable)
	_, err = env.Orch.ExecuteJourney(env.Ctx, id, nil)
	assert.ErrorIs(t, err, journey.ErrSessionTerminal)
}

func TestExecutorErrorIsTolerated(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "business_model_innovation", "alice")
	require.NoError(t, err)
	env.Exec.overrides["five_whys"] = func(context.Context, string, domain.StrategicContext) (map[string]any, error) {
		return nil, errors.New("model timed out")
	}
	s, err := env.Orch.ExecuteJourney(env.Ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)
	assert.Equal(t, []string{"five_whys", "bmc"}, s.CompletedFrameworks)
	assert.NotContains(t, s.Context.Insights, "rootCauses")

	insights, err := repo.New(env.DB).ListInsights(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, insights, 2)
	byName := map[string]domain.InsightRecord{}
	for _, rec := range insights {
		byName[rec.FrameworkName] = rec
	}
	assert.Equal(t, []string{"model timed out"}, byName["five_whys"].Errors)
	assert.Empty(t, byName["bmc"].Errors)
	assert.Contains(t, env.eventTypes(t, id), events.StepFailed)
}

func TestExecutorPanicIsTolerated(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "business_model_innovation", "alice")
	require.NoError(t, err)
	env.Exec.overrides["bmc"] = func(context.Context, string, domain.StrategicContext) (map[string]any, error) {
		panic("nil map")
	}
	s, err := env.Orch.ExecuteJourney(env.Ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)
}

type failingSink struct{}

func (failingSink) PersistInsight(context.Context, domain.InsightRecord) error {
	return errors.New("disk full")
}

func TestAuditFailureIsReportedNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.Orch.Insights = failingSink{}
	var nonFatal []error
	env.Orch.OnNonFatal = func(err error) { nonFatal = append(nonFatal, err) }

	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "business_model_innovation", "alice")
	require.NoError(t, err)
	s, err := env.Orch.ExecuteJourney(env.Ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)

	require.Len(t, nonFatal, 2)
	var auditErr *journey.AuditError
	require.ErrorAs(t, nonFatal[0], &auditErr)
	assert.Equal(t, "five_whys", auditErr.Framework)
	assert.Equal(t, id, auditErr.SessionID)
	assert.Contains(t, env.eventTypes(t, id), events.InsightPersistFailed)
}

func TestStartJourneyRejectsUnavailableTypes(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Orch.StartJourney(env.Ctx, "u-1", "crisis_recovery", "alice")
	assert.ErrorIs(t, err, journey.ErrUnavailableJourney)
	_, err = env.Orch.StartJourney(env.Ctx, "u-1", "does_not_exist", "alice")
	assert.ErrorIs(t, err, journey.ErrUnavailableJourney)
	_, err = env.Orch.StartJourney(env.Ctx, "missing", "market_entry", "alice")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestStartJourneyConsultsPolicy(t *testing.T) {
	env := newTestEnv(t)
	engine, err := policy.NewEngine(env.Ctx, policy.DefaultPolicy)
	require.NoError(t, err)
	env.Orch.Policy = engine
	env.Orch.Config.Journeys["vip"] = config.Journey{Frameworks: []string{"swot"}, AllowedUsers: []string{"alice"}}

	_, err = env.Orch.StartJourney(env.Ctx, "u-1", "vip", "bob")
	assert.ErrorIs(t, err, journey.ErrUnavailableJourney)
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "vip", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestConcurrentExecutorIsRejected(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "business_model_innovation", "alice")
	require.NoError(t, err)
	require.NoError(t, repo.New(env.DB).AcquireSessionLease(env.Ctx, id, "other-worker", "2024-01-01T00:00:00.000Z", "2024-01-01T01:00:00.000Z"))

	_, err = env.Orch.ExecuteJourney(env.Ctx, id, nil)
	assert.ErrorIs(t, err, journey.ErrSessionBusy)
	assert.Empty(t, env.Exec.Calls())

	// Once the other worker's lease has expired the session can be taken over.
	env.Orch.Now = func() time.Time { return time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC) }
	s, err := env.Orch.ExecuteJourney(env.Ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)
}

func TestCancelledCallerLeavesSessionResumable(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "market_entry", "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(env.Ctx)
	env.Exec.overrides["porters"] = func(ctx context.Context, name string, c domain.StrategicContext) (map[string]any, error) {
		cancel()
		return nil, ctx.Err()
	}
	_, err = env.Orch.ExecuteJourney(ctx, id, nil)
	require.ErrorIs(t, err, context.Canceled)

	s, err := env.Orch.GetSession(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInProgress, s.Status)
	assert.Equal(t, 1, s.CurrentFrameworkIndex)
	assert.Nil(t, s.ExecutorID)

	delete(env.Exec.overrides, "porters")
	s, err = env.Orch.ResumeJourney(env.Ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)
	assert.Equal(t, []string{"pestle", "porters", "swot"}, s.CompletedFrameworks)
	assert.Equal(t, []string{"pestle", "porters", "porters", "swot"}, env.Exec.Calls())
}

// cancellingSink cancels the caller's context once the first insight has
// been persisted.
type cancellingSink struct {
	cancel context.CancelFunc
}

func (s cancellingSink) PersistInsight(context.Context, domain.InsightRecord) error {
	s.cancel()
	return nil
}

func TestCallerCancelledAfterStepKeepsCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "business_model_innovation", "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Orch.Insights = cancellingSink{cancel: cancel}
	_, err = env.Orch.ExecuteJourney(ctx, id, nil)
	require.ErrorIs(t, err, context.Canceled)

	s, err := env.Orch.GetSession(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInProgress, s.Status)
	assert.Empty(t, s.ErrorMessage)
	assert.Equal(t, []string{"five_whys"}, s.CompletedFrameworks)
	assert.Nil(t, s.ExecutorID)
	assert.NotContains(t, env.eventTypes(t, id), events.JourneyFailed)

	env.Orch.Insights = nil
	s, err = env.Orch.ResumeJourney(env.Ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)
	assert.Equal(t, []string{"five_whys", "bmc"}, env.Exec.Calls())
}

func TestLeaseIsRenewedWhileStepRuns(t *testing.T) {
	env := newTestEnv(t)
	env.Orch.Now = time.Now
	env.Orch.LeaseDuration = 60 * time.Millisecond
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "business_model_innovation", "alice")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.Exec.overrides["five_whys"] = func(ctx context.Context, name string, c domain.StrategicContext) (map[string]any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return framework.LocalExecutor{}.Execute(ctx, name, c)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.Orch.ExecuteJourney(env.Ctx, id, nil)
		done <- err
	}()
	<-started
	// Several lease lengths pass while the first step is still running.
	time.Sleep(200 * time.Millisecond)
	_, err = env.Orch.ExecuteJourney(env.Ctx, id, nil)
	assert.ErrorIs(t, err, journey.ErrSessionBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"five_whys", "bmc"}, env.Exec.Calls())
	s, err := env.Orch.GetSession(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)
}

func TestRepeatedPairSeesFreshBridgeOutput(t *testing.T) {
	env := newTestEnv(t)
	env.Orch.Config.Journeys["repeat"] = config.Journey{Frameworks: []string{"five_whys", "bmc", "five_whys", "bmc"}}
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "repeat", "alice")
	require.NoError(t, err)

	causes := [][]any{{"thin margins"}, {"slow delivery"}}
	var runs int
	env.Exec.overrides["five_whys"] = func(context.Context, string, domain.StrategicContext) (map[string]any, error) {
		out := map[string]any{"rootCauses": causes[runs]}
		runs++
		return out, nil
	}
	s, err := env.Orch.ExecuteJourney(env.Ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)

	// inputs keeps the context seen by the last bmc call.
	assert.Equal(t, []string{"Address root cause: slow delivery"}, env.Exec.inputs["bmc"].Insights["bmcDesignConstraints"])
}

func TestPauseRules(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Orch.StartJourney(env.Ctx, "u-1", "business_model_innovation", "alice")
	require.NoError(t, err)

	s, err := env.Orch.PauseJourney(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPaused, s.Status)
	_, err = env.Orch.PauseJourney(env.Ctx, id)
	require.NoError(t, err)

	s, err = env.Orch.ResumeJourney(env.Ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, s.Status)

	_, err = env.Orch.PauseJourney(env.Ctx, id)
	assert.ErrorIs(t, err, journey.ErrSessionTerminal)
	_, err = env.Orch.PauseJourney(env.Ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		_, err := env.Orch.StartJourney(env.Ctx, "u-1", "market_entry", "alice")
		require.NoError(t, err)
	}
	_, err := env.Orch.StartJourney(env.Ctx, "u-1", "market_entry", "bob")
	require.NoError(t, err)

	sessions, err := env.Orch.ListSessions(env.Ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	all, err := env.Orch.ListSessions(env.Ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
