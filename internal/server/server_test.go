package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"journeyline/internal/app"
	"journeyline/internal/config"
	"journeyline/internal/domain"
	"journeyline/internal/observability"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// runJobs processes every pending job and waits for the workers to finish.
func (s *testServer) runJobs(t *testing.T) {
	t.Helper()
	d := s.App.NewDispatcher()
	if _, err := d.ProcessPendingJobs(context.Background()); err != nil {
		t.Fatalf("process jobs: %v", err)
	}
	d.Wait()
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Session.StepDelayMS = 0
	a, err := app.Open(context.Background(), workspace, cfg)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	a.Logger = observability.Discard()
	handler, err := New(Config{App: a, BasePath: "/v1", Auth: AuthConfig{
		JWTSecret:             testSecret,
		AllowLegacyUserHeader: true,
		EnableDevLogin:        true,
		Logger:                observability.Discard(),
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func createUnderstanding(t *testing.T, srv *testServer, user, input string) UnderstandingResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/understandings", map[string]any{
		"title":      "Expansion",
		"user_input": input,
	}, as(user))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create understanding status %d: %s", res.StatusCode, string(data))
	}
	return decode[UnderstandingResponse](t, data)
}

func startJourney(t *testing.T, srv *testServer, user, understandingID, journeyType string, execute bool) StartJourneyResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/journeys", map[string]any{
		"understanding_id": understandingID,
		"journey_type":     journeyType,
		"execute":          execute,
	}, as(user))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start journey status %d: %s", res.StatusCode, string(data))
	}
	return decode[StartJourneyResponse](t, data)
}

func TestHealthIsPublicAndOtherRoutesRequireAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	token := decode[DevLoginResponse](t, data).Token
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	me := decode[map[string]any](t, data)
	if me["user_id"] != "alice" || me["source"] != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
	if _, ok := me["roles"]; ok {
		t.Fatalf("principal must not carry roles: %+v", me)
	}
}

func TestOpenAPIDocumentUnderConcurrentRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d returned a different document", i)
		}
	}
	doc := decode[map[string]any](t, bodies[0])
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/v1/journeys"]; !ok {
		t.Fatalf("expected /v1/journeys in document, got %d paths", len(paths))
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, secret, err := srv.App.CreateAPIKey(context.Background(), "carol", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	if me := decode[MeResponse](t, data); me.UserID != "carol" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestJourneyRunsInBackground(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	u := createUnderstanding(t, srv, "alice", "Enter the Nordic e-bike market")
	started := startJourney(t, srv, "alice", u.ID, "market_entry", true)
	if started.JobID == "" {
		t.Fatalf("expected a queued job")
	}
	if started.Session.Status != string(domain.SessionInitializing) {
		t.Fatalf("expected initializing session, got %s", started.Session.Status)
	}
	sessionURL := srv.URL + "/v1/journeys/" + started.Session.ID

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+started.JobID+"/result", nil, as("alice"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 before the job ran, got %d: %s", res.StatusCode, string(data))
	}

	srv.runJobs(t)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+started.JobID+"/result", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("job result status %d: %s", res.StatusCode, string(data))
	}
	result := decode[JobResultResponse](t, data)
	if result.Status != string(domain.JobCompleted) || result.Progress != 100 {
		t.Fatalf("unexpected job result %+v", result)
	}
	if result.ResultData["status"] != string(domain.SessionCompleted) {
		t.Fatalf("expected completed session in result, got %v", result.ResultData)
	}

	res, data = doJSON(t, client, http.MethodGet, sessionURL+"?include_context=true", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get journey status %d: %s", res.StatusCode, string(data))
	}
	session := decode[SessionResponse](t, data)
	if session.Status != string(domain.SessionCompleted) || len(session.CompletedFrameworks) != 3 {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.Context == nil || len(session.Context.Insights) == 0 {
		t.Fatalf("expected accumulated context")
	}

	res, data = doJSON(t, client, http.MethodGet, sessionURL+"/progress", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[domain.JourneyProgress](t, data); p.PercentComplete != 100 {
		t.Fatalf("expected 100%%, got %+v", p)
	}

	res, data = doJSON(t, client, http.MethodGet, sessionURL+"/insights", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("insights status %d: %s", res.StatusCode, string(data))
	}
	if insights := decode[listResponse[InsightResponse]](t, data); len(insights.Items) != 3 {
		t.Fatalf("expected 3 insights, got %d", len(insights.Items))
	}

	res, data = doJSON(t, client, http.MethodGet, sessionURL+"/events?type=journey.completed", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	if evts := decode[listResponse[EventResponse]](t, data); len(evts.Items) != 1 {
		t.Fatalf("expected one completion event, got %d", len(evts.Items))
	}

	res, data = doJSON(t, client, http.MethodGet, sessionURL+"/critical-items", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("critical items status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, sessionURL+"/job", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("session job status %d: %s", res.StatusCode, string(data))
	}
	if job := decode[JobResponse](t, data); job.ID != started.JobID {
		t.Fatalf("expected job %s, got %s", started.JobID, job.ID)
	}

	res, data = doJSON(t, client, http.MethodPost, sessionURL+"/resume", nil, as("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 resuming a completed journey, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "session_not_resumable" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestExecuteReusesActiveJob(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	u := createUnderstanding(t, srv, "alice", "Why are renewals dropping?")
	started := startJourney(t, srv, "alice", u.ID, "business_model_innovation", false)
	executeURL := srv.URL + "/v1/journeys/" + started.Session.ID + "/execute"

	res, data := doJSON(t, srv.Client(), http.MethodPost, executeURL, nil, as("alice"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	first := decode[JobQueuedResponse](t, data)
	if !first.Created {
		t.Fatalf("expected a new job")
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, executeURL, nil, as("alice"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("second execute status %d: %s", res.StatusCode, string(data))
	}
	second := decode[JobQueuedResponse](t, data)
	if second.Created || second.JobID != first.JobID {
		t.Fatalf("expected the active job to be reused, got %+v", second)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/running", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("running jobs status %d: %s", res.StatusCode, string(data))
	}
	if running := decode[listResponse[JobResponse]](t, data); len(running.Items) != 1 {
		t.Fatalf("expected 1 active job, got %d", len(running.Items))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/entities/journey_session/"+started.Session.ID+"/jobs", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("entity jobs status %d: %s", res.StatusCode, string(data))
	}
	if entity := decode[listResponse[JobResponse]](t, data); len(entity.Items) != 1 {
		t.Fatalf("expected 1 entity job, got %d", len(entity.Items))
	}
}

func TestSessionsAndJobsAreScopedToTheirOwner(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	u := createUnderstanding(t, srv, "alice", "Should we expand to Brazil?")
	started := startJourney(t, srv, "alice", u.ID, "market_entry", true)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/journeys/"+started.Session.ID, nil, as("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's session, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/"+started.JobID, nil, as("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's job, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/journeys", map[string]any{
		"understanding_id": u.ID,
		"journey_type":     "market_entry",
	}, as("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 starting on another user's understanding, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/journeys", nil, as("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list journeys status %d: %s", res.StatusCode, string(data))
	}
	if list := decode[listResponse[SessionResponse]](t, data); len(list.Items) != 0 {
		t.Fatalf("expected no sessions for bob, got %d", len(list.Items))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/journeys/missing", nil, as("bob"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnavailableJourneyIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	u := createUnderstanding(t, srv, "alice", "Revenue fell 40% this quarter")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/journeys", map[string]any{
		"understanding_id": u.ID,
		"journey_type":     "crisis_recovery",
	}, as("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "journey_unavailable" {
		t.Fatalf("unexpected code %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/journey-types", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("journey types status %d: %s", res.StatusCode, string(data))
	}
	types := decode[listResponse[JourneyTypeResponse]](t, data)
	found := false
	for _, jt := range types.Items {
		if jt.Type == "crisis_recovery" {
			found = true
			if jt.Available {
				t.Fatalf("crisis_recovery should be unavailable")
			}
		}
	}
	if !found {
		t.Fatalf("crisis_recovery missing from %+v", types.Items)
	}
}

func TestValidationErrorsAreBadRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/understandings", map[string]any{"title": "empty"}, as("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs?status=bogus", nil, as("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCancelJobKeepsSessionResumable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	u := createUnderstanding(t, srv, "alice", "Grow the loyalty programme")
	started := startJourney(t, srv, "alice", u.ID, "growth_strategy", true)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+started.JobID+"/cancel", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	if out := decode[CancelJobResponse](t, data); !out.Cancelled {
		t.Fatalf("expected cancellation")
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/"+started.JobID+"/cancel", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second cancel status %d: %s", res.StatusCode, string(data))
	}
	if out := decode[CancelJobResponse](t, data); out.Cancelled {
		t.Fatalf("a finished job cannot be cancelled twice")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/"+started.JobID, nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get job status %d: %s", res.StatusCode, string(data))
	}
	job := decode[JobResponse](t, data)
	if job.Status != string(domain.JobFailed) || job.ErrorMessage != "cancelled by user" {
		t.Fatalf("unexpected cancelled job %+v", job)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/journeys/"+started.Session.ID+"/execute", nil, as("alice"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("execute after cancel status %d: %s", res.StatusCode, string(data))
	}
	if out := decode[JobQueuedResponse](t, data); !out.Created || out.JobID == started.JobID {
		t.Fatalf("expected a fresh job, got %+v", out)
	}
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu       sync.Mutex
		received []string
		secrets  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, r.Header.Get("X-Journeyline-Event"))
		secrets = append(secrets, r.Header.Get("X-Journeyline-Secret"))
		mu.Unlock()
		if evt.SessionID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx := context.Background()
	u := createUnderstanding(t, srv, "alice", "Find a blue ocean")
	before := startJourney(t, srv, "alice", u.ID, "blue_ocean", false)

	d := newWebhookDispatcher(srv.App.Gateway, []config.WebhookConfig{{
		URL:    hook.URL,
		Secret: "s3cret",
		Events: []string{"journey.started"},
	}}, observability.Discard())
	d.dispatchAll(ctx)

	after := startJourney(t, srv, "alice", u.ID, "blue_ocean", false)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "journey.started" {
		t.Fatalf("expected only the journey started after the dispatcher began, got %v (before=%s after=%s)", received, before.Session.ID, after.Session.ID)
	}
	if secrets[0] != "s3cret" {
		t.Fatalf("missing secret header")
	}
}
