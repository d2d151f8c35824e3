package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"journeyline/internal/app"
	"journeyline/internal/domain"
	"journeyline/internal/jobs"
	"journeyline/internal/journey"
	"journeyline/internal/strategic"
)

// ownedSession loads a session and checks it belongs to the caller.
func ownedSession(ctx context.Context, a *app.App, id string) (domain.JourneySession, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return domain.JourneySession{}, authErr
	}
	s, err := a.Orchestrator.GetSession(ctx, id)
	if err != nil {
		return domain.JourneySession{}, handleError(ctx, err)
	}
	if s.UserID != userID {
		return domain.JourneySession{}, newAPIError(http.StatusForbidden, "forbidden", "session belongs to another user", nil)
	}
	return s, nil
}

func registerUnderstandings(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-understanding",
		Method:        http.MethodPost,
		Path:          "/understandings",
		Summary:       "Record a problem statement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateUnderstandingRequest `json:"body"`
	}) (*struct {
		Body UnderstandingResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.UserInput) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_input is required", nil)
		}
		id := ""
		if input.Body.ID != nil {
			id = strings.TrimSpace(*input.Body.ID)
		}
		u, err := a.CreateUnderstanding(ctx, id, userID, input.Body.Title, input.Body.UserInput)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return nil, newAPIError(http.StatusConflict, "conflict", "understanding already exists", map[string]any{"id": id})
			}
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body UnderstandingResponse `json:"body"`
		}{Body: understandingResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-understandings",
		Method:      http.MethodGet,
		Path:        "/understandings",
		Summary:     "List the caller's understandings",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body listResponse[UnderstandingResponse] `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.ListUnderstandings(ctx, userID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]UnderstandingResponse, 0, len(items))
		for _, u := range items {
			out = append(out, understandingResponse(u))
		}
		return &struct {
			Body listResponse[UnderstandingResponse] `json:"body"`
		}{Body: listResponse[UnderstandingResponse]{Items: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-understanding",
		Method:      http.MethodGet,
		Path:        "/understandings/{id}",
		Summary:     "Get an understanding",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body UnderstandingResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := a.GetUnderstanding(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if u.UserID != userID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "understanding belongs to another user", nil)
		}
		return &struct {
			Body UnderstandingResponse `json:"body"`
		}{Body: understandingResponse(u)}, nil
	})
}

func registerJourneyTypes(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journey-types",
		Method:      http.MethodGet,
		Path:        "/journey-types",
		Summary:     "List configured journey types and whether the caller may start them",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listResponse[JourneyTypeResponse] `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		types := a.Config.JourneyTypes()
		out := make([]JourneyTypeResponse, 0, len(types))
		for _, t := range types {
			j, _ := a.Config.Journey(t)
			ok, reason, err := a.Orchestrator.Available(ctx, t, userID)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			out = append(out, journeyTypeResponse(t, j, ok, reason))
		}
		return &struct {
			Body listResponse[JourneyTypeResponse] `json:"body"`
		}{Body: listResponse[JourneyTypeResponse]{Items: out}}, nil
	})
}

func registerJourneys(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-journey",
		Method:        http.MethodPost,
		Path:          "/journeys",
		Summary:       "Start a journey for an understanding",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body StartJourneyRequest `json:"body"`
	}) (*struct {
		Body StartJourneyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.UnderstandingID == "" || input.Body.JourneyType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "understanding_id and journey_type are required", nil)
		}
		u, err := a.GetUnderstanding(ctx, input.Body.UnderstandingID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if u.UserID != userID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "understanding belongs to another user", nil)
		}
		id, err := a.Orchestrator.StartJourney(ctx, u.ID, input.Body.JourneyType, userID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		var res StartJourneyResponse
		if input.Body.Execute {
			jobID, _, err := queueJourney(ctx, a, userID, id, false)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			res.JobID = jobID
		}
		s, err := a.Orchestrator.GetSession(ctx, id)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		res.Session = sessionResponse(s, false)
		return &struct {
			Body StartJourneyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-journeys",
		Method:      http.MethodGet,
		Path:        "/journeys",
		Summary:     "List the caller's journey sessions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body listResponse[SessionResponse] `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Orchestrator.ListSessions(ctx, userID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]SessionResponse, 0, len(items))
		for _, s := range items {
			out = append(out, sessionResponse(s, false))
		}
		return &struct {
			Body listResponse[SessionResponse] `json:"body"`
		}{Body: listResponse[SessionResponse]{Items: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-journey",
		Method:      http.MethodGet,
		Path:        "/journeys/{id}",
		Summary:     "Get a journey session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		IncludeContext bool   `query:"include_context"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := ownedSession(ctx, a, input.ID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, input.IncludeContext)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-journey-progress",
		Method:      http.MethodGet,
		Path:        "/journeys/{id}/progress",
		Summary:     "Get journey progress",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.JourneyProgress `json:"body"`
	}, error) {
		if _, err := ownedSession(ctx, a, input.ID); err != nil {
			return nil, err
		}
		p, err := a.Orchestrator.GetProgress(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.JourneyProgress `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-journey",
		Method:        http.MethodPost,
		Path:          "/journeys/{id}/execute",
		Summary:       "Queue background execution of a journey",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobQueuedResponse `json:"body"`
	}, error) {
		s, err := ownedSession(ctx, a, input.ID)
		if err != nil {
			return nil, err
		}
		if s.Status.Terminal() {
			return nil, handleError(ctx, journey.ErrSessionTerminal)
		}
		jobID, created, err := queueJourney(ctx, a, s.UserID, s.ID, false)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body JobQueuedResponse `json:"body"`
		}{Body: JobQueuedResponse{JobID: jobID, SessionID: s.ID, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resume-journey",
		Method:        http.MethodPost,
		Path:          "/journeys/{id}/resume",
		Summary:       "Queue a resume from the last checkpoint",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobQueuedResponse `json:"body"`
	}, error) {
		s, err := ownedSession(ctx, a, input.ID)
		if err != nil {
			return nil, err
		}
		if s.Status != domain.SessionPaused && s.Status != domain.SessionInProgress {
			return nil, handleError(ctx, journey.ErrNotResumable)
		}
		jobID, created, err := queueJourney(ctx, a, s.UserID, s.ID, true)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body JobQueuedResponse `json:"body"`
		}{Body: JobQueuedResponse{JobID: jobID, SessionID: s.ID, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-journey",
		Method:      http.MethodPost,
		Path:        "/journeys/{id}/pause",
		Summary:     "Pause a journey at its next checkpoint",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, err := ownedSession(ctx, a, input.ID); err != nil {
			return nil, err
		}
		s, err := a.Orchestrator.PauseJourney(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, false)}, nil
	})
}

func registerJourneyDetails(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-journey-job",
		Method:      http.MethodGet,
		Path:        "/journeys/{id}/job",
		Summary:     "Latest background job for a journey",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, err := ownedSession(ctx, a, input.ID); err != nil {
			return nil, err
		}
		j, err := a.Jobs.LatestJobForSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-journey-insights",
		Method:      http.MethodGet,
		Path:        "/journeys/{id}/insights",
		Summary:     "Per-framework insight records",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body listResponse[InsightResponse] `json:"body"`
	}, error) {
		if _, err := ownedSession(ctx, a, input.ID); err != nil {
			return nil, err
		}
		items, err := a.SessionInsights(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]InsightResponse, 0, len(items))
		for _, rec := range items {
			out = append(out, insightResponse(rec))
		}
		return &struct {
			Body listResponse[InsightResponse] `json:"body"`
		}{Body: listResponse[InsightResponse]{Items: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-journey-events",
		Method:      http.MethodGet,
		Path:        "/journeys/{id}/events",
		Summary:     "Journey event log, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Type  string `query:"type"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body listResponse[EventResponse] `json:"body"`
	}, error) {
		if _, err := ownedSession(ctx, a, input.ID); err != nil {
			return nil, err
		}
		items, err := a.SessionEvents(ctx, input.ID, input.Type, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, e := range items {
			out = append(out, eventResponse(e))
		}
		return &struct {
			Body listResponse[EventResponse] `json:"body"`
		}{Body: listResponse[EventResponse]{Items: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-journey-critical-items",
		Method:      http.MethodGet,
		Path:        "/journeys/{id}/critical-items",
		Summary:     "Risks, opportunities and constraints found so far",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.CriticalItems `json:"body"`
	}, error) {
		s, err := ownedSession(ctx, a, input.ID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.CriticalItems `json:"body"`
		}{Body: strategic.SynthesizeCriticalItems(s.Context)}, nil
	})
}

func queueJourney(ctx context.Context, a *app.App, userID, sessionID string, resume bool) (string, bool, error) {
	id, created, err := a.Jobs.CreateJobForSession(ctx, jobs.CreateParams{
		UserID:            userID,
		JobType:           domain.JobTypeJourneyExecution,
		InputData:         jobs.JourneyInput{SessionID: sessionID, Resume: resume},
		SessionID:         sessionID,
		RelatedEntityID:   sessionID,
		RelatedEntityType: "journey_session",
	})
	if err != nil {
		return "", false, err
	}
	if id == "" {
		return "", false, errors.New("job not created")
	}
	return id, created, nil
}
