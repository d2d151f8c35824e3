package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"journeyline/internal/app"
	"journeyline/internal/domain"
)

type jobListOutput struct {
	Body listResponse[JobResponse] `json:"body"`
}

func jobList(items []domain.BackgroundJob) *jobListOutput {
	return &jobListOutput{Body: listResponse[JobResponse]{Items: mapJobs(items)}}
}

func registerJobs(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List the caller's jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"pending, running, completed or failed"`
		Limit  int    `query:"limit"`
	}) (*jobListOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		switch domain.JobStatus(input.Status) {
		case "", domain.JobPending, domain.JobRunning, domain.JobCompleted, domain.JobFailed:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown job status", map[string]any{"status": input.Status})
		}
		items, err := a.Jobs.ListJobsByUser(ctx, userID, domain.JobStatus(input.Status), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return jobList(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-running-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs/running",
		Summary:     "Pending and running jobs of the caller",
	}, func(ctx context.Context, _ *struct{}) (*jobListOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Jobs.RunningJobsForUser(ctx, userID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return jobList(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-recent-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs/recent",
		Summary:     "Jobs the caller created in the last 24 hours",
	}, func(ctx context.Context, _ *struct{}) (*jobListOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Jobs.RecentJobs(ctx, userID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return jobList(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a job",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := a.Jobs.GetJobForUser(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-result",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/result",
		Summary:     "Job result; 202 while the job has not finished",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Status int
		Body   JobResultResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := a.Jobs.GetJobForUser(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		status := http.StatusOK
		if !j.Status.Terminal() {
			status = http.StatusAccepted
		}
		return &struct {
			Status int
			Body   JobResultResponse `json:"body"`
		}{Status: status, Body: JobResultResponse{
			JobID:        j.ID,
			Status:       string(j.Status),
			Progress:     j.Progress,
			ResultData:   decodeJSONMap(j.ResultData),
			ErrorMessage: j.ErrorMessage,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/cancel",
		Summary:     "Cancel a pending or running job",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CancelJobResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := a.Jobs.GetJobForUser(ctx, input.ID, userID); err != nil {
			return nil, handleError(ctx, err)
		}
		ok, err := a.Jobs.CancelJob(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body CancelJobResponse `json:"body"`
		}{Body: CancelJobResponse{JobID: input.ID, Cancelled: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-jobs",
		Method:      http.MethodGet,
		Path:        "/entities/{type}/{id}/jobs",
		Summary:     "Jobs attached to a related entity",
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
		ID   string `path:"id"`
	}) (*jobListOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Jobs.JobsByRelatedEntity(ctx, input.Type, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		own := make([]domain.BackgroundJob, 0, len(items))
		for _, j := range items {
			if j.UserID == userID {
				own = append(own, j)
			}
		}
		return jobList(own), nil
	})
}
