package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

// CreateUnderstanding stores the user's problem statement. An empty id gets
// a generated one.
func (a *App) CreateUnderstanding(ctx context.Context, id, userID, title, input string) (domain.Understanding, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Understanding{}, errors.New("user id is required")
	}
	if strings.TrimSpace(input) == "" {
		return domain.Understanding{}, errors.New("user input is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	u := domain.Understanding{
		ID:        id,
		UserID:    userID,
		Title:     strings.TrimSpace(title),
		UserInput: input,
		CreatedAt: domain.FormatTime(time.Now()),
	}
	err := a.Gateway.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).InsertUnderstanding(ctx, u)
	})
	return u, err
}

func (a *App) GetUnderstanding(ctx context.Context, id string) (domain.Understanding, error) {
	return db.RetryValue(ctx, a.Gateway, func(ctx context.Context, q db.Querier) (domain.Understanding, error) {
		return repo.New(q).GetUnderstanding(ctx, id)
	})
}

func (a *App) ListUnderstandings(ctx context.Context, userID string, limit int) ([]domain.Understanding, error) {
	return db.RetryValue(ctx, a.Gateway, func(ctx context.Context, q db.Querier) ([]domain.Understanding, error) {
		return repo.New(q).ListUnderstandings(ctx, userID, limit)
	})
}

// SessionInsights returns the audit trail written for each executed step.
func (a *App) SessionInsights(ctx context.Context, sessionID string) ([]domain.InsightRecord, error) {
	return db.RetryValue(ctx, a.Gateway, func(ctx context.Context, q db.Querier) ([]domain.InsightRecord, error) {
		return repo.New(q).ListInsights(ctx, sessionID)
	})
}

// SessionEvents returns the newest events of a session, newest first.
func (a *App) SessionEvents(ctx context.Context, sessionID, eventType string, limit int) ([]domain.JourneyEvent, error) {
	return db.RetryValue(ctx, a.Gateway, func(ctx context.Context, q db.Querier) ([]domain.JourneyEvent, error) {
		return repo.New(q).SessionEvents(ctx, sessionID, eventType, limit)
	})
}

// CreateAPIKey mints a key for userID. The plaintext key is only returned
// here; the store keeps its hash.
func (a *App) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.APIKey{}, "", errors.New("user id is required")
	}
	secret := "jl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: domain.FormatTime(time.Now()),
	}
	err := a.Gateway.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).InsertAPIKey(ctx, key)
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (a *App) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	return db.RetryValue(ctx, a.Gateway, func(ctx context.Context, q db.Querier) ([]domain.APIKey, error) {
		return repo.New(q).ListAPIKeys(ctx, userID)
	})
}

func (a *App) DeleteAPIKey(ctx context.Context, id string) error {
	return a.Gateway.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).DeleteAPIKey(ctx, id)
	})
}
