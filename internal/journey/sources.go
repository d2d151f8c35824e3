package journey

import (
	"context"

	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

// UnderstandingSource loads the input a journey is built from.
type UnderstandingSource interface {
	GetUnderstanding(ctx context.Context, id string) (domain.Understanding, error)
}

// InsightSink receives one audit record per executed framework.
type InsightSink interface {
	PersistInsight(ctx context.Context, rec domain.InsightRecord) error
}

// StoreUnderstandings reads understandings from the journeyline database.
type StoreUnderstandings struct {
	Gateway db.Gateway
}

func (s StoreUnderstandings) GetUnderstanding(ctx context.Context, id string) (domain.Understanding, error) {
	return db.RetryValue(ctx, s.Gateway, func(ctx context.Context, q db.Querier) (domain.Understanding, error) {
		return repo.New(q).GetUnderstanding(ctx, id)
	})
}

// StoreInsights writes audit records to framework_insights.
type StoreInsights struct {
	Gateway db.Gateway
}

func (s StoreInsights) PersistInsight(ctx context.Context, rec domain.InsightRecord) error {
	return s.Gateway.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).InsertInsight(ctx, rec)
	})
}
