package repositories

import (
	"context"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// DraftRepository persists checkout drafts so a returning session can restore
// the buyer's selections. Persistence is best effort; callers tolerate failures.
type DraftRepository interface {
	Load(ctx context.Context, userID string) (domain.CheckoutDraft, error)
	Save(ctx context.Context, userID string, draft domain.CheckoutDraft) error
	Clear(ctx context.Context, userID string) error
}

// HealthRepository aggregates dependency probes for the health endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
