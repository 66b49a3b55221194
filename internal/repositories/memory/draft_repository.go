// Package memory provides in-memory repository implementations used by local
// development and tests. They satisfy the same contracts as the Firestore
// implementations, including not-found classification.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// DraftRepository keeps checkout drafts in process memory.
type DraftRepository struct {
	mu     sync.RWMutex
	drafts map[string]domain.CheckoutDraft
}

// NewDraftRepository constructs an empty in-memory draft repository.
func NewDraftRepository() *DraftRepository {
	return &DraftRepository{drafts: make(map[string]domain.CheckoutDraft)}
}

// Load returns the stored draft, or a not-found error when the user has none.
func (r *DraftRepository) Load(ctx context.Context, userID string) (domain.CheckoutDraft, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CheckoutDraft{}, errors.New("draft repository: user id is required")
	}
	if err := ctx.Err(); err != nil {
		return domain.CheckoutDraft{}, err
	}

	r.mu.RLock()
	draft, ok := r.drafts[uid]
	r.mu.RUnlock()
	if !ok {
		return domain.CheckoutDraft{}, notFoundError{userID: uid}
	}
	return draft, nil
}

// Save stores the draft, replacing any previous value.
func (r *DraftRepository) Save(ctx context.Context, userID string, draft domain.CheckoutDraft) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("draft repository: user id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.drafts[uid] = draft
	r.mu.Unlock()
	return nil
}

// Clear removes the stored draft. Clearing an absent draft is not an error.
func (r *DraftRepository) Clear(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("draft repository: user id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.drafts, uid)
	r.mu.Unlock()
	return nil
}

type notFoundError struct {
	userID string
}

func (e notFoundError) Error() string {
	return "draft repository: no draft stored for user " + e.userID
}

func (e notFoundError) IsNotFound() bool    { return true }
func (e notFoundError) IsConflict() bool    { return false }
func (e notFoundError) IsUnavailable() bool { return false }

var _ repositories.DraftRepository = (*DraftRepository)(nil)
var _ repositories.RepositoryError = notFoundError{}
