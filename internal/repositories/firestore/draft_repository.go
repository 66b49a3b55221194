package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	draftCollection = "checkoutDrafts"
)

// DraftRepository persists checkout drafts within Firestore, keyed by user ID.
type DraftRepository struct {
	base     *pfirestore.BaseRepository[draftDocument]
	provider *pfirestore.Provider
	now      func() time.Time
}

// DraftRepositoryOption customises the Firestore draft repository.
type DraftRepositoryOption func(*DraftRepository)

// WithDraftClock overrides the timestamp source, primarily for tests.
func WithDraftClock(clock func() time.Time) DraftRepositoryOption {
	return func(r *DraftRepository) {
		if clock != nil {
			r.now = func() time.Time { return clock().UTC() }
		}
	}
}

// NewDraftRepository constructs a Firestore-backed draft repository.
func NewDraftRepository(provider *pfirestore.Provider, opts ...DraftRepositoryOption) (*DraftRepository, error) {
	if provider == nil {
		return nil, errors.New("draft repository requires firestore provider")
	}
	repo := &DraftRepository{
		base:     pfirestore.NewBaseRepository[draftDocument](provider, draftCollection),
		provider: provider,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Load returns the stored draft for the user. A missing document surfaces as
// a not-found repository error so callers can fall back to an empty draft.
func (r *DraftRepository) Load(ctx context.Context, userID string) (domain.CheckoutDraft, error) {
	if r == nil || r.base == nil {
		return domain.CheckoutDraft{}, errors.New("draft repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CheckoutDraft{}, errors.New("draft repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.CheckoutDraft{}, err
	}

	return domain.CheckoutDraft{
		ShippingAddressID: strings.TrimSpace(doc.Data.ShippingAddressID),
		ShippingMethodID:  strings.TrimSpace(doc.Data.ShippingMethodID),
		PaymentMethodID:   strings.TrimSpace(doc.Data.PaymentMethodID),
		DiscountCode:      strings.TrimSpace(doc.Data.DiscountCode),
		Notes:             doc.Data.Notes,
	}, nil
}

// Save writes the draft document, replacing any previous contents.
func (r *DraftRepository) Save(ctx context.Context, userID string, draft domain.CheckoutDraft) error {
	if r == nil || r.base == nil {
		return errors.New("draft repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("draft repository: user id is required")
	}

	doc := draftDocument{
		ShippingAddressID: strings.TrimSpace(draft.ShippingAddressID),
		ShippingMethodID:  strings.TrimSpace(draft.ShippingMethodID),
		PaymentMethodID:   strings.TrimSpace(draft.PaymentMethodID),
		DiscountCode:      strings.TrimSpace(draft.DiscountCode),
		Notes:             draft.Notes,
		UpdatedAt:         r.now(),
	}
	_, err := r.base.Set(ctx, uid, doc)
	return err
}

// Clear removes the persisted draft. Clearing an absent draft is not an error.
func (r *DraftRepository) Clear(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("draft repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("draft repository: user id is required")
	}
	return r.base.Delete(ctx, uid)
}

type draftDocument struct {
	ShippingAddressID string    `firestore:"shippingAddressId,omitempty"`
	ShippingMethodID  string    `firestore:"shippingMethodId,omitempty"`
	PaymentMethodID   string    `firestore:"paymentMethodId,omitempty"`
	DiscountCode      string    `firestore:"discountCode,omitempty"`
	Notes             string    `firestore:"notes,omitempty"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

var _ repositories.DraftRepository = (*DraftRepository)(nil)
