// Package services implements the checkout orchestration core. Each user
// session owns an Engine that coordinates draft edits, debounced validation,
// pricing snapshots, stock reconciliation, and order submission against the
// commerce backend.
package services

import (
	"context"
	"time"

	"github.com/hanko-field/checkout/internal/commerce"
	domain "github.com/hanko-field/checkout/internal/domain"
)

// Logger receives structured service events. Implementations must be safe for
// concurrent use.
type Logger func(ctx context.Context, event string, fields map[string]any)

// CheckoutBackend is the slice of the commerce client the orchestration core
// depends on. *commerce.Client satisfies it.
type CheckoutBackend interface {
	ValidateCheckout(ctx context.Context, userID string, draft domain.CheckoutDraft) (commerce.ValidateOutcome, error)
	PlaceOrder(ctx context.Context, cmd commerce.PlaceOrderCommand) (string, error)
	CheckStockBulk(ctx context.Context, items []domain.LineItem) (commerce.StockReport, error)
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	MergeGuestCart(ctx context.Context, userID, guestCartID string) (domain.Cart, error)
	ListAddresses(ctx context.Context, userID string) ([]domain.AddressSummary, error)
	ListShippingMethods(ctx context.Context, userID, addressID string) ([]domain.ShippingMethodSummary, error)
	ListPaymentMethods(ctx context.Context, userID string) ([]domain.PaymentMethodSummary, error)
}

var _ CheckoutBackend = (*commerce.Client)(nil)

func noopLogger(context.Context, string, map[string]any) {}

func utcClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time { return clock().UTC() }
}
