package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/checkout/internal/commerce"
	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/events"
)

const submitTimeout = 15 * time.Second

var (
	// ErrSubmissionInFlight indicates a placeOrder call is already running for this session.
	ErrSubmissionInFlight = errors.New("submission gate: submission already in flight")
	// ErrValidationNotPassed indicates the latest validation round did not approve the draft.
	ErrValidationNotPassed = errors.New("submission gate: validation has not passed")
	// ErrPricingStale indicates no pricing snapshot exists for the current selections.
	ErrPricingStale = errors.New("submission gate: pricing snapshot is stale")
	// ErrStockBlocked indicates the last stock check reported blocking issues.
	ErrStockBlocked = errors.New("submission gate: stock issues block submission")
	// ErrStockUnknown indicates no stock check has succeeded yet; unknown availability blocks submission.
	ErrStockUnknown = errors.New("submission gate: stock availability is unknown")
	// ErrOrderAlreadyPlaced indicates the session already placed its order;
	// the gate stays succeeded until the buyer starts a new draft.
	ErrOrderAlreadyPlaced = errors.New("submission gate: order already placed for this session")
)

// SubmissionGate serialises order placement for a checkout session. It
// re-checks every precondition atomically before transitioning to
// submitting, so two rapid submit calls can never both place an order.
type SubmissionGate struct {
	backend   CheckoutBackend
	snapshots *PricingSnapshotStore
	drafts    *DraftStore
	publisher events.OrderPlacedPublisher
	userID    string
	logger    Logger
	now       func() time.Time
	newToken  func() string

	mu      sync.Mutex
	state   domain.SubmissionState
	failure *domain.SubmissionFailure
	orderID string
	tokens  map[domain.SelectionFingerprint]string
}

// SubmitCommand carries the session view the gate checks before placing the order.
type SubmitCommand struct {
	Draft       domain.CheckoutDraft
	Validation  domain.ValidationState
	StockIssues []domain.StockIssue
	StockKnown  bool
}

// SubmissionGateConfig wires the dependencies of a SubmissionGate.
type SubmissionGateConfig struct {
	Backend   CheckoutBackend
	Snapshots *PricingSnapshotStore
	Drafts    *DraftStore
	// Publisher receives order-placed events after a successful submission.
	// Optional; publish failures never fail the order.
	Publisher events.OrderPlacedPublisher
	UserID    string
	Logger    Logger
	Clock     func() time.Time
	// TokenFactory overrides idempotency token generation, primarily for tests.
	TokenFactory func() string
}

// NewSubmissionGate constructs a gate validating required dependencies.
func NewSubmissionGate(cfg SubmissionGateConfig) (*SubmissionGate, error) {
	if cfg.Backend == nil {
		return nil, errors.New("submission gate: backend is required")
	}
	if cfg.Snapshots == nil {
		return nil, errors.New("submission gate: snapshot store is required")
	}
	if cfg.Drafts == nil {
		return nil, errors.New("submission gate: draft store is required")
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errors.New("submission gate: user id is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}
	newToken := cfg.TokenFactory
	if newToken == nil {
		newToken = func() string { return ulid.Make().String() }
	}

	return &SubmissionGate{
		backend:   cfg.Backend,
		snapshots: cfg.Snapshots,
		drafts:    cfg.Drafts,
		publisher: cfg.Publisher,
		userID:    userID,
		logger:    logger,
		now:       utcClock(cfg.Clock),
		newToken:  newToken,
		state:     domain.SubmissionIdle,
		tokens:    make(map[domain.SelectionFingerprint]string),
	}, nil
}

// Submit places the order if every precondition holds at the moment of the
// call. Submitting is only entered from idle: a prior failure returns to idle
// when the new attempt is admitted, and a succeeded gate refuses until Reset.
// Precondition refusals return typed errors without a state change.
func (g *SubmissionGate) Submit(ctx context.Context, cmd SubmitCommand) (domain.SubmissionResult, error) {
	g.mu.Lock()
	switch g.state {
	case domain.SubmissionSubmitting:
		g.mu.Unlock()
		return domain.SubmissionResult{}, ErrSubmissionInFlight
	case domain.SubmissionSucceeded:
		g.mu.Unlock()
		return domain.SubmissionResult{}, ErrOrderAlreadyPlaced
	}
	if !cmd.Validation.CanProceed {
		g.mu.Unlock()
		return domain.SubmissionResult{}, ErrValidationNotPassed
	}
	snapshot := g.snapshots.Current()
	if snapshot == nil || !snapshot.FreshFor(cmd.Draft) {
		g.mu.Unlock()
		return domain.SubmissionResult{}, ErrPricingStale
	}
	if !cmd.StockKnown {
		g.mu.Unlock()
		return domain.SubmissionResult{}, ErrStockUnknown
	}
	if len(cmd.StockIssues) > 0 {
		g.mu.Unlock()
		return domain.SubmissionResult{}, ErrStockBlocked
	}

	fingerprint := cmd.Draft.Fingerprint()
	token, ok := g.tokens[fingerprint]
	if !ok {
		token = g.newToken()
		g.tokens[fingerprint] = token
	}

	// Admitted: a lingering failed state gives way to the new attempt.
	g.state = domain.SubmissionSubmitting
	g.failure = nil
	g.orderID = ""
	g.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	orderID, err := g.backend.PlaceOrder(callCtx, commerce.PlaceOrderCommand{
		UserID:                  g.userID,
		Draft:                   cmd.Draft,
		FrontendCalculatedTotal: snapshot.Total,
		Currency:                snapshot.Currency,
		IdempotencyKey:          token,
	})

	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil {
		failure := g.classify(err, snapshot)
		g.state = domain.SubmissionFailed
		g.failure = &failure
		// A fresh token per terminal failure keeps retries of a reworked
		// draft distinct; a network failure may have placed the order, so
		// the same token must be replayed.
		if failure.Code != domain.FailureNetworkError {
			delete(g.tokens, fingerprint)
		}
		g.logger(ctx, "checkout.submit.failed", map[string]any{
			"code":  string(failure.Code),
			"error": err.Error(),
		})
		return domain.SubmissionResult{Failure: &failure}, nil
	}

	g.state = domain.SubmissionSucceeded
	g.orderID = orderID
	delete(g.tokens, fingerprint)

	if clearErr := g.drafts.Clear(ctx, g.userID); clearErr != nil {
		g.logger(ctx, "checkout.submit.draft_clear_failed", map[string]any{
			"error": clearErr.Error(),
		})
	}

	if g.publisher != nil {
		if _, pubErr := g.publisher.PublishOrderPlaced(ctx, events.OrderPlacedMessage{
			OrderID:     orderID,
			UserID:      g.userID,
			Total:       snapshot.Total,
			Currency:    snapshot.Currency,
			Fingerprint: string(fingerprint),
			PlacedAt:    g.now(),
		}); pubErr != nil {
			g.logger(ctx, "checkout.submit.publish_failed", map[string]any{
				"orderId": orderID,
				"error":   pubErr.Error(),
			})
		}
	}

	g.logger(ctx, "checkout.submit.succeeded", map[string]any{"orderId": orderID})
	return domain.SubmissionResult{OrderID: orderID}, nil
}

// State returns the gate lifecycle state, the last failure if any, and the
// placed order ID once succeeded.
func (g *SubmissionGate) State() (domain.SubmissionState, *domain.SubmissionFailure, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var failure *domain.SubmissionFailure
	if g.failure != nil {
		dup := *g.failure
		failure = &dup
	}
	return g.state, failure, g.orderID
}

// InFlight reports whether a placeOrder call is currently running.
func (g *SubmissionGate) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == domain.SubmissionSubmitting
}

// Reset returns a terminal gate to idle, typically after the buyer edits the
// draft to address a failure or to start a new checkout after a placed order.
// A submitting gate is never reset.
func (g *SubmissionGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case domain.SubmissionFailed, domain.SubmissionSucceeded:
		g.state = domain.SubmissionIdle
		g.failure = nil
		g.orderID = ""
	}
}

func (g *SubmissionGate) classify(err error, snapshot *domain.PricingSnapshot) domain.SubmissionFailure {
	switch {
	case errors.Is(err, commerce.ErrPriceMismatch):
		return domain.SubmissionFailure{
			Code: domain.FailurePriceMismatch,
			Message: "your quoted total of " + domain.FormatAmount(snapshot.Currency, snapshot.Total) +
				" is no longer accurate; prices have been refreshed",
		}
	case errors.Is(err, commerce.ErrPaymentDeclined):
		return domain.SubmissionFailure{
			Code:    domain.FailurePaymentDeclined,
			Message: "your payment was declined; try another payment method",
		}
	case errors.Is(err, commerce.ErrStockUnavailable):
		return domain.SubmissionFailure{
			Code:    domain.FailureStockUnavailable,
			Message: "some items in your cart are no longer available",
		}
	case errors.Is(err, commerce.ErrValidationRejected):
		return domain.SubmissionFailure{
			Code:    domain.FailureValidationFailed,
			Message: "your selections were rejected; review the highlighted fields",
		}
	default:
		return domain.SubmissionFailure{
			Code:    domain.FailureNetworkError,
			Message: "the order could not be confirmed; check your connection and retry",
		}
	}
}
