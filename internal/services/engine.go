package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/events"
	"github.com/hanko-field/checkout/internal/payments"
)

// ErrShippingAddressRequired is returned when shipping methods are requested
// before any shipping address is known.
var ErrShippingAddressRequired = errors.New("checkout engine: shipping address is required to list methods")

// paymentMethodVerifier abstracts payments.StripePaymentMethodVerifier for testing.
type paymentMethodVerifier interface {
	Lookup(ctx context.Context, token string) (payments.PaymentMethodDetails, error)
}

// CheckoutView is the read model handlers render for a session.
type CheckoutView struct {
	Draft            domain.CheckoutDraft
	Validation       domain.ValidationState
	Pricing          *domain.PricingSnapshot
	StockIssues      []domain.StockIssue
	StockKnown       bool
	Submission       domain.SubmissionState
	Failure          *domain.SubmissionFailure
	OrderID          string
	CanSubmit        bool
	StockCheckedAt   time.Time
	PaymentWarning   string
	RestoredFromSave bool
}

// Engine coordinates one user's checkout session: the in-memory draft, its
// persistence, debounced validation, stock polling, and the submission gate.
type Engine struct {
	userID    string
	authTime  int64
	backend   CheckoutBackend
	drafts    *DraftStore
	merges    *MergeReconciler
	snapshots *PricingSnapshotStore
	scheduler *ValidationScheduler
	poller    *StockPoller
	gate      *SubmissionGate
	verifier  paymentMethodVerifier
	sanitizer *bluemonday.Policy
	logger    Logger
	now       func() time.Time

	mu             sync.Mutex
	draft          domain.CheckoutDraft
	restored       bool
	paymentWarning string
	lastSeen       time.Time
}

// EngineConfig wires the dependencies of an Engine.
type EngineConfig struct {
	Backend CheckoutBackend
	Drafts  *DraftStore
	Merges  *MergeReconciler
	// Publisher receives order-placed events; optional.
	Publisher events.OrderPlacedPublisher
	// Verifier decorates payment method selection with card details; optional.
	Verifier paymentMethodVerifier

	UserID   string
	AuthTime int64

	ValidationQuietPeriod time.Duration
	ValidationTimeout     time.Duration
	StockPollInterval     time.Duration
	StockCheckTimeout     time.Duration

	Logger Logger
	Clock  func() time.Time
	Meter  metric.Meter
}

// NewEngine constructs an idle engine for one user session. Call Start to
// restore the draft and begin background reconciliation.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, errors.New("checkout engine: backend is required")
	}
	if cfg.Drafts == nil {
		return nil, errors.New("checkout engine: draft store is required")
	}
	if cfg.Merges == nil {
		return nil, errors.New("checkout engine: merge reconciler is required")
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errors.New("checkout engine: user id is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}
	now := utcClock(cfg.Clock)

	snapshots := NewPricingSnapshotStore()
	scheduler, err := NewValidationScheduler(ValidationSchedulerConfig{
		Backend:     cfg.Backend,
		Snapshots:   snapshots,
		UserID:      userID,
		QuietPeriod: cfg.ValidationQuietPeriod,
		Timeout:     cfg.ValidationTimeout,
		Logger:      logger,
		Clock:       cfg.Clock,
		Meter:       cfg.Meter,
	})
	if err != nil {
		return nil, err
	}
	poller, err := NewStockPoller(StockPollerConfig{
		Backend:  cfg.Backend,
		UserID:   userID,
		Interval: cfg.StockPollInterval,
		Timeout:  cfg.StockCheckTimeout,
		Logger:   logger,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	gate, err := NewSubmissionGate(SubmissionGateConfig{
		Backend:   cfg.Backend,
		Snapshots: snapshots,
		Drafts:    cfg.Drafts,
		Publisher: cfg.Publisher,
		UserID:    userID,
		Logger:    logger,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		userID:    userID,
		authTime:  cfg.AuthTime,
		backend:   cfg.Backend,
		drafts:    cfg.Drafts,
		merges:    cfg.Merges,
		snapshots: snapshots,
		scheduler: scheduler,
		poller:    poller,
		gate:      gate,
		verifier:  cfg.Verifier,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
		now:       now,
		lastSeen:  now(),
	}, nil
}

// Start restores the persisted draft, kicks off an eager validation round for
// a restored complete draft, and begins stock polling. Draft restore failures
// are non-fatal; the session starts from an empty draft.
func (e *Engine) Start(ctx context.Context) {
	draft, restored, err := e.drafts.Load(ctx, e.userID)
	if err != nil {
		e.logger(ctx, "checkout.draft.restore_failed", map[string]any{
			"userId": e.userID,
			"error":  err.Error(),
		})
	}

	e.mu.Lock()
	e.draft = draft
	e.restored = restored
	e.mu.Unlock()

	if restored {
		e.scheduler.OnDraftChanged(draft)
		e.scheduler.ValidateNow(ctx)
	}

	if _, err := e.merges.EnsureMerged(ctx, e.userID, e.authTime); err != nil {
		e.logger(ctx, "checkout.merge.deferred", map[string]any{"userId": e.userID})
	}

	e.poller.Start(ctx)
}

// SetShippingAddress updates the shipping address selection.
func (e *Engine) SetShippingAddress(ctx context.Context, addressID string) (domain.CheckoutDraft, error) {
	return e.updateDraft(func(d *domain.CheckoutDraft) {
		d.ShippingAddressID = strings.TrimSpace(addressID)
	})
}

// SetShippingMethod updates the shipping method selection.
func (e *Engine) SetShippingMethod(ctx context.Context, methodID string) (domain.CheckoutDraft, error) {
	return e.updateDraft(func(d *domain.CheckoutDraft) {
		d.ShippingMethodID = strings.TrimSpace(methodID)
	})
}

// SetPaymentMethod updates the payment method selection. When a verifier is
// configured the token is looked up best effort; a failed lookup records a
// warning but never blocks the selection, validation decides acceptance.
func (e *Engine) SetPaymentMethod(ctx context.Context, methodID string) (domain.CheckoutDraft, error) {
	warning := ""
	trimmed := strings.TrimSpace(methodID)
	if e.verifier != nil && trimmed != "" {
		if _, err := e.verifier.Lookup(ctx, trimmed); err != nil {
			warning = "payment method could not be verified"
			e.logger(ctx, "checkout.payment_method.unverified", map[string]any{
				"userId": e.userID,
				"error":  err.Error(),
			})
		}
	}

	draft, err := e.updateDraft(func(d *domain.CheckoutDraft) {
		d.PaymentMethodID = trimmed
	})
	if err != nil {
		return draft, err
	}

	e.mu.Lock()
	e.paymentWarning = warning
	e.mu.Unlock()
	return draft, nil
}

// SetDiscountCode updates the discount code. An empty code removes it.
func (e *Engine) SetDiscountCode(ctx context.Context, code string) (domain.CheckoutDraft, error) {
	return e.updateDraft(func(d *domain.CheckoutDraft) {
		d.DiscountCode = strings.TrimSpace(code)
	})
}

// SetNotes updates the order notes. Markup is stripped before storage.
func (e *Engine) SetNotes(ctx context.Context, notes string) (domain.CheckoutDraft, error) {
	sanitized := strings.TrimSpace(e.sanitizer.Sanitize(notes))
	return e.updateDraft(func(d *domain.CheckoutDraft) {
		d.Notes = sanitized
	})
}

// Draft returns the current in-memory draft.
func (e *Engine) Draft() domain.CheckoutDraft {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft
}

// View assembles the session read model handlers render.
func (e *Engine) View() CheckoutView {
	e.mu.Lock()
	draft := e.draft
	restored := e.restored
	warning := e.paymentWarning
	e.mu.Unlock()

	validation := e.scheduler.State()
	pricing := e.snapshots.Current()
	issues, known := e.poller.BlockingIssues()
	state, failure, orderID := e.gate.State()

	canSubmit := validation.CanProceed &&
		pricing != nil && pricing.FreshFor(draft) &&
		known && len(issues) == 0 &&
		state != domain.SubmissionSubmitting

	return CheckoutView{
		Draft:            draft,
		Validation:       validation,
		Pricing:          pricing,
		StockIssues:      issues,
		StockKnown:       known,
		Submission:       state,
		Failure:          failure,
		OrderID:          orderID,
		CanSubmit:        canSubmit,
		StockCheckedAt:   e.poller.LastCheckedAt(),
		PaymentWarning:   warning,
		RestoredFromSave: restored,
	}
}

// Submit attempts to place the order. Precondition refusals surface as the
// gate's typed errors. A price-mismatch failure triggers an immediate
// revalidation so the buyer sees refreshed totals; the draft is preserved on
// every failure.
func (e *Engine) Submit(ctx context.Context) (domain.SubmissionResult, error) {
	e.mu.Lock()
	draft := e.draft
	e.mu.Unlock()

	issues, known := e.poller.BlockingIssues()
	result, err := e.gate.Submit(ctx, SubmitCommand{
		Draft:       draft,
		Validation:  e.scheduler.State(),
		StockIssues: issues,
		StockKnown:  known,
	})
	if err != nil {
		return domain.SubmissionResult{}, err
	}

	if result.Succeeded() {
		e.mu.Lock()
		e.draft = domain.CheckoutDraft{}
		e.restored = false
		e.paymentWarning = ""
		e.mu.Unlock()
		e.snapshots.Clear()
		return result, nil
	}

	if result.Failure != nil && result.Failure.Code == domain.FailurePriceMismatch {
		e.scheduler.ValidateNow(ctx)
	}
	return result, nil
}

// Cart returns the user's cart, completing any pending guest-cart merge first.
func (e *Engine) Cart(ctx context.Context) (domain.Cart, error) {
	if merged, err := e.merges.EnsureMerged(ctx, e.userID, e.authTime); err == nil && merged != nil {
		return *merged, nil
	}
	return e.backend.GetCart(ctx, e.userID)
}

// Addresses lists the user's saved shipping addresses.
func (e *Engine) Addresses(ctx context.Context) ([]domain.AddressSummary, error) {
	return e.backend.ListAddresses(ctx, e.userID)
}

// ShippingMethods lists methods available for the given address, defaulting
// to the draft's selected address.
func (e *Engine) ShippingMethods(ctx context.Context, addressID string) ([]domain.ShippingMethodSummary, error) {
	addressID = strings.TrimSpace(addressID)
	if addressID == "" {
		addressID = e.Draft().ShippingAddressID
	}
	if addressID == "" {
		return nil, ErrShippingAddressRequired
	}
	return e.backend.ListShippingMethods(ctx, e.userID, addressID)
}

// PaymentMethods lists the user's saved payment methods.
func (e *Engine) PaymentMethods(ctx context.Context) ([]domain.PaymentMethodSummary, error) {
	return e.backend.ListPaymentMethods(ctx, e.userID)
}

// ClearDraft abandons the checkout: in-memory state, the pricing snapshot,
// and the persisted draft are all dropped.
func (e *Engine) ClearDraft(ctx context.Context) error {
	if e.gate.InFlight() {
		return ErrSubmissionInFlight
	}

	e.mu.Lock()
	e.draft = domain.CheckoutDraft{}
	e.restored = false
	e.paymentWarning = ""
	e.mu.Unlock()

	e.snapshots.Clear()
	e.scheduler.OnDraftChanged(domain.CheckoutDraft{})
	return e.drafts.Clear(ctx, e.userID)
}

// RefreshStock forces an immediate stock reconciliation.
func (e *Engine) RefreshStock(ctx context.Context) error {
	return e.poller.CheckNow(ctx)
}

// Touch records activity for idle-session expiry.
func (e *Engine) Touch() {
	e.mu.Lock()
	e.lastSeen = e.now()
	e.mu.Unlock()
}

// LastSeen reports the most recent activity timestamp.
func (e *Engine) LastSeen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// Close stops background work and flushes any pending draft write.
func (e *Engine) Close(ctx context.Context) {
	e.poller.Stop()
	e.scheduler.Stop()
	if err := e.drafts.Flush(ctx, e.userID); err != nil {
		e.logger(ctx, "checkout.draft.flush_failed", map[string]any{
			"userId": e.userID,
			"error":  err.Error(),
		})
	}
	e.merges.Forget(e.userID, e.authTime)
}

func (e *Engine) updateDraft(mutate func(*domain.CheckoutDraft)) (domain.CheckoutDraft, error) {
	if e.gate.InFlight() {
		return e.Draft(), ErrSubmissionInFlight
	}

	e.mu.Lock()
	mutate(&e.draft)
	draft := e.draft
	e.lastSeen = e.now()
	e.mu.Unlock()

	e.gate.Reset()
	e.drafts.Queue(e.userID, draft)
	e.scheduler.OnDraftChanged(draft)
	return draft, nil
}
