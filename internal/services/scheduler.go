package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hanko-field/checkout/internal/commerce"
	domain "github.com/hanko-field/checkout/internal/domain"
)

const (
	defaultValidationQuiet   = 900 * time.Millisecond
	defaultValidationTimeout = 8 * time.Second

	schedulerMeterNamespace = "github.com/hanko-field/checkout/internal/services"
)

// ValidationScheduler debounces draft edits into backend validation calls.
// Every edit bumps a sequence number; a validation round only publishes its
// result if no newer edit happened while it was in flight, so the session
// always converges on pricing for the latest selections.
type ValidationScheduler struct {
	backend   CheckoutBackend
	snapshots *PricingSnapshotStore
	userID    string
	quiet     time.Duration
	timeout   time.Duration
	logger    Logger
	now       func() time.Time

	mu      sync.Mutex
	seq     uint64
	draft   domain.CheckoutDraft
	timer   *time.Timer
	state   domain.ValidationState
	stopped bool

	requests  metric.Int64Counter
	discarded metric.Int64Counter
}

// ValidationSchedulerConfig wires the dependencies of a ValidationScheduler.
type ValidationSchedulerConfig struct {
	Backend   CheckoutBackend
	Snapshots *PricingSnapshotStore
	UserID    string
	// QuietPeriod is how long the draft must sit unchanged before a
	// validation round fires. Zero selects the default.
	QuietPeriod time.Duration
	// Timeout bounds a single backend validation call.
	Timeout time.Duration
	Logger  Logger
	Clock   func() time.Time
	Meter   metric.Meter
}

// NewValidationScheduler constructs a scheduler validating required dependencies.
func NewValidationScheduler(cfg ValidationSchedulerConfig) (*ValidationScheduler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("validation scheduler: backend is required")
	}
	if cfg.Snapshots == nil {
		return nil, errors.New("validation scheduler: snapshot store is required")
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errors.New("validation scheduler: user id is required")
	}

	quiet := cfg.QuietPeriod
	if quiet <= 0 {
		quiet = defaultValidationQuiet
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultValidationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}

	meter := cfg.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(schedulerMeterNamespace)
	}
	requests, err := meter.Int64Counter("checkout.validation.requests",
		metric.WithDescription("Validation rounds dispatched to the commerce backend"),
	)
	if err != nil {
		return nil, err
	}
	discarded, err := meter.Int64Counter("checkout.validation.stale_discarded",
		metric.WithDescription("Validation results discarded because a newer edit superseded them"),
	)
	if err != nil {
		return nil, err
	}

	return &ValidationScheduler{
		backend:   cfg.Backend,
		snapshots: cfg.Snapshots,
		userID:    userID,
		quiet:     quiet,
		timeout:   timeout,
		logger:    logger,
		now:       utcClock(cfg.Clock),
		requests:  requests,
		discarded: discarded,
	}, nil
}

// OnDraftChanged records an edit and arms the quiet-period timer. An
// incomplete draft short-circuits: the snapshot is cleared immediately and no
// backend call is scheduled, since pricing requires all selections.
func (s *ValidationScheduler) OnDraftChanged(draft domain.CheckoutDraft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.seq++
	s.draft = draft
	s.stopTimerLocked()

	if !draft.Complete() {
		s.snapshots.Clear()
		s.state = domain.ValidationState{
			CanProceed: false,
			Errors:     missingSelectionErrors(draft),
			Sequence:   s.seq,
			CheckedAt:  s.now(),
		}
		return
	}

	s.timer = time.AfterFunc(s.quiet, s.fire)
}

// ValidateNow bypasses the quiet period and runs a validation round for the
// current draft, used after a mount or a price-mismatch rejection. Incomplete
// drafts are ignored.
func (s *ValidationScheduler) ValidateNow(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || !s.draft.Complete() {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	seq := s.seq
	draft := s.draft
	s.mu.Unlock()

	s.runValidation(ctx, seq, draft)
}

// State returns the result of the most recent published validation round.
func (s *ValidationScheduler) State() domain.ValidationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop cancels any armed timer. In-flight rounds finish but their results are
// discarded.
func (s *ValidationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stopTimerLocked()
	// Bump the sequence so a round that already launched can never publish.
	s.seq++
}

func (s *ValidationScheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	seq := s.seq
	draft := s.draft
	s.mu.Unlock()

	s.runValidation(context.Background(), seq, draft)
}

func (s *ValidationScheduler) runValidation(ctx context.Context, seq uint64, draft domain.CheckoutDraft) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.requests.Add(callCtx, 1)
	outcome, err := s.backend.ValidateCheckout(callCtx, s.userID, draft)
	s.applyResult(ctx, seq, outcome, err)
}

// applyResult publishes a completed round unless a newer edit superseded it.
func (s *ValidationScheduler) applyResult(ctx context.Context, seq uint64, outcome commerce.ValidateOutcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.seq || s.stopped {
		s.discarded.Add(ctx, 1)
		s.logger(ctx, "checkout.validation.stale_discarded", map[string]any{
			"seq":    seq,
			"latest": s.seq,
		})
		return
	}

	if err != nil {
		// Keep the previous snapshot on display, but submission must not
		// proceed until a round succeeds for the current selections.
		s.state = domain.ValidationState{
			CanProceed: false,
			Errors:     []string{"price validation is temporarily unavailable"},
			Sequence:   seq,
			CheckedAt:  s.now(),
		}
		s.logger(ctx, "checkout.validation.failed", map[string]any{
			"seq":   seq,
			"error": err.Error(),
		})
		return
	}

	s.snapshots.Replace(outcome.Pricing)
	s.state = domain.ValidationState{
		CanProceed: outcome.CanProceed,
		Errors:     outcome.Errors,
		Warnings:   outcome.Warnings,
		Sequence:   seq,
		CheckedAt:  s.now(),
	}
}

func (s *ValidationScheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func missingSelectionErrors(draft domain.CheckoutDraft) []string {
	var missing []string
	if strings.TrimSpace(draft.ShippingAddressID) == "" {
		missing = append(missing, "shipping address is required")
	}
	if strings.TrimSpace(draft.ShippingMethodID) == "" {
		missing = append(missing, "shipping method is required")
	}
	if strings.TrimSpace(draft.PaymentMethodID) == "" {
		missing = append(missing, "payment method is required")
	}
	return missing
}
