package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanko-field/checkout/internal/commerce"
	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

type engineFixture struct {
	engine *Engine
	repo   *memory.DraftRepository
}

func newEngineFixture(t *testing.T, backend CheckoutBackend) *engineFixture {
	t.Helper()
	repo := memory.NewDraftRepository()
	drafts, err := NewDraftStore(DraftStoreConfig{Repository: repo, Throttle: time.Hour})
	if err != nil {
		t.Fatalf("NewDraftStore: %v", err)
	}
	merges, err := NewMergeReconciler(backend, nil)
	if err != nil {
		t.Fatalf("NewMergeReconciler: %v", err)
	}
	engine, err := NewEngine(EngineConfig{
		Backend:               backend,
		Drafts:                drafts,
		Merges:                merges,
		UserID:                "user-1",
		AuthTime:              42,
		ValidationQuietPeriod: time.Hour,
		StockPollInterval:     time.Hour,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close(context.Background()) })
	return &engineFixture{engine: engine, repo: repo}
}

// pricingBackend approves every complete draft and prices it.
func pricingBackend(total int64) *stubBackend {
	return &stubBackend{
		validateFunc: func(_ context.Context, _ string, draft domain.CheckoutDraft) (commerce.ValidateOutcome, error) {
			return commerce.ValidateOutcome{
				CanProceed: true,
				Pricing:    snapshotFor(draft, total),
			}, nil
		},
		getCartFunc: func(context.Context, string) (domain.Cart, error) {
			return testCart(), nil
		},
	}
}

// readyEngine drives a fixture to a submittable state: complete draft,
// synchronous validation, and a successful stock check.
func readyEngine(t *testing.T, fx *engineFixture) domain.CheckoutDraft {
	t.Helper()
	ctx := context.Background()

	if _, err := fx.engine.SetShippingAddress(ctx, "addr-1"); err != nil {
		t.Fatalf("SetShippingAddress: %v", err)
	}
	if _, err := fx.engine.SetShippingMethod(ctx, "ship-standard"); err != nil {
		t.Fatalf("SetShippingMethod: %v", err)
	}
	draft, err := fx.engine.SetPaymentMethod(ctx, "pm-1")
	if err != nil {
		t.Fatalf("SetPaymentMethod: %v", err)
	}

	fx.engine.scheduler.ValidateNow(ctx)
	if err := fx.engine.RefreshStock(ctx); err != nil {
		t.Fatalf("RefreshStock: %v", err)
	}
	return draft
}

func TestEngineBecomesSubmittable(t *testing.T) {
	fx := newEngineFixture(t, pricingBackend(3300))
	draft := readyEngine(t, fx)

	view := fx.engine.View()
	if !view.Validation.CanProceed {
		t.Fatalf("expected canProceed, got %+v", view.Validation)
	}
	if view.Pricing == nil || !view.Pricing.FreshFor(draft) {
		t.Fatal("expected fresh pricing")
	}
	if !view.StockKnown || len(view.StockIssues) != 0 {
		t.Fatalf("expected clean stock, got known=%v issues=%v", view.StockKnown, view.StockIssues)
	}
	if !view.CanSubmit {
		t.Fatal("expected canSubmit")
	}
}

func TestEngineEditMakesPricingStale(t *testing.T) {
	fx := newEngineFixture(t, pricingBackend(3300))
	readyEngine(t, fx)

	if _, err := fx.engine.SetShippingMethod(context.Background(), "ship-express"); err != nil {
		t.Fatalf("SetShippingMethod: %v", err)
	}

	view := fx.engine.View()
	if view.CanSubmit {
		t.Fatal("an edit must gate submission until revalidation")
	}
	if view.Pricing != nil && view.Pricing.FreshFor(view.Draft) {
		t.Fatal("expected pricing stale for the edited draft")
	}
}

func TestEngineStockIssueBlocksSubmitDespiteValidation(t *testing.T) {
	backend := pricingBackend(3300)
	backend.checkStockFunc = func(context.Context, []domain.LineItem) (commerce.StockReport, error) {
		return commerce.StockReport{
			Issues: []domain.StockIssue{{LineItemID: "line-1", VariantID: "var-1", RequestedQuantity: 2, AvailableQuantity: 0}},
		}, nil
	}
	fx := newEngineFixture(t, backend)
	readyEngine(t, fx)

	view := fx.engine.View()
	if !view.Validation.CanProceed {
		t.Fatal("validation should still pass")
	}
	if view.CanSubmit {
		t.Fatal("stock issue must block submission")
	}

	if _, err := fx.engine.Submit(context.Background()); err != ErrStockBlocked {
		t.Fatalf("expected ErrStockBlocked, got %v", err)
	}
}

func TestEngineNotesAreSanitized(t *testing.T) {
	fx := newEngineFixture(t, pricingBackend(3300))

	draft, err := fx.engine.SetNotes(context.Background(), "  <script>alert('x')</script>leave at the door <b>please</b> ")
	if err != nil {
		t.Fatalf("SetNotes: %v", err)
	}
	if draft.Notes != "leave at the door please" {
		t.Fatalf("expected sanitized notes, got %q", draft.Notes)
	}
}

func TestEngineSubmitSuccessClearsSession(t *testing.T) {
	backend := pricingBackend(3300)
	backend.placeOrderFunc = func(_ context.Context, cmd commerce.PlaceOrderCommand) (string, error) {
		if cmd.FrontendCalculatedTotal != 3300 {
			t.Fatalf("expected frontend total 3300, got %d", cmd.FrontendCalculatedTotal)
		}
		return "order-7", nil
	}
	fx := newEngineFixture(t, backend)
	readyEngine(t, fx)

	ctx := context.Background()
	result, err := fx.engine.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Succeeded() || result.OrderID != "order-7" {
		t.Fatalf("unexpected result %+v", result)
	}

	view := fx.engine.View()
	if !view.Draft.Empty() {
		t.Fatalf("expected draft cleared, got %+v", view.Draft)
	}
	if view.Pricing != nil {
		t.Fatal("expected snapshot cleared")
	}
	if view.Submission != domain.SubmissionSucceeded || view.OrderID != "order-7" {
		t.Fatalf("unexpected submission view %s %s", view.Submission, view.OrderID)
	}
	if _, err := fx.repo.Load(ctx, "user-1"); err == nil {
		t.Fatal("expected persisted draft cleared")
	}
}

func TestEngineSubmitFailurePreservesDraft(t *testing.T) {
	backend := pricingBackend(3300)
	backend.placeOrderFunc = func(context.Context, commerce.PlaceOrderCommand) (string, error) {
		return "", commerce.ErrPaymentDeclined
	}
	fx := newEngineFixture(t, backend)
	draft := readyEngine(t, fx)

	result, err := fx.engine.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Failure == nil || result.Failure.Code != domain.FailurePaymentDeclined {
		t.Fatalf("expected payment_declined, got %+v", result.Failure)
	}

	view := fx.engine.View()
	if view.Draft != draft {
		t.Fatalf("failure must preserve the draft, got %+v", view.Draft)
	}
	if view.Submission != domain.SubmissionFailed {
		t.Fatalf("expected failed state, got %s", view.Submission)
	}

	// Editing the payment method returns the gate to idle for a retry.
	if _, err := fx.engine.SetPaymentMethod(context.Background(), "pm-2"); err != nil {
		t.Fatalf("SetPaymentMethod after failure: %v", err)
	}
	if view := fx.engine.View(); view.Submission != domain.SubmissionIdle {
		t.Fatalf("expected idle after edit, got %s", view.Submission)
	}
}

func TestEngineSubmitPriceMismatchRevalidates(t *testing.T) {
	var validations atomic.Int64
	backend := pricingBackend(3300)
	inner := backend.validateFunc
	backend.validateFunc = func(ctx context.Context, userID string, draft domain.CheckoutDraft) (commerce.ValidateOutcome, error) {
		validations.Add(1)
		return inner(ctx, userID, draft)
	}
	backend.placeOrderFunc = func(context.Context, commerce.PlaceOrderCommand) (string, error) {
		return "", commerce.ErrPriceMismatch
	}
	fx := newEngineFixture(t, backend)
	draft := readyEngine(t, fx)

	before := validations.Load()
	result, err := fx.engine.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Failure == nil || result.Failure.Code != domain.FailurePriceMismatch {
		t.Fatalf("expected price_mismatch, got %+v", result.Failure)
	}

	if got := validations.Load(); got != before+1 {
		t.Fatalf("expected an immediate revalidation, calls %d -> %d", before, got)
	}
	if view := fx.engine.View(); view.Draft != draft {
		t.Fatal("price mismatch must not clear the draft")
	}
}

func TestEngineStartRestoresPersistedDraft(t *testing.T) {
	backend := pricingBackend(3300)
	fx := newEngineFixture(t, backend)

	saved := completeDraft()
	saved.Notes = "gift wrap"
	if err := fx.repo.Save(context.Background(), "user-1", saved); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fx.engine.Start(context.Background())

	view := fx.engine.View()
	if view.Draft != saved {
		t.Fatalf("expected restored draft, got %+v", view.Draft)
	}
	if !view.RestoredFromSave {
		t.Fatal("expected restore flag")
	}
}

func TestEngineMutatorsBlockedWhileSubmitting(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := pricingBackend(3300)
	backend.placeOrderFunc = func(context.Context, commerce.PlaceOrderCommand) (string, error) {
		close(started)
		<-release
		return "order-1", nil
	}
	fx := newEngineFixture(t, backend)
	readyEngine(t, fx)

	go func() {
		_, _ = fx.engine.Submit(context.Background())
	}()
	<-started

	if _, err := fx.engine.SetDiscountCode(context.Background(), "welcome10"); err != ErrSubmissionInFlight {
		t.Fatalf("expected ErrSubmissionInFlight, got %v", err)
	}
	if err := fx.engine.ClearDraft(context.Background()); err != ErrSubmissionInFlight {
		t.Fatalf("expected ErrSubmissionInFlight for clear, got %v", err)
	}
	close(release)
}

func TestEngineClearDraftDropsEverything(t *testing.T) {
	fx := newEngineFixture(t, pricingBackend(3300))
	readyEngine(t, fx)

	ctx := context.Background()
	if err := fx.engine.ClearDraft(ctx); err != nil {
		t.Fatalf("ClearDraft: %v", err)
	}

	view := fx.engine.View()
	if !view.Draft.Empty() {
		t.Fatalf("expected empty draft, got %+v", view.Draft)
	}
	if view.Pricing != nil {
		t.Fatal("expected snapshot cleared")
	}
	if _, found, err := fx.engine.drafts.Load(ctx, "user-1"); err != nil || found {
		t.Fatalf("expected persisted draft gone, found=%v err=%v", found, err)
	}
}
