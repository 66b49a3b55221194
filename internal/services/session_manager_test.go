package services

import (
	"context"
	"testing"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

func newTestSessionManager(t *testing.T, backend CheckoutBackend, idleTTL time.Duration, clock func() time.Time) *SessionManager {
	t.Helper()
	drafts, err := NewDraftStore(DraftStoreConfig{Repository: memory.NewDraftRepository(), Throttle: time.Hour})
	if err != nil {
		t.Fatalf("NewDraftStore: %v", err)
	}
	merges, err := NewMergeReconciler(backend, nil)
	if err != nil {
		t.Fatalf("NewMergeReconciler: %v", err)
	}
	manager, err := NewSessionManager(SessionManagerConfig{
		Backend:               backend,
		Drafts:                drafts,
		Merges:                merges,
		ValidationQuietPeriod: time.Hour,
		StockPollInterval:     time.Hour,
		IdleTTL:               idleTTL,
		Clock:                 clock,
	})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	t.Cleanup(func() { manager.Close(context.Background()) })
	return manager
}

func TestSessionManagerReusesEngineForSameLogin(t *testing.T) {
	manager := newTestSessionManager(t, pricingBackend(3300), time.Hour, nil)

	ctx := context.Background()
	first, err := manager.Acquire(ctx, "user-1", 100, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := manager.Acquire(ctx, "user-1", 100, "")
	if err != nil {
		t.Fatalf("Acquire again: %v", err)
	}
	if first != second {
		t.Fatal("expected the same engine for the same login session")
	}
	if manager.ActiveSessions() != 1 {
		t.Fatalf("expected 1 active session, got %d", manager.ActiveSessions())
	}
}

func TestSessionManagerNewLoginReplacesEngine(t *testing.T) {
	manager := newTestSessionManager(t, pricingBackend(3300), time.Hour, nil)

	ctx := context.Background()
	first, err := manager.Acquire(ctx, "user-1", 100, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := manager.Acquire(ctx, "user-1", 200, "")
	if err != nil {
		t.Fatalf("Acquire new login: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh engine for a fresh login")
	}
	if manager.ActiveSessions() != 1 {
		t.Fatalf("expected 1 active session, got %d", manager.ActiveSessions())
	}
}

func TestSessionManagerSweepExpiresIdleSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	manager := newTestSessionManager(t, pricingBackend(3300), 10*time.Minute, clock)

	ctx := context.Background()
	if _, err := manager.Acquire(ctx, "user-1", 100, ""); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := manager.Acquire(ctx, "user-2", 100, ""); err != nil {
		t.Fatalf("Acquire user-2: %v", err)
	}

	if swept := manager.Sweep(ctx); swept != 0 {
		t.Fatalf("expected nothing to expire yet, swept %d", swept)
	}

	now = now.Add(11 * time.Minute)
	engine, err := manager.Acquire(ctx, "user-2", 100, "")
	if err != nil {
		t.Fatalf("Acquire refresh: %v", err)
	}
	engine.Touch()

	if swept := manager.Sweep(ctx); swept != 1 {
		t.Fatalf("expected exactly the idle session swept, got %d", swept)
	}
	if manager.ActiveSessions() != 1 {
		t.Fatalf("expected 1 surviving session, got %d", manager.ActiveSessions())
	}
}

func TestSessionManagerAcquireRegistersGuestCartMerge(t *testing.T) {
	var merges int
	backend := pricingBackend(3300)
	backend.mergeFunc = func(_ context.Context, userID, guestCartID string) (domain.Cart, error) {
		merges++
		if guestCartID != "guest-5" {
			t.Fatalf("unexpected guest cart %s", guestCartID)
		}
		return testCart(), nil
	}
	manager := newTestSessionManager(t, backend, time.Hour, nil)

	ctx := context.Background()
	engine, err := manager.Acquire(ctx, "user-1", 100, "guest-5")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := engine.Cart(ctx); err != nil {
		t.Fatalf("Cart: %v", err)
	}
	if merges != 1 {
		t.Fatalf("expected one merge, got %d", merges)
	}
}
