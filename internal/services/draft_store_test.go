package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

// recordingDraftRepository wraps the in-memory repository counting saves.
type recordingDraftRepository struct {
	*memory.DraftRepository
	mu      sync.Mutex
	saves   []domain.CheckoutDraft
	saveErr error
	saved   chan struct{}
}

func newRecordingDraftRepository() *recordingDraftRepository {
	return &recordingDraftRepository{
		DraftRepository: memory.NewDraftRepository(),
		saved:           make(chan struct{}, 16),
	}
}

func (r *recordingDraftRepository) Save(ctx context.Context, userID string, draft domain.CheckoutDraft) error {
	r.mu.Lock()
	err := r.saveErr
	if err == nil {
		r.saves = append(r.saves, draft)
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := r.DraftRepository.Save(ctx, userID, draft); err != nil {
		return err
	}
	r.saved <- struct{}{}
	return nil
}

func (r *recordingDraftRepository) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func TestDraftStoreCoalescesWritesInThrottleWindow(t *testing.T) {
	repo := newRecordingDraftRepository()
	store, err := NewDraftStore(DraftStoreConfig{Repository: repo, Throttle: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewDraftStore: %v", err)
	}

	draft := completeDraft()
	for _, method := range []string{"ship-a", "ship-b", "ship-standard"} {
		draft.ShippingMethodID = method
		store.Queue("user-1", draft)
	}

	select {
	case <-repo.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("trailing write never landed")
	}

	if got := repo.saveCount(); got != 1 {
		t.Fatalf("expected 1 coalesced write, got %d", got)
	}

	loaded, found, err := store.Load(context.Background(), "user-1")
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if loaded.ShippingMethodID != "ship-standard" {
		t.Fatalf("expected latest draft persisted, got %s", loaded.ShippingMethodID)
	}
}

func TestDraftStoreFlushWritesImmediately(t *testing.T) {
	repo := newRecordingDraftRepository()
	store, err := NewDraftStore(DraftStoreConfig{Repository: repo, Throttle: time.Hour})
	if err != nil {
		t.Fatalf("NewDraftStore: %v", err)
	}

	store.Queue("user-1", completeDraft())
	if err := store.Flush(context.Background(), "user-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := repo.saveCount(); got != 1 {
		t.Fatalf("expected 1 write after flush, got %d", got)
	}

	// Nothing pending; flushing again is a no-op.
	if err := store.Flush(context.Background(), "user-1"); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if got := repo.saveCount(); got != 1 {
		t.Fatalf("expected no extra write, got %d", got)
	}
}

func TestDraftStoreClearCancelsPendingWrite(t *testing.T) {
	repo := newRecordingDraftRepository()
	store, err := NewDraftStore(DraftStoreConfig{Repository: repo, Throttle: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewDraftStore: %v", err)
	}

	if err := repo.DraftRepository.Save(context.Background(), "user-1", completeDraft()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store.Queue("user-1", completeDraft())
	if err := store.Clear(context.Background(), "user-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if got := repo.saveCount(); got != 0 {
		t.Fatalf("expected pending write cancelled, got %d writes", got)
	}
	if _, found, err := store.Load(context.Background(), "user-1"); err != nil || found {
		t.Fatalf("expected draft gone, found=%v err=%v", found, err)
	}
}

func TestDraftStoreSaveFailureIsSwallowed(t *testing.T) {
	repo := newRecordingDraftRepository()
	repo.saveErr = errors.New("firestore down")

	var mu sync.Mutex
	var events []string
	store, err := NewDraftStore(DraftStoreConfig{
		Repository: repo,
		Throttle:   10 * time.Millisecond,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewDraftStore: %v", err)
	}

	store.Queue("user-1", completeDraft())

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected a save_failed event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if events[0] != "checkout.draft.save_failed" {
		t.Fatalf("unexpected event %s", events[0])
	}
}

func TestDraftStoreLoadMissingDraft(t *testing.T) {
	store, err := NewDraftStore(DraftStoreConfig{Repository: memory.NewDraftRepository()})
	if err != nil {
		t.Fatalf("NewDraftStore: %v", err)
	}

	draft, found, err := store.Load(context.Background(), "user-unknown")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Fatal("expected no draft")
	}
	if !draft.Empty() {
		t.Fatalf("expected empty draft, got %+v", draft)
	}
}
