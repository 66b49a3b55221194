package services

import (
	"sync"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// PricingSnapshotStore holds the single authoritative pricing snapshot for a
// checkout session. Replacement is atomic; readers never observe a snapshot
// mixing fields from two validation rounds.
type PricingSnapshotStore struct {
	mu       sync.RWMutex
	snapshot *domain.PricingSnapshot
}

// NewPricingSnapshotStore constructs an empty snapshot store.
func NewPricingSnapshotStore() *PricingSnapshotStore {
	return &PricingSnapshotStore{}
}

// Replace swaps the stored snapshot for the given one. A nil snapshot clears
// the store.
func (s *PricingSnapshotStore) Replace(snapshot *domain.PricingSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot == nil {
		s.snapshot = nil
		return
	}
	dup := *snapshot
	s.snapshot = &dup
}

// Clear drops the stored snapshot.
func (s *PricingSnapshotStore) Clear() {
	s.Replace(nil)
}

// Current returns a copy of the stored snapshot, or nil when none is held.
func (s *PricingSnapshotStore) Current() *domain.PricingSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil
	}
	dup := *s.snapshot
	return &dup
}

// FreshFor reports whether the stored snapshot was priced for exactly the
// given draft's selections.
func (s *PricingSnapshotStore) FreshFor(draft domain.CheckoutDraft) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot != nil && s.snapshot.FreshFor(draft)
}
