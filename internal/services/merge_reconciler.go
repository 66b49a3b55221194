package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// MergeReconciler folds a guest cart into the authenticated cart once per
// login session. The backend is idempotent on the guest cart key, so a retry
// after an ambiguous failure can never double the quantities. Failures are
// non-fatal; the next cart view retries lazily.
type MergeReconciler struct {
	backend CheckoutBackend
	logger  Logger

	mu       sync.Mutex
	sessions map[string]*mergeRecord
}

type mergeRecord struct {
	guestCartID string
	merged      bool
}

// NewMergeReconciler constructs a reconciler validating required dependencies.
func NewMergeReconciler(backend CheckoutBackend, logger Logger) (*MergeReconciler, error) {
	if backend == nil {
		return nil, errors.New("merge reconciler: backend is required")
	}
	if logger == nil {
		logger = noopLogger
	}
	return &MergeReconciler{
		backend:  backend,
		logger:   logger,
		sessions: make(map[string]*mergeRecord),
	}, nil
}

// RegisterLogin records that a login session carried a guest cart to merge.
// A blank guest cart ID marks the session as having nothing to merge.
func (m *MergeReconciler) RegisterLogin(userID string, authTime int64, guestCartID string) {
	key := sessionKey(userID, authTime)
	guestCartID = strings.TrimSpace(guestCartID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[key]; ok {
		// A login that already carries a cart keeps it. Only a session that
		// registered with nothing to merge accepts a late-arriving cart.
		if existing.guestCartID != "" || guestCartID == "" {
			return
		}
	}
	m.sessions[key] = &mergeRecord{
		guestCartID: guestCartID,
		merged:      guestCartID == "",
	}
}

// EnsureMerged performs the pending merge for the login session, if any. It
// returns the merged cart when a merge ran, or nil when nothing was pending.
// A failed merge stays pending so the next call retries.
func (m *MergeReconciler) EnsureMerged(ctx context.Context, userID string, authTime int64) (*domain.Cart, error) {
	key := sessionKey(userID, authTime)

	m.mu.Lock()
	record, ok := m.sessions[key]
	if !ok || record.merged {
		m.mu.Unlock()
		return nil, nil
	}
	guestCartID := record.guestCartID
	m.mu.Unlock()

	cart, err := m.backend.MergeGuestCart(ctx, userID, guestCartID)
	if err != nil {
		m.logger(ctx, "checkout.merge.failed", map[string]any{
			"userId":      userID,
			"guestCartId": guestCartID,
			"error":       err.Error(),
		})
		return nil, fmt.Errorf("merge guest cart %s: %w", guestCartID, err)
	}

	m.mu.Lock()
	record.merged = true
	m.mu.Unlock()

	m.logger(ctx, "checkout.merge.succeeded", map[string]any{
		"userId":      userID,
		"guestCartId": guestCartID,
	})
	return &cart, nil
}

// Forget drops state for a login session, typically when the session expires.
func (m *MergeReconciler) Forget(userID string, authTime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey(userID, authTime))
}

func sessionKey(userID string, authTime int64) string {
	return fmt.Sprintf("%s@%d", strings.TrimSpace(userID), authTime)
}
