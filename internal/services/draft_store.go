package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	defaultDraftSaveThrottle = 2 * time.Second
	draftPersistTimeout      = 5 * time.Second
)

// DraftStore persists checkout drafts with write-behind throttling. Edits
// during the throttle window coalesce into a single trailing write carrying
// the latest draft. Persistence is best effort: failures are logged and the
// session continues on its in-memory state.
type DraftStore struct {
	repo     repositories.DraftRepository
	throttle time.Duration
	logger   Logger

	mu      sync.Mutex
	entries map[string]*draftEntry
	closed  bool
}

type draftEntry struct {
	draft domain.CheckoutDraft
	timer *time.Timer
}

// DraftStoreConfig wires the dependencies of a DraftStore.
type DraftStoreConfig struct {
	Repository repositories.DraftRepository
	Throttle   time.Duration
	Logger     Logger
}

// NewDraftStore constructs a draft store validating required dependencies.
func NewDraftStore(cfg DraftStoreConfig) (*DraftStore, error) {
	if cfg.Repository == nil {
		return nil, errors.New("draft store: repository is required")
	}
	throttle := cfg.Throttle
	if throttle <= 0 {
		throttle = defaultDraftSaveThrottle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &DraftStore{
		repo:     cfg.Repository,
		throttle: throttle,
		logger:   logger,
		entries:  make(map[string]*draftEntry),
	}, nil
}

// Load fetches the persisted draft for the user. A missing draft returns an
// empty draft and false without error; other failures are reported.
func (d *DraftStore) Load(ctx context.Context, userID string) (domain.CheckoutDraft, bool, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CheckoutDraft{}, false, errors.New("draft store: user id is required")
	}

	draft, err := d.repo.Load(ctx, uid)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.CheckoutDraft{}, false, nil
		}
		return domain.CheckoutDraft{}, false, err
	}
	return draft, true, nil
}

// Queue records the latest draft and arms a trailing write if one is not
// already pending. At most one write lands per throttle window.
func (d *DraftStore) Queue(userID string, draft domain.CheckoutDraft) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	entry, ok := d.entries[uid]
	if !ok {
		entry = &draftEntry{}
		d.entries[uid] = entry
	}
	entry.draft = draft
	if entry.timer == nil {
		entry.timer = time.AfterFunc(d.throttle, func() { d.persist(uid) })
	}
}

// Flush writes any pending draft for the user immediately.
func (d *DraftStore) Flush(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("draft store: user id is required")
	}

	d.mu.Lock()
	entry, ok := d.entries[uid]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	draft := entry.draft
	delete(d.entries, uid)
	d.mu.Unlock()

	return d.repo.Save(ctx, uid, draft)
}

// Clear drops any pending write and deletes the persisted draft.
func (d *DraftStore) Clear(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("draft store: user id is required")
	}

	d.mu.Lock()
	if entry, ok := d.entries[uid]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.entries, uid)
	}
	d.mu.Unlock()

	return d.repo.Clear(ctx, uid)
}

// Close flushes all pending drafts and stops accepting new writes.
func (d *DraftStore) Close(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	pending := make(map[string]domain.CheckoutDraft, len(d.entries))
	for uid, entry := range d.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		pending[uid] = entry.draft
	}
	d.entries = make(map[string]*draftEntry)
	d.mu.Unlock()

	for uid, draft := range pending {
		if err := d.repo.Save(ctx, uid, draft); err != nil {
			d.logger(ctx, "checkout.draft.flush_failed", map[string]any{
				"userId": uid,
				"error":  err.Error(),
			})
		}
	}
}

func (d *DraftStore) persist(userID string) {
	d.mu.Lock()
	entry, ok := d.entries[userID]
	if !ok {
		d.mu.Unlock()
		return
	}
	draft := entry.draft
	delete(d.entries, userID)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), draftPersistTimeout)
	defer cancel()
	if err := d.repo.Save(ctx, userID, draft); err != nil {
		d.logger(ctx, "checkout.draft.save_failed", map[string]any{
			"userId": userID,
			"error":  err.Error(),
		})
	}
}
