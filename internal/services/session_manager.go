package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/hanko-field/checkout/internal/events"
)

const (
	defaultSessionIdleTTL       = 30 * time.Minute
	defaultSessionSweepInterval = 5 * time.Minute
)

// SessionManager owns one Engine per signed-in user and expires idle ones.
// A login with a newer auth time replaces the previous session's engine.
type SessionManager struct {
	backend   CheckoutBackend
	drafts    *DraftStore
	merges    *MergeReconciler
	publisher events.OrderPlacedPublisher
	verifier  paymentMethodVerifier

	quiet        time.Duration
	valTimeout   time.Duration
	pollInterval time.Duration
	stockTimeout time.Duration
	idleTTL      time.Duration
	logger       Logger
	clock        func() time.Time
	now          func() time.Time
	meter        metric.Meter

	mu       sync.Mutex
	sessions map[string]*session

	stopOnce sync.Once
	stopCh   chan struct{}
}

type session struct {
	engine   *Engine
	authTime int64
}

// SessionManagerConfig wires the dependencies shared by all engines.
type SessionManagerConfig struct {
	Backend CheckoutBackend
	Drafts  *DraftStore
	Merges  *MergeReconciler
	// Publisher receives order-placed events; optional.
	Publisher events.OrderPlacedPublisher
	// Verifier decorates payment method selection; optional.
	Verifier paymentMethodVerifier

	ValidationQuietPeriod time.Duration
	ValidationTimeout     time.Duration
	StockPollInterval     time.Duration
	StockCheckTimeout     time.Duration
	// IdleTTL is how long a session may sit untouched before Sweep closes it.
	IdleTTL time.Duration

	Logger Logger
	Clock  func() time.Time
	Meter  metric.Meter
}

// NewSessionManager constructs a manager validating required dependencies.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session manager: backend is required")
	}
	if cfg.Drafts == nil {
		return nil, errors.New("session manager: draft store is required")
	}
	if cfg.Merges == nil {
		return nil, errors.New("session manager: merge reconciler is required")
	}

	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultSessionIdleTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &SessionManager{
		backend:      cfg.Backend,
		drafts:       cfg.Drafts,
		merges:       cfg.Merges,
		publisher:    cfg.Publisher,
		verifier:     cfg.Verifier,
		quiet:        cfg.ValidationQuietPeriod,
		valTimeout:   cfg.ValidationTimeout,
		pollInterval: cfg.StockPollInterval,
		stockTimeout: cfg.StockCheckTimeout,
		idleTTL:      idleTTL,
		logger:       logger,
		clock:        cfg.Clock,
		now:          utcClock(cfg.Clock),
		meter:        cfg.Meter,
		sessions:     make(map[string]*session),
		stopCh:       make(chan struct{}),
	}, nil
}

// Acquire returns the engine for the user's current login session, creating
// and starting one on first use. The guest cart ID, when present, registers a
// pending merge for this login.
func (m *SessionManager) Acquire(ctx context.Context, userID string, authTime int64, guestCartID string) (*Engine, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("session manager: user id is required")
	}

	m.mu.Lock()
	existing, ok := m.sessions[uid]
	if ok && existing.authTime == authTime {
		existing.engine.Touch()
		m.mu.Unlock()
		return existing.engine, nil
	}
	m.mu.Unlock()

	// A different auth time means a fresh login; the old engine is retired.
	if ok {
		existing.engine.Close(ctx)
	}

	m.merges.RegisterLogin(uid, authTime, guestCartID)

	engine, err := NewEngine(EngineConfig{
		Backend:               m.backend,
		Drafts:                m.drafts,
		Merges:                m.merges,
		Publisher:             m.publisher,
		Verifier:              m.verifier,
		UserID:                uid,
		AuthTime:              authTime,
		ValidationQuietPeriod: m.quiet,
		ValidationTimeout:     m.valTimeout,
		StockPollInterval:     m.pollInterval,
		StockCheckTimeout:     m.stockTimeout,
		Logger:                m.logger,
		Clock:                 m.clock,
		Meter:                 m.meter,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Another request may have raced us; first stored engine wins.
	if current, ok := m.sessions[uid]; ok && current.authTime == authTime {
		m.mu.Unlock()
		current.engine.Touch()
		engine.poller.Stop()
		engine.scheduler.Stop()
		return current.engine, nil
	}
	m.sessions[uid] = &session{engine: engine, authTime: authTime}
	m.mu.Unlock()

	engine.Start(ctx)
	m.logger(ctx, "checkout.session.started", map[string]any{"userId": uid})
	return engine, nil
}

// Sweep closes sessions idle longer than the TTL and returns how many closed.
func (m *SessionManager) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	var expired []*session
	for uid, sess := range m.sessions {
		if sess.engine.LastSeen().Before(cutoff) {
			expired = append(expired, sess)
			delete(m.sessions, uid)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		sess.engine.Close(ctx)
	}
	if len(expired) > 0 {
		m.logger(ctx, "checkout.session.swept", map[string]any{"count": len(expired)})
	}
	return len(expired)
}

// StartSweeping runs Sweep on the given interval until Close is called.
func (m *SessionManager) StartSweeping(interval time.Duration) {
	if interval <= 0 {
		interval = defaultSessionSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sweep(context.Background())
			}
		}
	}()
}

// RegisterGuestCart records a guest cart against an already established login
// so the next backend interaction merges it. Registration is first-wins per
// login; a cart registered at session start is not replaced.
func (m *SessionManager) RegisterGuestCart(userID string, authTime int64, guestCartID string) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return
	}
	m.merges.RegisterLogin(uid, authTime, guestCartID)
}

// ActiveSessions reports how many engines are currently live.
func (m *SessionManager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops sweeping and closes every engine, flushing pending drafts.
func (m *SessionManager) Close(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.engine.Close(ctx)
	}
}
