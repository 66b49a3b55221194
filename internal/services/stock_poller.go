package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

const (
	defaultStockPollInterval = 5 * time.Minute
	defaultStockCheckTimeout = 10 * time.Second
)

// StockPoller periodically reconciles cart line availability in a single bulk
// round trip. A failed poll keeps the last successful result; until the first
// poll succeeds availability is unknown and submission treats unknown as
// blocked.
type StockPoller struct {
	backend  CheckoutBackend
	userID   string
	interval time.Duration
	timeout  time.Duration
	logger   Logger
	now      func() time.Time

	mu        sync.Mutex
	issues    []domain.StockIssue
	known     bool
	checkedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// StockPollerConfig wires the dependencies of a StockPoller.
type StockPollerConfig struct {
	Backend  CheckoutBackend
	UserID   string
	Interval time.Duration
	Timeout  time.Duration
	Logger   Logger
	Clock    func() time.Time
}

// NewStockPoller constructs a poller validating required dependencies. The
// poller is inert until Start is called.
func NewStockPoller(cfg StockPollerConfig) (*StockPoller, error) {
	if cfg.Backend == nil {
		return nil, errors.New("stock poller: backend is required")
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errors.New("stock poller: user id is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultStockPollInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStockCheckTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &StockPoller{
		backend:  cfg.Backend,
		userID:   userID,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      utcClock(cfg.Clock),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start runs an eager check and then polls on the configured interval until
// Stop is called.
func (p *StockPoller) Start(ctx context.Context) {
	// The mounting request may finish before the eager check runs; keep its
	// values for logging but drop its cancellation.
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := p.CheckNow(ctx); err != nil {
			p.logger(ctx, "checkout.stock.initial_check_failed", map[string]any{"error": err.Error()})
		}

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				if err := p.CheckNow(ctx); err != nil {
					p.logger(ctx, "checkout.stock.poll_failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()
}

// CheckNow fetches the cart and reconciles availability for all lines in one
// bulk call. On failure the previous result is retained.
func (p *StockPoller) CheckNow(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cart, err := p.backend.GetCart(callCtx, p.userID)
	if err != nil {
		return err
	}
	if len(cart.Items) == 0 {
		p.mu.Lock()
		p.issues = nil
		p.known = true
		p.checkedAt = p.now()
		p.mu.Unlock()
		return nil
	}

	report, err := p.backend.CheckStockBulk(callCtx, cart.Items)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.issues = report.Issues
	p.known = true
	p.checkedAt = p.now()
	p.mu.Unlock()

	if len(report.Issues) > 0 {
		p.logger(ctx, "checkout.stock.issues_found", map[string]any{
			"count": len(report.Issues),
		})
	}
	return nil
}

// BlockingIssues returns the issues from the last successful check and
// whether any check has succeeded yet.
func (p *StockPoller) BlockingIssues() ([]domain.StockIssue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.known {
		return nil, false
	}
	issues := make([]domain.StockIssue, len(p.issues))
	copy(issues, p.issues)
	return issues, true
}

// LastCheckedAt reports when the last successful check completed.
func (p *StockPoller) LastCheckedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkedAt
}

// Stop halts background polling.
func (p *StockPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
