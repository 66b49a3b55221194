package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/checkout/internal/domain"
)

var (
	// ErrBackendUnavailable indicates the commerce backend could not be reached
	// or did not answer within the request timeout.
	ErrBackendUnavailable = errors.New("commerce: backend unavailable")
	// ErrPriceMismatch signals the backend's authoritative total differed from
	// the frontendCalculatedTotal submitted with the order.
	ErrPriceMismatch = errors.New("commerce: price mismatch")
	// ErrPaymentDeclined signals the payment gateway rejected the charge.
	ErrPaymentDeclined = errors.New("commerce: payment declined")
	// ErrStockUnavailable signals the backend found line items unavailable at order placement.
	ErrStockUnavailable = errors.New("commerce: stock unavailable")
	// ErrValidationRejected signals the backend refused the selection combination at order placement.
	ErrValidationRejected = errors.New("commerce: validation rejected")
	// ErrCartNotFound indicates no cart exists for the user.
	ErrCartNotFound = errors.New("commerce: cart not found")
)

var tracer = otel.Tracer("github.com/hanko-field/checkout/internal/commerce")

// Logger defines the logging contract for commerce client operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// ValidateOutcome is the backend's verdict on a checkout draft.
type ValidateOutcome struct {
	CanProceed bool
	Errors     []string
	Warnings   []domain.ValidationWarning
	Pricing    *domain.PricingSnapshot
}

// StockReport is the result of a bulk availability check.
type StockReport struct {
	AllAvailable bool
	Issues       []domain.StockIssue
	CheckedAt    time.Time
}

// PlaceOrderCommand carries everything the backend needs to place an order.
type PlaceOrderCommand struct {
	UserID                  string
	Draft                   domain.CheckoutDraft
	FrontendCalculatedTotal int64
	Currency                string
	IdempotencyKey          string
}

// ClientConfig configures the commerce backend client.
type ClientConfig struct {
	BaseURL        string
	ServiceToken   string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         Logger
	Clock          func() time.Time
}

// Client talks to the commerce backend that owns carts, pricing, stock, and orders.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	timeout    time.Duration
	logger     Logger
	clock      func() time.Time
}

// NewClient constructs a commerce Client from the given configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("commerce client: base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("commerce client: invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("commerce client: base url must be absolute")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Client{
		baseURL:    parsed,
		token:      strings.TrimSpace(cfg.ServiceToken),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

type validateRequest struct {
	AddressID        string `json:"addressId"`
	ShippingMethodID string `json:"shippingMethodId"`
	PaymentMethodID  string `json:"paymentMethodId"`
	DiscountCode     string `json:"discountCode,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

type pricingPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping struct {
		MethodID   string `json:"methodId"`
		MethodName string `json:"methodName"`
		Cost       int64  `json:"cost"`
	} `json:"shipping"`
	Tax struct {
		Rate         float64 `json:"rate"`
		Amount       int64   `json:"amount"`
		Jurisdiction string  `json:"jurisdiction"`
	} `json:"tax"`
	Discount *struct {
		Code   string `json:"code"`
		Type   string `json:"type"`
		Value  int64  `json:"value"`
		Amount int64  `json:"amount"`
	} `json:"discount"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

type validateResponse struct {
	CanProceed bool     `json:"canProceed"`
	Errors     []string `json:"errors"`
	Warnings   []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"warnings"`
	Pricing *pricingPayload `json:"pricing"`
}

// ValidateCheckout asks the backend to validate and price the draft selections.
func (c *Client) ValidateCheckout(ctx context.Context, userID string, draft domain.CheckoutDraft) (ValidateOutcome, error) {
	payload := validateRequest{
		AddressID:        draft.ShippingAddressID,
		ShippingMethodID: draft.ShippingMethodID,
		PaymentMethodID:  draft.PaymentMethodID,
		DiscountCode:     draft.DiscountCode,
		Notes:            draft.Notes,
	}

	var resp validateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/validate", actingUserHeader(userID), payload, &resp); err != nil {
		return ValidateOutcome{}, err
	}

	outcome := ValidateOutcome{
		CanProceed: resp.CanProceed,
		Errors:     resp.Errors,
	}
	for _, w := range resp.Warnings {
		outcome.Warnings = append(outcome.Warnings, domain.ValidationWarning{Type: w.Type, Message: w.Message})
	}
	if resp.Pricing != nil {
		snapshot := c.decodePricing(*resp.Pricing)
		snapshot.Fingerprint = draft.Fingerprint()
		outcome.Pricing = &snapshot
	}
	return outcome, nil
}

func (c *Client) decodePricing(p pricingPayload) domain.PricingSnapshot {
	snapshot := domain.PricingSnapshot{
		Subtotal: p.Subtotal,
		Shipping: domain.ShippingBreakdown{
			MethodID:   p.Shipping.MethodID,
			MethodName: p.Shipping.MethodName,
			Cost:       p.Shipping.Cost,
		},
		Tax: domain.TaxBreakdown{
			Rate:         p.Tax.Rate,
			Amount:       p.Tax.Amount,
			Jurisdiction: p.Tax.Jurisdiction,
		},
		Total:      p.Total,
		Currency:   p.Currency,
		ComputedAt: c.clock(),
	}
	if p.Discount != nil {
		snapshot.Discount = &domain.DiscountBreakdown{
			Code:   p.Discount.Code,
			Type:   p.Discount.Type,
			Value:  p.Discount.Value,
			Amount: p.Discount.Amount,
		}
	}
	return snapshot
}

type placeOrderRequest struct {
	AddressID               string `json:"addressId"`
	ShippingMethodID        string `json:"shippingMethodId"`
	PaymentMethodID         string `json:"paymentMethodId"`
	DiscountCode            string `json:"discountCode,omitempty"`
	Notes                   string `json:"notes,omitempty"`
	FrontendCalculatedTotal int64  `json:"frontendCalculatedTotal"`
	Currency                string `json:"currency,omitempty"`
}

type placeOrderResponse struct {
	OrderID string `json:"orderId"`
}

// PlaceOrder submits the order. The frontendCalculatedTotal is cross-checked by
// the backend against its own authoritative recomputation.
func (c *Client) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (string, error) {
	payload := placeOrderRequest{
		AddressID:               cmd.Draft.ShippingAddressID,
		ShippingMethodID:        cmd.Draft.ShippingMethodID,
		PaymentMethodID:         cmd.Draft.PaymentMethodID,
		DiscountCode:            cmd.Draft.DiscountCode,
		Notes:                   cmd.Draft.Notes,
		FrontendCalculatedTotal: cmd.FrontendCalculatedTotal,
		Currency:                cmd.Currency,
	}

	headers := http.Header{}
	if cmd.UserID != "" {
		headers.Set("X-Acting-User", cmd.UserID)
	}
	if key := strings.TrimSpace(cmd.IdempotencyKey); key != "" {
		headers.Set("Idempotency-Key", key)
	}

	var resp placeOrderResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orders", headers, payload, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.OrderID) == "" {
		return "", fmt.Errorf("commerce: place order returned empty order id")
	}
	return resp.OrderID, nil
}

type stockCheckRequest struct {
	Items []stockCheckItem `json:"items"`
}

type stockCheckItem struct {
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
}

type stockCheckResponse struct {
	AllAvailable bool `json:"allAvailable"`
	Items        []struct {
		VariantID    string `json:"variantId"`
		Available    bool   `json:"available"`
		CurrentStock int    `json:"currentStock"`
		Message      string `json:"message"`
	} `json:"items"`
}

// CheckStockBulk checks availability for all line items in a single round trip.
func (c *Client) CheckStockBulk(ctx context.Context, items []domain.LineItem) (StockReport, error) {
	payload := stockCheckRequest{Items: make([]stockCheckItem, 0, len(items))}
	byVariant := make(map[string]domain.LineItem, len(items))
	for _, item := range items {
		payload.Items = append(payload.Items, stockCheckItem{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
		byVariant[item.VariantID] = item
	}

	var resp stockCheckResponse
	if err := c.do(ctx, http.MethodPost, "/v1/stock/check", nil, payload, &resp); err != nil {
		return StockReport{}, err
	}

	report := StockReport{
		AllAvailable: resp.AllAvailable,
		CheckedAt:    c.clock(),
	}
	for _, item := range resp.Items {
		if item.Available {
			continue
		}
		issue := domain.StockIssue{
			VariantID:         item.VariantID,
			AvailableQuantity: item.CurrentStock,
			Message:           item.Message,
		}
		if line, ok := byVariant[item.VariantID]; ok {
			issue.LineItemID = line.ID
			issue.RequestedQuantity = line.Quantity
		}
		report.Issues = append(report.Issues, issue)
	}
	return report, nil
}

type cartPayload struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Currency string `json:"currency"`
	Items    []struct {
		ID        string `json:"id"`
		VariantID string `json:"variantId"`
		SKU       string `json:"sku"`
		Name      string `json:"name"`
		Quantity  int    `json:"quantity"`
		UnitPrice int64  `json:"unitPrice"`
	} `json:"items"`
	Subtotal  int64     `json:"subtotal"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func decodeCart(p cartPayload) domain.Cart {
	cart := domain.Cart{
		ID:        p.ID,
		UserID:    p.UserID,
		Currency:  p.Currency,
		Subtotal:  p.Subtotal,
		UpdatedAt: p.UpdatedAt,
	}
	for _, item := range p.Items {
		cart.Items = append(cart.Items, domain.LineItem{
			ID:        item.ID,
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return cart
}

// GetCart fetches the user's current cart.
func (c *Client) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	var resp cartPayload
	headers := actingUserHeader(userID)
	if err := c.do(ctx, http.MethodGet, "/v1/cart", headers, nil, &resp); err != nil {
		return domain.Cart{}, err
	}
	return decodeCart(resp), nil
}

type mergeGuestCartRequest struct {
	GuestCartID string `json:"guestCartId"`
}

// MergeGuestCart folds the anonymous cart into the authenticated user's cart.
// The backend is idempotent on the guest cart identifier.
func (c *Client) MergeGuestCart(ctx context.Context, userID, guestCartID string) (domain.Cart, error) {
	var resp cartPayload
	headers := actingUserHeader(userID)
	payload := mergeGuestCartRequest{GuestCartID: strings.TrimSpace(guestCartID)}
	if err := c.do(ctx, http.MethodPost, "/v1/cart/merge", headers, payload, &resp); err != nil {
		return domain.Cart{}, err
	}
	return decodeCart(resp), nil
}

type addressPayload struct {
	ID         string `json:"id"`
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	IsDefault  bool   `json:"isDefault"`
}

// ListAddresses fetches the user's address book entries.
func (c *Client) ListAddresses(ctx context.Context, userID string) ([]domain.AddressSummary, error) {
	var resp struct {
		Addresses []addressPayload `json:"addresses"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/addresses", actingUserHeader(userID), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.AddressSummary, 0, len(resp.Addresses))
	for _, a := range resp.Addresses {
		out = append(out, domain.AddressSummary{
			ID:         a.ID,
			Recipient:  a.Recipient,
			Line1:      a.Line1,
			Line2:      a.Line2,
			City:       a.City,
			PostalCode: a.PostalCode,
			Country:    a.Country,
			IsDefault:  a.IsDefault,
		})
	}
	return out, nil
}

type shippingMethodPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Carrier     string `json:"carrier"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	EtaDaysMin  int    `json:"etaDaysMin"`
	EtaDaysMax  int    `json:"etaDaysMax"`
	IsAvailable bool   `json:"isAvailable"`
}

// ListShippingMethods fetches the shipping rates available for the address.
func (c *Client) ListShippingMethods(ctx context.Context, userID, addressID string) ([]domain.ShippingMethodSummary, error) {
	query := url.Values{}
	if trimmed := strings.TrimSpace(addressID); trimmed != "" {
		query.Set("addressId", trimmed)
	}
	path := "/v1/shipping-methods"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp struct {
		Methods []shippingMethodPayload `json:"methods"`
	}
	if err := c.do(ctx, http.MethodGet, path, actingUserHeader(userID), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.ShippingMethodSummary, 0, len(resp.Methods))
	for _, m := range resp.Methods {
		out = append(out, domain.ShippingMethodSummary{
			ID:          m.ID,
			Name:        m.Name,
			Carrier:     m.Carrier,
			Amount:      m.Amount,
			Currency:    m.Currency,
			EtaDaysMin:  m.EtaDaysMin,
			EtaDaysMax:  m.EtaDaysMax,
			IsAvailable: m.IsAvailable,
		})
	}
	return out, nil
}

type paymentMethodPayload struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Brand     string `json:"brand"`
	Last4     string `json:"last4"`
	ExpMonth  int    `json:"expMonth"`
	ExpYear   int    `json:"expYear"`
	IsDefault bool   `json:"isDefault"`
}

// ListPaymentMethods fetches the user's vaulted payment instruments.
func (c *Client) ListPaymentMethods(ctx context.Context, userID string) ([]domain.PaymentMethodSummary, error) {
	var resp struct {
		PaymentMethods []paymentMethodPayload `json:"paymentMethods"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/payment-methods", actingUserHeader(userID), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.PaymentMethodSummary, 0, len(resp.PaymentMethods))
	for _, pm := range resp.PaymentMethods {
		out = append(out, domain.PaymentMethodSummary{
			ID:        pm.ID,
			Provider:  pm.Provider,
			Brand:     pm.Brand,
			Last4:     pm.Last4,
			ExpMonth:  pm.ExpMonth,
			ExpYear:   pm.ExpYear,
			IsDefault: pm.IsDefault,
		})
	}
	return out, nil
}

// Ping checks backend reachability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil, nil)
}

func actingUserHeader(userID string) http.Header {
	headers := http.Header{}
	if trimmed := strings.TrimSpace(userID); trimmed != "" {
		headers.Set("X-Acting-User", trimmed)
	}
	return headers
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, headers http.Header, payload, out any) error {
	if c == nil || c.httpClient == nil {
		return errors.New("commerce client: not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, fmt.Sprintf("commerce %s %s", method, path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			span.SetStatus(codes.Error, "encode request")
			return fmt.Errorf("commerce: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resolved := *c.baseURL
	pathOnly, rawQuery, _ := strings.Cut(path, "?")
	resolved.Path = strings.TrimSuffix(c.baseURL.Path, "/") + pathOnly
	resolved.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), body)
	if err != nil {
		span.SetStatus(codes.Error, "build request")
		return fmt.Errorf("commerce: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	start := c.clock()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "transport failure")
		c.logger(ctx, "commerce.request_failed", map[string]any{
			"method":  method,
			"path":    path,
			"error":   err.Error(),
			"latency": c.clock().Sub(start).String(),
		})
		return fmt.Errorf("%w: %s %s: %v", ErrBackendUnavailable, method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return c.decodeError(ctx, method, path, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.SetStatus(codes.Error, "decode response")
		return fmt.Errorf("commerce: decode response from %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) decodeError(ctx context.Context, method, path string, resp *http.Response) error {
	var envelope errorEnvelope
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(data, &envelope)

	code := strings.ToLower(strings.TrimSpace(envelope.Error))
	message := strings.TrimSpace(envelope.Message)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	c.logger(ctx, "commerce.request_rejected", map[string]any{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
		"code":   code,
	})

	switch code {
	case "price_mismatch":
		return fmt.Errorf("%w: %s", ErrPriceMismatch, message)
	case "payment_declined":
		return fmt.Errorf("%w: %s", ErrPaymentDeclined, message)
	case "stock_unavailable":
		return fmt.Errorf("%w: %s", ErrStockUnavailable, message)
	case "validation_failed":
		return fmt.Errorf("%w: %s", ErrValidationRejected, message)
	case "cart_not_found":
		return fmt.Errorf("%w: %s", ErrCartNotFound, message)
	}

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/v1/cart") {
		return fmt.Errorf("%w: %s", ErrCartNotFound, message)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s %s: %s", ErrBackendUnavailable, method, path, message)
	}
	return fmt.Errorf("commerce: %s %s failed with status %d: %s", method, path, resp.StatusCode, message)
}
