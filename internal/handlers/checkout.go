package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/checkout/internal/commerce"
	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// guestCartHeader carries the anonymous cart identifier a client held before
// the user signed in.
const guestCartHeader = "X-Guest-Cart-Id"

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

// CheckoutHandlers exposes the checkout session endpoints for authenticated users.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	sessions *services.SessionManager
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, sessions *services.SessionManager) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:    authn,
		sessions: sessions,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/", h.view)
	group.Delete("/", h.clear)
	group.Put("/shipping-address", h.setShippingAddress)
	group.Put("/shipping-method", h.setShippingMethod)
	group.Put("/payment-method", h.setPaymentMethod)
	group.Put("/discount-code", h.setDiscountCode)
	group.Put("/notes", h.setNotes)
	group.Post("/submit", h.submit)
	group.Get("/cart", h.cart)
	group.Post("/cart/merge", h.mergeCart)
	group.Get("/addresses", h.addresses)
	group.Get("/shipping-methods", h.shippingMethods)
	group.Get("/payment-methods", h.paymentMethods)
}

type draftPayload struct {
	ShippingAddressID string `json:"shippingAddressId,omitempty"`
	ShippingMethodID  string `json:"shippingMethodId,omitempty"`
	PaymentMethodID   string `json:"paymentMethodId,omitempty"`
	DiscountCode      string `json:"discountCode,omitempty"`
	Notes             string `json:"notes,omitempty"`
	Complete          bool   `json:"complete"`
}

type pricingPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping struct {
		MethodID   string `json:"methodId"`
		MethodName string `json:"methodName,omitempty"`
		Cost       int64  `json:"cost"`
	} `json:"shipping"`
	Tax struct {
		Rate         float64 `json:"rate"`
		Amount       int64   `json:"amount"`
		Jurisdiction string  `json:"jurisdiction,omitempty"`
	} `json:"tax"`
	Discount *struct {
		Code   string `json:"code"`
		Type   string `json:"type"`
		Value  int64  `json:"value"`
		Amount int64  `json:"amount"`
	} `json:"discount,omitempty"`
	Total          int64  `json:"total"`
	FormattedTotal string `json:"formattedTotal"`
	Currency       string `json:"currency"`
	ComputedAt     string `json:"computedAt"`
}

type validationPayload struct {
	CanProceed bool     `json:"canProceed"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"warnings,omitempty"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type stockIssuePayload struct {
	LineItemID        string `json:"lineItemId"`
	VariantID         string `json:"variantId"`
	RequestedQuantity int    `json:"requestedQuantity"`
	AvailableQuantity int    `json:"availableQuantity"`
	Message           string `json:"message,omitempty"`
}

type stockPayload struct {
	Known     bool                `json:"known"`
	CheckedAt string              `json:"checkedAt,omitempty"`
	Issues    []stockIssuePayload `json:"issues,omitempty"`
}

type submissionPayload struct {
	State   string `json:"state"`
	OrderID string `json:"orderId,omitempty"`
	Failure *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"failure,omitempty"`
}

type checkoutViewResponse struct {
	Draft          draftPayload      `json:"draft"`
	Validation     validationPayload `json:"validation"`
	Pricing        *pricingPayload   `json:"pricing,omitempty"`
	Stock          stockPayload      `json:"stock"`
	Submission     submissionPayload `json:"submission"`
	CanSubmit      bool              `json:"canSubmit"`
	PaymentWarning string            `json:"paymentWarning,omitempty"`
	Restored       bool              `json:"restored"`
}

func (h *CheckoutHandlers) view(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, renderView(engine.View()))
}

type selectionRequest struct {
	AddressID string `json:"addressId"`
	MethodID  string `json:"methodId"`
	Code      string `json:"code"`
	Notes     string `json:"notes"`
}

func (h *CheckoutHandlers) setShippingAddress(w http.ResponseWriter, r *http.Request) {
	h.applySelection(w, r, func(ctx context.Context, engine *services.Engine, req selectionRequest) (domain.CheckoutDraft, error) {
		if strings.TrimSpace(req.AddressID) == "" {
			return domain.CheckoutDraft{}, errMissingField("addressId")
		}
		return engine.SetShippingAddress(ctx, req.AddressID)
	})
}

func (h *CheckoutHandlers) setShippingMethod(w http.ResponseWriter, r *http.Request) {
	h.applySelection(w, r, func(ctx context.Context, engine *services.Engine, req selectionRequest) (domain.CheckoutDraft, error) {
		if strings.TrimSpace(req.MethodID) == "" {
			return domain.CheckoutDraft{}, errMissingField("methodId")
		}
		return engine.SetShippingMethod(ctx, req.MethodID)
	})
}

func (h *CheckoutHandlers) setPaymentMethod(w http.ResponseWriter, r *http.Request) {
	h.applySelection(w, r, func(ctx context.Context, engine *services.Engine, req selectionRequest) (domain.CheckoutDraft, error) {
		if strings.TrimSpace(req.MethodID) == "" {
			return domain.CheckoutDraft{}, errMissingField("methodId")
		}
		return engine.SetPaymentMethod(ctx, req.MethodID)
	})
}

func (h *CheckoutHandlers) setDiscountCode(w http.ResponseWriter, r *http.Request) {
	h.applySelection(w, r, func(ctx context.Context, engine *services.Engine, req selectionRequest) (domain.CheckoutDraft, error) {
		// An empty code removes the discount.
		return engine.SetDiscountCode(ctx, req.Code)
	})
}

func (h *CheckoutHandlers) setNotes(w http.ResponseWriter, r *http.Request) {
	h.applySelection(w, r, func(ctx context.Context, engine *services.Engine, req selectionRequest) (domain.CheckoutDraft, error) {
		return engine.SetNotes(ctx, req.Notes)
	})
}

func (h *CheckoutHandlers) applySelection(w http.ResponseWriter, r *http.Request, apply func(context.Context, *services.Engine, selectionRequest) (domain.CheckoutDraft, error)) {
	ctx := r.Context()
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req selectionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	if _, err := apply(ctx, engine, req); err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, renderView(engine.View()))
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}

	result, err := engine.Submit(ctx)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}

	payload := submissionPayload{State: string(domain.SubmissionSucceeded), OrderID: result.OrderID}
	status := http.StatusOK
	if result.Failure != nil {
		payload.State = string(domain.SubmissionFailed)
		payload.Failure = &struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}{Code: string(result.Failure.Code), Message: result.Failure.Message}
		status = http.StatusUnprocessableEntity
	}
	writeJSONResponse(w, status, payload)
}

func (h *CheckoutHandlers) clear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := engine.ClearDraft(ctx); err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cartItemPayload struct {
	ID        string `json:"id"`
	VariantID string `json:"variantId"`
	SKU       string `json:"sku,omitempty"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type cartResponse struct {
	ID       string            `json:"id"`
	Currency string            `json:"currency"`
	Items    []cartItemPayload `json:"items"`
	Subtotal int64             `json:"subtotal"`
}

func (h *CheckoutHandlers) cart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}

	cart, err := engine.Cart(ctx)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, renderCart(cart))
}

type mergeCartRequest struct {
	GuestCartID string `json:"guestCartId"`
}

func (h *CheckoutHandlers) mergeCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req mergeCartRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.GuestCartID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "guestCartId is required", http.StatusBadRequest))
		return
	}

	h.sessions.RegisterGuestCart(identity.UID, identity.AuthTime(), req.GuestCartID)
	engine, err := h.sessions.Acquire(ctx, identity.UID, identity.AuthTime(), req.GuestCartID)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}

	cart, err := engine.Cart(ctx)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, renderCart(cart))
}

func (h *CheckoutHandlers) addresses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}

	addresses, err := engine.Addresses(ctx)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}

	out := make([]addressPayload, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, addressPayload{
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
	writeJSONResponse(w, http.StatusOK, map[string]any{"addresses": out})
}

type addressPayload struct {
	ID         string `json:"id"`
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	IsDefault  bool   `json:"isDefault"`
}

type shippingMethodPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Carrier     string `json:"carrier,omitempty"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	EtaDaysMin  int    `json:"etaDaysMin,omitempty"`
	EtaDaysMax  int    `json:"etaDaysMax,omitempty"`
	IsAvailable bool   `json:"isAvailable"`
}

func (h *CheckoutHandlers) shippingMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}

	methods, err := engine.ShippingMethods(ctx, r.URL.Query().Get("addressId"))
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}

	out := make([]shippingMethodPayload, 0, len(methods))
	for _, m := range methods {
		out = append(out, shippingMethodPayload{
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
	writeJSONResponse(w, http.StatusOK, map[string]any{"shippingMethods": out})
}

func (h *CheckoutHandlers) paymentMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}

	methods, err := engine.PaymentMethods(ctx)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}

	out := make([]paymentMethodPayload, 0, len(methods))
	for _, m := range methods {
		out = append(out, paymentMethodPayload{
			ID:        m.ID,
			Provider:  m.Provider,
			Brand:     m.Brand,
			Last4:     m.Last4,
			ExpMonth:  m.ExpMonth,
			ExpYear:   m.ExpYear,
			IsDefault: m.IsDefault,
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"paymentMethods": out})
}

type paymentMethodPayload struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Brand     string `json:"brand,omitempty"`
	Last4     string `json:"last4,omitempty"`
	ExpMonth  int    `json:"expMonth,omitempty"`
	ExpYear   int    `json:"expYear,omitempty"`
	IsDefault bool   `json:"isDefault"`
}

// engine resolves the caller's identity and acquires their session engine.
func (h *CheckoutHandlers) engine(w http.ResponseWriter, r *http.Request) (*services.Engine, bool) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return nil, false
	}

	engine, err := h.sessions.Acquire(ctx, identity.UID, identity.AuthTime(), r.Header.Get(guestCartHeader))
	if err != nil {
		writeEngineError(ctx, w, err)
		return nil, false
	}
	return engine, true
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func renderView(view services.CheckoutView) checkoutViewResponse {
	resp := checkoutViewResponse{
		Draft: draftPayload{
			ShippingAddressID: view.Draft.ShippingAddressID,
			ShippingMethodID:  view.Draft.ShippingMethodID,
			PaymentMethodID:   view.Draft.PaymentMethodID,
			DiscountCode:      view.Draft.DiscountCode,
			Notes:             view.Draft.Notes,
			Complete:          view.Draft.Complete(),
		},
		Validation: validationPayload{
			CanProceed: view.Validation.CanProceed,
			Errors:     view.Validation.Errors,
		},
		Stock: stockPayload{
			Known: view.StockKnown,
		},
		Submission: submissionPayload{
			State:   string(view.Submission),
			OrderID: view.OrderID,
		},
		CanSubmit:      view.CanSubmit,
		PaymentWarning: view.PaymentWarning,
		Restored:       view.RestoredFromSave,
	}

	if !view.Validation.CheckedAt.IsZero() {
		resp.Validation.CheckedAt = view.Validation.CheckedAt.Format(time.RFC3339)
	}
	for _, warning := range view.Validation.Warnings {
		resp.Validation.Warnings = append(resp.Validation.Warnings, struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{Type: warning.Type, Message: warning.Message})
	}

	if view.Pricing != nil {
		resp.Pricing = renderPricing(view.Pricing)
	}

	if !view.StockCheckedAt.IsZero() {
		resp.Stock.CheckedAt = view.StockCheckedAt.Format(time.RFC3339)
	}
	for _, issue := range view.StockIssues {
		resp.Stock.Issues = append(resp.Stock.Issues, stockIssuePayload{
			LineItemID:        issue.LineItemID,
			VariantID:         issue.VariantID,
			RequestedQuantity: issue.RequestedQuantity,
			AvailableQuantity: issue.AvailableQuantity,
			Message:           issue.Message,
		})
	}

	if view.Failure != nil {
		resp.Submission.Failure = &struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}{Code: string(view.Failure.Code), Message: view.Failure.Message}
	}

	return resp
}

func renderPricing(snapshot *domain.PricingSnapshot) *pricingPayload {
	p := &pricingPayload{
		Subtotal:       snapshot.Subtotal,
		Total:          snapshot.Total,
		FormattedTotal: domain.FormatAmount(snapshot.Currency, snapshot.Total),
		Currency:       snapshot.Currency,
		ComputedAt:     snapshot.ComputedAt.Format(time.RFC3339),
	}
	p.Shipping.MethodID = snapshot.Shipping.MethodID
	p.Shipping.MethodName = snapshot.Shipping.MethodName
	p.Shipping.Cost = snapshot.Shipping.Cost
	p.Tax.Rate = snapshot.Tax.Rate
	p.Tax.Amount = snapshot.Tax.Amount
	p.Tax.Jurisdiction = snapshot.Tax.Jurisdiction
	if snapshot.Discount != nil {
		p.Discount = &struct {
			Code   string `json:"code"`
			Type   string `json:"type"`
			Value  int64  `json:"value"`
			Amount int64  `json:"amount"`
		}{
			Code:   snapshot.Discount.Code,
			Type:   snapshot.Discount.Type,
			Value:  snapshot.Discount.Value,
			Amount: snapshot.Discount.Amount,
		}
	}
	return p
}

func renderCart(cart domain.Cart) cartResponse {
	resp := cartResponse{
		ID:       cart.ID,
		Currency: cart.Currency,
		Items:    make([]cartItemPayload, 0, len(cart.Items)),
		Subtotal: cart.Subtotal,
	}
	for _, item := range cart.Items {
		resp.Items = append(resp.Items, cartItemPayload{
			ID:        item.ID,
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return resp
}

func errMissingField(field string) error {
	return &missingFieldError{field: field}
}

type missingFieldError struct {
	field string
}

func (e *missingFieldError) Error() string {
	return e.field + " is required"
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
}

func writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	var missing *missingFieldError
	switch {
	case errors.As(err, &missing):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShippingAddressRequired):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "select a shipping address first", http.StatusBadRequest))
	case errors.Is(err, services.ErrSubmissionInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("submission_in_flight", "an order submission is already in progress", http.StatusConflict))
	case errors.Is(err, services.ErrValidationNotPassed):
		httpx.WriteError(ctx, w, httpx.NewError("validation_not_passed", "checkout selections have not passed validation", http.StatusConflict))
	case errors.Is(err, services.ErrPricingStale):
		httpx.WriteError(ctx, w, httpx.NewError("pricing_stale", "pricing is not current for your selections; wait for revalidation", http.StatusConflict))
	case errors.Is(err, services.ErrStockBlocked):
		httpx.WriteError(ctx, w, httpx.NewError("stock_blocked", "items in your cart are unavailable", http.StatusConflict))
	case errors.Is(err, services.ErrStockUnknown):
		httpx.WriteError(ctx, w, httpx.NewError("stock_unknown", "stock availability has not been confirmed yet", http.StatusConflict))
	case errors.Is(err, services.ErrOrderAlreadyPlaced):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_placed", "this checkout session already placed an order", http.StatusConflict))
	case errors.Is(err, commerce.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "no cart exists for this user", http.StatusNotFound))
	case errors.Is(err, commerce.ErrBackendUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("backend_unavailable", "the commerce backend is temporarily unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
