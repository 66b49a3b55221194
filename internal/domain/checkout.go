package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// CheckoutDraft holds the user's in-progress checkout selections. There is a
// single mutable instance per session, owned by the checkout engine; handlers
// and persistence only ever see copies.
type CheckoutDraft struct {
	ShippingAddressID string
	ShippingMethodID  string
	PaymentMethodID   string
	DiscountCode      string
	Notes             string
}

// Complete reports whether all selections required for pricing are present.
func (d CheckoutDraft) Complete() bool {
	return strings.TrimSpace(d.ShippingAddressID) != "" &&
		strings.TrimSpace(d.ShippingMethodID) != "" &&
		strings.TrimSpace(d.PaymentMethodID) != ""
}

// Empty reports whether no selection or note has been entered yet.
func (d CheckoutDraft) Empty() bool {
	return strings.TrimSpace(d.ShippingAddressID) == "" &&
		strings.TrimSpace(d.ShippingMethodID) == "" &&
		strings.TrimSpace(d.PaymentMethodID) == "" &&
		strings.TrimSpace(d.DiscountCode) == "" &&
		strings.TrimSpace(d.Notes) == ""
}

// Fingerprint derives a comparable digest of the four selection fields. Notes
// are deliberately excluded: they never influence pricing.
func (d CheckoutDraft) Fingerprint() SelectionFingerprint {
	base := strings.Join([]string{
		strings.TrimSpace(d.ShippingAddressID),
		strings.TrimSpace(d.ShippingMethodID),
		strings.TrimSpace(d.PaymentMethodID),
		strings.ToLower(strings.TrimSpace(d.DiscountCode)),
	}, "|")
	sum := sha256.Sum256([]byte(base))
	return SelectionFingerprint(hex.EncodeToString(sum[:]))
}

// SelectionFingerprint identifies the exact selection tuple a pricing snapshot
// was computed from.
type SelectionFingerprint string

// ShippingBreakdown captures the priced shipping selection.
type ShippingBreakdown struct {
	MethodID   string
	MethodName string
	Cost       int64
}

// TaxBreakdown captures the backend-computed tax portion of a quote.
type TaxBreakdown struct {
	Rate         float64
	Amount       int64
	Jurisdiction string
}

// DiscountBreakdown captures an applied discount code and its monetary effect.
type DiscountBreakdown struct {
	Code   string
	Type   string
	Value  int64
	Amount int64
}

// PricingSnapshot is the last accepted price breakdown. Snapshots are
// immutable; each accepted validation response replaces the previous snapshot
// wholesale.
type PricingSnapshot struct {
	Subtotal    int64
	Shipping    ShippingBreakdown
	Tax         TaxBreakdown
	Discount    *DiscountBreakdown
	Total       int64
	Currency    string
	ComputedAt  time.Time
	Fingerprint SelectionFingerprint
}

// FreshFor reports whether the snapshot was computed from the given draft's
// current selections.
func (s PricingSnapshot) FreshFor(draft CheckoutDraft) bool {
	return s.Fingerprint != "" && s.Fingerprint == draft.Fingerprint()
}

// ValidationWarning carries a non-blocking advisory returned by validation.
type ValidationWarning struct {
	Type    string
	Message string
}

// ValidationState records the outcome of the most recently applied validation
// round. CanProceed is the value the submission gate consults; a stale or
// errored round never overwrites a newer one.
type ValidationState struct {
	CanProceed bool
	Errors     []string
	Warnings   []ValidationWarning
	Sequence   uint64
	CheckedAt  time.Time
}

// StockIssue describes a line item found unavailable or partially available.
type StockIssue struct {
	LineItemID        string
	VariantID         string
	RequestedQuantity int
	AvailableQuantity int
	Message           string
}

// LineItem is the minimal cart line shape consumed by stock checks.
type LineItem struct {
	ID        string
	VariantID string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice int64
}

// Cart is the cart projection returned by the commerce backend, used for
// stock polling and guest-cart merges.
type Cart struct {
	ID        string
	UserID    string
	Currency  string
	Items     []LineItem
	Subtotal  int64
	UpdatedAt time.Time
}

// SubmissionState enumerates the submission gate lifecycle.
type SubmissionState string

const (
	// SubmissionIdle indicates no submission attempt is in progress.
	SubmissionIdle SubmissionState = "idle"
	// SubmissionSubmitting indicates a placeOrder call is in flight.
	SubmissionSubmitting SubmissionState = "submitting"
	// SubmissionSucceeded indicates the order was placed.
	SubmissionSucceeded SubmissionState = "succeeded"
	// SubmissionFailed indicates the last attempt failed; the draft is preserved.
	SubmissionFailed SubmissionState = "failed"
)

// SubmissionFailureCode classifies terminal submission failures.
type SubmissionFailureCode string

const (
	// FailureValidationFailed indicates the backend rejected the selections.
	FailureValidationFailed SubmissionFailureCode = "validation_failed"
	// FailurePriceMismatch indicates the authoritative total diverged from the
	// client-computed total; treated as staleness, not tampering.
	FailurePriceMismatch SubmissionFailureCode = "price_mismatch"
	// FailureStockUnavailable indicates one or more items went out of stock.
	FailureStockUnavailable SubmissionFailureCode = "stock_unavailable"
	// FailurePaymentDeclined indicates the payment gateway declined the charge.
	FailurePaymentDeclined SubmissionFailureCode = "payment_declined"
	// FailureNetworkError indicates the submission call failed or timed out.
	FailureNetworkError SubmissionFailureCode = "network_error"
)

// SubmissionFailure pairs a failure classification with an actionable message.
type SubmissionFailure struct {
	Code    SubmissionFailureCode
	Message string
}

// SubmissionResult is the terminal value of one submission attempt.
type SubmissionResult struct {
	OrderID string
	Failure *SubmissionFailure
}

// Succeeded reports whether the attempt placed an order.
func (r SubmissionResult) Succeeded() bool {
	return r.OrderID != "" && r.Failure == nil
}

// AddressSummary is the read-only address projection used to populate the
// shipping address selector.
type AddressSummary struct {
	ID         string
	Recipient  string
	Line1      string
	Line2      string
	City       string
	PostalCode string
	Country    string
	IsDefault  bool
}

// ShippingMethodSummary describes a selectable shipping method.
type ShippingMethodSummary struct {
	ID          string
	Name        string
	Carrier     string
	Amount      int64
	Currency    string
	EtaDaysMin  int
	EtaDaysMax  int
	IsAvailable bool
}

// PaymentMethodSummary describes a vaulted payment instrument without any
// sensitive card data.
type PaymentMethodSummary struct {
	ID        string
	Provider  string
	Brand     string
	Last4     string
	ExpMonth  int
	ExpYear   int
	IsDefault bool
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a dependency is degraded but the service keeps running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// HealthCheck describes the outcome of an individual dependency probe.
type HealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency status for the health endpoints.
type HealthReport struct {
	Status      string
	Checks      map[string]HealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
