package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type stubPaymentMethodAPI struct {
	getFunc func(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

func (s *stubPaymentMethodAPI) Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error) {
	return s.getFunc(id, params)
}

func TestNewStripePaymentMethodVerifierRequiresKey(t *testing.T) {
	if _, err := NewStripePaymentMethodVerifier(StripeVerifierConfig{}); err == nil {
		t.Fatal("expected error when api key missing")
	}
}

func TestLookupReturnsCardDetails(t *testing.T) {
	api := &stubPaymentMethodAPI{
		getFunc: func(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error) {
			if id != "pm_123" {
				t.Fatalf("unexpected token %s", id)
			}
			return &stripe.PaymentMethod{
				ID:   "pm_123",
				Type: stripe.PaymentMethodTypeCard,
				Card: &stripe.PaymentMethodCard{
					Brand:    stripe.PaymentMethodCardBrandVisa,
					Last4:    "4242",
					ExpMonth: 12,
					ExpYear:  2030,
				},
			}, nil
		},
	}

	verifier, err := NewStripePaymentMethodVerifier(StripeVerifierConfig{API: api, AccountID: "acct_1"})
	if err != nil {
		t.Fatalf("NewStripePaymentMethodVerifier returned error: %v", err)
	}

	details, err := verifier.Lookup(context.Background(), " pm_123 ")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if details.Brand != "visa" || details.Last4 != "4242" {
		t.Fatalf("unexpected details %#v", details)
	}
	if details.ExpMonth != 12 || details.ExpYear != 2030 {
		t.Fatalf("unexpected expiry %#v", details)
	}
}

func TestLookupPropagatesError(t *testing.T) {
	wantErr := errors.New("stripe down")
	api := &stubPaymentMethodAPI{
		getFunc: func(string, *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error) {
			return nil, wantErr
		},
	}

	verifier, err := NewStripePaymentMethodVerifier(StripeVerifierConfig{API: api})
	if err != nil {
		t.Fatalf("NewStripePaymentMethodVerifier returned error: %v", err)
	}

	if _, err := verifier.Lookup(context.Background(), "pm_123"); !errors.Is(err, wantErr) {
		t.Fatalf("expected stripe error, got %v", err)
	}
}

func TestLookupRequiresToken(t *testing.T) {
	verifier, err := NewStripePaymentMethodVerifier(StripeVerifierConfig{API: &stubPaymentMethodAPI{}})
	if err != nil {
		t.Fatalf("NewStripePaymentMethodVerifier returned error: %v", err)
	}
	if _, err := verifier.Lookup(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty token")
	}
}
