package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"CHECKOUT_FIREBASE_PROJECT_ID": "hf-dev",
		"CHECKOUT_COMMERCE_BASE_URL":   "https://commerce.internal.example.com",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "hf-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Events.ProjectID != "hf-dev" {
		t.Errorf("expected events project to default to firebase project, got %s", cfg.Events.ProjectID)
	}
	if cfg.Commerce.RequestTimeout != defaultCommerceTimeout {
		t.Errorf("unexpected commerce timeout: %s", cfg.Commerce.RequestTimeout)
	}
	if cfg.Checkout.ValidationQuietPeriod != defaultValidationQuiet {
		t.Errorf("unexpected quiet period: %s", cfg.Checkout.ValidationQuietPeriod)
	}
	if cfg.Checkout.StockPollInterval != defaultStockPollInterval {
		t.Errorf("unexpected stock poll interval: %s", cfg.Checkout.StockPollInterval)
	}
	if cfg.Checkout.SessionIdleTTL != defaultSessionIdleTTL {
		t.Errorf("unexpected session idle ttl: %s", cfg.Checkout.SessionIdleTTL)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"CHECKOUT_SERVER_PORT":                "9090",
		"CHECKOUT_SERVER_READ_TIMEOUT":        "20s",
		"CHECKOUT_SERVER_IDLE_TIMEOUT":        "2m",
		"CHECKOUT_FIREBASE_PROJECT_ID":        "hf-prod",
		"CHECKOUT_FIRESTORE_PROJECT_ID":       "hf-fire",
		"CHECKOUT_COMMERCE_BASE_URL":          "https://commerce.example.com",
		"CHECKOUT_COMMERCE_SERVICE_TOKEN":     "secret://commerce/token",
		"CHECKOUT_COMMERCE_REQUEST_TIMEOUT":   "6s",
		"CHECKOUT_VALIDATION_QUIET_PERIOD":    "1100ms",
		"CHECKOUT_STOCK_POLL_INTERVAL":        "3m",
		"CHECKOUT_DRAFT_SAVE_THROTTLE":        "4s",
		"CHECKOUT_SESSION_IDLE_TTL":           "45m",
		"CHECKOUT_PSP_STRIPE_API_KEY":         "secret://stripe/api",
		"CHECKOUT_PSP_STRIPE_ACCOUNT_ID":      "acct_123",
		"CHECKOUT_EVENTS_PROJECT_ID":          "hf-events",
		"CHECKOUT_EVENTS_ORDER_PLACED_TOPIC":  "checkout-order-placed",
		"CHECKOUT_SECURITY_ENVIRONMENT":       "prod",
		"CHECKOUT_SECURITY_OIDC_AUDIENCE":     "https://service.example.com",
		"CHECKOUT_SECURITY_OIDC_ISSUERS":      "https://accounts.google.com, https://cloud.google.com/iap",
		"CHECKOUT_SECURITY_OIDC_JWKS_URL":     "https://example.com/jwks.json",
	}

	secrets := map[string]string{
		"secret://commerce/token": "commerce-token",
		"secret://stripe/api":     "stripe-key",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Firestore.ProjectID != "hf-fire" {
		t.Errorf("unexpected firestore project %s", cfg.Firestore.ProjectID)
	}
	if cfg.Commerce.ServiceToken != "commerce-token" {
		t.Errorf("expected resolved commerce token, got %s", cfg.Commerce.ServiceToken)
	}
	if cfg.Commerce.RequestTimeout != 6*time.Second {
		t.Errorf("unexpected commerce timeout %s", cfg.Commerce.RequestTimeout)
	}
	if cfg.Checkout.ValidationQuietPeriod != 1100*time.Millisecond {
		t.Errorf("unexpected quiet period %s", cfg.Checkout.ValidationQuietPeriod)
	}
	if cfg.Checkout.StockPollInterval != 3*time.Minute {
		t.Errorf("unexpected stock poll interval %s", cfg.Checkout.StockPollInterval)
	}
	if cfg.Checkout.DraftSaveThrottle != 4*time.Second {
		t.Errorf("unexpected draft save throttle %s", cfg.Checkout.DraftSaveThrottle)
	}
	if cfg.PSP.StripeAPIKey != "stripe-key" {
		t.Errorf("expected resolved stripe api key, got %s", cfg.PSP.StripeAPIKey)
	}
	if cfg.Events.ProjectID != "hf-events" {
		t.Errorf("unexpected events project %s", cfg.Events.ProjectID)
	}
	if cfg.Events.OrderPlacedTopic != "checkout-order-placed" {
		t.Errorf("unexpected order placed topic %s", cfg.Events.OrderPlacedTopic)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected security environment prod, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.Audience != "https://service.example.com" {
		t.Errorf("unexpected oidc audience %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Security.OIDC.JWKSURL != "https://example.com/jwks.json" {
		t.Errorf("unexpected jwks url %s", cfg.Security.OIDC.JWKSURL)
	}
}

func TestLoadRejectsQuietPeriodOutsideBand(t *testing.T) {
	env := baseEnv()
	env["CHECKOUT_VALIDATION_QUIET_PERIOD"] = "300ms"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error for quiet period, got nil")
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := validationErr.Fields()
	if len(fields) != 1 || fields[0] != "Checkout.ValidationQuietPeriod" {
		t.Fatalf("unexpected invalid fields %v", fields)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "CHECKOUT_SERVER_PORT=7070\nCHECKOUT_FIREBASE_PROJECT_ID=hf-dot\nCHECKOUT_COMMERCE_BASE_URL=https://commerce.dot.example.com\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "hf-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["CHECKOUT_PSP_STRIPE_API_KEY"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "CHECKOUT_FIREBASE_PROJECT_ID=dot-project\nCHECKOUT_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("CHECKOUT_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("CHECKOUT_SECRET_PROJECT_ID", "project-prod")

	overrides := map[string]string{
		"CHECKOUT_FIREBASE_PROJECT_ID": "override-project",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["CHECKOUT_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["CHECKOUT_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["CHECKOUT_SECRET_PROJECT_ID"]; got != "project-prod" {
		t.Fatalf("expected system env project, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Commerce.ServiceToken"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Commerce.ServiceToken")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Commerce.ServiceToken" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Commerce.ServiceToken"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := baseEnv()
	env["CHECKOUT_COMMERCE_SERVICE_TOKEN"] = "sm://commerce/token"

	secrets := map[string]string{
		"secret://commerce/token": "legacy-token",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Commerce.ServiceToken != "legacy-token" {
		t.Fatalf("expected legacy token, got %s", cfg.Commerce.ServiceToken)
	}
}
