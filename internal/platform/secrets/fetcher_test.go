package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const tokenResource = "projects/test/secrets/commerce_service_token/versions/latest"

type stubSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newStubSecretClient() *stubSecretClient {
	return &stubSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (s *stubSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := req.GetName()
	s.counter[name]++

	if err, ok := s.errors[name]; ok && err != nil {
		return nil, err
	}
	if value, ok := s.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (s *stubSecretClient) Close() error { return nil }

func (s *stubSecretClient) calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter[name]
}

func newTestFetcher(t *testing.T, client *stubSecretClient, extra ...Option) *Fetcher {
	t.Helper()
	opts := append([]Option{
		WithSecretManagerClient(client),
		WithProject("test"),
		WithLogger(zap.NewNop()),
	}, extra...)
	fetcher, err := NewFetcher(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })
	return fetcher
}

func writeFallbackFile(t *testing.T, line string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolve_CachesRemoteSecret(t *testing.T) {
	client := newStubSecretClient()
	client.values[tokenResource] = "remote-secret"
	fetcher := newTestFetcher(t, client)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "secret://commerce_service_token")
		if err != nil {
			t.Fatalf("Resolve call %d: %v", i+1, err)
		}
		if got != "remote-secret" {
			t.Fatalf("call %d: expected remote-secret, got %s", i+1, got)
		}
	}

	if n := client.calls(tokenResource); n != 1 {
		t.Fatalf("expected one remote fetch, got %d", n)
	}
}

func TestResolve_InvalidateForcesRefetch(t *testing.T) {
	client := newStubSecretClient()
	client.values[tokenResource] = "remote-secret"
	fetcher := newTestFetcher(t, client)

	ctx := context.Background()
	if _, err := fetcher.Resolve(ctx, "secret://commerce_service_token"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	fetcher.Invalidate("secret://commerce_service_token")

	if _, err := fetcher.Resolve(ctx, "secret://commerce_service_token"); err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if n := client.calls(tokenResource); n != 2 {
		t.Fatalf("expected two remote fetches, got %d", n)
	}
}

func TestResolve_PinnedVersionQuery(t *testing.T) {
	pinned := "projects/test/secrets/commerce_service_token/versions/5"
	client := newStubSecretClient()
	client.values[pinned] = "version-5"
	fetcher := newTestFetcher(t, client)

	got, err := fetcher.Resolve(context.Background(), "secret://commerce_service_token?version=5")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "version-5" {
		t.Fatalf("expected version-5, got %s", got)
	}
	if n := client.calls(pinned); n != 1 {
		t.Fatalf("expected fetch of version 5, got %d calls", n)
	}
}

func TestResolve_FallsBackWhenAccessDenied(t *testing.T) {
	client := newStubSecretClient()
	client.errors[tokenResource] = status.Error(codes.PermissionDenied, "denied")
	fallback := writeFallbackFile(t, "secret://commerce_service_token=local-secret")
	fetcher := newTestFetcher(t, client, WithFallbackFile(fallback))

	got, err := fetcher.Resolve(context.Background(), "secret://commerce_service_token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "local-secret" {
		t.Fatalf("expected local-secret, got %s", got)
	}
}

func TestResolve_NotFoundDoesNotFallBack(t *testing.T) {
	client := newStubSecretClient()
	client.errors[tokenResource] = status.Error(codes.NotFound, "missing")
	fallback := writeFallbackFile(t, "secret://commerce_service_token=local-secret")
	fetcher := newTestFetcher(t, client, WithFallbackFile(fallback))

	if _, err := fetcher.Resolve(context.Background(), "secret://commerce_service_token"); err == nil {
		t.Fatal("expected error for a missing secret")
	}
}

func TestNewFetcher_NoCredentialsUsesFallbackOnly(t *testing.T) {
	originalFactory := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = originalFactory })

	fallback := writeFallbackFile(t, "sm://commerce_service_token=local-secret")

	fetcher, err := NewFetcher(context.Background(), WithFallbackFile(fallback))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })

	value, err := fetcher.Resolve(context.Background(), "secret://commerce_service_token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "local-secret" {
		t.Fatalf("expected local-secret, got %s", value)
	}
}
