//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	pconfig "github.com/hanko-field/checkout/internal/platform/config"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestDraftRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "draft-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewDraftRepository(provider)
	if err != nil {
		t.Fatalf("new draft repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const userID = "user-draft-1"

	if _, err := repo.Load(ctx, userID); err == nil {
		t.Fatalf("expected not found for fresh user")
	} else {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			t.Fatalf("expected not-found repository error, got %v", err)
		}
	}

	draft := domain.CheckoutDraft{
		ShippingAddressID: "addr-1",
		ShippingMethodID:  "ship-express",
		PaymentMethodID:   "pm-1",
		DiscountCode:      "welcome10",
		Notes:             "leave at door",
	}
	if err := repo.Save(ctx, userID, draft); err != nil {
		t.Fatalf("save draft: %v", err)
	}

	loaded, err := repo.Load(ctx, userID)
	if err != nil {
		t.Fatalf("load draft: %v", err)
	}
	if loaded != draft {
		t.Fatalf("expected %+v, got %+v", draft, loaded)
	}

	draft.ShippingMethodID = "ship-standard"
	draft.DiscountCode = ""
	if err := repo.Save(ctx, userID, draft); err != nil {
		t.Fatalf("overwrite draft: %v", err)
	}
	loaded, err = repo.Load(ctx, userID)
	if err != nil {
		t.Fatalf("reload draft: %v", err)
	}
	if loaded.ShippingMethodID != "ship-standard" || loaded.DiscountCode != "" {
		t.Fatalf("expected overwritten draft, got %+v", loaded)
	}

	if err := repo.Clear(ctx, userID); err != nil {
		t.Fatalf("clear draft: %v", err)
	}
	if err := repo.Clear(ctx, userID); err != nil {
		t.Fatalf("clear absent draft: %v", err)
	}
	if _, err := repo.Load(ctx, userID); err == nil {
		t.Fatalf("expected not found after clear")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}
