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

	pconfig "github.com/craftlane/fulfillment/internal/platform/config"
	pfirestore "github.com/craftlane/fulfillment/internal/platform/firestore"
	"github.com/craftlane/fulfillment/internal/repositories"
)

func TestStockRepositoryIntegration(t *testing.T) {
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
		ProjectID:    "stock-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewStockRepository(provider)
	if err != nil {
		t.Fatalf("new stock repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	seed := func(sku, productRef string, onHand, safetyStock int) {
		t.Helper()
		_, err := client.Collection(stockCollection).Doc(sku).Set(ctx, map[string]any{
			"sku":         sku,
			"productRef":  productRef,
			"onHand":      onHand,
			"safetyStock": safetyStock,
			"updatedAt":   now,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", sku, err)
		}
	}
	seed("round-18", "prod_round", 5, 2)
	seed("round-21", "prod_round", 9, 2)
	seed("square-12", "prod_square", 1, 3)

	deducted, err := repo.Deduct(ctx, repositories.StockAdjustRequest{
		SKU:      "round-18",
		Quantity: 2,
		OrderRef: "ord_int_1",
		Now:      now,
	})
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if deducted.OnHand != 3 {
		t.Fatalf("expected on hand 3 after deduct, got %d", deducted.OnHand)
	}

	_, err = repo.Deduct(ctx, repositories.StockAdjustRequest{
		SKU:      "round-18",
		Quantity: 10,
		OrderRef: "ord_int_2",
		Now:      now,
	})
	if err == nil {
		t.Fatalf("expected insufficient stock error")
	}
	var stockErr *repositories.StockError
	if !errors.As(err, &stockErr) || stockErr.Code != repositories.StockErrorInsufficient {
		t.Fatalf("expected insufficient stock code, got %v", err)
	}
	if !stockErr.IsConflict() {
		t.Fatalf("insufficient stock should categorise as conflict")
	}

	_, err = repo.Deduct(ctx, repositories.StockAdjustRequest{
		SKU:      "missing-sku",
		Quantity: 1,
		Now:      now,
	})
	stockErr = nil
	if !errors.As(err, &stockErr) || !stockErr.IsNotFound() {
		t.Fatalf("expected not found for missing sku, got %v", err)
	}

	restored, err := repo.Restore(ctx, repositories.StockAdjustRequest{
		SKU:       "round-18",
		Quantity:  1,
		RefundRef: "rfr_int_1",
		Now:       now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.OnHand != 4 {
		t.Fatalf("expected on hand 4 after restore, got %d", restored.OnHand)
	}

	highest, err := repo.HighestStockedForProduct(ctx, "prod_round")
	if err != nil {
		t.Fatalf("highest stocked: %v", err)
	}
	if highest.SKU != "round-21" {
		t.Fatalf("expected round-21 to carry the most stock, got %s", highest.SKU)
	}

	lowPage, err := repo.ListLowStock(ctx, repositories.LowStockQuery{Threshold: 3, PageSize: 10})
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	if len(lowPage.Items) != 1 || lowPage.Items[0].SKU != "square-12" {
		t.Fatalf("expected only square-12 at or below threshold, got %+v", lowPage.Items)
	}

	firstPage, err := repo.ListLowStock(ctx, repositories.LowStockQuery{Threshold: 10, PageSize: 2})
	if err != nil {
		t.Fatalf("list low stock page 1: %v", err)
	}
	if len(firstPage.Items) != 2 || firstPage.NextPageToken == "" {
		t.Fatalf("expected a full first page with a cursor, got %d items", len(firstPage.Items))
	}
	secondPage, err := repo.ListLowStock(ctx, repositories.LowStockQuery{
		Threshold: 10,
		PageSize:  2,
		PageToken: firstPage.NextPageToken,
	})
	if err != nil {
		t.Fatalf("list low stock page 2: %v", err)
	}
	if len(secondPage.Items) != 1 || secondPage.NextPageToken != "" {
		t.Fatalf("expected trailing page with one item, got %d items", len(secondPage.Items))
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

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
