//go:build integration

package firestore

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	pconfig "github.com/craftlane/fulfillment/internal/platform/config"
	pfirestore "github.com/craftlane/fulfillment/internal/platform/firestore"
	"github.com/craftlane/fulfillment/internal/repositories"
)

// Order numbers must come out dense and unique even when several API pods
// allocate at once, so this test hammers one sequence from many goroutines
// against a real emulator.
func TestCounterRepositoryOrderNumbers(t *testing.T) {
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

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "sequence-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewCounterRepository(provider)
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const allocators = 12

	var mu sync.Mutex
	seen := make(map[int64]struct{}, allocators)
	var wg sync.WaitGroup
	wg.Add(allocators)

	for i := 0; i < allocators; i++ {
		go func(idx int) {
			defer wg.Done()
			value, err := repo.Next(ctx, "order-number", 1)
			if err != nil {
				t.Errorf("allocator %d: %v", idx, err)
				return
			}
			mu.Lock()
			seen[value] = struct{}{}
			mu.Unlock()
		}(i)
	}

	wg.Wait()

	if len(seen) != allocators {
		t.Fatalf("expected %d distinct order numbers, got %d: %v", allocators, len(seen), seen)
	}
	for want := int64(1); want <= allocators; want++ {
		if _, ok := seen[want]; !ok {
			t.Fatalf("order numbers are not dense, missing %d: %v", want, seen)
		}
	}
}

// A pre-staged yearly range refuses to allocate past its ceiling.
func TestCounterRepositoryYearlyRangeCeiling(t *testing.T) {
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

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "sequence-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewCounterRepository(provider)
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ceiling := int64(2026003)
	floor := int64(2026000)
	if err := repo.Configure(ctx, "order-number:2026", repositories.CounterConfig{
		Step:         1,
		MaxValue:     &ceiling,
		InitialValue: &floor,
	}); err != nil {
		t.Fatalf("configure yearly range: %v", err)
	}

	for want := floor + 1; want <= ceiling; want++ {
		value, err := repo.Next(ctx, "order-number:2026", 0)
		if err != nil {
			t.Fatalf("next %d: %v", want, err)
		}
		if value != want {
			t.Fatalf("expected order number %d, got %d", want, value)
		}
	}

	_, err = repo.Next(ctx, "order-number:2026", 0)
	if err == nil {
		t.Fatal("expected the exhausted range to refuse allocation")
	}
	if code := repositories.CounterErrorCodeOf(err); code != repositories.CounterErrorExhausted {
		t.Fatalf("expected exhausted classification, got %s (%v)", code, err)
	}
}
