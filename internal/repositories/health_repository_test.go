package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/craftlane/fulfillment/internal/domain"
)

func TestReadinessRepositoryAllDependenciesHealthy(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	repo, err := NewReadinessRepository([]ReadinessCheck{
		{Name: "order-store", Ping: func(context.Context) error { return nil }},
		{Name: "event-topic", Ping: func(context.Context) error { return nil }},
		{Name: "payment-gateway", Ping: func(context.Context) error { return nil }},
	}, WithReadinessClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewReadinessRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK {
			t.Fatalf("expected %s ok, got %s", name, check.Status)
		}
		if !check.CheckedAt.Equal(now) {
			t.Fatalf("expected %s checked at %s, got %s", name, now, check.CheckedAt)
		}
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected report generated at %s, got %s", now, report.GeneratedAt)
	}
}

func TestReadinessRepositoryFailingDependencyDegrades(t *testing.T) {
	storeErr := errors.New("rpc error: unavailable")
	repo, err := NewReadinessRepository([]ReadinessCheck{
		{Name: "order-store", Ping: func(context.Context) error { return storeErr }},
		{Name: "event-topic", Ping: func(context.Context) error { return nil }},
	})
	if err != nil {
		t.Fatalf("NewReadinessRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	store := report.Checks["order-store"]
	if store.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected order-store degraded, got %s", store.Status)
	}
	if store.Error != storeErr.Error() {
		t.Fatalf("expected error %q, got %q", storeErr.Error(), store.Error)
	}
	if topic := report.Checks["event-topic"]; topic.Status != domain.HealthStatusOK {
		t.Fatalf("expected event-topic ok, got %s", topic.Status)
	}
}

func TestReadinessRepositorySlowDependencyTimesOut(t *testing.T) {
	repo, err := NewReadinessRepository([]ReadinessCheck{
		{
			Name:    "payment-gateway",
			Timeout: 5 * time.Millisecond,
			Ping: func(ctx context.Context) error {
				select {
				case <-time.After(50 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewReadinessRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	gateway := report.Checks["payment-gateway"]
	if gateway.Detail != "timeout" {
		t.Fatalf("expected timeout detail, got %s", gateway.Detail)
	}
}

func TestReadinessRepositoryRejectsMalformedChecks(t *testing.T) {
	if _, err := NewReadinessRepository(nil); err == nil {
		t.Fatal("expected empty check set to be rejected")
	}
	if _, err := NewReadinessRepository([]ReadinessCheck{{Name: " ", Ping: func(context.Context) error { return nil }}}); err == nil {
		t.Fatal("expected nameless check to be rejected")
	}
	if _, err := NewReadinessRepository([]ReadinessCheck{{Name: "order-store"}}); err == nil {
		t.Fatal("expected check without ping to be rejected")
	}
}
