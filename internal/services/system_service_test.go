package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/craftlane/fulfillment/internal/domain"
)

type stubHealthRepo struct {
	collectFn func(context.Context) (domain.SystemHealthReport, error)
}

func (s *stubHealthRepo) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if s.collectFn != nil {
		return s.collectFn(ctx)
	}
	return domain.SystemHealthReport{}, nil
}

func newTestSystemService(t *testing.T, health *stubHealthRepo, counters *stubCounterRepo) SystemService {
	t.Helper()
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: health,
		Counters:         counters,
		Clock: func() time.Time {
			return time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
		},
		Build: BuildInfo{
			Version:     "1.4.0",
			Environment: "test",
			StartedAt:   time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	return svc
}

func TestHealthReportFillsBuildMetadata(t *testing.T) {
	ctx := context.Background()
	health := &stubHealthRepo{
		collectFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"pubsub":    {Status: domain.HealthStatusOK},
				},
			}, nil
		},
	}

	svc := newTestSystemService(t, health, nil)

	report, err := svc.HealthReport(ctx)
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if report.Version != "1.4.0" || report.Environment != "test" {
		t.Fatalf("build metadata must be merged: %+v", report)
	}
	if report.Uptime != 30*time.Minute {
		t.Fatalf("unexpected uptime %s", report.Uptime)
	}
	if report.GeneratedAt.IsZero() {
		t.Fatalf("generated-at must be stamped")
	}
}

func TestHealthReportDerivesWorstStatus(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		checks map[string]domain.SystemHealthCheck
		want   string
	}{
		{
			name:   "no checks",
			checks: nil,
			want:   domain.HealthStatusOK,
		},
		{
			name: "degraded dependency",
			checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
				"pubsub":    {Status: domain.HealthStatusDegraded},
			},
			want: domain.HealthStatusDegraded,
		},
		{
			name: "failed dependency wins",
			checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusError},
				"pubsub":    {Status: domain.HealthStatusDegraded},
			},
			want: domain.HealthStatusError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			health := &stubHealthRepo{
				collectFn: func(context.Context) (domain.SystemHealthReport, error) {
					return domain.SystemHealthReport{Checks: tc.checks}, nil
				},
			}
			svc := newTestSystemService(t, health, nil)

			report, err := svc.HealthReport(ctx)
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, report.Status)
			}
		})
	}
}

func TestHealthReportPropagatesCollectError(t *testing.T) {
	ctx := context.Background()
	health := &stubHealthRepo{
		collectFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{}, errors.New("readiness check timeout")
		},
	}
	svc := newTestSystemService(t, health, nil)

	if _, err := svc.HealthReport(ctx); err == nil {
		t.Fatalf("expected collect error to propagate")
	}
}

func TestNextCounterValue(t *testing.T) {
	ctx := context.Background()

	var gotID string
	var gotStep int64
	counters := &stubCounterRepo{
		nextFn: func(_ context.Context, counterID string, step int64) (int64, error) {
			gotID = counterID
			gotStep = step
			return 43, nil
		},
	}
	svc := newTestSystemService(t, &stubHealthRepo{}, counters)

	value, err := svc.NextCounterValue(ctx, CounterCommand{CounterID: "orders"})
	if err != nil {
		t.Fatalf("NextCounterValue: %v", err)
	}
	if value != 43 || gotID != "orders" || gotStep != 1 {
		t.Fatalf("unexpected counter call id=%s step=%d value=%d", gotID, gotStep, value)
	}

	if _, err := svc.NextCounterValue(ctx, CounterCommand{}); err == nil {
		t.Fatalf("empty counter id must fail")
	}
}
