package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/craftlane/fulfillment/internal/domain"
)

// defaultReadinessTimeout bounds a single dependency ping. Fulfillment sits
// between the storefront and the payment gateway, so readiness must answer
// fast even when a dependency is wedged.
const defaultReadinessTimeout = 1500 * time.Millisecond

// ReadinessCheck pings one downstream dependency the fulfillment flow cannot
// run without, such as the order store or the event topic.
type ReadinessCheck struct {
	Name    string
	Timeout time.Duration
	Ping    func(context.Context) error
}

// ReadinessOption customises the readiness repository.
type ReadinessOption func(*readinessRepository)

// WithReadinessTimeout replaces the fallback timeout used by checks that do
// not carry their own.
func WithReadinessTimeout(timeout time.Duration) ReadinessOption {
	return func(repo *readinessRepository) {
		if timeout > 0 {
			repo.fallbackTimeout = timeout
		}
	}
}

// WithReadinessClock injects the clock, for tests.
func WithReadinessClock(clock func() time.Time) ReadinessOption {
	return func(repo *readinessRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type readinessRepository struct {
	checks          []ReadinessCheck
	fallbackTimeout time.Duration
	now             func() time.Time
}

var _ HealthRepository = (*readinessRepository)(nil)

// NewReadinessRepository builds a HealthRepository over the given dependency
// checks. Malformed checks fail construction instead of surfacing later in a
// readiness response.
func NewReadinessRepository(checks []ReadinessCheck, opts ...ReadinessOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("readiness: at least one dependency check is required")
	}
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, errors.New("readiness: dependency check missing name")
		}
		if check.Ping == nil {
			return nil, fmt.Errorf("readiness: dependency %s missing ping function", check.Name)
		}
	}

	repo := &readinessRepository{
		checks:          append([]ReadinessCheck(nil), checks...),
		fallbackTimeout: defaultReadinessTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Collect pings every dependency in parallel and folds the results into one
// report. A slow dependency never delays the others.
func (r *readinessRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("readiness: context is required")
	}

	results := make(map[string]domain.SystemHealthCheck, len(r.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	wg.Add(len(r.checks))
	for _, check := range r.checks {
		check := check
		go func() {
			defer wg.Done()
			result := r.ping(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	return domain.SystemHealthReport{
		Status:      worstStatus(results),
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}

func (r *readinessRepository) ping(ctx context.Context, check ReadinessCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.fallbackTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Ping(pingCtx)
	end := r.now()

	result := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}

	switch {
	case err == nil && pingCtx.Err() != nil:
		// The ping swallowed its context error.
		result.Status = domain.HealthStatusError
		result.Detail = pingCtx.Err().Error()
		result.Error = pingCtx.Err().Error()
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = domain.HealthStatusError
		result.Detail = "timeout"
		result.Error = err.Error()
	case errors.Is(err, context.Canceled):
		result.Status = domain.HealthStatusError
		result.Detail = "cancelled"
		result.Error = err.Error()
	default:
		result.Status = domain.HealthStatusDegraded
		result.Detail = err.Error()
		result.Error = err.Error()
	}
	return result
}

// worstStatus folds check results: any error fails readiness outright, any
// other non-ok result degrades it.
func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK:
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
