package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/craftlane/fulfillment/internal/platform/firestore"
	"github.com/craftlane/fulfillment/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract so the DI container can hand services a
// single dependency.
type Registry struct {
	provider *pfirestore.Provider

	orders   *OrderRepository
	refunds  *RefundRequestRepository
	payments *PaymentRepository
	stock    *StockRepository
	audit    *AuditLogRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every Firestore repository against the shared provider.
// The health repository is supplied by the caller because its check set spans
// dependencies beyond Firestore.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}
	if health == nil {
		return nil, errors.New("registry: health repository is required")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: orders: %w", err)
	}
	refunds, err := NewRefundRequestRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: refund requests: %w", err)
	}
	paymentsRepo, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: payments: %w", err)
	}
	stock, err := NewStockRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: stock: %w", err)
	}
	audit, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: audit logs: %w", err)
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: counters: %w", err)
	}

	return &Registry{
		provider: provider,
		orders:   orders,
		refunds:  refunds,
		payments: paymentsRepo,
		stock:    stock,
		audit:    audit,
		counters: counters,
		health:   health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) RefundRequests() repositories.RefundRequestRepository { return r.refunds }
func (r *Registry) Payments() repositories.PaymentRepository             { return r.payments }
func (r *Registry) Stock() repositories.StockRepository                  { return r.stock }
func (r *Registry) AuditLogs() repositories.AuditLogRepository           { return r.audit }
func (r *Registry) Counters() repositories.CounterRepository             { return r.counters }
func (r *Registry) Health() repositories.HealthRepository                { return r.health }

// RunInTx executes fn inside a Firestore transaction. The callback receives a
// context only; repositories invoked from it still issue their own reads and
// writes, so fn should restrict itself to operations that tolerate the
// transaction retry semantics.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry: firestore provider is required")
	}
	if fn == nil {
		return errors.New("registry: transaction callback is required")
	}
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return fn(txCtx)
	})
}
