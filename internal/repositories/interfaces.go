package repositories

import (
	"context"
	"time"

	domain "github.com/craftlane/fulfillment/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	RefundRequests() RefundRequestRepository
	Payments() PaymentRepository
	Stock() StockRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers and provides query helpers for users and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// RefundRequestRepository persists refund requests keyed by order.
type RefundRequestRepository interface {
	Insert(ctx context.Context, request domain.RefundRequest) error
	Update(ctx context.Context, request domain.RefundRequest) error
	FindByID(ctx context.Context, requestID string) (domain.RefundRequest, error)
	// FindActiveByOrder returns the single non-terminal request for the order,
	// or a not-found error when every request is terminal.
	FindActiveByOrder(ctx context.Context, orderID string) (domain.RefundRequest, error)
	// ClaimInventoryRestore atomically flips the request's inventory-restored
	// flag. It fails with a conflict error when the flag is already set, so
	// stock restoration runs at most once per refund no matter how callers
	// interleave.
	ClaimInventoryRestore(ctx context.Context, requestID string, at time.Time) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRequest, error)
	List(ctx context.Context, filter RefundListFilter) (domain.CursorPage[domain.RefundRequest], error)
}

// PaymentRepository stores settlement records underneath an order.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
	// LatestCompletedByOrder returns the most recently created completed payment
	// for the order. Used to recover a capture reference when the order header
	// lacks one.
	LatestCompletedByOrder(ctx context.Context, orderID string) (domain.Payment, error)
}

// StockRepository manages on-hand inventory with transactional guarantees.
type StockRepository interface {
	FindBySKU(ctx context.Context, sku string) (domain.StockUnit, error)
	ListByProduct(ctx context.Context, productRef string) ([]domain.StockUnit, error)
	// Deduct conditionally decrements on-hand stock. It fails with a conflict
	// error when fewer than quantity units are on hand; it never drives stock
	// negative.
	Deduct(ctx context.Context, req StockAdjustRequest) (domain.StockUnit, error)
	// Restore unconditionally increments on-hand stock.
	Restore(ctx context.Context, req StockAdjustRequest) (domain.StockUnit, error)
	// HighestStockedForProduct returns the unit under productRef with the most
	// on-hand stock, for fallback deduction when a SKU lookup misses.
	HighestStockedForProduct(ctx context.Context, productRef string) (domain.StockUnit, error)
	ListLowStock(ctx context.Context, query LowStockQuery) (domain.CursorPage[domain.StockUnit], error)
	AppendEvent(ctx context.Context, event domain.StockEvent) error
}

// StockAdjustRequest carries one stock adjustment and its provenance.
type StockAdjustRequest struct {
	SKU        string
	ProductRef string
	Quantity   int
	OrderRef   string
	RefundRef  string
	Now        time.Time
}

// LowStockQuery controls pagination and threshold filtering for low stock listings.
type LowStockQuery struct {
	Threshold int
	PageSize  int
	PageToken string
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID     string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type RefundListFilter struct {
	OrderID    string
	UserID     string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
