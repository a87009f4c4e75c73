package services

import (
	"context"
	"time"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderPhase         = domain.OrderPhase
	AdminAction        = domain.AdminAction
	OrderTotals        = domain.OrderTotals
	OrderLineItem      = domain.OrderLineItem
	OrderAudit         = domain.OrderAudit
	PaymentInfo        = domain.PaymentInfo
	PaymentStatus      = domain.PaymentStatus
	Fulfillment        = domain.Fulfillment
	RefundSummary      = domain.RefundSummary
	OrderRefundStatus  = domain.OrderRefundStatus
	RefundRequest      = domain.RefundRequest
	RefundStatus       = domain.RefundStatus
	RefundType         = domain.RefundType
	RefundReason       = domain.RefundReason
	RefundLineRef      = domain.RefundLineRef
	Payment            = domain.Payment
	StockUnit          = domain.StockUnit
	StockEvent         = domain.StockEvent
	AuditLogEntry      = domain.AuditLogEntry
	SystemHealthReport = domain.SystemHealthReport
)

// Filter aliases shared with the repository layer.
type (
	OrderListFilter  = repositories.OrderListFilter
	RefundListFilter = repositories.RefundListFilter
	AuditLogFilter   = repositories.AuditLogFilter
)

// LifecycleEvent is the single message shape published for order, refund, and
// stock changes. Consumers filter on Type; unset identifier fields are omitted
// from message attributes.
type LifecycleEvent struct {
	Type        string         `json:"type"`
	OrderID     string         `json:"orderId,omitempty"`
	OrderNumber string         `json:"orderNumber,omitempty"`
	RefundID    string         `json:"refundId,omitempty"`
	SKU         string         `json:"sku,omitempty"`
	ActorID     string         `json:"actorId,omitempty"`
	FromStatus  string         `json:"fromStatus,omitempty"`
	ToStatus    string         `json:"toStatus,omitempty"`
	Amount      *int64         `json:"amount,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EventPublisher emits lifecycle events for downstream consumers. Publish
// failures must be treated as fire-and-forget by callers: logged, never fatal.
type EventPublisher interface {
	Publish(ctx context.Context, event LifecycleEvent) (string, error)
}

// OrderService owns the order lifecycle: creation, reads, and the admin-driven
// status transitions including their stock side effects.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (OrderDetails, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	ApplyAdminAction(ctx context.Context, cmd AdminActionCommand) (Order, error)
}

// StockService is the inventory ledger: best-effort batch deduction on order
// commitment and at-most-once restoration on refund settlement.
type StockService interface {
	DeductForOrder(ctx context.Context, cmd StockDeductCommand) (StockBatchResult, error)
	RestoreForRefund(ctx context.Context, cmd StockRestoreCommand) (StockBatchResult, error)
	ListLowStock(ctx context.Context, filter LowStockFilter) (domain.CursorPage[StockUnit], error)
}

// RefundService orchestrates refund requests from creation through settlement.
type RefundService interface {
	CreateRequest(ctx context.Context, cmd CreateRefundCommand) (RefundRequest, error)
	GetRequest(ctx context.Context, refundID string) (RefundRequest, error)
	ListByOrder(ctx context.Context, orderID string) ([]RefundRequest, error)
	ListRequests(ctx context.Context, filter RefundListFilter) (domain.CursorPage[RefundRequest], error)
	Approve(ctx context.Context, cmd ApproveRefundCommand) (RefundRequest, error)
	Reject(ctx context.Context, cmd RejectRefundCommand) (RefundRequest, error)
	Cancel(ctx context.Context, cmd CancelRefundCommand) (RefundRequest, error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// Command and DTO definitions ------------------------------------------------

type CreateOrderCommand struct {
	UserID      string
	Currency    string
	Items       []OrderLineItem
	Totals      *OrderTotals
	OrderNumber *string
	Metadata    map[string]any
	ActorID     string
}

type OrderReadOptions struct {
	IncludePayments bool
	IncludeRefunds  bool
}

// OrderDetails bundles the order header with its optional sub-collections.
type OrderDetails struct {
	Order
	Payments []Payment
	Refunds  []RefundRequest
}

type AdminActionCommand struct {
	OrderID        string
	Action         AdminAction
	ActorID        string
	Reason         string
	Carrier        string
	TrackingNumber string
	ExpectedStatus *OrderStatus
	Metadata       map[string]any
}

type CreateRefundCommand struct {
	OrderID  string
	UserID   string
	Type     RefundType
	Amount   *int64
	Reason   RefundReason
	Items    []RefundLineRef
	Evidence []string
	ActorID  string
}

type ApproveRefundCommand struct {
	RefundID        string
	OperatorID      string
	OperatorNotes   string
	ManualCaptureID string
}

type RejectRefundCommand struct {
	RefundID   string
	OperatorID string
	Reason     string
}

type CancelRefundCommand struct {
	RefundID     string
	ActingUserID string
	AsAdmin      bool
}

type StockDeductCommand struct {
	OrderID string
	ActorID string
}

type StockRestoreCommand struct {
	RefundID string
	ActorID  string
}

type LowStockFilter struct {
	Threshold  int
	Pagination Pagination
}

// StockBatchResult reports per-item outcomes of a deduct/restore batch.
// Business-rule skips are results, not errors.
type StockBatchResult struct {
	Adjustments []StockAdjustment
	Skipped     []StockSkip
}

// StockAdjustment records one applied stock delta and the resulting on-hand count.
type StockAdjustment struct {
	SKU        string
	ProductRef string
	Delta      int
	OnHand     int
}

// StockSkip records one line the ledger declined to adjust and why.
type StockSkip struct {
	SKU        string
	ProductRef string
	Reason     string
}

// AuditLogRecord defines the payload accepted by the audit writer service.
// Refund settlements carry negative amounts for reporting symmetry with charges.
type AuditLogRecord struct {
	Actor      string
	ActorType  string
	Action     string
	TargetRef  string
	Amount     *int64
	Severity   string
	RequestID  string
	OccurredAt time.Time
	Metadata   map[string]any
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
