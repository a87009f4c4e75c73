package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventStockAlert    = "order.stock.alert"

	orderIDPrefix = "ord_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")

	errOrderPaymentRepositoryUnavailable = errors.New("order: payment repository not configured")
	errOrderRefundRepositoryUnavailable  = errors.New("order: refund repository not configured")
)

// adminActionTargets resolves each admin action to the status it lands on.
// Approve intentionally maps to pending_payment; the requested action is kept
// on the order so reporting still sees what the operator asked for.
var adminActionTargets = map[domain.AdminAction]domain.OrderStatus{
	domain.AdminActionApprove:             domain.OrderStatusPendingPayment,
	domain.AdminActionReject:              domain.OrderStatusRejected,
	domain.AdminActionRequestChanges:      domain.OrderStatusNeedsChanges,
	domain.AdminActionConfirmPayment:      domain.OrderStatusApprovedProcessing,
	domain.AdminActionRequestPictureReply: domain.OrderStatusPictureReplyPending,
	domain.AdminActionApprovePicture:      domain.OrderStatusPictureReplyApproved,
	domain.AdminActionRejectPicture:       domain.OrderStatusPictureReplyRejected,
	domain.AdminActionQueueProduction:     domain.OrderStatusReadyForProduction,
	domain.AdminActionStartProduction:     domain.OrderStatusInProduction,
	domain.AdminActionFinishProduction:    domain.OrderStatusReadyForCheckout,
	domain.AdminActionShip:                domain.OrderStatusShipped,
	domain.AdminActionDeliver:             domain.OrderStatusDelivered,
	domain.AdminActionUnship:              domain.OrderStatusReadyForCheckout,
	domain.AdminActionCancel:              domain.OrderStatusCancelled,
}

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {
		domain.OrderStatusPendingPayment, domain.OrderStatusRejected,
		domain.OrderStatusNeedsChanges, domain.OrderStatusCancelled,
	},
	domain.OrderStatusPendingPayment: {
		domain.OrderStatusApprovedProcessing, domain.OrderStatusCancelled, domain.OrderStatusRefunded,
	},
	domain.OrderStatusApprovedProcessing: {
		domain.OrderStatusPictureReplyPending, domain.OrderStatusReadyForProduction,
		domain.OrderStatusCancelled, domain.OrderStatusRefunded,
	},
	domain.OrderStatusPictureReplyPending: {
		domain.OrderStatusPictureReplyApproved, domain.OrderStatusPictureReplyRejected,
		domain.OrderStatusCancelled, domain.OrderStatusRefunded,
	},
	domain.OrderStatusPictureReplyApproved: {
		domain.OrderStatusReadyForProduction, domain.OrderStatusCancelled, domain.OrderStatusRefunded,
	},
	domain.OrderStatusPictureReplyRejected: {
		domain.OrderStatusPictureReplyPending, domain.OrderStatusNeedsChanges,
		domain.OrderStatusCancelled, domain.OrderStatusRefunded,
	},
	domain.OrderStatusReadyForProduction: {
		domain.OrderStatusInProduction, domain.OrderStatusPendingPayment,
		domain.OrderStatusCancelled, domain.OrderStatusRefunded,
	},
	domain.OrderStatusInProduction: {
		domain.OrderStatusReadyForCheckout, domain.OrderStatusCancelled, domain.OrderStatusRefunded,
	},
	domain.OrderStatusReadyForCheckout: {
		domain.OrderStatusShipped, domain.OrderStatusCancelled, domain.OrderStatusRefunded,
	},
	domain.OrderStatusShipped: {
		domain.OrderStatusDelivered, domain.OrderStatusReadyForCheckout, domain.OrderStatusRefunded,
	},
	domain.OrderStatusDelivered: {
		domain.OrderStatusRefunded,
	},

	// Historical statuses still move forward and out.
	domain.OrderStatusApproved: {
		domain.OrderStatusApprovedProcessing, domain.OrderStatusProcessing,
		domain.OrderStatusCancelled, domain.OrderStatusRefunded,
	},
	domain.OrderStatusProcessing: {
		domain.OrderStatusPictureReplyPending, domain.OrderStatusReadyForProduction,
		domain.OrderStatusCancelled, domain.OrderStatusRefunded,
	},
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
	Refunds     repositories.RefundRequestRepository
	Counters    repositories.CounterRepository
	Stock       StockService
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	refunds    repositories.RefundRequestRepository
	counters   repositories.CounterRepository
	stock      StockService
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     EventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		refunds:    deps.Refunds,
		counters:   deps.Counters,
		stock:      deps.Stock,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	currency := strings.TrimSpace(cmd.Currency)
	if currency == "" {
		return Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}

	items := make([]OrderLineItem, 0, len(cmd.Items))
	for i, item := range cmd.Items {
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if item.UnitPrice < 0 {
			return Order{}, fmt.Errorf("%w: item %d unit price must not be negative", ErrOrderInvalidInput, i)
		}
		line := item
		line.ProductRef = strings.TrimSpace(item.ProductRef)
		line.SKU = strings.TrimSpace(item.SKU)
		if line.Total == 0 {
			line.Total = line.UnitPrice * int64(line.Quantity)
		}
		items = append(items, line)
	}

	totals, err := resolveOrderTotals(cmd.Totals, items)
	if err != nil {
		return Order{}, err
	}

	now := s.now()

	order := Order{
		ID:        s.nextOrderID(),
		UserID:    userID,
		Status:    domain.OrderStatusPending,
		Currency:  currency,
		Totals:    totals,
		Items:     items,
		Refund:    RefundSummary{Status: domain.OrderRefundNone},
		Metadata:  cloneMap(cmd.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if cmd.OrderNumber != nil && strings.TrimSpace(*cmd.OrderNumber) != "" {
		order.OrderNumber = strings.TrimSpace(*cmd.OrderNumber)
	} else {
		number, err := s.generateOrderNumber(ctx, now)
		if err != nil {
			return Order{}, err
		}
		order.OrderNumber = number
	}

	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.CreatedBy = valuePtr(actor)
		order.Audit.UpdatedBy = valuePtr(actor)
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, LifecycleEvent{
		Type:        orderEventCreated,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		ActorID:     cmd.ActorID,
		ToStatus:    string(order.Status),
		OccurredAt:  now,
		Metadata:    maps.Clone(order.Metadata),
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (OrderDetails, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderDetails{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderDetails{}, s.mapRepositoryError(err)
	}

	details := OrderDetails{Order: order}

	if opts.IncludePayments {
		if s.payments == nil {
			return OrderDetails{}, errOrderPaymentRepositoryUnavailable
		}
		payments, err := s.payments.ListByOrder(ctx, orderID)
		if err != nil {
			return OrderDetails{}, s.mapRepositoryError(err)
		}
		details.Payments = payments
	}

	if opts.IncludeRefunds {
		if s.refunds == nil {
			return OrderDetails{}, errOrderRefundRepositoryUnavailable
		}
		refunds, err := s.refunds.ListByOrder(ctx, orderID)
		if err != nil {
			return OrderDetails{}, s.mapRepositoryError(err)
		}
		details.Refunds = refunds
	}

	return details, nil
}

func (s *orderService) GetOrderByNumber(ctx context.Context, orderNumber string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ApplyAdminAction(ctx context.Context, cmd AdminActionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	target, ok := adminActionTargets[cmd.Action]
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown admin action %q", ErrOrderInvalidInput, cmd.Action)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
		return Order{}, fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	now := s.now()
	prevStatus := order.Status

	if order.Status != target && !canTransition(order.Status, target) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, target)
	}

	order.Status = target
	order.RequestedAction = cmd.Action
	order.UpdatedAt = now
	if actor != "" {
		order.Audit.UpdatedBy = valuePtr(actor)
	}
	s.applyActionSideEffects(&order, cmd, now)

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	// Deduction fires only on entry into the committed phase from outside it.
	// That membership check is the sole guard: leaving the phase and coming
	// back deducts again.
	if order.Status.TriggersStockDeduction() && !prevStatus.TriggersStockDeduction() {
		s.deductStock(ctx, order, actor, now)
	}

	metadata := cloneMap(cmd.Metadata)
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata = ensureMap(metadata)
		metadata["reason"] = reason
	}
	metadata = ensureMap(metadata)
	metadata["action"] = string(cmd.Action)

	s.publishEvent(ctx, LifecycleEvent{
		Type:        orderEventStatusChanged,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		ActorID:     actor,
		FromStatus:  string(prevStatus),
		ToStatus:    string(order.Status),
		OccurredAt:  now,
		Metadata:    metadata,
	})

	return order, nil
}

// applyActionSideEffects stamps fulfilment timestamps and cancellation fields.
// Shipped/delivered timestamps are sticky; only an explicit un-ship clears them.
func (s *orderService) applyActionSideEffects(order *Order, cmd AdminActionCommand, now time.Time) {
	switch cmd.Action {
	case domain.AdminActionShip:
		if order.Fulfillment.ShippedAt == nil {
			order.Fulfillment.ShippedAt = &now
		}
		// Label creation may have populated these already; the caller's
		// values are a fallback, not an override.
		if order.Fulfillment.Carrier == "" {
			order.Fulfillment.Carrier = strings.TrimSpace(cmd.Carrier)
		}
		if order.Fulfillment.TrackingNumber == "" {
			order.Fulfillment.TrackingNumber = strings.TrimSpace(cmd.TrackingNumber)
		}
	case domain.AdminActionDeliver:
		if order.Fulfillment.DeliveredAt == nil {
			order.Fulfillment.DeliveredAt = &now
		}
	case domain.AdminActionUnship:
		order.Fulfillment.ShippedAt = nil
		order.Fulfillment.DeliveredAt = nil
		order.Fulfillment.TrackingNumber = ""
		order.Fulfillment.Carrier = ""
	case domain.AdminActionCancel:
		order.CancelReason = optionalString(strings.TrimSpace(cmd.Reason))
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	}
}

// deductStock runs the inventory side effect of a committed transition. The
// transition has already been persisted; ledger failures are logged and
// alerted, never surfaced to the caller.
func (s *orderService) deductStock(ctx context.Context, order Order, actor string, now time.Time) {
	if s.stock == nil {
		return
	}
	result, err := s.stock.DeductForOrder(ctx, StockDeductCommand{
		OrderID: order.ID,
		ActorID: actor,
	})
	if err != nil {
		s.logger(ctx, "order.stock.deduct.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
		s.publishEvent(ctx, LifecycleEvent{
			Type:        orderEventStockAlert,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			ActorID:     actor,
			Reason:      err.Error(),
			OccurredAt:  now,
		})
		return
	}
	for _, skip := range result.Skipped {
		s.logger(ctx, "order.stock.deduct.skipped", map[string]any{
			"order":  order.ID,
			"sku":    skip.SKU,
			"reason": skip.Reason,
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CL-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event LifecycleEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if _, err := s.events.Publish(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.ToStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func resolveOrderTotals(totals *OrderTotals, items []OrderLineItem) (OrderTotals, error) {
	if totals == nil {
		var subtotal int64
		for _, item := range items {
			subtotal += item.Total
		}
		return OrderTotals{Subtotal: subtotal, Total: subtotal}, nil
	}

	t := *totals
	if t.Subtotal < 0 || t.Shipping < 0 || t.Tax < 0 || t.Total < 0 {
		return OrderTotals{}, fmt.Errorf("%w: totals must not be negative", ErrOrderInvalidInput)
	}
	if t.Total != t.Subtotal+t.Shipping+t.Tax {
		return OrderTotals{}, fmt.Errorf("%w: total must equal subtotal + shipping + tax", ErrOrderInvalidInput)
	}
	return t, nil
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func ensureMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	return src
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}
