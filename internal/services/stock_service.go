package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/repositories"
)

const (
	stockEventDeducted = "stock.deducted"
	stockEventRestored = "stock.restored"
	stockEventLow      = "stock.low"

	stockSkipNotInventoried  = "not_inventoried"
	stockSkipCustomized      = "permanently_customized"
	stockSkipNoRestockReason = "no_restock_reason"
	stockSkipNoUnit          = "no_stock_unit"
	stockSkipInsufficient    = "insufficient_stock"
)

var (
	// ErrStockInvalidInput signals the caller provided invalid arguments.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockNotFound indicates the referenced order or refund could not be located.
	ErrStockNotFound = errors.New("stock: not found")
)

// StockServiceDeps bundles the collaborators required to construct a stock service.
type StockServiceDeps struct {
	Stock   repositories.StockRepository
	Orders  repositories.OrderRepository
	Refunds repositories.RefundRequestRepository
	Events  EventPublisher
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type stockService struct {
	stock   repositories.StockRepository
	orders  repositories.OrderRepository
	refunds repositories.RefundRequestRepository
	events  EventPublisher
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewStockService wires dependencies into a concrete StockService implementation.
func NewStockService(deps StockServiceDeps) (StockService, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock service: stock repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("stock service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockService{
		stock:   deps.Stock,
		orders:  deps.Orders,
		refunds: deps.Refunds,
		events:  deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// DeductForOrder decrements on-hand stock for every inventoried line of the
// order. The batch is best effort: lines that resolve no unit or lack stock
// are logged and skipped, never failing the batch.
func (s *stockService) DeductForOrder(ctx context.Context, cmd StockDeductCommand) (StockBatchResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return StockBatchResult{}, fmt.Errorf("%w: order id is required", ErrStockInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return StockBatchResult{}, s.mapRepositoryError(err)
	}

	now := s.now()
	var result StockBatchResult

	for _, item := range order.Items {
		if !item.Inventoried() {
			result.Skipped = append(result.Skipped, StockSkip{
				SKU:        item.SKU,
				ProductRef: item.ProductRef,
				Reason:     stockSkipNotInventoried,
			})
			continue
		}

		unit, ok := s.resolveUnit(ctx, item.SKU, item.ProductRef)
		if !ok {
			result.Skipped = append(result.Skipped, StockSkip{
				SKU:        item.SKU,
				ProductRef: item.ProductRef,
				Reason:     stockSkipNoUnit,
			})
			s.logger(ctx, "stock.deduct.no_unit", map[string]any{
				"order":   order.ID,
				"sku":     item.SKU,
				"product": item.ProductRef,
			})
			continue
		}

		updated, err := s.stock.Deduct(ctx, repositories.StockAdjustRequest{
			SKU:        unit.SKU,
			ProductRef: unit.ProductRef,
			Quantity:   item.Quantity,
			OrderRef:   order.ID,
			Now:        now,
		})
		if err != nil {
			result.Skipped = append(result.Skipped, StockSkip{
				SKU:        unit.SKU,
				ProductRef: unit.ProductRef,
				Reason:     skipReasonForAdjustError(err),
			})
			s.logger(ctx, "stock.deduct.failed", map[string]any{
				"order": order.ID,
				"sku":   unit.SKU,
				"error": err.Error(),
			})
			continue
		}

		result.Adjustments = append(result.Adjustments, StockAdjustment{
			SKU:        updated.SKU,
			ProductRef: updated.ProductRef,
			Delta:      -item.Quantity,
			OnHand:     updated.OnHand,
		})

		s.appendEvent(ctx, domain.StockEvent{
			Type:       stockEventDeducted,
			OrderRef:   order.ID,
			SKU:        updated.SKU,
			ProductRef: updated.ProductRef,
			Delta:      -item.Quantity,
			OnHand:     updated.OnHand,
			OccurredAt: now,
		})

		if updated.OnHand <= updated.SafetyStock {
			s.publishEvent(ctx, LifecycleEvent{
				Type:       stockEventLow,
				OrderID:    order.ID,
				SKU:        updated.SKU,
				ActorID:    cmd.ActorID,
				OccurredAt: now,
				Metadata: map[string]any{
					"onHand":      updated.OnHand,
					"safetyStock": updated.SafetyStock,
				},
			})
		}
	}

	return result, nil
}

// RestoreForRefund increments on-hand stock for the items covered by a
// settled refund. Restoration happens at most once per refund; the refund row
// records it. No-restock reasons and permanently customized lines are skipped
// silently.
func (s *stockService) RestoreForRefund(ctx context.Context, cmd StockRestoreCommand) (StockBatchResult, error) {
	if s.refunds == nil {
		return StockBatchResult{}, errors.New("stock service: refund repository not configured")
	}
	refundID := strings.TrimSpace(cmd.RefundID)
	if refundID == "" {
		return StockBatchResult{}, fmt.Errorf("%w: refund id is required", ErrStockInvalidInput)
	}

	refund, err := s.refunds.FindByID(ctx, refundID)
	if err != nil {
		return StockBatchResult{}, s.mapRepositoryError(err)
	}

	if refund.InventoryRestored {
		return StockBatchResult{}, nil
	}

	order, err := s.orders.FindByID(ctx, refund.OrderID)
	if err != nil {
		return StockBatchResult{}, s.mapRepositoryError(err)
	}

	now := s.now()

	// Claim the restore before adjusting any unit. A lost race surfaces as a
	// conflict and the whole batch becomes a no-op.
	if err := s.refunds.ClaimInventoryRestore(ctx, refund.ID, now); err != nil {
		if isConflict(err) {
			return StockBatchResult{}, nil
		}
		return StockBatchResult{}, s.mapRepositoryError(err)
	}

	var result StockBatchResult

	if !domain.ReasonRestocks(refund.Reason) {
		for _, item := range restorableLines(order, refund) {
			result.Skipped = append(result.Skipped, StockSkip{
				SKU:        item.SKU,
				ProductRef: item.ProductRef,
				Reason:     stockSkipNoRestockReason,
			})
		}
	} else {
		for _, item := range restorableLines(order, refund) {
			skip, ok := s.restoreLine(ctx, order, refund, item, now, &result)
			if !ok {
				result.Skipped = append(result.Skipped, skip)
			}
		}
	}

	return result, nil
}

func (s *stockService) restoreLine(ctx context.Context, order Order, refund RefundRequest, item OrderLineItem, now time.Time, result *StockBatchResult) (StockSkip, bool) {
	if !item.Inventoried() {
		return StockSkip{SKU: item.SKU, ProductRef: item.ProductRef, Reason: stockSkipNotInventoried}, false
	}
	if item.PermanentlyCustomized() {
		return StockSkip{SKU: item.SKU, ProductRef: item.ProductRef, Reason: stockSkipCustomized}, false
	}

	unit, ok := s.resolveUnit(ctx, item.SKU, item.ProductRef)
	if !ok {
		s.logger(ctx, "stock.restore.no_unit", map[string]any{
			"refund":  refund.ID,
			"sku":     item.SKU,
			"product": item.ProductRef,
		})
		return StockSkip{SKU: item.SKU, ProductRef: item.ProductRef, Reason: stockSkipNoUnit}, false
	}

	updated, err := s.stock.Restore(ctx, repositories.StockAdjustRequest{
		SKU:        unit.SKU,
		ProductRef: unit.ProductRef,
		Quantity:   item.Quantity,
		OrderRef:   order.ID,
		RefundRef:  refund.ID,
		Now:        now,
	})
	if err != nil {
		s.logger(ctx, "stock.restore.failed", map[string]any{
			"refund": refund.ID,
			"sku":    unit.SKU,
			"error":  err.Error(),
		})
		return StockSkip{SKU: unit.SKU, ProductRef: unit.ProductRef, Reason: err.Error()}, false
	}

	result.Adjustments = append(result.Adjustments, StockAdjustment{
		SKU:        updated.SKU,
		ProductRef: updated.ProductRef,
		Delta:      item.Quantity,
		OnHand:     updated.OnHand,
	})

	s.appendEvent(ctx, domain.StockEvent{
		Type:       stockEventRestored,
		OrderRef:   order.ID,
		RefundRef:  refund.ID,
		SKU:        updated.SKU,
		ProductRef: updated.ProductRef,
		Delta:      item.Quantity,
		OnHand:     updated.OnHand,
		OccurredAt: now,
	})

	return StockSkip{}, true
}

func (s *stockService) ListLowStock(ctx context.Context, filter LowStockFilter) (domain.CursorPage[StockUnit], error) {
	page, err := s.stock.ListLowStock(ctx, repositories.LowStockQuery{
		Threshold: filter.Threshold,
		PageSize:  filter.Pagination.PageSize,
		PageToken: filter.Pagination.PageToken,
	})
	if err != nil {
		return domain.CursorPage[StockUnit]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// resolveUnit looks the SKU up directly and falls back to the highest-stocked
// unit of the same product when the SKU misses or was never recorded.
func (s *stockService) resolveUnit(ctx context.Context, sku, productRef string) (domain.StockUnit, bool) {
	if sku = strings.TrimSpace(sku); sku != "" {
		unit, err := s.stock.FindBySKU(ctx, sku)
		if err == nil {
			return unit, true
		}
		if !isNotFound(err) {
			return domain.StockUnit{}, false
		}
	}

	unit, err := s.stock.HighestStockedForProduct(ctx, productRef)
	if err != nil {
		return domain.StockUnit{}, false
	}
	return unit, true
}

func (s *stockService) appendEvent(ctx context.Context, event domain.StockEvent) {
	if err := s.stock.AppendEvent(ctx, event); err != nil {
		s.logger(ctx, "stock.event.append.failed", map[string]any{
			"type":  event.Type,
			"sku":   event.SKU,
			"error": err.Error(),
		})
	}
}

func (s *stockService) publishEvent(ctx context.Context, event LifecycleEvent) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Publish(ctx, event); err != nil {
		s.logger(ctx, "stock.event.publish.failed", map[string]any{
			"type":  event.Type,
			"sku":   event.SKU,
			"error": err.Error(),
		})
	}
}

func (s *stockService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrStockNotFound, err)
	}
	return err
}

func (s *stockService) now() time.Time {
	return s.clock()
}

// restorableLines selects the order lines the refund covers. An itemized
// refund restores only the referenced SKUs at the refunded quantity; otherwise
// every order line is in scope.
func restorableLines(order Order, refund RefundRequest) []OrderLineItem {
	if len(refund.Items) == 0 {
		return order.Items
	}

	bySKU := make(map[string]OrderLineItem, len(order.Items))
	for _, item := range order.Items {
		bySKU[item.SKU] = item
	}

	lines := make([]OrderLineItem, 0, len(refund.Items))
	for _, ref := range refund.Items {
		item, ok := bySKU[ref.SKU]
		if !ok {
			continue
		}
		if ref.Quantity > 0 && ref.Quantity < item.Quantity {
			item.Quantity = ref.Quantity
		}
		lines = append(lines, item)
	}
	return lines
}

func skipReasonForAdjustError(err error) string {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return stockSkipInsufficient
		case repoErr.IsNotFound():
			return stockSkipNoUnit
		}
	}
	return err.Error()
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
