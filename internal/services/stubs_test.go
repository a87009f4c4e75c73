package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/repositories"
)

// testRepoError implements repositories.RepositoryError for stub failures.
type testRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e testRepoError) Error() string       { return e.msg }
func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return e.conflict }
func (e testRepoError) IsUnavailable() bool { return e.unavailable }

func notFoundErr(msg string) error { return testRepoError{msg: msg, notFound: true} }
func conflictErr(msg string) error { return testRepoError{msg: msg, conflict: true} }

type stubOrderRepo struct {
	insertFn     func(context.Context, domain.Order) error
	updateFn     func(context.Context, domain.Order) error
	findFn       func(context.Context, string) (domain.Order, error)
	findNumberFn func(context.Context, string) (domain.Order, error)
	listFn       func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if s.findNumberFn != nil {
		return s.findNumberFn(ctx, orderNumber)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

// memoryOrderRepo backs multi-step transition tests with one mutable row.
type memoryOrderRepo struct {
	order   domain.Order
	updates int
}

func (m *memoryOrderRepo) Insert(_ context.Context, order domain.Order) error {
	m.order = order
	return nil
}

func (m *memoryOrderRepo) Update(_ context.Context, order domain.Order) error {
	m.order = order
	m.updates++
	return nil
}

func (m *memoryOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	if m.order.ID != orderID {
		return domain.Order{}, notFoundErr(fmt.Sprintf("order %s not found", orderID))
	}
	return m.order, nil
}

func (m *memoryOrderRepo) FindByNumber(_ context.Context, orderNumber string) (domain.Order, error) {
	if m.order.OrderNumber != orderNumber {
		return domain.Order{}, notFoundErr(fmt.Sprintf("order number %s not found", orderNumber))
	}
	return m.order, nil
}

func (m *memoryOrderRepo) List(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return domain.CursorPage[domain.Order]{Items: []domain.Order{m.order}}, nil
}

type stubRefundRepo struct {
	insertFn     func(context.Context, domain.RefundRequest) error
	updateFn     func(context.Context, domain.RefundRequest) error
	findFn       func(context.Context, string) (domain.RefundRequest, error)
	findActiveFn func(context.Context, string) (domain.RefundRequest, error)
	claimFn      func(context.Context, string, time.Time) error
	listOrderFn  func(context.Context, string) ([]domain.RefundRequest, error)
	listFn       func(context.Context, repositories.RefundListFilter) (domain.CursorPage[domain.RefundRequest], error)
}

func (s *stubRefundRepo) Insert(ctx context.Context, request domain.RefundRequest) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, request)
	}
	return nil
}

func (s *stubRefundRepo) Update(ctx context.Context, request domain.RefundRequest) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, request)
	}
	return nil
}

func (s *stubRefundRepo) FindByID(ctx context.Context, requestID string) (domain.RefundRequest, error) {
	if s.findFn != nil {
		return s.findFn(ctx, requestID)
	}
	return domain.RefundRequest{}, errors.New("not implemented")
}

func (s *stubRefundRepo) FindActiveByOrder(ctx context.Context, orderID string) (domain.RefundRequest, error) {
	if s.findActiveFn != nil {
		return s.findActiveFn(ctx, orderID)
	}
	return domain.RefundRequest{}, notFoundErr("no active refund")
}

func (s *stubRefundRepo) ClaimInventoryRestore(ctx context.Context, requestID string, at time.Time) error {
	if s.claimFn != nil {
		return s.claimFn(ctx, requestID, at)
	}
	return nil
}

func (s *stubRefundRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRequest, error) {
	if s.listOrderFn != nil {
		return s.listOrderFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubRefundRepo) List(ctx context.Context, filter repositories.RefundListFilter) (domain.CursorPage[domain.RefundRequest], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.RefundRequest]{}, nil
}

type stubPaymentRepo struct {
	insertFn          func(context.Context, domain.Payment) error
	updateFn          func(context.Context, domain.Payment) error
	findFn            func(context.Context, string) (domain.Payment, error)
	listOrderFn       func(context.Context, string) ([]domain.Payment, error)
	latestCompletedFn func(context.Context, string) (domain.Payment, error)
}

func (s *stubPaymentRepo) Insert(ctx context.Context, payment domain.Payment) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, payment)
	}
	return nil
}

func (s *stubPaymentRepo) Update(ctx context.Context, payment domain.Payment) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, payment)
	}
	return nil
}

func (s *stubPaymentRepo) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	if s.findFn != nil {
		return s.findFn(ctx, paymentID)
	}
	return domain.Payment{}, errors.New("not implemented")
}

func (s *stubPaymentRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	if s.listOrderFn != nil {
		return s.listOrderFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubPaymentRepo) LatestCompletedByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	if s.latestCompletedFn != nil {
		return s.latestCompletedFn(ctx, orderID)
	}
	return domain.Payment{}, notFoundErr("no completed payment")
}

type stubStockRepo struct {
	findSKUFn     func(context.Context, string) (domain.StockUnit, error)
	listProductFn func(context.Context, string) ([]domain.StockUnit, error)
	deductFn      func(context.Context, repositories.StockAdjustRequest) (domain.StockUnit, error)
	restoreFn     func(context.Context, repositories.StockAdjustRequest) (domain.StockUnit, error)
	highestFn     func(context.Context, string) (domain.StockUnit, error)
	listLowFn     func(context.Context, repositories.LowStockQuery) (domain.CursorPage[domain.StockUnit], error)
	appendFn      func(context.Context, domain.StockEvent) error
}

func (s *stubStockRepo) FindBySKU(ctx context.Context, sku string) (domain.StockUnit, error) {
	if s.findSKUFn != nil {
		return s.findSKUFn(ctx, sku)
	}
	return domain.StockUnit{}, notFoundErr("no unit")
}

func (s *stubStockRepo) ListByProduct(ctx context.Context, productRef string) ([]domain.StockUnit, error) {
	if s.listProductFn != nil {
		return s.listProductFn(ctx, productRef)
	}
	return nil, nil
}

func (s *stubStockRepo) Deduct(ctx context.Context, req repositories.StockAdjustRequest) (domain.StockUnit, error) {
	if s.deductFn != nil {
		return s.deductFn(ctx, req)
	}
	return domain.StockUnit{}, errors.New("not implemented")
}

func (s *stubStockRepo) Restore(ctx context.Context, req repositories.StockAdjustRequest) (domain.StockUnit, error) {
	if s.restoreFn != nil {
		return s.restoreFn(ctx, req)
	}
	return domain.StockUnit{}, errors.New("not implemented")
}

func (s *stubStockRepo) HighestStockedForProduct(ctx context.Context, productRef string) (domain.StockUnit, error) {
	if s.highestFn != nil {
		return s.highestFn(ctx, productRef)
	}
	return domain.StockUnit{}, notFoundErr("no unit for product")
}

func (s *stubStockRepo) ListLowStock(ctx context.Context, query repositories.LowStockQuery) (domain.CursorPage[domain.StockUnit], error) {
	if s.listLowFn != nil {
		return s.listLowFn(ctx, query)
	}
	return domain.CursorPage[domain.StockUnit]{}, nil
}

func (s *stubStockRepo) AppendEvent(ctx context.Context, event domain.StockEvent) error {
	if s.appendFn != nil {
		return s.appendFn(ctx, event)
	}
	return nil
}

type stubCounterRepo struct {
	nextFn func(context.Context, string, int64) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 0, nil
}

func (s *stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

// stubStockService records deduct/restore invocations from the order and
// refund services.
type stubStockService struct {
	deductCalls  []StockDeductCommand
	restoreCalls []StockRestoreCommand
	deductErr    error
	restoreErr   error
	result       StockBatchResult
}

func (s *stubStockService) DeductForOrder(_ context.Context, cmd StockDeductCommand) (StockBatchResult, error) {
	s.deductCalls = append(s.deductCalls, cmd)
	if s.deductErr != nil {
		return StockBatchResult{}, s.deductErr
	}
	return s.result, nil
}

func (s *stubStockService) RestoreForRefund(_ context.Context, cmd StockRestoreCommand) (StockBatchResult, error) {
	s.restoreCalls = append(s.restoreCalls, cmd)
	if s.restoreErr != nil {
		return StockBatchResult{}, s.restoreErr
	}
	return s.result, nil
}

func (s *stubStockService) ListLowStock(context.Context, LowStockFilter) (domain.CursorPage[StockUnit], error) {
	return domain.CursorPage[StockUnit]{}, errors.New("not implemented")
}

type captureEvents struct {
	events []LifecycleEvent
	err    error
}

func (c *captureEvents) Publish(_ context.Context, event LifecycleEvent) (string, error) {
	c.events = append(c.events, event)
	if c.err != nil {
		return "", c.err
	}
	return fmt.Sprintf("msg-%d", len(c.events)), nil
}

func (c *captureEvents) ofType(eventType string) []LifecycleEvent {
	var out []LifecycleEvent
	for _, event := range c.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type captureAudit struct {
	records []AuditLogRecord
}

func (c *captureAudit) Record(_ context.Context, record AuditLogRecord) {
	c.records = append(c.records, record)
}

func (c *captureAudit) List(context.Context, AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	return domain.CursorPage[AuditLogEntry]{}, errors.New("not implemented")
}

type stubUnitOfWork struct {
	runFn func(context.Context, func(context.Context) error) error
}

func (s *stubUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.runFn != nil {
		return s.runFn(ctx, fn)
	}
	return fn(ctx)
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%02d", prefix, n)
	}
}
