package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/payments"
)

type stubGateway struct {
	refundFn func(context.Context, payments.PaymentContext, payments.RefundRequest) (payments.RefundResult, error)
	calls    []payments.RefundRequest
}

func (g *stubGateway) Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error) {
	g.calls = append(g.calls, req)
	if g.refundFn != nil {
		return g.refundFn(ctx, paymentCtx, req)
	}
	return payments.RefundResult{
		Provider: "stripe",
		RefundID: "re_stub",
		Status:   payments.StatusSucceeded,
		Amount:   valueOrZero(req.Amount),
	}, nil
}

func valueOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

type refundFixture struct {
	svc     RefundService
	orders  *memoryOrderRepo
	refunds *stubRefundRepo
	gateway *stubGateway
	stock   *stubStockService
	audit   *captureAudit
	events  *captureEvents
}

func newRefundFixture(t *testing.T, mutate func(*RefundServiceDeps)) *refundFixture {
	t.Helper()

	f := &refundFixture{
		orders:  &memoryOrderRepo{},
		refunds: &stubRefundRepo{},
		gateway: &stubGateway{},
		stock:   &stubStockService{},
		audit:   &captureAudit{},
		events:  &captureEvents{},
	}

	deps := RefundServiceDeps{
		Refunds: f.refunds,
		Orders:  f.orders,
		Stock:   f.stock,
		Gateway: f.gateway,
		Audit:   f.audit,
		Events:  f.events,
		Clock: func() time.Time {
			return time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
		},
		IDGenerator: sequentialIDs("01REF"),
	}
	if mutate != nil {
		mutate(&deps)
	}

	svc, err := NewRefundService(deps)
	if err != nil {
		t.Fatalf("NewRefundService: %v", err)
	}
	f.svc = svc
	return f
}

func deliveredOrder(id string) domain.Order {
	order := pendingOrder(id, domain.OrderStatusDelivered)
	deliveredAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	order.Fulfillment.DeliveredAt = &deliveredAt
	order.Payment = domain.PaymentInfo{
		Provider:  "stripe",
		CaptureID: "pi_123",
		Status:    domain.PaymentStatusCompleted,
	}
	return order
}

func TestRefundCreateRequestPersistsAndAudits(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)
	f.orders.order = deliveredOrder("ord_1")

	var inserted domain.RefundRequest
	f.refunds.insertFn = func(_ context.Context, request domain.RefundRequest) error {
		inserted = request
		return nil
	}

	request, err := f.svc.CreateRequest(ctx, CreateRefundCommand{
		OrderID: "ord_1",
		UserID:  "user-1",
		Reason:  domain.RefundReasonWrongItem,
		ActorID: "user-1",
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	if request.ID != "rfr_01REF01" {
		t.Fatalf("unexpected refund id %s", request.ID)
	}
	if request.Status != domain.RefundStatusPending {
		t.Fatalf("expected pending, got %s", request.Status)
	}
	if request.Type != domain.RefundTypeFull || request.Amount != 5200 {
		t.Fatalf("omitted amount must default to full remaining: %+v", request)
	}
	if inserted.ID != request.ID {
		t.Fatalf("request was not persisted")
	}

	if f.orders.order.Refund.Status != domain.OrderRefundRequested {
		t.Fatalf("order aggregate not moved to requested: %s", f.orders.order.Refund.Status)
	}
	if f.orders.order.Refund.FirstRequestedAt == nil {
		t.Fatalf("first requested timestamp not stamped")
	}

	if len(f.audit.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(f.audit.records))
	}
	record := f.audit.records[0]
	if record.Action != "refund.requested" || record.ActorType != "user" {
		t.Fatalf("unexpected audit record %+v", record)
	}
	if record.Amount == nil || *record.Amount != -5200 {
		t.Fatalf("audit amount must be the negative refund amount: %+v", record.Amount)
	}

	if got := f.events.ofType(refundEventRequested); len(got) != 1 {
		t.Fatalf("expected one requested event, got %d", len(got))
	}
}

func TestRefundCreateRequestRejectsDuplicateActive(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)
	f.orders.order = deliveredOrder("ord_1")

	f.refunds.findActiveFn = func(context.Context, string) (domain.RefundRequest, error) {
		return domain.RefundRequest{ID: "rfr_open", Status: domain.RefundStatusPending}, nil
	}
	f.refunds.insertFn = func(context.Context, domain.RefundRequest) error {
		t.Fatalf("duplicate request must not be inserted")
		return nil
	}

	_, err := f.svc.CreateRequest(ctx, CreateRefundCommand{
		OrderID: "ord_1",
		UserID:  "user-1",
		Reason:  domain.RefundReasonWrongItem,
	})
	if !errors.Is(err, ErrRefundConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRefundCreateRequestRejectsUnownedOrder(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)
	f.orders.order = deliveredOrder("ord_1")

	_, err := f.svc.CreateRequest(ctx, CreateRefundCommand{
		OrderID: "ord_1",
		UserID:  "user-2",
		Reason:  domain.RefundReasonWrongItem,
	})
	if !errors.Is(err, ErrRefundUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRefundCreateRequestRejectsNonRefundableStatus(t *testing.T) {
	ctx := context.Background()

	// Only orders at or past the production stage hold money to return.
	nonRefundable := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusPendingPayment,
		domain.OrderStatusApprovedProcessing,
		domain.OrderStatusPictureReplyPending,
		domain.OrderStatusPictureReplyApproved,
		domain.OrderStatusPictureReplyRejected,
		domain.OrderStatusReadyForProduction,
		domain.OrderStatusApproved,
		domain.OrderStatusProcessing,
	}
	for _, status := range nonRefundable {
		f := newRefundFixture(t, nil)
		f.orders.order = pendingOrder("ord_1", status)
		f.refunds.insertFn = func(context.Context, domain.RefundRequest) error {
			t.Fatalf("request for %s order must not be inserted", status)
			return nil
		}

		_, err := f.svc.CreateRequest(ctx, CreateRefundCommand{
			OrderID: "ord_1",
			UserID:  "user-1",
			Reason:  domain.RefundReasonWrongItem,
		})
		if !errors.Is(err, ErrRefundConflict) {
			t.Fatalf("status %s: expected conflict, got %v", status, err)
		}
	}

	for _, status := range []domain.OrderStatus{
		domain.OrderStatusInProduction,
		domain.OrderStatusReadyForCheckout,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	} {
		f := newRefundFixture(t, nil)
		order := deliveredOrder("ord_1")
		order.Status = status
		f.orders.order = order
		f.refunds.insertFn = func(context.Context, domain.RefundRequest) error { return nil }

		if _, err := f.svc.CreateRequest(ctx, CreateRefundCommand{
			OrderID: "ord_1",
			UserID:  "user-1",
			Reason:  domain.RefundReasonWrongItem,
		}); err != nil {
			t.Fatalf("status %s: expected request to open, got %v", status, err)
		}
	}
}

func TestRefundCreateRequestRejectsExcessAmount(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)
	order := deliveredOrder("ord_1")
	order.Refund.RefundedAmount = 2000
	f.orders.order = order

	_, err := f.svc.CreateRequest(ctx, CreateRefundCommand{
		OrderID: "ord_1",
		UserID:  "user-1",
		Reason:  domain.RefundReasonWrongItem,
		Amount:  valuePtr(int64(4000)),
	})
	if !errors.Is(err, ErrRefundInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRefundCreateRequestPartialAmountDerivesType(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)
	f.orders.order = deliveredOrder("ord_1")

	request, err := f.svc.CreateRequest(ctx, CreateRefundCommand{
		OrderID: "ord_1",
		UserID:  "user-1",
		Reason:  domain.RefundReasonWrongItem,
		Amount:  valuePtr(int64(1000)),
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if request.Type != domain.RefundTypePartial || request.Amount != 1000 {
		t.Fatalf("expected partial 1000, got %+v", request)
	}
}

func TestRefundCreateRequestRejectsTypeAmountMismatch(t *testing.T) {
	ctx := context.Background()

	// A "full" request covering less than the refundable balance lies about
	// its own scope, as does "partial" without an amount.
	cases := []CreateRefundCommand{
		{
			OrderID: "ord_1",
			UserID:  "user-1",
			Reason:  domain.RefundReasonWrongItem,
			Type:    domain.RefundTypeFull,
			Amount:  valuePtr(int64(1000)),
		},
		{
			OrderID: "ord_1",
			UserID:  "user-1",
			Reason:  domain.RefundReasonWrongItem,
			Type:    domain.RefundTypePartial,
		},
	}
	for _, cmd := range cases {
		f := newRefundFixture(t, nil)
		f.orders.order = deliveredOrder("ord_1")
		f.refunds.insertFn = func(context.Context, domain.RefundRequest) error {
			t.Fatalf("mismatched request must not be inserted")
			return nil
		}

		if _, err := f.svc.CreateRequest(ctx, cmd); !errors.Is(err, ErrRefundInvalidInput) {
			t.Fatalf("type %s amount %v: expected invalid input, got %v", cmd.Type, cmd.Amount, err)
		}
	}

	f := newRefundFixture(t, nil)
	f.orders.order = deliveredOrder("ord_1")
	request, err := f.svc.CreateRequest(ctx, CreateRefundCommand{
		OrderID: "ord_1",
		UserID:  "user-1",
		Reason:  domain.RefundReasonWrongItem,
		Type:    domain.RefundTypeFull,
		Amount:  valuePtr(int64(5200)),
	})
	if err != nil {
		t.Fatalf("full for the whole balance must pass: %v", err)
	}
	if request.Type != domain.RefundTypeFull || request.Amount != 5200 {
		t.Fatalf("unexpected request %+v", request)
	}
}

func TestRefundCreateRequestRejectsOutsideWindow(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)

	order := deliveredOrder("ord_1")
	deliveredAt := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	order.Fulfillment.DeliveredAt = &deliveredAt
	f.orders.order = order

	_, err := f.svc.CreateRequest(ctx, CreateRefundCommand{
		OrderID: "ord_1",
		UserID:  "user-1",
		Reason:  domain.RefundReasonWrongItem,
	})
	if !errors.Is(err, ErrRefundConflict) {
		t.Fatalf("expected conflict for elapsed window, got %v", err)
	}
}

func TestRefundCreateRequestWindowAnchorsOnDelivery(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)

	// Created long ago but delivered recently: still in window.
	order := deliveredOrder("ord_1")
	order.CreatedAt = time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	f.orders.order = order

	if _, err := f.svc.CreateRequest(ctx, CreateRefundCommand{
		OrderID: "ord_1",
		UserID:  "user-1",
		Reason:  domain.RefundReasonWrongItem,
	}); err != nil {
		t.Fatalf("delivery anchor must keep the window open: %v", err)
	}
}

func pendingRefund(id, orderID string) domain.RefundRequest {
	return domain.RefundRequest{
		ID:       id,
		OrderID:  orderID,
		UserID:   "user-1",
		Type:     domain.RefundTypeFull,
		Amount:   5200,
		Currency: "usd",
		Reason:   domain.RefundReasonWrongItem,
		Status:   domain.RefundStatusPending,
	}
}

func TestRefundApproveSettlesAndRestores(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)
	f.orders.order = deliveredOrder("ord_1")

	stored := pendingRefund("rfr_1", "ord_1")
	var persistedStatuses []domain.RefundStatus
	f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
		return stored, nil
	}
	f.refunds.updateFn = func(_ context.Context, request domain.RefundRequest) error {
		stored = request
		persistedStatuses = append(persistedStatuses, request.Status)
		return nil
	}

	f.gateway.refundFn = func(_ context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error) {
		// The processing state must be durable before the provider is called.
		if stored.Status != domain.RefundStatusProcessing {
			t.Fatalf("gateway called before processing was persisted: %s", stored.Status)
		}
		if req.CaptureID != "pi_123" || req.IdempotencyKey != "rfr_1" {
			t.Fatalf("unexpected gateway request %+v", req)
		}
		if paymentCtx.PreferredProvider != "stripe" {
			t.Fatalf("unexpected provider routing %+v", paymentCtx)
		}
		return payments.RefundResult{Provider: "stripe", RefundID: "re_99", Amount: 5200}, nil
	}

	request, err := f.svc.Approve(ctx, ApproveRefundCommand{
		RefundID:   "rfr_1",
		OperatorID: "admin-1",
	})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if request.Status != domain.RefundStatusCompleted {
		t.Fatalf("expected completed, got %s", request.Status)
	}
	if request.ProviderRefundID != "re_99" {
		t.Fatalf("provider refund id not recorded: %+v", request)
	}
	if len(persistedStatuses) != 2 || persistedStatuses[0] != domain.RefundStatusProcessing || persistedStatuses[1] != domain.RefundStatusCompleted {
		t.Fatalf("unexpected persistence sequence %v", persistedStatuses)
	}

	if len(f.stock.restoreCalls) != 1 || f.stock.restoreCalls[0].RefundID != "rfr_1" {
		t.Fatalf("expected one restore call, got %+v", f.stock.restoreCalls)
	}

	order := f.orders.order
	if order.Refund.Status != domain.OrderRefundFull || order.Refund.RefundedAmount != 5200 {
		t.Fatalf("order aggregate not fully refunded: %+v", order.Refund)
	}
	if order.Status != domain.OrderStatusRefunded || order.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("full refund must close the order: status=%s payment=%s", order.Status, order.Payment.Status)
	}

	if len(f.audit.records) != 1 || f.audit.records[0].Action != "refund.completed" {
		t.Fatalf("expected completion audit, got %+v", f.audit.records)
	}
}

func TestRefundApprovePartialKeepsOrderOpen(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)
	f.orders.order = deliveredOrder("ord_1")

	stored := pendingRefund("rfr_1", "ord_1")
	stored.Type = domain.RefundTypePartial
	stored.Amount = 1000
	f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
		return stored, nil
	}
	f.refunds.updateFn = func(_ context.Context, request domain.RefundRequest) error {
		stored = request
		return nil
	}

	if _, err := f.svc.Approve(ctx, ApproveRefundCommand{RefundID: "rfr_1", OperatorID: "admin-1"}); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	order := f.orders.order
	if order.Refund.Status != domain.OrderRefundPartial || order.Refund.RefundedAmount != 1000 {
		t.Fatalf("expected partial aggregate, got %+v", order.Refund)
	}
	if order.Status != domain.OrderStatusDelivered {
		t.Fatalf("partial refund must not close the order: %s", order.Status)
	}
	if order.Payment.Status != domain.PaymentStatusPartiallyRefunded {
		t.Fatalf("expected partially refunded payment, got %s", order.Payment.Status)
	}
}

func TestRefundApproveWithoutCaptureRequiresIntervention(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)

	order := deliveredOrder("ord_1")
	order.Payment.CaptureID = ""
	f.orders.order = order

	stored := pendingRefund("rfr_1", "ord_1")
	f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
		return stored, nil
	}
	f.refunds.updateFn = func(_ context.Context, request domain.RefundRequest) error {
		stored = request
		return nil
	}

	request, err := f.svc.Approve(ctx, ApproveRefundCommand{RefundID: "rfr_1", OperatorID: "admin-1"})
	if !errors.Is(err, ErrRefundManualIntervention) {
		t.Fatalf("expected manual intervention, got %v", err)
	}
	if request.Status != domain.RefundStatusFailed || stored.Status != domain.RefundStatusFailed {
		t.Fatalf("request must land on failed, got %s", stored.Status)
	}
	if len(f.gateway.calls) != 0 {
		t.Fatalf("gateway must not be called without a capture id")
	}
	if len(f.stock.restoreCalls) != 0 {
		t.Fatalf("stock must not be restored for an unsettled refund")
	}
}

func TestRefundApproveResolvesCaptureFromPaymentRecord(t *testing.T) {
	ctx := context.Background()

	paymentsRepo := &stubPaymentRepo{
		latestCompletedFn: func(_ context.Context, orderID string) (domain.Payment, error) {
			return domain.Payment{ID: "pay_7", OrderID: orderID, CaptureID: "pi_from_record"}, nil
		},
	}
	f := newRefundFixture(t, func(deps *RefundServiceDeps) {
		deps.Payments = paymentsRepo
	})

	order := deliveredOrder("ord_1")
	order.Payment.CaptureID = ""
	f.orders.order = order

	stored := pendingRefund("rfr_1", "ord_1")
	f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
		return stored, nil
	}
	f.refunds.updateFn = func(_ context.Context, request domain.RefundRequest) error {
		stored = request
		return nil
	}

	request, err := f.svc.Approve(ctx, ApproveRefundCommand{RefundID: "rfr_1", OperatorID: "admin-1"})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if len(f.gateway.calls) != 1 || f.gateway.calls[0].CaptureID != "pi_from_record" {
		t.Fatalf("expected capture from payment record, got %+v", f.gateway.calls)
	}
	if request.PaymentID == nil || *request.PaymentID != "pay_7" {
		t.Fatalf("payment id not linked: %+v", request.PaymentID)
	}
}

func TestRefundApproveUsesManualCaptureFallback(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)

	order := deliveredOrder("ord_1")
	order.Payment.CaptureID = ""
	f.orders.order = order

	stored := pendingRefund("rfr_1", "ord_1")
	f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
		return stored, nil
	}
	f.refunds.updateFn = func(_ context.Context, request domain.RefundRequest) error {
		stored = request
		return nil
	}

	if _, err := f.svc.Approve(ctx, ApproveRefundCommand{
		RefundID:        "rfr_1",
		OperatorID:      "admin-1",
		ManualCaptureID: "pi_manual",
	}); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if len(f.gateway.calls) != 1 || f.gateway.calls[0].CaptureID != "pi_manual" {
		t.Fatalf("expected operator-supplied capture, got %+v", f.gateway.calls)
	}
}

func TestRefundApproveGatewayUnknownCapture(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)
	f.orders.order = deliveredOrder("ord_1")

	stored := pendingRefund("rfr_1", "ord_1")
	f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
		return stored, nil
	}
	f.refunds.updateFn = func(_ context.Context, request domain.RefundRequest) error {
		stored = request
		return nil
	}
	f.gateway.refundFn = func(context.Context, payments.PaymentContext, payments.RefundRequest) (payments.RefundResult, error) {
		return payments.RefundResult{}, payments.NewGatewayError(payments.KindNotFound, "stripe", "resource_missing", "no such payment_intent", nil)
	}

	_, err := f.svc.Approve(ctx, ApproveRefundCommand{RefundID: "rfr_1", OperatorID: "admin-1"})
	if !errors.Is(err, ErrRefundManualIntervention) {
		t.Fatalf("unknown capture must demand intervention, got %v", err)
	}
	if stored.Status != domain.RefundStatusFailed || stored.FailureReason == "" {
		t.Fatalf("failure must be recorded: %+v", stored)
	}
}

func TestRefundApproveTransientFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)
	f.orders.order = deliveredOrder("ord_1")

	stored := pendingRefund("rfr_1", "ord_1")
	f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
		return stored, nil
	}
	f.refunds.updateFn = func(_ context.Context, request domain.RefundRequest) error {
		stored = request
		return nil
	}

	attempts := 0
	f.gateway.refundFn = func(_ context.Context, _ payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error) {
		attempts++
		if attempts == 1 {
			return payments.RefundResult{}, payments.NewGatewayError(payments.KindTransient, "stripe", "", "rate limited", nil)
		}
		return payments.RefundResult{Provider: "stripe", RefundID: "re_retry", Amount: valueOrZero(req.Amount)}, nil
	}

	_, err := f.svc.Approve(ctx, ApproveRefundCommand{RefundID: "rfr_1", OperatorID: "admin-1"})
	if err == nil || errors.Is(err, ErrRefundManualIntervention) {
		t.Fatalf("transient failure must surface as a plain error, got %v", err)
	}
	if stored.Status != domain.RefundStatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}

	// Failed is retryable: a second approve settles.
	retried, err := f.svc.Approve(ctx, ApproveRefundCommand{RefundID: "rfr_1", OperatorID: "admin-1"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != domain.RefundStatusCompleted || retried.ProviderRefundID != "re_retry" {
		t.Fatalf("retry must settle, got %+v", retried)
	}
	if retried.FailureReason != "" {
		t.Fatalf("settlement must clear the failure reason")
	}
}

func TestRefundApproveRejectsSettledRequest(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)
	f.orders.order = deliveredOrder("ord_1")

	f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
		request := pendingRefund("rfr_1", "ord_1")
		request.Status = domain.RefundStatusCompleted
		return request, nil
	}

	_, err := f.svc.Approve(ctx, ApproveRefundCommand{RefundID: "rfr_1", OperatorID: "admin-1"})
	if !errors.Is(err, ErrRefundInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestRefundRejectResetsOrderAggregate(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)

	order := deliveredOrder("ord_1")
	order.Refund.Status = domain.OrderRefundRequested
	f.orders.order = order

	stored := pendingRefund("rfr_1", "ord_1")
	f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
		return stored, nil
	}
	f.refunds.updateFn = func(_ context.Context, request domain.RefundRequest) error {
		stored = request
		return nil
	}

	request, err := f.svc.Reject(ctx, RejectRefundCommand{
		RefundID:   "rfr_1",
		OperatorID: "admin-1",
		Reason:     "insufficient evidence",
	})
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if request.Status != domain.RefundStatusRejected {
		t.Fatalf("expected rejected, got %s", request.Status)
	}
	if request.OperatorNotes != "insufficient evidence" {
		t.Fatalf("reason must be kept as operator note: %q", request.OperatorNotes)
	}
	if f.orders.order.Refund.Status != domain.OrderRefundNone {
		t.Fatalf("aggregate must reset to none, got %s", f.orders.order.Refund.Status)
	}
}

func TestRefundRejectKeepsPartialAggregate(t *testing.T) {
	ctx := context.Background()
	f := newRefundFixture(t, nil)

	// A later request being rejected must not erase money already returned.
	order := deliveredOrder("ord_1")
	order.Refund.Status = domain.OrderRefundPartial
	order.Refund.RefundedAmount = 2000
	f.orders.order = order

	stored := pendingRefund("rfr_2", "ord_1")
	f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
		return stored, nil
	}

	if _, err := f.svc.Reject(ctx, RejectRefundCommand{
		RefundID:   "rfr_2",
		OperatorID: "admin-1",
		Reason:     "second claim unsupported",
	}); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if f.orders.order.Refund.Status != domain.OrderRefundPartial {
		t.Fatalf("partial aggregate must survive rejection, got %s", f.orders.order.Refund.Status)
	}
	if f.orders.order.Refund.RefundedAmount != 2000 {
		t.Fatalf("refunded amount must survive rejection, got %d", f.orders.order.Refund.RefundedAmount)
	}
}

func TestRefundCancelOwnership(t *testing.T) {
	ctx := context.Background()

	newFixture := func() *refundFixture {
		f := newRefundFixture(t, nil)
		order := deliveredOrder("ord_1")
		order.Refund.Status = domain.OrderRefundRequested
		f.orders.order = order
		stored := pendingRefund("rfr_1", "ord_1")
		f.refunds.findFn = func(context.Context, string) (domain.RefundRequest, error) {
			return stored, nil
		}
		return f
	}

	f := newFixture()
	if _, err := f.svc.Cancel(ctx, CancelRefundCommand{RefundID: "rfr_1", ActingUserID: "user-2"}); !errors.Is(err, ErrRefundUnauthorized) {
		t.Fatalf("foreign user must not cancel, got %v", err)
	}

	f = newFixture()
	request, err := f.svc.Cancel(ctx, CancelRefundCommand{RefundID: "rfr_1", ActingUserID: "user-1"})
	if err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if request.Status != domain.RefundStatusCancelled {
		t.Fatalf("expected cancelled, got %s", request.Status)
	}
	if f.orders.order.Refund.Status != domain.OrderRefundNone {
		t.Fatalf("aggregate must reset, got %s", f.orders.order.Refund.Status)
	}

	f = newFixture()
	if _, err := f.svc.Cancel(ctx, CancelRefundCommand{RefundID: "rfr_1", ActingUserID: "admin-1", AsAdmin: true}); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}
