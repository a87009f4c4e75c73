package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/services"
)

type stubStockService struct {
	deductFn  func(context.Context, services.StockDeductCommand) (services.StockBatchResult, error)
	restoreFn func(context.Context, services.StockRestoreCommand) (services.StockBatchResult, error)
	listLowFn func(context.Context, services.LowStockFilter) (domain.CursorPage[services.StockUnit], error)
}

func (s *stubStockService) DeductForOrder(ctx context.Context, cmd services.StockDeductCommand) (services.StockBatchResult, error) {
	if s.deductFn != nil {
		return s.deductFn(ctx, cmd)
	}
	return services.StockBatchResult{}, errors.New("not implemented")
}

func (s *stubStockService) RestoreForRefund(ctx context.Context, cmd services.StockRestoreCommand) (services.StockBatchResult, error) {
	if s.restoreFn != nil {
		return s.restoreFn(ctx, cmd)
	}
	return services.StockBatchResult{}, errors.New("not implemented")
}

func (s *stubStockService) ListLowStock(ctx context.Context, filter services.LowStockFilter) (domain.CursorPage[services.StockUnit], error) {
	if s.listLowFn != nil {
		return s.listLowFn(ctx, filter)
	}
	return domain.CursorPage[services.StockUnit]{}, errors.New("not implemented")
}

type stubAuditService struct {
	recordFn func(context.Context, services.AuditLogRecord)
	listFn   func(context.Context, services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error)
}

func (s *stubAuditService) Record(ctx context.Context, record services.AuditLogRecord) {
	if s.recordFn != nil {
		s.recordFn(ctx, record)
	}
}

func (s *stubAuditService) List(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.AuditLogEntry]{}, errors.New("not implemented")
}

func newAdminRouter(h *AdminHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/admin", h.Routes)
	return router
}

func TestAdminHandlersApplyOrderAction(t *testing.T) {
	var captured services.AdminActionCommand
	orders := &stubOrderService{
		actionFn: func(ctx context.Context, cmd services.AdminActionCommand) (services.Order, error) {
			captured = cmd
			return services.Order{
				ID:     cmd.OrderID,
				Status: domain.OrderStatusPendingPayment,
			}, nil
		},
	}

	router := newAdminRouter(NewAdminHandlers(orders, nil, nil, nil))

	body := `{
		"action": "Approve",
		"reason": "design looks good",
		"expected_status": "pending",
		"metadata": {"ticket": "OPS-42"}
	}`
	req := withActor(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1:action", strings.NewReader(body)), "ops-1", "admin")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.OrderID != "ord_1" {
		t.Fatalf("expected order id ord_1, got %s", captured.OrderID)
	}
	if captured.Action != domain.AdminActionApprove {
		t.Fatalf("expected action normalised to approve, got %s", captured.Action)
	}
	if captured.ActorID != "ops-1" {
		t.Fatalf("expected actor ops-1, got %s", captured.ActorID)
	}
	if captured.Reason != "design looks good" {
		t.Fatalf("unexpected reason %q", captured.Reason)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusPending {
		t.Fatalf("expected expected_status pending, got %#v", captured.ExpectedStatus)
	}
	if captured.Metadata["ticket"] != "OPS-42" {
		t.Fatalf("expected metadata forwarded, got %#v", captured.Metadata)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.Status != string(domain.OrderStatusPendingPayment) {
		t.Fatalf("unexpected order status %s", resp.Order.Status)
	}
}

func TestAdminHandlersRejectsUnknownAction(t *testing.T) {
	router := newAdminRouter(NewAdminHandlers(&stubOrderService{}, nil, nil, nil))

	body := `{"action":"escalate"}`
	req := withActor(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1:action", strings.NewReader(body)), "ops-1", "admin")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminHandlersRejectsInvalidExpectedStatus(t *testing.T) {
	router := newAdminRouter(NewAdminHandlers(&stubOrderService{}, nil, nil, nil))

	body := `{"action":"ship","expected_status":"limbo"}`
	req := withActor(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1:action", strings.NewReader(body)), "ops-1", "admin")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminHandlersRequireAdminActor(t *testing.T) {
	router := newAdminRouter(NewAdminHandlers(&stubOrderService{}, nil, nil, nil))

	req := withActor(httptest.NewRequest(http.MethodGet, "/admin/orders", nil), "user-1", "user")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestAdminHandlersApproveRefundToleratesEmptyBody(t *testing.T) {
	var captured services.ApproveRefundCommand
	refunds := &stubRefundService{
		approveFn: func(ctx context.Context, cmd services.ApproveRefundCommand) (services.RefundRequest, error) {
			captured = cmd
			return services.RefundRequest{ID: cmd.RefundID, Status: domain.RefundStatusProcessing}, nil
		},
	}

	router := newAdminRouter(NewAdminHandlers(nil, refunds, nil, nil))

	req := withActor(httptest.NewRequest(http.MethodPost, "/admin/refunds/rfr_1:approve", nil), "ops-1", "admin")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.RefundID != "rfr_1" || captured.OperatorID != "ops-1" {
		t.Fatalf("unexpected approve command %#v", captured)
	}
}

func TestAdminHandlersRejectRefundRequiresBody(t *testing.T) {
	router := newAdminRouter(NewAdminHandlers(nil, &stubRefundService{}, nil, nil))

	req := withActor(httptest.NewRequest(http.MethodPost, "/admin/refunds/rfr_1:reject", nil), "ops-1", "admin")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminHandlersListRefundsUnknownStatus(t *testing.T) {
	router := newAdminRouter(NewAdminHandlers(nil, &stubRefundService{}, nil, nil))

	req := withActor(httptest.NewRequest(http.MethodGet, "/admin/refunds?status=stalled", nil), "ops-1", "admin")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminHandlersListLowStock(t *testing.T) {
	updated := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	var captured services.LowStockFilter
	stock := &stubStockService{
		listLowFn: func(ctx context.Context, filter services.LowStockFilter) (domain.CursorPage[services.StockUnit], error) {
			captured = filter
			return domain.CursorPage[services.StockUnit]{
				Items: []services.StockUnit{
					{SKU: "round-18", ProductRef: "prod_9", OnHand: 2, SafetyStock: 5, UpdatedAt: updated},
				},
				NextPageToken: "next",
			}, nil
		},
	}

	router := newAdminRouter(NewAdminHandlers(nil, nil, stock, nil))

	req := withActor(httptest.NewRequest(http.MethodGet, "/admin/stock/low?threshold=5&page_size=10", nil), "ops-1", "admin")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Threshold != 5 {
		t.Fatalf("expected threshold 5, got %d", captured.Threshold)
	}
	if captured.Pagination.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", captured.Pagination.PageSize)
	}

	var resp stockListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].SKU != "round-18" || resp.Items[0].OnHand != 2 {
		t.Fatalf("unexpected stock payload %#v", resp.Items)
	}
	if resp.NextPageToken != "next" {
		t.Fatalf("expected next page token, got %q", resp.NextPageToken)
	}
}

func TestAdminHandlersListLowStockInvalidThreshold(t *testing.T) {
	router := newAdminRouter(NewAdminHandlers(nil, nil, &stubStockService{}, nil))

	req := withActor(httptest.NewRequest(http.MethodGet, "/admin/stock/low?threshold=-1", nil), "ops-1", "admin")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminHandlersListAuditLogs(t *testing.T) {
	created := time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)
	amount := int64(1200)

	var captured services.AuditLogFilter
	audit := &stubAuditService{
		listFn: func(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error) {
			captured = filter
			return domain.CursorPage[services.AuditLogEntry]{
				Items: []services.AuditLogEntry{
					{
						ID:        "aud_1",
						Actor:     "ops-1",
						ActorType: "admin",
						Action:    "refund.approve",
						TargetRef: "refund_requests/rfr_1",
						Amount:    &amount,
						Severity:  "info",
						CreatedAt: created,
					},
				},
			}, nil
		},
	}

	router := newAdminRouter(NewAdminHandlers(nil, nil, nil, audit))

	target := "/admin/audit-logs?target_ref=refund_requests/rfr_1&actor=ops-1&actor_type=admin&action=refund.approve"
	req := withActor(httptest.NewRequest(http.MethodGet, target, nil), "ops-1", "admin")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TargetRef != "refund_requests/rfr_1" || captured.Actor != "ops-1" {
		t.Fatalf("unexpected filter %#v", captured)
	}
	if captured.ActorType != "admin" || captured.Action != "refund.approve" {
		t.Fatalf("unexpected filter %#v", captured)
	}

	var resp auditLogListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Action != "refund.approve" {
		t.Fatalf("unexpected audit payload %#v", resp.Items)
	}
	if resp.Items[0].Amount == nil || *resp.Items[0].Amount != 1200 {
		t.Fatalf("expected amount surfaced, got %#v", resp.Items[0].Amount)
	}
}
