package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/platform/httpx"
	"github.com/craftlane/fulfillment/internal/services"
)

const (
	defaultAdminPageSize = 50
	maxAdminPageSize     = 200
	maxAdminBodySize     = 32 * 1024
)

var validAdminActions = map[domain.AdminAction]struct{}{
	domain.AdminActionApprove:             {},
	domain.AdminActionReject:              {},
	domain.AdminActionRequestChanges:      {},
	domain.AdminActionConfirmPayment:      {},
	domain.AdminActionRequestPictureReply: {},
	domain.AdminActionApprovePicture:      {},
	domain.AdminActionRejectPicture:       {},
	domain.AdminActionQueueProduction:     {},
	domain.AdminActionStartProduction:     {},
	domain.AdminActionFinishProduction:    {},
	domain.AdminActionShip:                {},
	domain.AdminActionDeliver:             {},
	domain.AdminActionUnship:              {},
	domain.AdminActionCancel:              {},
}

var validRefundStatuses = map[domain.RefundStatus]struct{}{
	domain.RefundStatusPending:     {},
	domain.RefundStatusUnderReview: {},
	domain.RefundStatusProcessing:  {},
	domain.RefundStatusCompleted:   {},
	domain.RefundStatusFailed:      {},
	domain.RefundStatusRejected:    {},
	domain.RefundStatusCancelled:   {},
}

// AdminHandlers exposes the operator surface: order review actions, refund
// settlement, stock monitoring, and the audit trail.
type AdminHandlers struct {
	orders  services.OrderService
	refunds services.RefundService
	stock   services.StockService
	audit   services.AuditLogService
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(orders services.OrderService, refunds services.RefundService, stock services.StockService, audit services.AuditLogService) *AdminHandlers {
	return &AdminHandlers{
		orders:  orders,
		refunds: refunds,
		stock:   stock,
		audit:   audit,
	}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(RequireActor(actorTypeAdmin))
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:action", h.applyOrderAction)
	r.Get("/refunds", h.listRefunds)
	r.Post("/refunds/{refundID}:approve", h.approveRefund)
	r.Post("/refunds/{refundID}:reject", h.rejectRefund)
	r.Get("/stock/low", h.listLowStock)
	r.Get("/audit-logs", h.listAuditLogs)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	statusFilters := parseFilterValues(r.URL.Query()["status"])
	for _, status := range statusFilters {
		if _, ok := validOrderStatuses[domain.OrderStatus(status)]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown order status", http.StatusBadRequest))
			return
		}
	}

	dateRange, err := parseDateRange(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	pagination, err := parsePagination(r, defaultAdminPageSize, maxAdminPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID:     strings.TrimSpace(r.URL.Query().Get("user_id")),
		Status:     statusFilters,
		DateRange:  dateRange,
		Pagination: pagination,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	details, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{
		IncludePayments: true,
		IncludeRefunds:  true,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := orderDetailsResponse{
		Order:    buildOrderPayload(details.Order),
		Payments: buildPaymentPayloads(details.Payments),
	}
	for _, refund := range details.Refunds {
		payload.Refunds = append(payload.Refunds, buildRefundPayload(refund))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

type adminOrderActionRequest struct {
	Action         string         `json:"action"`
	Reason         string         `json:"reason"`
	Carrier        string         `json:"carrier"`
	TrackingNumber string         `json:"tracking_number"`
	ExpectedStatus string         `json:"expected_status"`
	Metadata       map[string]any `json:"metadata"`
}

func (h *AdminHandlers) applyOrderAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := requestActor(r)

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req adminOrderActionRequest
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	action := domain.AdminAction(strings.ToLower(strings.TrimSpace(req.Action)))
	if _, ok := validAdminActions[action]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "action must be a known admin action", http.StatusBadRequest))
		return
	}

	cmd := services.AdminActionCommand{
		OrderID:        orderID,
		Action:         action,
		ActorID:        actor.ID,
		Reason:         strings.TrimSpace(req.Reason),
		Carrier:        strings.TrimSpace(req.Carrier),
		TrackingNumber: strings.TrimSpace(req.TrackingNumber),
		Metadata:       cloneMap(req.Metadata),
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		status := domain.OrderStatus(strings.ToLower(raw))
		if _, ok := validOrderStatuses[status]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &status
	}

	order, err := h.orders.ApplyAdminAction(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_service_unavailable", "refund service unavailable", http.StatusServiceUnavailable))
		return
	}

	statusFilters := parseFilterValues(r.URL.Query()["status"])
	for _, status := range statusFilters {
		if _, ok := validRefundStatuses[domain.RefundStatus(status)]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown refund status", http.StatusBadRequest))
			return
		}
	}

	dateRange, err := parseDateRange(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	pagination, err := parsePagination(r, defaultAdminPageSize, maxAdminPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.refunds.ListRequests(ctx, services.RefundListFilter{
		OrderID:    strings.TrimSpace(r.URL.Query().Get("order_id")),
		Status:     statusFilters,
		DateRange:  dateRange,
		Pagination: pagination,
	})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	items := make([]refundPayload, 0, len(page.Items))
	for _, refund := range page.Items {
		items = append(items, buildRefundPayload(refund))
	}

	writeJSONResponse(w, http.StatusOK, refundListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type approveRefundRequest struct {
	OperatorNotes   string `json:"operator_notes"`
	ManualCaptureID string `json:"manual_capture_id"`
}

func (h *AdminHandlers) approveRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_service_unavailable", "refund service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := requestActor(r)

	refundID := strings.TrimSpace(chi.URLParam(r, "refundID"))
	if refundID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "refund id is required", http.StatusBadRequest))
		return
	}

	var req approveRefundRequest
	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(w, r, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	refund, err := h.refunds.Approve(ctx, services.ApproveRefundCommand{
		RefundID:        refundID,
		OperatorID:      actor.ID,
		OperatorNotes:   strings.TrimSpace(req.OperatorNotes),
		ManualCaptureID: strings.TrimSpace(req.ManualCaptureID),
	})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, refundResponse{Refund: buildRefundPayload(refund)})
}

type rejectRefundRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandlers) rejectRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_service_unavailable", "refund service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := requestActor(r)

	refundID := strings.TrimSpace(chi.URLParam(r, "refundID"))
	if refundID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "refund id is required", http.StatusBadRequest))
		return
	}

	var req rejectRefundRequest
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	refund, err := h.refunds.Reject(ctx, services.RejectRefundCommand{
		RefundID:   refundID,
		OperatorID: actor.ID,
		Reason:     strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, refundResponse{Refund: buildRefundPayload(refund)})
}

type stockUnitPayload struct {
	SKU         string `json:"sku"`
	ProductRef  string `json:"product_ref,omitempty"`
	OnHand      int    `json:"on_hand"`
	SafetyStock int    `json:"safety_stock"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

type stockListResponse struct {
	Items         []stockUnitPayload `json:"items"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}

func (h *AdminHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	threshold := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative integer", http.StatusBadRequest))
			return
		}
		threshold = value
	}

	pagination, err := parsePagination(r, defaultAdminPageSize, maxAdminPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.stock.ListLowStock(ctx, services.LowStockFilter{
		Threshold:  threshold,
		Pagination: pagination,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrStockInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("stock_error", "failed to list stock", http.StatusInternalServerError))
		}
		return
	}

	items := make([]stockUnitPayload, 0, len(page.Items))
	for _, unit := range page.Items {
		items = append(items, stockUnitPayload{
			SKU:         unit.SKU,
			ProductRef:  unit.ProductRef,
			OnHand:      unit.OnHand,
			SafetyStock: unit.SafetyStock,
			UpdatedAt:   formatTime(unit.UpdatedAt),
		})
	}

	writeJSONResponse(w, http.StatusOK, stockListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref,omitempty"`
	Amount    *int64         `json:"amount,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Severity  string         `json:"severity"`
	RequestID string         `json:"request_id,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type auditLogListResponse struct {
	Items         []auditLogPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

func (h *AdminHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_service_unavailable", "audit log service unavailable", http.StatusServiceUnavailable))
		return
	}

	dateRange, err := parseDateRange(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	pagination, err := parsePagination(r, defaultAdminPageSize, maxAdminPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	page, err := h.audit.List(ctx, services.AuditLogFilter{
		TargetRef:  strings.TrimSpace(query.Get("target_ref")),
		Actor:      strings.TrimSpace(query.Get("actor")),
		ActorType:  strings.TrimSpace(query.Get("actor_type")),
		Action:     strings.TrimSpace(query.Get("action")),
		DateRange:  dateRange,
		Pagination: pagination,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_error", "failed to list audit logs", http.StatusInternalServerError))
		return
	}

	items := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, auditLogPayload{
			ID:        entry.ID,
			Actor:     entry.Actor,
			ActorType: entry.ActorType,
			Action:    entry.Action,
			TargetRef: entry.TargetRef,
			Amount:    optionalAmount(entry.Amount),
			Metadata:  cloneMap(entry.Metadata),
			Severity:  entry.Severity,
			RequestID: entry.RequestID,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}

	writeJSONResponse(w, http.StatusOK, auditLogListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}
