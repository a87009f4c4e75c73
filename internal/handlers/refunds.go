package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/platform/httpx"
	"github.com/craftlane/fulfillment/internal/services"
)

const maxRefundBodySize = 32 * 1024

var validRefundReasons = map[domain.RefundReason]struct{}{
	domain.RefundReasonRequestedByCustomer: {},
	domain.RefundReasonDamagedDefective:    {},
	domain.RefundReasonQualityIssue:        {},
	domain.RefundReasonWrongItem:           {},
	domain.RefundReasonLateDelivery:        {},
	domain.RefundReasonNoLongerNeeded:      {},
	domain.RefundReasonOther:               {},
}

// Refund creation is throttled per actor; settlement endpoints are not.
const (
	refundCreateRateLimit  = 10
	refundCreateRateWindow = time.Minute
)

// RefundHandlers exposes refund request endpoints for end users.
type RefundHandlers struct {
	refunds services.RefundService
	limiter rateLimiter
}

// NewRefundHandlers constructs a new RefundHandlers instance.
func NewRefundHandlers(refunds services.RefundService) *RefundHandlers {
	return &RefundHandlers{
		refunds: refunds,
		limiter: newRefundThrottle(refundCreateRateLimit, refundCreateRateWindow, time.Now),
	}
}

// Routes registers the /refunds endpoints.
func (h *RefundHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(RequireActor(actorTypeUser, actorTypeAdmin))
	r.Post("/", h.createRefund)
	r.Get("/", h.listRefundsByOrder)
	r.Get("/{refundID}", h.getRefund)
	r.Post("/{refundID}:cancel", h.cancelRefund)
}

type createRefundRequest struct {
	OrderID  string              `json:"order_id"`
	Type     string              `json:"type"`
	Amount   *int64              `json:"amount"`
	Reason   string              `json:"reason"`
	Items    []refundLinePayload `json:"items"`
	Evidence []string            `json:"evidence"`
}

func (h *RefundHandlers) createRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_service_unavailable", "refund service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := requestActor(r)

	if h.limiter != nil && !h.limiter.Allow(actor.ID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many refund requests, retry later", http.StatusTooManyRequests))
		return
	}

	var req createRefundRequest
	if err := decodeJSONBody(r, maxRefundBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	reason := domain.RefundReason(strings.ToLower(strings.TrimSpace(req.Reason)))
	if _, ok := validRefundReasons[reason]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reason must be a known refund reason", http.StatusBadRequest))
		return
	}

	refundType := domain.RefundType(strings.ToLower(strings.TrimSpace(req.Type)))
	switch refundType {
	case "", domain.RefundTypeFull, domain.RefundTypePartial:
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "type must be full or partial", http.StatusBadRequest))
		return
	}

	cmd := services.CreateRefundCommand{
		OrderID:  strings.TrimSpace(req.OrderID),
		UserID:   actor.ID,
		Type:     refundType,
		Amount:   optionalAmount(req.Amount),
		Reason:   reason,
		Evidence: append([]string(nil), req.Evidence...),
		ActorID:  actor.ID,
	}
	for _, line := range req.Items {
		cmd.Items = append(cmd.Items, services.RefundLineRef{
			SKU:      strings.TrimSpace(line.SKU),
			Quantity: line.Quantity,
		})
	}

	refund, err := h.refunds.CreateRequest(ctx, cmd)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, refundResponse{Refund: buildRefundPayload(refund)})
}

func (h *RefundHandlers) listRefundsByOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_service_unavailable", "refund service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := requestActor(r)

	orderID := strings.TrimSpace(r.URL.Query().Get("order_id"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id query parameter is required", http.StatusBadRequest))
		return
	}

	refunds, err := h.refunds.ListByOrder(ctx, orderID)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	items := make([]refundPayload, 0, len(refunds))
	for _, refund := range refunds {
		if !refundVisibleTo(refund, actor.ID, actor.Type) {
			continue
		}
		items = append(items, buildRefundPayload(refund))
	}

	writeJSONResponse(w, http.StatusOK, refundListResponse{Items: items})
}

func (h *RefundHandlers) getRefund(w http.ResponseWriter, r *http.Request) {
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

	refund, err := h.refunds.GetRequest(ctx, refundID)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	if !refundVisibleTo(refund, actor.ID, actor.Type) {
		httpx.WriteError(ctx, w, httpx.NewError("refund_not_found", "refund request not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, refundResponse{Refund: buildRefundPayload(refund)})
}

func (h *RefundHandlers) cancelRefund(w http.ResponseWriter, r *http.Request) {
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

	refund, err := h.refunds.Cancel(ctx, services.CancelRefundCommand{
		RefundID:     refundID,
		ActingUserID: actor.ID,
		AsAdmin:      actor.Type == actorTypeAdmin,
	})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, refundResponse{Refund: buildRefundPayload(refund)})
}

func refundVisibleTo(refund services.RefundRequest, actorID, actorType string) bool {
	if actorType == actorTypeAdmin || actorType == actorTypeSystem {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(refund.UserID), strings.TrimSpace(actorID))
}

func writeRefundError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrRefundInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrRefundUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "refund request is not accessible to this actor", http.StatusForbidden))
	case errors.Is(err, services.ErrRefundNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("refund_not_found", "refund request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRefundInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("refund_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrRefundConflict):
		httpx.WriteError(ctx, w, httpx.NewError("refund_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrRefundManualIntervention):
		httpx.WriteError(ctx, w, httpx.NewError("refund_manual_intervention", err.Error(), http.StatusUnprocessableEntity))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("refund_error", "failed to process refund request", http.StatusInternalServerError))
	}
}
