package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/craftlane/fulfillment/internal/platform/httpx"
	"github.com/craftlane/fulfillment/internal/repositories"
	"github.com/craftlane/fulfillment/internal/services"
)

// StockHandlers exposes the internal stock reconciliation entry points. They
// exist for operator tooling and replay jobs; normal flows trigger the same
// operations as transition side effects.
type StockHandlers struct {
	stock  services.StockService
	system services.SystemService
}

// NewStockHandlers constructs a new StockHandlers instance.
func NewStockHandlers(stock services.StockService, system services.SystemService) *StockHandlers {
	return &StockHandlers{stock: stock, system: system}
}

// Routes registers the /internal endpoints.
func (h *StockHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(RequireActor(actorTypeAdmin, actorTypeSystem))
	r.Post("/stock/orders/{orderID}:deduct", h.deductForOrder)
	r.Post("/stock/refunds/{refundID}:restore", h.restoreForRefund)
	r.Post("/counters/{counterID}:next", h.nextCounterValue)
}

type stockBatchResponse struct {
	Adjustments []stockAdjustmentPayload `json:"adjustments"`
	Skipped     []stockSkipPayload       `json:"skipped"`
}

type stockAdjustmentPayload struct {
	SKU        string `json:"sku"`
	ProductRef string `json:"product_ref,omitempty"`
	Delta      int    `json:"delta"`
	OnHand     int    `json:"on_hand"`
}

type stockSkipPayload struct {
	SKU        string `json:"sku,omitempty"`
	ProductRef string `json:"product_ref,omitempty"`
	Reason     string `json:"reason"`
}

func (h *StockHandlers) deductForOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := requestActor(r)

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	result, err := h.stock.DeductForOrder(ctx, services.StockDeductCommand{
		OrderID: orderID,
		ActorID: actor.ID,
	})
	if err != nil {
		writeStockError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildStockBatchResponse(result))
}

func (h *StockHandlers) restoreForRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := requestActor(r)

	refundID := strings.TrimSpace(chi.URLParam(r, "refundID"))
	if refundID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "refund id is required", http.StatusBadRequest))
		return
	}

	result, err := h.stock.RestoreForRefund(ctx, services.StockRestoreCommand{
		RefundID: refundID,
		ActorID:  actor.ID,
	})
	if err != nil {
		writeStockError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildStockBatchResponse(result))
}

type nextCounterResponse struct {
	CounterID string `json:"counter_id"`
	Value     int64  `json:"value"`
}

func (h *StockHandlers) nextCounterValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}

	counterID := strings.TrimSpace(chi.URLParam(r, "counterID"))
	if counterID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "counter id is required", http.StatusBadRequest))
		return
	}

	value, err := h.system.NextCounterValue(ctx, services.CounterCommand{CounterID: counterID})
	if err != nil {
		switch repositories.CounterErrorCodeOf(err) {
		case repositories.CounterErrorInvalidInput:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "counter request is invalid", http.StatusBadRequest))
		case repositories.CounterErrorExhausted:
			httpx.WriteError(ctx, w, httpx.NewError("counter_exhausted", "counter reached its ceiling", http.StatusConflict))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("counter_error", "failed to advance counter", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, nextCounterResponse{
		CounterID: counterID,
		Value:     value,
	})
}

func buildStockBatchResponse(result services.StockBatchResult) stockBatchResponse {
	response := stockBatchResponse{
		Adjustments: make([]stockAdjustmentPayload, 0, len(result.Adjustments)),
		Skipped:     make([]stockSkipPayload, 0, len(result.Skipped)),
	}
	for _, adjustment := range result.Adjustments {
		response.Adjustments = append(response.Adjustments, stockAdjustmentPayload{
			SKU:        adjustment.SKU,
			ProductRef: adjustment.ProductRef,
			Delta:      adjustment.Delta,
			OnHand:     adjustment.OnHand,
		})
	}
	for _, skip := range result.Skipped {
		response.Skipped = append(response.Skipped, stockSkipPayload{
			SKU:        skip.SKU,
			ProductRef: skip.ProductRef,
			Reason:     skip.Reason,
		})
	}
	return response
}

func writeStockError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrStockInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRefundNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("refund_not_found", "refund request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", err.Error(), http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("stock_error", "failed to process stock request", http.StatusInternalServerError))
	}
}
