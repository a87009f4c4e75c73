package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/platform/httpx"
	"github.com/craftlane/fulfillment/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxOrderCreateBodySize = 64 * 1024
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:              {},
	domain.OrderStatusPendingPayment:       {},
	domain.OrderStatusApprovedProcessing:   {},
	domain.OrderStatusPictureReplyPending:  {},
	domain.OrderStatusPictureReplyApproved: {},
	domain.OrderStatusPictureReplyRejected: {},
	domain.OrderStatusReadyForProduction:   {},
	domain.OrderStatusInProduction:         {},
	domain.OrderStatusReadyForCheckout:     {},
	domain.OrderStatusShipped:              {},
	domain.OrderStatusDelivered:            {},
	domain.OrderStatusRejected:             {},
	domain.OrderStatusNeedsChanges:         {},
	domain.OrderStatusRefunded:             {},
	domain.OrderStatusCancelled:            {},
	domain.OrderStatusApproved:             {},
	domain.OrderStatusProcessing:           {},
}

// OrderHandlers exposes order creation and read endpoints for end users.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(RequireActor(actorTypeUser, actorTypeAdmin))
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/number/{orderNumber}", h.getOrderByNumber)
}

type createOrderRequest struct {
	Currency string                   `json:"currency"`
	Items    []createOrderItemRequest `json:"items"`
	Totals   *orderTotalsPayload      `json:"totals"`
	Metadata map[string]any           `json:"metadata"`
}

type createOrderItemRequest struct {
	ProductRef    string         `json:"product_ref"`
	SKU           string         `json:"sku"`
	Name          string         `json:"name"`
	Quantity      int            `json:"quantity"`
	UnitPrice     int64          `json:"unit_price"`
	Total         int64          `json:"total"`
	Customization map[string]any `json:"customization"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := requestActor(r)

	var req createOrderRequest
	if err := decodeJSONBody(r, maxOrderCreateBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	items := make([]services.OrderLineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.OrderLineItem{
			ProductRef:    strings.TrimSpace(item.ProductRef),
			SKU:           strings.TrimSpace(item.SKU),
			Name:          strings.TrimSpace(item.Name),
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Total:         item.Total,
			Customization: cloneMap(item.Customization),
		})
	}

	cmd := services.CreateOrderCommand{
		UserID:   actor.ID,
		Currency: strings.TrimSpace(req.Currency),
		Items:    items,
		Metadata: cloneMap(req.Metadata),
		ActorID:  actor.ID,
	}
	if req.Totals != nil {
		cmd.Totals = &services.OrderTotals{
			Subtotal: req.Totals.Subtotal,
			Shipping: req.Totals.Shipping,
			Tax:      req.Totals.Tax,
			Total:    req.Totals.Total,
		}
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := requestActor(r)

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

	pagination, err := parsePagination(r, defaultOrderPageSize, maxOrderPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID:     actor.ID,
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

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

	details, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{
		IncludePayments: true,
		IncludeRefunds:  true,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	if !orderVisibleTo(details.Order, actor.ID, actor.Type) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
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

func (h *OrderHandlers) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, _ := requestActor(r)

	orderNumber := strings.TrimSpace(chi.URLParam(r, "orderNumber"))
	if orderNumber == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order number is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	if !orderVisibleTo(order, actor.ID, actor.Type) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func orderVisibleTo(order services.Order, actorID, actorType string) bool {
	if actorType == actorTypeAdmin || actorType == actorTypeSystem {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(order.UserID), strings.TrimSpace(actorID))
}

// Response payloads ----------------------------------------------------------

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID           string `json:"id"`
	OrderNumber  string `json:"order_number"`
	Status       string `json:"status"`
	RefundStatus string `json:"refund_status,omitempty"`
	Currency     string `json:"currency"`
	Total        int64  `json:"total"`
	CreatedAt    string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderDetailsResponse struct {
	Order    orderPayload     `json:"order"`
	Payments []paymentPayload `json:"payments,omitempty"`
	Refunds  []refundPayload  `json:"refunds,omitempty"`
}

type orderPayload struct {
	ID              string              `json:"id"`
	OrderNumber     string              `json:"order_number"`
	UserID          string              `json:"user_id"`
	Status          string              `json:"status"`
	RequestedAction string              `json:"requested_action,omitempty"`
	Currency        string              `json:"currency"`
	Totals          orderTotalsPayload  `json:"totals"`
	Items           []orderItemPayload  `json:"items"`
	Payment         *paymentInfoPayload `json:"payment,omitempty"`
	Fulfillment     *fulfillmentPayload `json:"fulfillment,omitempty"`
	Refund          refundSummaryData   `json:"refund"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
	CancelReason    *string             `json:"cancel_reason,omitempty"`
	CancelledAt     string              `json:"cancelled_at,omitempty"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	ProductRef    string         `json:"product_ref"`
	SKU           string         `json:"sku,omitempty"`
	Name          string         `json:"name,omitempty"`
	Quantity      int            `json:"quantity"`
	UnitPrice     int64          `json:"unit_price"`
	Total         int64          `json:"total"`
	Customization map[string]any `json:"customization,omitempty"`
}

type paymentInfoPayload struct {
	Provider  string `json:"provider,omitempty"`
	CaptureID string `json:"capture_id,omitempty"`
	Status    string `json:"status,omitempty"`
	CardBrand string `json:"card_brand,omitempty"`
	CardLast4 string `json:"card_last4,omitempty"`
}

type fulfillmentPayload struct {
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	ShippedAt      string `json:"shipped_at,omitempty"`
	DeliveredAt    string `json:"delivered_at,omitempty"`
}

type refundSummaryData struct {
	Status           string `json:"status"`
	RefundedAmount   int64  `json:"refunded_amount"`
	FirstRequestedAt string `json:"first_requested_at,omitempty"`
}

type paymentPayload struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	Provider  string `json:"provider"`
	CaptureID string `json:"capture_id,omitempty"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee,omitempty"`
	Net       int64  `json:"net,omitempty"`
	Currency  string `json:"currency"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	summary := orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:       order.Totals.Total,
		CreatedAt:   formatTime(order.CreatedAt),
	}
	if order.Refund.Status != "" && order.Refund.Status != domain.OrderRefundNone {
		summary.RefundStatus = string(order.Refund.Status)
	}
	return summary
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              strings.TrimSpace(order.ID),
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		Status:          strings.TrimSpace(string(order.Status)),
		RequestedAction: strings.TrimSpace(string(order.RequestedAction)),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Items: make([]orderItemPayload, 0, len(order.Items)),
		Refund: refundSummaryData{
			Status:           string(order.Refund.Status),
			RefundedAmount:   order.Refund.RefundedAmount,
			FirstRequestedAt: formatTime(pointerTime(order.Refund.FirstRequestedAt)),
		},
		Metadata:     cloneMap(order.Metadata),
		CancelReason: cloneStringPointer(order.CancelReason),
		CancelledAt:  formatTime(pointerTime(order.CancelledAt)),
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
	}
	if payload.Refund.Status == "" {
		payload.Refund.Status = string(domain.OrderRefundNone)
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductRef:    strings.TrimSpace(item.ProductRef),
			SKU:           strings.TrimSpace(item.SKU),
			Name:          strings.TrimSpace(item.Name),
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Total:         item.Total,
			Customization: cloneMap(item.Customization),
		})
	}

	if order.Payment.Provider != "" || order.Payment.CaptureID != "" || order.Payment.Status != "" {
		payload.Payment = &paymentInfoPayload{
			Provider:  strings.TrimSpace(order.Payment.Provider),
			CaptureID: strings.TrimSpace(order.Payment.CaptureID),
			Status:    string(order.Payment.Status),
			CardBrand: strings.TrimSpace(order.Payment.CardBrand),
			CardLast4: strings.TrimSpace(order.Payment.CardLast4),
		}
	}

	if order.Fulfillment.Carrier != "" || order.Fulfillment.TrackingNumber != "" ||
		order.Fulfillment.ShippedAt != nil || order.Fulfillment.DeliveredAt != nil {
		payload.Fulfillment = &fulfillmentPayload{
			Carrier:        strings.TrimSpace(order.Fulfillment.Carrier),
			TrackingNumber: strings.TrimSpace(order.Fulfillment.TrackingNumber),
			ShippedAt:      formatTime(pointerTime(order.Fulfillment.ShippedAt)),
			DeliveredAt:    formatTime(pointerTime(order.Fulfillment.DeliveredAt)),
		}
	}

	return payload
}

func buildPaymentPayloads(payments []services.Payment) []paymentPayload {
	if len(payments) == 0 {
		return nil
	}
	result := make([]paymentPayload, 0, len(payments))
	for _, payment := range payments {
		result = append(result, paymentPayload{
			ID:        strings.TrimSpace(payment.ID),
			OrderID:   strings.TrimSpace(payment.OrderID),
			Provider:  strings.TrimSpace(payment.Provider),
			CaptureID: strings.TrimSpace(payment.CaptureID),
			Status:    string(payment.Status),
			Amount:    payment.Amount,
			Fee:       payment.Fee,
			Net:       payment.Net,
			Currency:  strings.ToUpper(strings.TrimSpace(payment.Currency)),
			CreatedAt: formatTime(payment.CreatedAt),
			UpdatedAt: formatTime(payment.UpdatedAt),
		})
	}
	return result
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
