package firestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/craftlane/fulfillment/internal/domain"
	pfirestore "github.com/craftlane/fulfillment/internal/platform/firestore"
	"github.com/craftlane/fulfillment/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order headers in Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, base: base}, nil
}

// Insert stores a new order. The ID must be unique.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update replaces the persisted order state with the provided snapshot.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	if _, err := r.base.Set(ctx, orderID, encodeOrderDocument(order)); err != nil {
		return err
	}
	return nil
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(orderID), nil
}

// FindByNumber resolves an order through its human-facing order number.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, errors.New("order repository: order number is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("orderNumber", "==", orderNumber).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.find_by_number", notFoundStatusError(fmt.Sprintf("order number %s", orderNumber)))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns orders ordered by creation time descending, filtered for either
// the owning user or admin views.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if statuses := compactStrings(filter.Status); len(statuses) > 0 {
		query = query.Where("status", "in", statuses)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Document mapping ----------------------------------------------------------

type orderDocument struct {
	OrderNumber     string                  `firestore:"orderNumber"`
	UserID          string                  `firestore:"userId"`
	Status          string                  `firestore:"status"`
	RequestedAction string                  `firestore:"requestedAction,omitempty"`
	Currency        string                  `firestore:"currency"`
	Totals          orderTotalsDocument     `firestore:"totals"`
	Items           []orderLineItemDocument `firestore:"items"`
	Payment         paymentInfoDocument     `firestore:"payment"`
	Fulfillment     fulfillmentDocument     `firestore:"fulfillment"`
	Refund          refundSummaryDocument   `firestore:"refund"`
	CreatedBy       *string                 `firestore:"createdBy,omitempty"`
	UpdatedBy       *string                 `firestore:"updatedBy,omitempty"`
	Metadata        map[string]any          `firestore:"metadata,omitempty"`
	CancelReason    *string                 `firestore:"cancelReason,omitempty"`
	CancelledAt     *time.Time              `firestore:"cancelledAt,omitempty"`
	CreatedAt       time.Time               `firestore:"createdAt"`
	UpdatedAt       time.Time               `firestore:"updatedAt"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type orderLineItemDocument struct {
	ProductRef    string         `firestore:"productRef"`
	SKU           string         `firestore:"sku,omitempty"`
	Name          string         `firestore:"name,omitempty"`
	Quantity      int            `firestore:"qty"`
	UnitPrice     int64          `firestore:"unitPrice"`
	Total         int64          `firestore:"total"`
	Customization map[string]any `firestore:"customization,omitempty"`
}

type paymentInfoDocument struct {
	Provider  string `firestore:"provider,omitempty"`
	CaptureID string `firestore:"captureId,omitempty"`
	Status    string `firestore:"status,omitempty"`
	CardBrand string `firestore:"cardBrand,omitempty"`
	CardLast4 string `firestore:"cardLast4,omitempty"`
}

type fulfillmentDocument struct {
	Carrier        string     `firestore:"carrier,omitempty"`
	TrackingNumber string     `firestore:"trackingNumber,omitempty"`
	ShippedAt      *time.Time `firestore:"shippedAt,omitempty"`
	DeliveredAt    *time.Time `firestore:"deliveredAt,omitempty"`
}

type refundSummaryDocument struct {
	Status           string     `firestore:"status"`
	RefundedAmount   int64      `firestore:"refundedAmount"`
	FirstRequestedAt *time.Time `firestore:"firstRequestedAt,omitempty"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	items := make([]orderLineItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderLineItemDocument{
			ProductRef:    strings.TrimSpace(item.ProductRef),
			SKU:           strings.TrimSpace(item.SKU),
			Name:          strings.TrimSpace(item.Name),
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Total:         item.Total,
			Customization: item.Customization,
		}
	}
	return orderDocument{
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		Status:          string(order.Status),
		RequestedAction: string(order.RequestedAction),
		Currency:        strings.TrimSpace(order.Currency),
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Items: items,
		Payment: paymentInfoDocument{
			Provider:  strings.TrimSpace(order.Payment.Provider),
			CaptureID: strings.TrimSpace(order.Payment.CaptureID),
			Status:    string(order.Payment.Status),
			CardBrand: order.Payment.CardBrand,
			CardLast4: order.Payment.CardLast4,
		},
		Fulfillment: fulfillmentDocument{
			Carrier:        strings.TrimSpace(order.Fulfillment.Carrier),
			TrackingNumber: strings.TrimSpace(order.Fulfillment.TrackingNumber),
			ShippedAt:      order.Fulfillment.ShippedAt,
			DeliveredAt:    order.Fulfillment.DeliveredAt,
		},
		Refund: refundSummaryDocument{
			Status:           string(order.Refund.Status),
			RefundedAmount:   order.Refund.RefundedAmount,
			FirstRequestedAt: order.Refund.FirstRequestedAt,
		},
		CreatedBy:    order.Audit.CreatedBy,
		UpdatedBy:    order.Audit.UpdatedBy,
		Metadata:     order.Metadata,
		CancelReason: order.CancelReason,
		CancelledAt:  order.CancelledAt,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			ProductRef:    item.ProductRef,
			SKU:           item.SKU,
			Name:          item.Name,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Total:         item.Total,
			Customization: item.Customization,
		}
	}
	return domain.Order{
		ID:              id,
		OrderNumber:     d.OrderNumber,
		UserID:          d.UserID,
		Status:          domain.OrderStatus(d.Status),
		RequestedAction: domain.AdminAction(d.RequestedAction),
		Currency:        d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: d.Totals.Subtotal,
			Shipping: d.Totals.Shipping,
			Tax:      d.Totals.Tax,
			Total:    d.Totals.Total,
		},
		Items: items,
		Payment: domain.PaymentInfo{
			Provider:  d.Payment.Provider,
			CaptureID: d.Payment.CaptureID,
			Status:    domain.PaymentStatus(d.Payment.Status),
			CardBrand: d.Payment.CardBrand,
			CardLast4: d.Payment.CardLast4,
		},
		Fulfillment: domain.Fulfillment{
			Carrier:        d.Fulfillment.Carrier,
			TrackingNumber: d.Fulfillment.TrackingNumber,
			ShippedAt:      d.Fulfillment.ShippedAt,
			DeliveredAt:    d.Fulfillment.DeliveredAt,
		},
		Refund: domain.RefundSummary{
			Status:           domain.OrderRefundStatus(d.Refund.Status),
			RefundedAmount:   d.Refund.RefundedAmount,
			FirstRequestedAt: d.Refund.FirstRequestedAt,
		},
		Audit: domain.OrderAudit{
			CreatedBy: d.CreatedBy,
			UpdatedBy: d.UpdatedBy,
		},
		Metadata:     d.Metadata,
		CancelReason: d.CancelReason,
		CancelledAt:  d.CancelledAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type orderPageToken struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeOrderPageToken(encoded string) (orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return orderPageToken{}, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return orderPageToken{}, fmt.Errorf("decode order page token json: %w", err)
	}
	return token, nil
}

// notFoundStatusError yields a grpc NotFound so WrapError categorises query
// misses the same way document gets do.
func notFoundStatusError(subject string) error {
	return status.Error(codes.NotFound, subject+" not found")
}

func compactStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
