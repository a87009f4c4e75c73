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

const refundRequestsCollection = "refundRequests"

// activeRefundStatuses lists the non-terminal statuses. Firestore "in" filters
// need the set spelled out; keep it in sync with RefundStatus.IsFinal.
var activeRefundStatuses = []string{
	string(domain.RefundStatusPending),
	string(domain.RefundStatusUnderReview),
	string(domain.RefundStatusProcessing),
	string(domain.RefundStatusFailed),
}

// RefundRequestRepository persists refund requests in Firestore.
type RefundRequestRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[refundRequestDocument]
}

// NewRefundRequestRepository constructs a Firestore-backed refund request repository.
func NewRefundRequestRepository(provider *pfirestore.Provider) (*RefundRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("refund request repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[refundRequestDocument](provider, refundRequestsCollection, nil, nil)
	return &RefundRequestRepository{provider: provider, base: base}, nil
}

// Insert stores a new refund request. The ID must be unique.
func (r *RefundRequestRepository) Insert(ctx context.Context, request domain.RefundRequest) error {
	if r == nil || r.base == nil {
		return errors.New("refund request repository not initialised")
	}
	requestID := strings.TrimSpace(request.ID)
	if requestID == "" {
		return errors.New("refund request repository: request id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, requestID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodeRefundRequestDocument(request)); err != nil {
		return pfirestore.WrapError("refund_requests.insert", err)
	}
	return nil
}

// Update replaces the persisted request state with the provided snapshot.
func (r *RefundRequestRepository) Update(ctx context.Context, request domain.RefundRequest) error {
	if r == nil || r.base == nil {
		return errors.New("refund request repository not initialised")
	}
	requestID := strings.TrimSpace(request.ID)
	if requestID == "" {
		return errors.New("refund request repository: request id is required")
	}
	if _, err := r.base.Set(ctx, requestID, encodeRefundRequestDocument(request)); err != nil {
		return err
	}
	return nil
}

// FindByID fetches a single refund request.
func (r *RefundRequestRepository) FindByID(ctx context.Context, requestID string) (domain.RefundRequest, error) {
	if r == nil || r.base == nil {
		return domain.RefundRequest{}, errors.New("refund request repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.RefundRequest{}, errors.New("refund request repository: request id is required")
	}
	doc, err := r.base.Get(ctx, requestID)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	return doc.Data.toDomain(requestID), nil
}

// ClaimInventoryRestore flips the inventory-restored flag inside a
// transaction. A request whose flag is already set yields a conflict error so
// the caller knows another restore already ran.
func (r *RefundRequestRepository) ClaimInventoryRestore(ctx context.Context, requestID string, at time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("refund request repository not initialised")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return errors.New("refund request repository: request id is required")
	}
	at = at.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef, err := r.base.DocumentRef(ctx, requestID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc refundRequestDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode refund request %s: %w", requestID, err)
		}
		if doc.InventoryRestored {
			return status.Error(codes.FailedPrecondition, fmt.Sprintf("refund %s inventory already restored", requestID))
		}
		return tx.Update(docRef, []firestore.Update{
			{Path: "inventoryRestored", Value: true},
			{Path: "inventoryRestoredAt", Value: at},
			{Path: "updatedAt", Value: at},
		})
	})
	if err != nil {
		return pfirestore.WrapError("refund_requests.claim_restore", err)
	}
	return nil
}

// FindActiveByOrder returns the open request for the order, or a not-found
// error when every request is terminal.
func (r *RefundRequestRepository) FindActiveByOrder(ctx context.Context, orderID string) (domain.RefundRequest, error) {
	if r == nil || r.base == nil {
		return domain.RefundRequest{}, errors.New("refund request repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.RefundRequest{}, errors.New("refund request repository: order id is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("orderId", "==", orderID).
			Where("status", "in", activeRefundStatuses).
			Limit(1)
	})
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if len(docs) == 0 {
		return domain.RefundRequest{}, pfirestore.WrapError("refund_requests.find_active", notFoundStatusError(fmt.Sprintf("active refund for order %s", orderID)))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// ListByOrder returns every request for the order, newest first.
func (r *RefundRequestRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRequest, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("refund request repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("refund request repository: order id is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("orderId", "==", orderID).
			OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}

	requests := make([]domain.RefundRequest, len(docs))
	for i, doc := range docs {
		requests[i] = doc.Data.toDomain(doc.ID)
	}
	return requests, nil
}

// List returns refund requests for admin views, newest first.
func (r *RefundRequestRepository) List(ctx context.Context, filter repositories.RefundListFilter) (domain.CursorPage[domain.RefundRequest], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.RefundRequest]{}, errors.New("refund request repository not initialised")
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
		return domain.CursorPage[domain.RefundRequest]{}, pfirestore.WrapError("refund_requests.list", err)
	}

	query := client.Collection(refundRequestsCollection).Query
	if orderID := strings.TrimSpace(filter.OrderID); orderID != "" {
		query = query.Where("orderId", "==", orderID)
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
		decoded, err := decodeRefundPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.RefundRequest]{}, pfirestore.WrapError("refund_requests.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var requests []domain.RefundRequest
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.RefundRequest]{}, pfirestore.WrapError("refund_requests.list", err)
		}
		var doc refundRequestDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.RefundRequest]{}, fmt.Errorf("decode refund request %s: %w", snap.Ref.ID, err)
		}
		requests = append(requests, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(requests) > pageSize
	if hasMore {
		requests = requests[:pageSize]
	}
	var nextToken string
	if hasMore && len(requests) > 0 {
		last := requests[len(requests)-1]
		encoded, err := encodeRefundPageToken(refundPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.RefundRequest]{}, pfirestore.WrapError("refund_requests.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.RefundRequest]{Items: requests, NextPageToken: nextToken}, nil
}

// Document mapping ----------------------------------------------------------

type refundRequestDocument struct {
	OrderID             string                  `firestore:"orderId"`
	UserID              string                  `firestore:"userId"`
	PaymentID           *string                 `firestore:"paymentId,omitempty"`
	Type                string                  `firestore:"type"`
	Amount              int64                   `firestore:"amount"`
	Currency            string                  `firestore:"currency"`
	Reason              string                  `firestore:"reason"`
	Items               []refundLineRefDocument `firestore:"items,omitempty"`
	Evidence            []string                `firestore:"evidence,omitempty"`
	Status              string                  `firestore:"status"`
	OperatorNotes       string                  `firestore:"operatorNotes,omitempty"`
	FailureReason       string                  `firestore:"failureReason,omitempty"`
	ProviderRefundID    string                  `firestore:"providerRefundId,omitempty"`
	RawResponse         map[string]any          `firestore:"rawResponse,omitempty"`
	InventoryRestored   bool                    `firestore:"inventoryRestored"`
	InventoryRestoredAt *time.Time              `firestore:"inventoryRestoredAt,omitempty"`
	CreatedAt           time.Time               `firestore:"createdAt"`
	UpdatedAt           time.Time               `firestore:"updatedAt"`
}

type refundLineRefDocument struct {
	SKU      string `firestore:"sku"`
	Quantity int    `firestore:"qty"`
}

func encodeRefundRequestDocument(request domain.RefundRequest) refundRequestDocument {
	var items []refundLineRefDocument
	if len(request.Items) > 0 {
		items = make([]refundLineRefDocument, len(request.Items))
		for i, item := range request.Items {
			items[i] = refundLineRefDocument{
				SKU:      strings.TrimSpace(item.SKU),
				Quantity: item.Quantity,
			}
		}
	}
	return refundRequestDocument{
		OrderID:             strings.TrimSpace(request.OrderID),
		UserID:              strings.TrimSpace(request.UserID),
		PaymentID:           request.PaymentID,
		Type:                string(request.Type),
		Amount:              request.Amount,
		Currency:            strings.TrimSpace(request.Currency),
		Reason:              string(request.Reason),
		Items:               items,
		Evidence:            request.Evidence,
		Status:              string(request.Status),
		OperatorNotes:       request.OperatorNotes,
		FailureReason:       request.FailureReason,
		ProviderRefundID:    strings.TrimSpace(request.ProviderRefundID),
		RawResponse:         request.RawResponse,
		InventoryRestored:   request.InventoryRestored,
		InventoryRestoredAt: request.InventoryRestoredAt,
		CreatedAt:           request.CreatedAt.UTC(),
		UpdatedAt:           request.UpdatedAt.UTC(),
	}
}

func (d refundRequestDocument) toDomain(id string) domain.RefundRequest {
	var items []domain.RefundLineRef
	if len(d.Items) > 0 {
		items = make([]domain.RefundLineRef, len(d.Items))
		for i, item := range d.Items {
			items[i] = domain.RefundLineRef{SKU: item.SKU, Quantity: item.Quantity}
		}
	}
	return domain.RefundRequest{
		ID:                  id,
		OrderID:             d.OrderID,
		UserID:              d.UserID,
		PaymentID:           d.PaymentID,
		Type:                domain.RefundType(d.Type),
		Amount:              d.Amount,
		Currency:            d.Currency,
		Reason:              domain.RefundReason(d.Reason),
		Items:               items,
		Evidence:            d.Evidence,
		Status:              domain.RefundStatus(d.Status),
		OperatorNotes:       d.OperatorNotes,
		FailureReason:       d.FailureReason,
		ProviderRefundID:    d.ProviderRefundID,
		RawResponse:         d.RawResponse,
		InventoryRestored:   d.InventoryRestored,
		InventoryRestoredAt: d.InventoryRestoredAt,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

type refundPageToken struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

func encodeRefundPageToken(token refundPageToken) (string, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode refund page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeRefundPageToken(encoded string) (refundPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return refundPageToken{}, fmt.Errorf("decode refund page token: %w", err)
	}
	var token refundPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return refundPageToken{}, fmt.Errorf("decode refund page token json: %w", err)
	}
	return token, nil
}
