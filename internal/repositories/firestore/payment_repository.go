package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/craftlane/fulfillment/internal/domain"
	pfirestore "github.com/craftlane/fulfillment/internal/platform/firestore"
)

const paymentsCollection = "payments"

// PaymentRepository persists settlement records in Firestore.
type PaymentRepository struct {
	base *pfirestore.BaseRepository[paymentDocument]
}

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection, nil, nil)
	return &PaymentRepository{base: base}, nil
}

// Insert stores a new payment record. The ID must be unique.
func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	if r == nil || r.base == nil {
		return errors.New("payment repository not initialised")
	}
	paymentID := strings.TrimSpace(payment.ID)
	if paymentID == "" {
		return errors.New("payment repository: payment id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, paymentID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodePaymentDocument(payment)); err != nil {
		return pfirestore.WrapError("payments.insert", err)
	}
	return nil
}

// Update replaces the persisted payment state with the provided snapshot.
func (r *PaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	if r == nil || r.base == nil {
		return errors.New("payment repository not initialised")
	}
	paymentID := strings.TrimSpace(payment.ID)
	if paymentID == "" {
		return errors.New("payment repository: payment id is required")
	}
	if _, err := r.base.Set(ctx, paymentID, encodePaymentDocument(payment)); err != nil {
		return err
	}
	return nil
}

// FindByID fetches a single payment record.
func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	if r == nil || r.base == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.Payment{}, errors.New("payment repository: payment id is required")
	}
	doc, err := r.base.Get(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(paymentID), nil
}

// ListByOrder returns every settlement record for the order, newest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("payment repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("payment repository: order id is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("orderId", "==", orderID).
			OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}

	payments := make([]domain.Payment, len(docs))
	for i, doc := range docs {
		payments[i] = doc.Data.toDomain(doc.ID)
	}
	return payments, nil
}

// LatestCompletedByOrder returns the most recent completed payment for the order.
func (r *PaymentRepository) LatestCompletedByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	if r == nil || r.base == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Payment{}, errors.New("payment repository: order id is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("orderId", "==", orderID).
			Where("status", "==", string(domain.PaymentStatusCompleted)).
			OrderBy("createdAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.Payment{}, err
	}
	if len(docs) == 0 {
		return domain.Payment{}, pfirestore.WrapError("payments.latest_completed", notFoundStatusError(fmt.Sprintf("completed payment for order %s", orderID)))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// Document mapping ----------------------------------------------------------

type paymentDocument struct {
	OrderID   string    `firestore:"orderId"`
	UserID    string    `firestore:"userId,omitempty"`
	Provider  string    `firestore:"provider"`
	CaptureID string    `firestore:"captureId,omitempty"`
	Status    string    `firestore:"status"`
	Amount    int64     `firestore:"amount"`
	Fee       int64     `firestore:"fee,omitempty"`
	Net       int64     `firestore:"net,omitempty"`
	Currency  string    `firestore:"currency"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func encodePaymentDocument(payment domain.Payment) paymentDocument {
	return paymentDocument{
		OrderID:   strings.TrimSpace(payment.OrderID),
		UserID:    strings.TrimSpace(payment.UserID),
		Provider:  strings.TrimSpace(payment.Provider),
		CaptureID: strings.TrimSpace(payment.CaptureID),
		Status:    string(payment.Status),
		Amount:    payment.Amount,
		Fee:       payment.Fee,
		Net:       payment.Net,
		Currency:  strings.TrimSpace(payment.Currency),
		CreatedAt: payment.CreatedAt.UTC(),
		UpdatedAt: payment.UpdatedAt.UTC(),
	}
}

func (d paymentDocument) toDomain(id string) domain.Payment {
	return domain.Payment{
		ID:        id,
		OrderID:   d.OrderID,
		UserID:    d.UserID,
		Provider:  d.Provider,
		CaptureID: d.CaptureID,
		Status:    domain.PaymentStatus(d.Status),
		Amount:    d.Amount,
		Fee:       d.Fee,
		Net:       d.Net,
		Currency:  d.Currency,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
