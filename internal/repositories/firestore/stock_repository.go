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

const (
	stockCollection       = "stock"
	stockEventsCollection = "stockEvents"
)

// StockRepository manages on-hand inventory documents keyed by SKU. Deductions
// run in transactions so on-hand never drops below zero.
type StockRepository struct {
	provider *pfirestore.Provider
	units    *pfirestore.BaseRepository[stockUnitDocument]
}

// NewStockRepository constructs a Firestore-backed stock repository.
func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository: firestore provider is required")
	}
	units := pfirestore.NewBaseRepository[stockUnitDocument](provider, stockCollection, nil, nil)
	return &StockRepository{provider: provider, units: units}, nil
}

// FindBySKU fetches the stock unit for a SKU.
func (r *StockRepository) FindBySKU(ctx context.Context, sku string) (domain.StockUnit, error) {
	if r == nil || r.units == nil {
		return domain.StockUnit{}, errors.New("stock repository not initialised")
	}
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.StockUnit{}, errors.New("stock repository: sku is required")
	}
	doc, err := r.units.Get(ctx, sku)
	if err != nil {
		return domain.StockUnit{}, err
	}
	return doc.Data.toDomain(sku), nil
}

// ListByProduct returns every stock unit recorded under the product.
func (r *StockRepository) ListByProduct(ctx context.Context, productRef string) ([]domain.StockUnit, error) {
	if r == nil || r.units == nil {
		return nil, errors.New("stock repository not initialised")
	}
	productRef = strings.TrimSpace(productRef)
	if productRef == "" {
		return nil, errors.New("stock repository: product ref is required")
	}

	docs, err := r.units.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("productRef", "==", productRef)
	})
	if err != nil {
		return nil, err
	}

	units := make([]domain.StockUnit, len(docs))
	for i, doc := range docs {
		units[i] = doc.Data.toDomain(doc.ID)
	}
	return units, nil
}

// Deduct conditionally decrements on-hand stock inside a transaction. It fails
// with a conflict error when fewer than quantity units are on hand.
func (r *StockRepository) Deduct(ctx context.Context, req repositories.StockAdjustRequest) (domain.StockUnit, error) {
	return r.adjust(ctx, req, false)
}

// Restore unconditionally increments on-hand stock inside a transaction.
func (r *StockRepository) Restore(ctx context.Context, req repositories.StockAdjustRequest) (domain.StockUnit, error) {
	return r.adjust(ctx, req, true)
}

func (r *StockRepository) adjust(ctx context.Context, req repositories.StockAdjustRequest, restore bool) (domain.StockUnit, error) {
	if r == nil || r.provider == nil {
		return domain.StockUnit{}, errors.New("stock repository not initialised")
	}
	sku := strings.TrimSpace(req.SKU)
	if sku == "" {
		return domain.StockUnit{}, repositories.NewStockError(repositories.StockErrorNotFound, "stock adjust: sku is required", nil)
	}
	if req.Quantity <= 0 {
		return domain.StockUnit{}, repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("stock adjust: quantity for %s must be > 0", sku), nil)
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var updated domain.StockUnit
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		unitRef, err := r.units.DocumentRef(ctx, sku)
		if err != nil {
			return err
		}
		snap, err := tx.Get(unitRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewStockError(repositories.StockErrorNotFound, fmt.Sprintf("stock %s not found", sku), err)
			}
			return err
		}
		var doc stockUnitDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode stock unit %s: %w", sku, err)
		}

		if restore {
			doc.OnHand += req.Quantity
		} else {
			if doc.OnHand < req.Quantity {
				return repositories.NewStockError(repositories.StockErrorInsufficient, fmt.Sprintf("insufficient stock for %s", sku), nil)
			}
			doc.OnHand -= req.Quantity
		}
		doc.SKU = sku
		doc.UpdatedAt = now

		if err := tx.Set(unitRef, doc); err != nil {
			return err
		}
		updated = doc.toDomain(sku)
		return nil
	})
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			return domain.StockUnit{}, stockErr
		}
		return domain.StockUnit{}, pfirestore.WrapError("stock.adjust", err)
	}
	return updated, nil
}

// HighestStockedForProduct returns the unit under productRef with the most
// on-hand stock. Used for fallback deduction when a SKU lookup misses.
func (r *StockRepository) HighestStockedForProduct(ctx context.Context, productRef string) (domain.StockUnit, error) {
	if r == nil || r.units == nil {
		return domain.StockUnit{}, errors.New("stock repository not initialised")
	}
	productRef = strings.TrimSpace(productRef)
	if productRef == "" {
		return domain.StockUnit{}, repositories.NewStockError(repositories.StockErrorNotFound, "stock lookup: product ref is required", nil)
	}

	docs, err := r.units.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("productRef", "==", productRef).
			OrderBy("onHand", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.StockUnit{}, err
	}
	if len(docs) == 0 {
		return domain.StockUnit{}, repositories.NewStockError(repositories.StockErrorNotFound, fmt.Sprintf("no stock units under %s", productRef), nil)
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// ListLowStock pages through units at or below the threshold, least stocked first.
func (r *StockRepository) ListLowStock(ctx context.Context, query repositories.LowStockQuery) (domain.CursorPage[domain.StockUnit], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.StockUnit]{}, errors.New("stock repository not initialised")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	threshold := query.Threshold
	if threshold < 0 {
		threshold = 0
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.StockUnit]{}, pfirestore.WrapError("stock.low", err)
	}

	firestoreQuery := client.Collection(stockCollection).Query.
		Where("onHand", "<=", threshold).
		OrderBy("onHand", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(query.PageToken); token != "" {
		decoded, err := decodeStockPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.StockUnit]{}, pfirestore.WrapError("stock.low", err)
		}
		firestoreQuery = firestoreQuery.StartAfter(decoded.OnHand, decoded.SKU)
	}

	iter := firestoreQuery.Documents(ctx)
	defer iter.Stop()

	var units []domain.StockUnit
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.StockUnit]{}, pfirestore.WrapError("stock.low", err)
		}
		var doc stockUnitDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.StockUnit]{}, fmt.Errorf("decode stock unit %s: %w", snap.Ref.ID, err)
		}
		units = append(units, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(units) > pageSize
	if hasMore {
		units = units[:pageSize]
	}
	var nextToken string
	if hasMore && len(units) > 0 {
		last := units[len(units)-1]
		encoded, err := encodeStockPageToken(stockPageToken{SKU: last.SKU, OnHand: last.OnHand})
		if err != nil {
			return domain.CursorPage[domain.StockUnit]{}, pfirestore.WrapError("stock.low", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.StockUnit]{Items: units, NextPageToken: nextToken}, nil
}

// AppendEvent writes a stock adjustment event. Events are append-only.
func (r *StockRepository) AppendEvent(ctx context.Context, event domain.StockEvent) error {
	if r == nil || r.provider == nil {
		return errors.New("stock repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("stock.events.append", err)
	}

	occurredAt := event.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	doc := stockEventDocument{
		Type:       strings.TrimSpace(event.Type),
		OrderRef:   strings.TrimSpace(event.OrderRef),
		RefundRef:  strings.TrimSpace(event.RefundRef),
		SKU:        strings.TrimSpace(event.SKU),
		ProductRef: strings.TrimSpace(event.ProductRef),
		Delta:      event.Delta,
		OnHand:     event.OnHand,
		OccurredAt: occurredAt,
		Metadata:   event.Metadata,
	}
	if _, _, err := client.Collection(stockEventsCollection).Add(ctx, doc); err != nil {
		return pfirestore.WrapError("stock.events.append", err)
	}
	return nil
}

// Document mapping ----------------------------------------------------------

type stockUnitDocument struct {
	SKU         string    `firestore:"sku"`
	ProductRef  string    `firestore:"productRef"`
	OnHand      int       `firestore:"onHand"`
	SafetyStock int       `firestore:"safetyStock"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func (d stockUnitDocument) toDomain(id string) domain.StockUnit {
	return domain.StockUnit{
		SKU:         id,
		ProductRef:  strings.TrimSpace(d.ProductRef),
		OnHand:      d.OnHand,
		SafetyStock: d.SafetyStock,
		UpdatedAt:   d.UpdatedAt,
	}
}

type stockEventDocument struct {
	Type       string         `firestore:"type"`
	OrderRef   string         `firestore:"orderRef,omitempty"`
	RefundRef  string         `firestore:"refundRef,omitempty"`
	SKU        string         `firestore:"sku"`
	ProductRef string         `firestore:"productRef,omitempty"`
	Delta      int            `firestore:"delta"`
	OnHand     int            `firestore:"onHand"`
	OccurredAt time.Time      `firestore:"occurredAt"`
	Metadata   map[string]any `firestore:"metadata,omitempty"`
}

type stockPageToken struct {
	SKU    string `json:"sku"`
	OnHand int    `json:"onHand"`
}

func encodeStockPageToken(token stockPageToken) (string, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode stock page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeStockPageToken(encoded string) (stockPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return stockPageToken{}, fmt.Errorf("decode stock page token: %w", err)
	}
	var token stockPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return stockPageToken{}, fmt.Errorf("decode stock page token json: %w", err)
	}
	return token, nil
}
