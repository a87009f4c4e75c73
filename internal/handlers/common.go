package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/platform/httpx"
	"github.com/craftlane/fulfillment/internal/services"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is empty")
)

const defaultBodyLimit = 64 * 1024

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func decodeJSONBody(r *http.Request, limit int64, target any) error {
	data, err := readLimitedBody(r, limit)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBodyError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	filters := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filters = append(filters, trimmed)
		}
	}
	return filters
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, errors.New("must be RFC3339 timestamp")
}

// parsePagination reads page_size/page_token with defaulting and capping.
// A non-integer page_size is reported back to the caller.
func parsePagination(r *http.Request, defaultSize, maxSize int) (domain.Pagination, error) {
	query := r.URL.Query()
	pageSize := defaultSize
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return domain.Pagination{}, errors.New("page_size must be an integer")
		}
		switch {
		case size <= 0:
			pageSize = defaultSize
		case size > maxSize:
			pageSize = maxSize
		default:
			pageSize = size
		}
	}
	return domain.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}, nil
}

// parseDateRange reads created_after/created_before query filters.
func parseDateRange(r *http.Request) (domain.RangeQuery[time.Time], error) {
	var dateRange domain.RangeQuery[time.Time]
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return dateRange, errors.New("created_after must be a valid RFC3339 timestamp")
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return dateRange, errors.New("created_before must be a valid RFC3339 timestamp")
		}
		dateRange.To = &ts
	}
	return dateRange, nil
}

func optionalAmount(value *int64) *int64 {
	if value == nil {
		return nil
	}
	amount := *value
	return &amount
}

// Shared refund payload shapes used by both user and admin endpoints.

type refundResponse struct {
	Refund refundPayload `json:"refund"`
}

type refundListResponse struct {
	Items         []refundPayload `json:"items"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type refundPayload struct {
	ID                  string             `json:"id"`
	OrderID             string             `json:"order_id"`
	UserID              string             `json:"user_id"`
	PaymentID           *string            `json:"payment_id,omitempty"`
	Type                string             `json:"type"`
	Amount              int64              `json:"amount"`
	Currency            string             `json:"currency,omitempty"`
	Reason              string             `json:"reason"`
	Items               []refundLinePayload `json:"items,omitempty"`
	Evidence            []string           `json:"evidence,omitempty"`
	Status              string             `json:"status"`
	OperatorNotes       string             `json:"operator_notes,omitempty"`
	FailureReason       string             `json:"failure_reason,omitempty"`
	ProviderRefundID    string             `json:"provider_refund_id,omitempty"`
	InventoryRestored   bool               `json:"inventory_restored"`
	InventoryRestoredAt string             `json:"inventory_restored_at,omitempty"`
	CreatedAt           string             `json:"created_at"`
	UpdatedAt           string             `json:"updated_at,omitempty"`
}

type refundLinePayload struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func buildRefundPayload(refund services.RefundRequest) refundPayload {
	payload := refundPayload{
		ID:                  strings.TrimSpace(refund.ID),
		OrderID:             strings.TrimSpace(refund.OrderID),
		UserID:              strings.TrimSpace(refund.UserID),
		PaymentID:           cloneStringPointer(refund.PaymentID),
		Type:                string(refund.Type),
		Amount:              refund.Amount,
		Currency:            strings.ToUpper(strings.TrimSpace(refund.Currency)),
		Reason:              string(refund.Reason),
		Evidence:            append([]string(nil), refund.Evidence...),
		Status:              string(refund.Status),
		OperatorNotes:       refund.OperatorNotes,
		FailureReason:       refund.FailureReason,
		ProviderRefundID:    strings.TrimSpace(refund.ProviderRefundID),
		InventoryRestored:   refund.InventoryRestored,
		InventoryRestoredAt: formatTime(pointerTime(refund.InventoryRestoredAt)),
		CreatedAt:           formatTime(refund.CreatedAt),
		UpdatedAt:           formatTime(refund.UpdatedAt),
	}
	for _, line := range refund.Items {
		payload.Items = append(payload.Items, refundLinePayload{
			SKU:      line.SKU,
			Quantity: line.Quantity,
		})
	}
	return payload
}
