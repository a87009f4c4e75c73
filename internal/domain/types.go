package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits its first admin review.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPendingPayment indicates the order was approved and awaits payment.
	// Admin "approve" lands here; there is no literal approved status on new rows.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusApprovedProcessing indicates payment completed and the order entered processing.
	OrderStatusApprovedProcessing OrderStatus = "approved_processing"
	// OrderStatusPictureReplyPending indicates a design proof was sent and awaits the customer.
	OrderStatusPictureReplyPending OrderStatus = "picture_reply_pending"
	// OrderStatusPictureReplyApproved indicates the customer accepted the design proof.
	OrderStatusPictureReplyApproved OrderStatus = "picture_reply_approved"
	// OrderStatusPictureReplyRejected indicates the customer rejected the design proof.
	OrderStatusPictureReplyRejected OrderStatus = "picture_reply_rejected"
	// OrderStatusReadyForProduction indicates the order is queued for production.
	OrderStatusReadyForProduction OrderStatus = "ready_for_production"
	// OrderStatusInProduction indicates the order is actively being produced.
	OrderStatusInProduction OrderStatus = "in_production"
	// OrderStatusReadyForCheckout indicates production finished and the order awaits shipment.
	OrderStatusReadyForCheckout OrderStatus = "ready_for_checkout"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier confirmed delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusRejected indicates the admin declined the order during review.
	OrderStatusRejected OrderStatus = "rejected"
	// OrderStatusNeedsChanges indicates the admin returned the order to the customer for edits.
	OrderStatusNeedsChanges OrderStatus = "needs_changes"
	// OrderStatusRefunded indicates the order was fully refunded.
	OrderStatusRefunded OrderStatus = "refunded"
	// OrderStatusCancelled indicates the order was cancelled before fulfilment.
	OrderStatusCancelled OrderStatus = "cancelled"

	// OrderStatusApproved and OrderStatusProcessing do not occur on new rows; they
	// survive on historical records written before approve started landing on
	// pending_payment, and still count as committed for the deduction guard.
	OrderStatusApproved   OrderStatus = "approved"
	OrderStatusProcessing OrderStatus = "processing"
)

// OrderPhase tags the coarse lifecycle segment a status belongs to. Entering
// the committed phase from any other phase decrements stock; re-entering it
// from outside triggers the decrement again.
type OrderPhase string

const (
	// PhaseReview covers statuses before the order is committed to fulfilment.
	PhaseReview OrderPhase = "review"
	// PhaseCommitted covers statuses whose entry deducts inventory.
	PhaseCommitted OrderPhase = "committed"
	// PhaseProduction covers design-proof and production statuses.
	PhaseProduction OrderPhase = "production"
	// PhaseFulfilment covers shipping and delivery statuses.
	PhaseFulfilment OrderPhase = "fulfilment"
	// PhaseClosed covers terminal statuses.
	PhaseClosed OrderPhase = "closed"
)

var orderPhases = map[OrderStatus]OrderPhase{
	OrderStatusPending:              PhaseReview,
	OrderStatusNeedsChanges:         PhaseReview,
	OrderStatusPendingPayment:       PhaseCommitted,
	OrderStatusApprovedProcessing:   PhaseCommitted,
	OrderStatusApproved:             PhaseCommitted,
	OrderStatusProcessing:           PhaseCommitted,
	OrderStatusPictureReplyPending:  PhaseProduction,
	OrderStatusPictureReplyApproved: PhaseProduction,
	OrderStatusPictureReplyRejected: PhaseProduction,
	OrderStatusReadyForProduction:   PhaseProduction,
	OrderStatusInProduction:         PhaseProduction,
	OrderStatusReadyForCheckout:     PhaseProduction,
	OrderStatusShipped:              PhaseFulfilment,
	OrderStatusDelivered:            PhaseFulfilment,
	OrderStatusRejected:             PhaseClosed,
	OrderStatusRefunded:             PhaseClosed,
	OrderStatusCancelled:            PhaseClosed,
}

// PhaseOf returns the phase for a status, defaulting to review for unknown values.
func PhaseOf(status OrderStatus) OrderPhase {
	if phase, ok := orderPhases[status]; ok {
		return phase
	}
	return PhaseReview
}

// TriggersStockDeduction reports whether entering the status deducts inventory.
func (s OrderStatus) TriggersStockDeduction() bool {
	return PhaseOf(s) == PhaseCommitted
}

// AdminAction enumerates the review and fulfilment actions admins issue
// against orders. The action is retained on the order separately from the
// status it resolved to.
type AdminAction string

const (
	AdminActionApprove             AdminAction = "approve"
	AdminActionReject              AdminAction = "reject"
	AdminActionRequestChanges      AdminAction = "request_changes"
	AdminActionConfirmPayment      AdminAction = "confirm_payment"
	AdminActionRequestPictureReply AdminAction = "request_picture_reply"
	AdminActionApprovePicture      AdminAction = "approve_picture"
	AdminActionRejectPicture       AdminAction = "reject_picture"
	AdminActionQueueProduction     AdminAction = "queue_production"
	AdminActionStartProduction     AdminAction = "start_production"
	AdminActionFinishProduction    AdminAction = "finish_production"
	AdminActionShip                AdminAction = "ship"
	AdminActionDeliver             AdminAction = "deliver"
	AdminActionUnship              AdminAction = "unship"
	AdminActionCancel              AdminAction = "cancel"
)

// Order captures the persistent order record shared across layers. Orders are
// never hard-deleted; terminal rows remain for audit.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Status          OrderStatus
	RequestedAction AdminAction
	Currency        string
	Totals          OrderTotals
	Items           []OrderLineItem
	Payment         PaymentInfo
	Fulfillment     Fulfillment
	Refund          RefundSummary
	Audit           OrderAudit
	Metadata        map[string]any
	CancelReason    *string
	CancelledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
// Total equals Subtotal + Shipping + Tax at creation time.
type OrderTotals struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Total    int64
}

// MadeToOrderProductRef marks line items that carry no inventory-bearing
// product: fully bespoke pieces produced per order.
const MadeToOrderProductRef = "made-to-order"

// OrderLineItem stores one purchased product or variant.
type OrderLineItem struct {
	ProductRef    string
	SKU           string
	Name          string
	Quantity      int
	UnitPrice     int64
	Total         int64
	Customization map[string]any
}

// Inventoried reports whether the line references stock-tracked inventory.
// Made-to-order pseudo references and malformed lines carry no stock.
func (li OrderLineItem) Inventoried() bool {
	if li.ProductRef == "" || li.ProductRef == MadeToOrderProductRef {
		return false
	}
	return li.Quantity > 0
}

// PermanentlyCustomized reports whether the line carries a permanent
// customization payload and therefore never returns to inventory.
func (li OrderLineItem) PermanentlyCustomized() bool {
	return len(li.Customization) > 0
}

// PaymentStatus tracks the settlement state recorded on an order or payment row.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// PaymentInfo stores provider references and card metadata on the order header.
type PaymentInfo struct {
	Provider  string
	CaptureID string
	Status    PaymentStatus
	CardBrand string
	CardLast4 string
}

// Fulfillment holds carrier, tracking, and shipping timestamps. ShippedAt and
// DeliveredAt are each set at most once (shipped precedes delivered) and are
// cleared only by an explicit un-ship action.
type Fulfillment struct {
	Carrier        string
	TrackingNumber string
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
}

// OrderRefundStatus aggregates refund progress on the order header.
type OrderRefundStatus string

const (
	OrderRefundNone      OrderRefundStatus = "none"
	OrderRefundRequested OrderRefundStatus = "requested"
	OrderRefundPartial   OrderRefundStatus = "partial"
	OrderRefundFull      OrderRefundStatus = "full"
)

// RefundSummary rolls up refund state on the order. RefundedAmount never
// exceeds Totals.Total.
type RefundSummary struct {
	Status           OrderRefundStatus
	RefundedAmount   int64
	FirstRequestedAt *time.Time
}

// OrderAudit records the actors responsible for creating and updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// RefundStatus enumerates the refund request lifecycle.
type RefundStatus string

const (
	RefundStatusPending     RefundStatus = "pending"
	RefundStatusUnderReview RefundStatus = "under_review"
	RefundStatusProcessing  RefundStatus = "processing"
	RefundStatusCompleted   RefundStatus = "completed"
	RefundStatusFailed      RefundStatus = "failed"
	RefundStatusRejected    RefundStatus = "rejected"
	RefundStatusCancelled   RefundStatus = "cancelled"
)

// IsFinal reports whether the request can no longer change state. A failed
// request is not final: it re-enters processing on retry.
func (s RefundStatus) IsFinal() bool {
	switch s {
	case RefundStatusCompleted, RefundStatusRejected, RefundStatusCancelled:
		return true
	}
	return false
}

// CanBeApproved reports whether an approve is currently admissible.
func (s RefundStatus) CanBeApproved() bool {
	switch s {
	case RefundStatusPending, RefundStatusUnderReview, RefundStatusFailed:
		return true
	}
	return false
}

// CanBeCancelled reports whether the requester may still withdraw the request.
func (s RefundStatus) CanBeCancelled() bool {
	switch s {
	case RefundStatusPending, RefundStatusUnderReview:
		return true
	}
	return false
}

// RefundType distinguishes full settlements from partial ones.
type RefundType string

const (
	RefundTypeFull    RefundType = "full"
	RefundTypePartial RefundType = "partial"
)

// RefundReason is the closed enumeration of customer-facing refund reasons.
type RefundReason string

const (
	RefundReasonRequestedByCustomer RefundReason = "requested_by_customer"
	RefundReasonDamagedDefective    RefundReason = "damaged_defective"
	RefundReasonQualityIssue        RefundReason = "quality_issue"
	RefundReasonWrongItem           RefundReason = "wrong_item"
	RefundReasonLateDelivery        RefundReason = "late_delivery"
	RefundReasonNoLongerNeeded      RefundReason = "no_longer_needed"
	RefundReasonOther               RefundReason = "other"
)

// RefundLineRef ties a refund request to specific order line items.
type RefundLineRef struct {
	SKU      string
	Quantity int
}

// RefundRequest represents one customer or admin initiated refund attempt.
// At most one non-terminal request exists per order at a time.
type RefundRequest struct {
	ID                  string
	OrderID             string
	UserID              string
	PaymentID           *string
	Type                RefundType
	Amount              int64
	Currency            string
	Reason              RefundReason
	Items               []RefundLineRef
	Evidence            []string
	Status              RefundStatus
	OperatorNotes       string
	FailureReason       string
	ProviderRefundID    string
	RawResponse         map[string]any
	InventoryRestored   bool
	InventoryRestoredAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Payment is the settlement record for one charge attempt. Refund requests
// use it to recover the provider capture id when the order header lacks one.
type Payment struct {
	ID        string
	OrderID   string
	UserID    string
	Provider  string
	CaptureID string
	Status    PaymentStatus
	Amount    int64
	Fee       int64
	Net       int64
	Currency  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StockUnit tracks on-hand inventory for one SKU. OnHand never drops below
// zero; decrements are conditional updates, not post-hoc clamps.
type StockUnit struct {
	SKU         string
	ProductRef  string
	OnHand      int
	SafetyStock int
	UpdatedAt   time.Time
}

// StockEvent captures individual stock adjustments for audit and analytics.
type StockEvent struct {
	Type       string
	OrderRef   string
	RefundRef  string
	SKU        string
	ProductRef string
	Delta      int
	OnHand     int
	OccurredAt time.Time
	Metadata   map[string]any
}

// AuditLogEntry stores normalized audit information for admin review. Refund
// settlements are recorded with negative amounts for reporting symmetry with
// charges.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Amount    *int64
	Metadata  map[string]any
	Severity  string
	RequestID string
	CreatedAt time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
