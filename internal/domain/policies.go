package domain

// Refund and restock policy tables. These are deliberately data, not control
// flow: operations changes them by editing the tables, not the orchestration
// code that consults them.

// noRestockReasons lists refund reasons whose goods never return to sellable
// inventory.
var noRestockReasons = map[RefundReason]struct{}{
	RefundReasonDamagedDefective: {},
	RefundReasonQualityIssue:     {},
}

// ReasonRestocks reports whether goods refunded for the reason return to
// inventory. Unknown reasons restock; the table only names exclusions.
func ReasonRestocks(reason RefundReason) bool {
	_, excluded := noRestockReasons[reason]
	return !excluded
}

// refundableStatuses lists order statuses from which a customer may open a
// refund request. Money is only at risk once production has started; earlier
// stages cancel instead of refunding.
var refundableStatuses = map[OrderStatus]struct{}{
	OrderStatusInProduction:     {},
	OrderStatusReadyForCheckout: {},
	OrderStatusShipped:          {},
	OrderStatusDelivered:        {},
}

// StatusRefundable reports whether refunds may be requested for an order in
// the given status.
func StatusRefundable(status OrderStatus) bool {
	_, ok := refundableStatuses[status]
	return ok
}

// ValidRefundReason reports membership in the closed refund reason set.
func ValidRefundReason(reason RefundReason) bool {
	switch reason {
	case RefundReasonRequestedByCustomer,
		RefundReasonDamagedDefective,
		RefundReasonQualityIssue,
		RefundReasonWrongItem,
		RefundReasonLateDelivery,
		RefundReasonNoLongerNeeded,
		RefundReasonOther:
		return true
	}
	return false
}
