package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/craftlane/fulfillment/internal/domain"
	"github.com/craftlane/fulfillment/internal/payments"
	"github.com/craftlane/fulfillment/internal/repositories"
)

const (
	refundEventRequested     = "refund.requested"
	refundEventStatusChanged = "refund.status.changed"

	refundIDPrefix = "rfr_"

	defaultRefundEligibilityWindow = 30 * 24 * time.Hour
	defaultRefundGatewayTimeout    = 20 * time.Second
)

var (
	// ErrRefundInvalidInput signals the caller provided invalid data.
	ErrRefundInvalidInput = errors.New("refund: invalid input")
	// ErrRefundNotFound indicates the refund request or its order could not be located.
	ErrRefundNotFound = errors.New("refund: not found")
	// ErrRefundConflict indicates the request clashes with current order or refund state.
	ErrRefundConflict = errors.New("refund: conflict")
	// ErrRefundInvalidState indicates the request status does not admit the operation.
	ErrRefundInvalidState = errors.New("refund: invalid state")
	// ErrRefundUnauthorized indicates the acting user does not own the order or request.
	ErrRefundUnauthorized = errors.New("refund: unauthorized")
	// ErrRefundManualIntervention indicates settlement cannot proceed without
	// operator-supplied data, typically a capture id. Retrying without new
	// input will not succeed.
	ErrRefundManualIntervention = errors.New("refund: manual intervention required")
)

// RefundGateway is the slice of the payments manager the orchestrator needs.
type RefundGateway interface {
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error)
}

// RefundServiceDeps bundles the collaborators required to construct a refund service.
type RefundServiceDeps struct {
	Refunds     repositories.RefundRequestRepository
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
	Stock       StockService
	Gateway     RefundGateway
	Audit       AuditLogService
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)

	// EligibilityWindow bounds how long after delivery (else shipment, else
	// creation) a refund may still be requested.
	EligibilityWindow time.Duration
	// GatewayTimeout bounds the blocking provider refund call.
	GatewayTimeout time.Duration
}

type refundService struct {
	refunds    repositories.RefundRequestRepository
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	stock      StockService
	gateway    RefundGateway
	audit      AuditLogService
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     EventPublisher
	logger     func(context.Context, string, map[string]any)
	window     time.Duration
	timeout    time.Duration
}

// NewRefundService wires dependencies into a concrete RefundService implementation.
func NewRefundService(deps RefundServiceDeps) (RefundService, error) {
	if deps.Refunds == nil {
		return nil, errors.New("refund service: refund repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("refund service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("refund service: gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	window := deps.EligibilityWindow
	if window <= 0 {
		window = defaultRefundEligibilityWindow
	}

	timeout := deps.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultRefundGatewayTimeout
	}

	return &refundService{
		refunds:    deps.Refunds,
		orders:     deps.Orders,
		payments:   deps.Payments,
		stock:      deps.Stock,
		gateway:    deps.Gateway,
		audit:      deps.Audit,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		events:  deps.Events,
		logger:  logger,
		window:  window,
		timeout: timeout,
	}, nil
}

func (s *refundService) CreateRequest(ctx context.Context, cmd CreateRefundCommand) (RefundRequest, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return RefundRequest{}, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return RefundRequest{}, fmt.Errorf("%w: user id is required", ErrRefundInvalidInput)
	}
	if !domain.ValidRefundReason(cmd.Reason) {
		return RefundRequest{}, fmt.Errorf("%w: unknown refund reason %q", ErrRefundInvalidInput, cmd.Reason)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return RefundRequest{}, s.mapRepositoryError(err)
	}

	if order.UserID != userID {
		return RefundRequest{}, fmt.Errorf("%w: order %s is not owned by %s", ErrRefundUnauthorized, orderID, userID)
	}
	if !domain.StatusRefundable(order.Status) {
		return RefundRequest{}, fmt.Errorf("%w: order status %q is not refundable", ErrRefundConflict, order.Status)
	}

	remaining := order.Totals.Total - order.Refund.RefundedAmount
	if remaining <= 0 || order.Refund.Status == domain.OrderRefundFull {
		return RefundRequest{}, fmt.Errorf("%w: order is already fully refunded", ErrRefundConflict)
	}

	if active, err := s.refunds.FindActiveByOrder(ctx, orderID); err == nil {
		return RefundRequest{}, fmt.Errorf("%w: refund request %s is still open", ErrRefundConflict, active.ID)
	} else if !isNotFound(err) {
		return RefundRequest{}, err
	}

	now := s.now()
	anchor := refundEligibilityAnchor(order)
	if now.Sub(anchor) > s.window {
		return RefundRequest{}, fmt.Errorf("%w: refund window of %s has elapsed", ErrRefundConflict, s.window)
	}

	amount := remaining
	refundType := domain.RefundTypeFull
	if cmd.Amount != nil {
		amount = *cmd.Amount
		if amount <= 0 {
			return RefundRequest{}, fmt.Errorf("%w: amount must be positive", ErrRefundInvalidInput)
		}
		if amount > remaining {
			return RefundRequest{}, fmt.Errorf("%w: amount exceeds refundable balance of %d", ErrRefundInvalidInput, remaining)
		}
		if amount < remaining {
			refundType = domain.RefundTypePartial
		}
	}
	if cmd.Type != "" {
		if cmd.Type != domain.RefundTypeFull && cmd.Type != domain.RefundTypePartial {
			return RefundRequest{}, fmt.Errorf("%w: unknown refund type %q", ErrRefundInvalidInput, cmd.Type)
		}
		if cmd.Type != refundType {
			return RefundRequest{}, fmt.Errorf("%w: refund type %q does not match amount %d of %d refundable", ErrRefundInvalidInput, cmd.Type, amount, remaining)
		}
	}

	request := RefundRequest{
		ID:        refundIDPrefix + s.newID(),
		OrderID:   order.ID,
		UserID:    userID,
		Type:      refundType,
		Amount:    amount,
		Currency:  order.Currency,
		Reason:    cmd.Reason,
		Items:     slicesClone(cmd.Items),
		Evidence:  slicesClone(cmd.Evidence),
		Status:    domain.RefundStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	order.Refund.Status = domain.OrderRefundRequested
	if order.Refund.FirstRequestedAt == nil {
		order.Refund.FirstRequestedAt = &now
	}
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.refunds.Insert(txCtx, request); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return RefundRequest{}, err
	}

	s.recordAudit(ctx, AuditLogRecord{
		Actor:      firstNonEmpty(strings.TrimSpace(cmd.ActorID), userID),
		ActorType:  "user",
		Action:     "refund.requested",
		TargetRef:  "refunds/" + request.ID,
		Amount:     valuePtr(-amount),
		OccurredAt: now,
		Metadata: map[string]any{
			"orderId": order.ID,
			"reason":  string(cmd.Reason),
		},
	})

	s.publishEvent(ctx, LifecycleEvent{
		Type:        refundEventRequested,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		RefundID:    request.ID,
		ActorID:     cmd.ActorID,
		ToStatus:    string(request.Status),
		Amount:      valuePtr(amount),
		Reason:      string(cmd.Reason),
		OccurredAt:  now,
	})

	return request, nil
}

func (s *refundService) GetRequest(ctx context.Context, refundID string) (RefundRequest, error) {
	refundID = strings.TrimSpace(refundID)
	if refundID == "" {
		return RefundRequest{}, fmt.Errorf("%w: refund id is required", ErrRefundInvalidInput)
	}
	request, err := s.refunds.FindByID(ctx, refundID)
	if err != nil {
		return RefundRequest{}, s.mapRepositoryError(err)
	}
	return request, nil
}

func (s *refundService) ListByOrder(ctx context.Context, orderID string) ([]RefundRequest, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}
	requests, err := s.refunds.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return requests, nil
}

func (s *refundService) ListRequests(ctx context.Context, filter RefundListFilter) (domain.CursorPage[RefundRequest], error) {
	page, err := s.refunds.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[RefundRequest]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *refundService) Approve(ctx context.Context, cmd ApproveRefundCommand) (RefundRequest, error) {
	request, err := s.loadRequest(ctx, cmd.RefundID)
	if err != nil {
		return RefundRequest{}, err
	}
	if !request.Status.CanBeApproved() {
		return RefundRequest{}, fmt.Errorf("%w: refund status %q cannot be approved", ErrRefundInvalidState, request.Status)
	}

	order, err := s.orders.FindByID(ctx, request.OrderID)
	if err != nil {
		return RefundRequest{}, s.mapRepositoryError(err)
	}

	now := s.now()
	operator := strings.TrimSpace(cmd.OperatorID)
	prevStatus := request.Status

	captureID, paymentID := s.resolveCaptureID(ctx, order, cmd.ManualCaptureID)
	if captureID == "" {
		request = s.markFailed(ctx, request, "no capture id resolvable", now)
		return request, fmt.Errorf("%w: no capture id on order %s and no completed payment record", ErrRefundManualIntervention, order.ID)
	}

	// Commit processing before the blocking gateway call so a crash mid-call
	// leaves the request recoverable rather than losing the attempt.
	request.Status = domain.RefundStatusProcessing
	request.PaymentID = paymentID
	if notes := strings.TrimSpace(cmd.OperatorNotes); notes != "" {
		request.OperatorNotes = appendNotes(request.OperatorNotes, notes)
	}
	request.UpdatedAt = now
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.refunds.Update(txCtx, request); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return RefundRequest{}, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, gwErr := s.gateway.Refund(gwCtx, payments.PaymentContext{
		PreferredProvider: order.Payment.Provider,
		Currency:          order.Currency,
	}, payments.RefundRequest{
		CaptureID:      captureID,
		Amount:         valuePtr(request.Amount),
		Reason:         string(request.Reason),
		IdempotencyKey: request.ID,
		Metadata: map[string]string{
			"orderId":  order.ID,
			"refundId": request.ID,
		},
	})
	if gwErr != nil {
		request = s.markFailed(ctx, request, gwErr.Error(), s.now())

		var gatewayErr *payments.GatewayError
		if errors.As(gwErr, &gatewayErr) && gatewayErr.IsNotFound() {
			return request, fmt.Errorf("%w: provider does not know capture %s: %v", ErrRefundManualIntervention, captureID, gwErr)
		}
		return request, fmt.Errorf("refund: gateway refund failed: %w", gwErr)
	}

	settledAt := s.now()
	request.Status = domain.RefundStatusCompleted
	request.ProviderRefundID = result.RefundID
	request.RawResponse = result.Raw
	request.FailureReason = ""
	request.UpdatedAt = settledAt

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.refunds.Update(txCtx, request); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return RefundRequest{}, err
	}

	s.restoreStock(ctx, request, operator)

	if err := s.applyRefundToOrder(ctx, order.ID, request.Amount, settledAt, operator); err != nil {
		s.logger(ctx, "refund.order.aggregate.failed", map[string]any{
			"refund": request.ID,
			"order":  order.ID,
			"error":  err.Error(),
		})
	}

	s.recordAudit(ctx, AuditLogRecord{
		Actor:      operator,
		ActorType:  "admin",
		Action:     "refund.completed",
		TargetRef:  "refunds/" + request.ID,
		Amount:     valuePtr(-request.Amount),
		OccurredAt: settledAt,
		Metadata: map[string]any{
			"orderId":          order.ID,
			"providerRefundId": result.RefundID,
			"provider":         result.Provider,
		},
	})

	s.publishEvent(ctx, LifecycleEvent{
		Type:        refundEventStatusChanged,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		RefundID:    request.ID,
		ActorID:     operator,
		FromStatus:  string(prevStatus),
		ToStatus:    string(request.Status),
		Amount:      valuePtr(request.Amount),
		OccurredAt:  settledAt,
	})

	return request, nil
}

func (s *refundService) Reject(ctx context.Context, cmd RejectRefundCommand) (RefundRequest, error) {
	request, err := s.loadRequest(ctx, cmd.RefundID)
	if err != nil {
		return RefundRequest{}, err
	}
	if !request.Status.CanBeApproved() {
		return RefundRequest{}, fmt.Errorf("%w: refund status %q cannot be rejected", ErrRefundInvalidState, request.Status)
	}

	order, err := s.orders.FindByID(ctx, request.OrderID)
	if err != nil {
		return RefundRequest{}, s.mapRepositoryError(err)
	}

	now := s.now()
	operator := strings.TrimSpace(cmd.OperatorID)
	prevStatus := request.Status

	request.Status = domain.RefundStatusRejected
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		request.OperatorNotes = appendNotes(request.OperatorNotes, reason)
	}
	request.UpdatedAt = now

	// A rejected request leaves the order as if nothing had been asked.
	if order.Refund.RefundedAmount == 0 {
		order.Refund.Status = domain.OrderRefundNone
	}
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.refunds.Update(txCtx, request); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return RefundRequest{}, err
	}

	s.recordAudit(ctx, AuditLogRecord{
		Actor:      operator,
		ActorType:  "admin",
		Action:     "refund.rejected",
		TargetRef:  "refunds/" + request.ID,
		OccurredAt: now,
		Metadata: map[string]any{
			"orderId": order.ID,
			"reason":  strings.TrimSpace(cmd.Reason),
		},
	})

	s.publishEvent(ctx, LifecycleEvent{
		Type:       refundEventStatusChanged,
		OrderID:    order.ID,
		RefundID:   request.ID,
		ActorID:    operator,
		FromStatus: string(prevStatus),
		ToStatus:   string(request.Status),
		OccurredAt: now,
	})

	return request, nil
}

func (s *refundService) Cancel(ctx context.Context, cmd CancelRefundCommand) (RefundRequest, error) {
	request, err := s.loadRequest(ctx, cmd.RefundID)
	if err != nil {
		return RefundRequest{}, err
	}
	if !request.Status.CanBeCancelled() {
		return RefundRequest{}, fmt.Errorf("%w: refund status %q cannot be cancelled", ErrRefundInvalidState, request.Status)
	}

	actor := strings.TrimSpace(cmd.ActingUserID)
	if actor != "" && !cmd.AsAdmin && actor != request.UserID {
		return RefundRequest{}, fmt.Errorf("%w: request %s is not owned by %s", ErrRefundUnauthorized, request.ID, actor)
	}

	order, err := s.orders.FindByID(ctx, request.OrderID)
	if err != nil {
		return RefundRequest{}, s.mapRepositoryError(err)
	}

	now := s.now()
	prevStatus := request.Status

	request.Status = domain.RefundStatusCancelled
	request.UpdatedAt = now

	if order.Refund.RefundedAmount == 0 {
		order.Refund.Status = domain.OrderRefundNone
	}
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.refunds.Update(txCtx, request); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return RefundRequest{}, err
	}

	s.publishEvent(ctx, LifecycleEvent{
		Type:       refundEventStatusChanged,
		OrderID:    order.ID,
		RefundID:   request.ID,
		ActorID:    actor,
		FromStatus: string(prevStatus),
		ToStatus:   string(request.Status),
		OccurredAt: now,
	})

	return request, nil
}

// resolveCaptureID walks the fallback chain: capture id on the order header,
// then the latest completed payment record, then the operator-supplied value.
func (s *refundService) resolveCaptureID(ctx context.Context, order Order, manualCaptureID string) (string, *string) {
	if captureID := strings.TrimSpace(order.Payment.CaptureID); captureID != "" {
		return captureID, nil
	}

	if s.payments != nil {
		payment, err := s.payments.LatestCompletedByOrder(ctx, order.ID)
		if err == nil && strings.TrimSpace(payment.CaptureID) != "" {
			return payment.CaptureID, valuePtr(payment.ID)
		}
		if err != nil && !isNotFound(err) {
			s.logger(ctx, "refund.capture.lookup.failed", map[string]any{
				"order": order.ID,
				"error": err.Error(),
			})
		}
	}

	return strings.TrimSpace(manualCaptureID), nil
}

// markFailed moves the request to failed and appends the failure reason while
// preserving operator notes. Failed is retryable; persistence errors here are
// logged because the caller already carries a more meaningful error.
func (s *refundService) markFailed(ctx context.Context, request RefundRequest, reason string, now time.Time) RefundRequest {
	request.Status = domain.RefundStatusFailed
	request.FailureReason = reason
	request.UpdatedAt = now

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		return s.refunds.Update(txCtx, request)
	})
	if err != nil {
		s.logger(ctx, "refund.mark_failed.persist.failed", map[string]any{
			"refund": request.ID,
			"error":  err.Error(),
		})
	}

	s.publishEvent(ctx, LifecycleEvent{
		Type:       refundEventStatusChanged,
		OrderID:    request.OrderID,
		RefundID:   request.ID,
		ToStatus:   string(domain.RefundStatusFailed),
		Reason:     reason,
		OccurredAt: now,
	})

	return request
}

// restoreStock triggers inventory restoration after a settled refund. The
// stock service enforces the at-most-once guard; failures are logged only.
func (s *refundService) restoreStock(ctx context.Context, request RefundRequest, actor string) {
	if s.stock == nil {
		return
	}
	if _, err := s.stock.RestoreForRefund(ctx, StockRestoreCommand{
		RefundID: request.ID,
		ActorID:  actor,
	}); err != nil {
		s.logger(ctx, "refund.stock.restore.failed", map[string]any{
			"refund": request.ID,
			"error":  err.Error(),
		})
	}
}

// applyRefundToOrder folds a settled amount into the order's refund aggregate.
// The order is re-read so concurrent settlements don't clobber each other's sums.
func (s *refundService) applyRefundToOrder(ctx context.Context, orderID string, amount int64, now time.Time, actor string) error {
	return s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		refunded := order.Refund.RefundedAmount + amount
		if refunded > order.Totals.Total {
			refunded = order.Totals.Total
		}
		order.Refund.RefundedAmount = refunded

		if refunded >= order.Totals.Total {
			order.Refund.Status = domain.OrderRefundFull
			order.Payment.Status = domain.PaymentStatusRefunded
			order.Status = domain.OrderStatusRefunded
		} else {
			order.Refund.Status = domain.OrderRefundPartial
			order.Payment.Status = domain.PaymentStatusPartiallyRefunded
		}
		order.UpdatedAt = now
		if actor != "" {
			order.Audit.UpdatedBy = valuePtr(actor)
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
}

func (s *refundService) loadRequest(ctx context.Context, refundID string) (RefundRequest, error) {
	refundID = strings.TrimSpace(refundID)
	if refundID == "" {
		return RefundRequest{}, fmt.Errorf("%w: refund id is required", ErrRefundInvalidInput)
	}
	request, err := s.refunds.FindByID(ctx, refundID)
	if err != nil {
		return RefundRequest{}, s.mapRepositoryError(err)
	}
	return request, nil
}

func (s *refundService) recordAudit(ctx context.Context, record AuditLogRecord) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, record)
}

func (s *refundService) publishEvent(ctx context.Context, event LifecycleEvent) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Publish(ctx, event); err != nil {
		s.logger(ctx, "refund.event.publish.failed", map[string]any{
			"type":   event.Type,
			"refund": event.RefundID,
			"error":  err.Error(),
		})
	}
}

func (s *refundService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrRefundNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrRefundConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("refund: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *refundService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *refundService) now() time.Time {
	return s.clock()
}

// refundEligibilityAnchor picks the timestamp the eligibility window counts
// from: delivery, else shipment, else order creation.
func refundEligibilityAnchor(order Order) time.Time {
	if order.Fulfillment.DeliveredAt != nil {
		return *order.Fulfillment.DeliveredAt
	}
	if order.Fulfillment.ShippedAt != nil {
		return *order.Fulfillment.ShippedAt
	}
	return order.CreatedAt
}

func appendNotes(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func slicesClone[T any](src []T) []T {
	if src == nil {
		return nil
	}
	out := make([]T, len(src))
	copy(out, src)
	return out
}
