package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised settlement states shared across providers.
type Status string

const (
	// StatusPending indicates the provider is still processing the operation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the provider reports the operation as settled.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the provider reports a failure.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the underlying capture has been fully refunded.
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrorKind classifies gateway failures for the refund orchestrator.
type ErrorKind string

const (
	// KindNotFound means the capture reference does not exist at the provider.
	// The refund needs manual intervention; retrying cannot help.
	KindNotFound ErrorKind = "not_found"
	// KindTransient covers timeouts, rate limits, and provider outages. The
	// operation may be retried as-is.
	KindTransient ErrorKind = "transient"
	// KindRejected means the provider understood and declined the operation.
	KindRejected ErrorKind = "rejected"
)

// GatewayError is the normalised provider failure surfaced to services.
type GatewayError struct {
	Kind     ErrorKind
	Provider string
	Code     string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s gateway %s: %s (%s)", e.Provider, e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s gateway %s: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap exposes the underlying provider error.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the capture reference was unknown to the provider.
func (e *GatewayError) IsNotFound() bool { return e != nil && e.Kind == KindNotFound }

// IsTransient reports whether the failure is safe to retry.
func (e *GatewayError) IsTransient() bool { return e != nil && e.Kind == KindTransient }

// NewGatewayError constructs a normalised gateway error.
func NewGatewayError(kind ErrorKind, provider, code, message string, err error) *GatewayError {
	if message == "" {
		message = string(kind)
	}
	return &GatewayError{
		Kind:     kind,
		Provider: provider,
		Code:     code,
		Message:  message,
		Err:      err,
	}
}

// RefundRequest defines a provider refund attempt against a capture reference.
type RefundRequest struct {
	CaptureID      string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundResult normalises the provider refund response for storage.
type RefundResult struct {
	Provider    string
	RefundID    string
	CaptureID   string
	Status      Status
	Amount      int64
	Currency    string
	ProcessedAt *time.Time
	Raw         map[string]any
}

// LookupRequest identifies a capture for reconciliation.
type LookupRequest struct {
	CaptureID string
}

// PaymentDetails normalises provider specific capture fields for storage.
type PaymentDetails struct {
	Provider   string
	CaptureID  string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	RefundedAt *time.Time
	Raw        map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (RefundResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return RefundResult{}, err
	}
	result, err := provider.Refund(ctx, req)
	if err != nil {
		return RefundResult{}, err
	}
	result.Provider = key
	return result, nil
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}
