package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alambique/storefront/internal/domain"
)

// Status enumerates the normalised capture outcomes shared across providers.
type Status string

const (
	// StatusCaptured indicates the provider collected the funds.
	StatusCaptured Status = "captured"
	// StatusInstrumentDeclined indicates a soft decline; the shopper may retry with another instrument on the same order.
	StatusInstrumentDeclined Status = "instrument_declined"
	// StatusFailed indicates the provider refused the capture and the order cannot be retried.
	StatusFailed Status = "failed"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// CaptureRequest defines a capture attempt for an approved gateway order.
type CaptureRequest struct {
	OrderID        string
	Amount         domain.Money
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// CaptureResult normalises provider specific capture answers.
type CaptureResult struct {
	Provider  string
	OrderID   string
	CaptureID string
	Status    Status
	// Issue is the provider's machine readable refusal code, when any.
	Issue   string
	Message string
	DebugID string
}

// Captured reports whether funds were collected.
func (r CaptureResult) Captured() bool {
	return r.Status == StatusCaptured
}

// Provider defines the contract for capture adapters to implement.
// Transport failures are returned as errors; refusals are returned as results.
type Provider interface {
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
}

// Manager coordinates provider selection.
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
	registered := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := normaliseKey(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		registered[key] = v
	}
	m := &Manager{providers: registered}
	if _, ok := registered[ProviderPayPal]; ok {
		m.defaultProvider = ProviderPayPal
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
}

// Resolve returns the key of the provider that would serve paymentCtx.
func (m *Manager) Resolve(paymentCtx PaymentContext) (string, error) {
	key, _, err := m.resolveProvider(paymentCtx)
	return key, err
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := normaliseKey(ctx.PreferredProvider); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := normaliseKey(providerKey)
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := normaliseKey(m.defaultProvider); def != "" {
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

// Capture delegates to the resolved provider and stamps the provider key on the result.
func (m *Manager) Capture(ctx context.Context, paymentCtx PaymentContext, req CaptureRequest) (CaptureResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CaptureResult{}, err
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return CaptureResult{}, errors.New("payments: order id is required")
	}
	if req.Currency == "" {
		req.Currency = paymentCtx.Currency
	}
	res, err := provider.Capture(ctx, req)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("payments: %s capture: %w", key, err)
	}
	res.Provider = key
	if res.OrderID == "" {
		res.OrderID = req.OrderID
	}
	return res, nil
}

func normaliseKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
