package payments

import (
	"context"
	"errors"

	"github.com/alambique/storefront/internal/cartapi"
)

// ProviderPayPal is the key of the provider capturing through the store backend's PayPal endpoint.
const ProviderPayPal = "paypal"

// OrderCapturer is the backend endpoint capturing an approved gateway order.
type OrderCapturer interface {
	CaptureOrder(ctx context.Context, gatewayOrderID string) (cartapi.CaptureResult, error)
}

// BackendProvider captures through the store backend, which holds the gateway credentials.
type BackendProvider struct {
	backend OrderCapturer
}

// NewBackendProvider wraps the backend capture endpoint.
func NewBackendProvider(backend OrderCapturer) (*BackendProvider, error) {
	if backend == nil {
		return nil, errors.New("payments: backend capturer is required")
	}
	return &BackendProvider{backend: backend}, nil
}

// Capture calls the backend and maps its tagged answer.
func (p *BackendProvider) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	res, err := p.backend.CaptureOrder(ctx, req.OrderID)
	if err != nil {
		return CaptureResult{}, err
	}
	switch {
	case res.Capture != nil:
		orderID := res.Capture.OrderID
		if orderID == "" {
			orderID = req.OrderID
		}
		return CaptureResult{
			OrderID:   orderID,
			CaptureID: res.Capture.CaptureID,
			Status:    StatusCaptured,
		}, nil
	case res.Decline.InstrumentDeclined():
		return CaptureResult{
			OrderID: req.OrderID,
			Status:  StatusInstrumentDeclined,
			Issue:   res.Decline.Issue(),
			Message: res.Decline.Message(),
			DebugID: res.Decline.DebugID(),
		}, nil
	default:
		return CaptureResult{
			OrderID: req.OrderID,
			Status:  StatusFailed,
			Issue:   res.Decline.Issue(),
			Message: res.Decline.Message(),
			DebugID: res.Decline.DebugID(),
		}, nil
	}
}
