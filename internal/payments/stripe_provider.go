package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// ProviderStripe is the key of the card provider capturing PaymentIntents directly.
const ProviderStripe = "stripe"

// ErrNotPaymentIntent is returned when the order id handed to the Stripe provider is not a
// PaymentIntent id. The commerce backend must return intent ids from convert when Stripe captures.
var ErrNotPaymentIntent = errors.New("stripe: order id is not a payment intent id")

const paymentIntentPrefix = "pi_"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Intents   stripePaymentIntentAPI
}

// StripeProvider captures manual-capture PaymentIntents.
type StripeProvider struct {
	intents stripePaymentIntentAPI
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Capture captures the PaymentIntent named by req.OrderID. Card declines map to a soft decline.
func (p *StripeProvider) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	if p == nil {
		return CaptureResult{}, errors.New("stripe: provider is nil")
	}
	intentID := strings.TrimSpace(req.OrderID)
	if intentID == "" {
		return CaptureResult{}, errors.New("stripe: intent id is required")
	}
	if !strings.HasPrefix(intentID, paymentIntentPrefix) {
		p.logger(ctx, "stripe.capture.invalid_intent", map[string]any{"orderId": intentID})
		return CaptureResult{}, ErrNotPaymentIntent
	}

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount > 0 {
		params.AmountToCapture = stripe.Int64(int64(req.Amount))
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	started := p.clock()
	intent, err := p.intents.Capture(intentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			status := StatusFailed
			if stripeErr.Code == stripe.ErrorCodeCardDeclined || stripeErr.DeclineCode != "" {
				status = StatusInstrumentDeclined
			}
			p.logger(ctx, "stripe.capture.declined", map[string]any{
				"intentId":    intentID,
				"code":        string(stripeErr.Code),
				"declineCode": string(stripeErr.DeclineCode),
				"requestId":   stripeErr.RequestID,
			})
			return CaptureResult{
				OrderID: intentID,
				Status:  status,
				Issue:   strings.ToUpper(string(stripeErr.Code)),
				Message: stripeErr.Msg,
				DebugID: stripeErr.RequestID,
			}, nil
		}
		p.logger(ctx, "stripe.capture.error", map[string]any{"intentId": intentID, "error": err})
		return CaptureResult{}, err
	}

	p.logger(ctx, "stripe.capture", map[string]any{
		"intentId":   intentID,
		"status":     string(intent.Status),
		"durationMs": p.clock().Sub(started).Milliseconds(),
	})
	return stripeCaptureResult(intent), nil
}

func stripeCaptureResult(intent *stripe.PaymentIntent) CaptureResult {
	res := CaptureResult{OrderID: intent.ID}
	if intent.LatestCharge != nil {
		res.CaptureID = intent.LatestCharge.ID
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Status = StatusCaptured
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		res.Status = StatusInstrumentDeclined
		res.Issue = "REQUIRES_PAYMENT_METHOD"
		if intent.LastPaymentError != nil {
			res.Message = intent.LastPaymentError.Msg
		}
	default:
		res.Status = StatusFailed
		res.Issue = strings.ToUpper(string(intent.Status))
	}
	return res
}
