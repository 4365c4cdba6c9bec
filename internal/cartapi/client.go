package cartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alambique/storefront/internal/domain"
	"github.com/alambique/storefront/internal/i18n"
	"github.com/alambique/storefront/internal/platform/requestctx"
)

const (
	// DefaultTimeout bounds every backend request.
	DefaultTimeout    = 15 * time.Second
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

// TokenSource yields the shopper's bearer credential for the request context.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the commerce backend's cart, order and payment endpoints.
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	timeout  time.Duration
	messages *i18n.Bundle
	newKey   func() string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMessages sets the catalog used for fallback error messages.
func WithMessages(bundle *i18n.Bundle) Option {
	return func(c *Client) {
		if bundle != nil {
			c.messages = bundle
		}
	}
}

// WithKeyGenerator overrides the idempotency key generator.
func WithKeyGenerator(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newKey = fn
		}
	}
}

// NewClient builds a Client for baseURL. Outbound requests are traced with otelhttp.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("cartapi: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("cartapi: invalid base url: %w", err)
	}
	if tokens == nil {
		return nil, errors.New("cartapi: token source is required")
	}
	c := &Client{
		baseURL:  baseURL,
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		tokens:   tokens,
		timeout:  DefaultTimeout,
		messages: i18n.Default(),
		newKey:   func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchCart returns the shopper's cart as the backend sees it.
func (c *Client) FetchCart(ctx context.Context) (domain.Cart, error) {
	resp, err := c.do(ctx, "fetch_cart", http.MethodGet, "", nil, "cart")
	if err != nil {
		return domain.Cart{}, err
	}
	if resp.status >= http.StatusBadRequest {
		return domain.Cart{}, c.statusError(ctx, "fetch_cart", resp)
	}
	var payload cartPayload
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return domain.Cart{}, c.decodeError(ctx, "fetch_cart", err)
	}
	return payload.toCart(), nil
}

// AddItem sends a signed quantity delta for productID.
func (c *Client) AddItem(ctx context.Context, productID string, delta int) error {
	body := map[string]any{"product_id": productID, "quantity": delta}
	resp, err := c.do(ctx, "add_item", http.MethodPost, c.newKey(), body, "cart", "items")
	if err != nil {
		return err
	}
	if resp.status >= http.StatusBadRequest {
		return c.statusError(ctx, "add_item", resp)
	}
	return nil
}

// RemoveItem deletes the line for productID.
func (c *Client) RemoveItem(ctx context.Context, productID string) error {
	body := map[string]any{"product_id": productID}
	resp, err := c.do(ctx, "remove_item", http.MethodDelete, c.newKey(), body, "cart", "items")
	if err != nil {
		return err
	}
	if resp.status >= http.StatusBadRequest {
		return c.statusError(ctx, "remove_item", resp)
	}
	return nil
}

// AbandonCart marks cartID abandoned. The idempotency key is derived from the cart id so retries collapse server side.
func (c *Client) AbandonCart(ctx context.Context, cartID string) error {
	resp, err := c.do(ctx, "abandon_cart", http.MethodPost, "cart-abandon:"+cartID, nil, "cart", "abandon")
	if err != nil {
		return err
	}
	if resp.status >= http.StatusBadRequest {
		return c.statusError(ctx, "abandon_cart", resp)
	}
	return nil
}

// ConvertToOrder turns the active cart into a payable order.
func (c *Client) ConvertToOrder(ctx context.Context) (ConvertResult, error) {
	resp, err := c.do(ctx, "convert_cart", http.MethodPost, c.newKey(), nil, "cart", "convert")
	if err != nil {
		return ConvertResult{}, err
	}
	if resp.status >= http.StatusBadRequest {
		return ConvertResult{}, c.statusError(ctx, "convert_cart", resp)
	}
	var payload convertPayload
	if len(bytes.TrimSpace(resp.body)) > 0 {
		if err := json.Unmarshal(resp.body, &payload); err != nil {
			return ConvertResult{}, c.decodeError(ctx, "convert_cart", err)
		}
	}
	id := string(payload.ID)
	if id == "" {
		id = string(payload.OrderID)
	}
	if id == "" {
		return ConvertResult{Rejection: &Rejection{Details: payload.Details}}, nil
	}
	return ConvertResult{Order: &CreatedOrder{ID: id}}, nil
}

// CaptureOrder captures the approved gateway order. A details array in the body is a decline whatever the status code.
func (c *Client) CaptureOrder(ctx context.Context, gatewayOrderID string) (CaptureResult, error) {
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if gatewayOrderID == "" {
		return CaptureResult{}, &Error{Op: "capture_order", Kind: KindValidation, Message: c.localize(ctx, i18n.KeyInvalidRequest)}
	}
	resp, err := c.do(ctx, "capture_order", http.MethodPost, "order-capture:"+gatewayOrderID, nil,
		"orders", "paypal", gatewayOrderID, "capture")
	if err != nil {
		return CaptureResult{}, err
	}
	var payload capturePayload
	decodeErr := json.Unmarshal(resp.body, &payload)
	if resp.status != http.StatusUnauthorized && resp.status != http.StatusForbidden && decodeErr == nil && len(payload.Details) > 0 {
		return CaptureResult{Decline: &Decline{Details: payload.Details}}, nil
	}
	if resp.status >= http.StatusBadRequest {
		return CaptureResult{}, c.statusError(ctx, "capture_order", resp)
	}
	if decodeErr != nil {
		return CaptureResult{}, c.decodeError(ctx, "capture_order", decodeErr)
	}
	capture := &Capture{OrderID: gatewayOrderID, Status: payload.Status}
	if id := string(payload.ID); id != "" {
		capture.OrderID = id
	}
	for _, unit := range payload.PurchaseUnits {
		if caps := unit.Payments.Captures; len(caps) > 0 {
			capture.CaptureID = caps[0].ID
			if caps[0].Status != "" {
				capture.Status = caps[0].Status
			}
			break
		}
	}
	return CaptureResult{Capture: capture}, nil
}

type response struct {
	status int
	body   []byte
}

func (c *Client) do(ctx context.Context, op, method, idempotencyKey string, body any, segments ...string) (response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil || strings.TrimSpace(token) == "" {
		if err == nil {
			err = ErrAuthMissing
		}
		return response{}, &Error{Op: op, Kind: KindAuthMissing, Message: c.localize(ctx, i18n.KeyAuthRequired), Err: err}
	}

	endpoint, err := url.JoinPath(c.baseURL, segments...)
	if err != nil {
		return response{}, &Error{Op: op, Kind: KindValidation, Message: c.localize(ctx, i18n.KeyGenericError), Err: err}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return response{}, &Error{Op: op, Kind: KindValidation, Message: c.localize(ctx, i18n.KeyGenericError), Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return response{}, &Error{Op: op, Kind: KindValidation, Message: c.localize(ctx, i18n.KeyGenericError), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}
	if lang := requestctx.Locale(ctx); lang != "" {
		req.Header.Set("Accept-Language", lang)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return response{}, c.transportError(ctx, op, err)
	}
	return response{status: resp.StatusCode, body: raw}, nil
}

func (c *Client) transportError(ctx context.Context, op string, err error) *Error {
	if ctx.Err() != nil {
		return &Error{Op: op, Kind: KindCanceled, Message: c.localize(ctx, i18n.KeyGenericError), Err: ctx.Err()}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Op: op, Kind: KindTimeout, Message: c.localize(ctx, i18n.KeyTimeout), Err: err}
	}
	return &Error{Op: op, Kind: KindNetwork, Message: c.localize(ctx, i18n.KeyNetwork), Err: err}
}

func (c *Client) statusError(ctx context.Context, op string, resp response) *Error {
	var kind Kind
	switch {
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		kind = KindAuthMissing
	case resp.status == http.StatusConflict || resp.status == http.StatusUnprocessableEntity:
		kind = KindRejected
	case resp.status == http.StatusRequestTimeout || resp.status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case resp.status >= http.StatusInternalServerError:
		kind = KindNetwork
	default:
		kind = KindValidation
	}
	var payload errorPayload
	message := ""
	if err := json.Unmarshal(resp.body, &payload); err == nil {
		message = payload.message()
	}
	if message == "" {
		switch kind {
		case KindAuthMissing:
			message = c.localize(ctx, i18n.KeyAuthRequired)
		case KindTimeout:
			message = c.localize(ctx, i18n.KeyTimeout)
		default:
			message = c.localize(ctx, i18n.KeyGenericError)
		}
	}
	return &Error{Op: op, Kind: kind, Status: resp.status, Message: message}
}

func (c *Client) decodeError(ctx context.Context, op string, err error) *Error {
	return &Error{Op: op, Kind: KindValidation, Message: c.localize(ctx, i18n.KeyGenericError), Err: fmt.Errorf("decode response: %w", err)}
}

func (c *Client) localize(ctx context.Context, key string) string {
	return c.messages.For(requestctx.Locale(ctx)).T(key)
}
