package auth

import "context"

// Identity is the shopper behind the current request.
type Identity struct {
	UID        string
	Email      string
	Locale     string
	Credential Credential
}

type contextKey string

const identityKey contextKey = "storefront/auth/identity"

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
