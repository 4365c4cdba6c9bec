package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrCredentialMissing reports that no shopper credential is available.
	ErrCredentialMissing = errors.New("auth: credential missing")
	// ErrCredentialExpired reports that the shopper credential is past its expiry.
	ErrCredentialExpired = errors.New("auth: credential expired")
	// ErrCredentialMalformed reports a bearer value that is not a JWT.
	ErrCredentialMalformed = errors.New("auth: credential malformed")
)

// Credential is the bearer token forwarded to the commerce backend on the shopper's behalf.
// Signature checks belong to the verifier; Credential only reads the claims it needs locally.
type Credential struct {
	raw       string
	subject   string
	expiresAt time.Time
}

// ParseCredential reads subject and expiry from a JWT without verifying its signature.
func ParseCredential(raw string) (Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credential{}, ErrCredentialMissing
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Credential{}, ErrCredentialMalformed
	}
	cred := Credential{raw: raw, subject: claims.Subject}
	if claims.ExpiresAt != nil {
		cred.expiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

// Subject returns the token subject.
func (c Credential) Subject() string { return c.subject }

// ExpiresAt returns the expiry, zero when the token carries none.
func (c Credential) ExpiresAt() time.Time { return c.expiresAt }

// Valid reports whether the credential can be used at now.
func (c Credential) Valid(now time.Time) error {
	if c.raw == "" {
		return ErrCredentialMissing
	}
	if !c.expiresAt.IsZero() && !now.Before(c.expiresAt) {
		return ErrCredentialExpired
	}
	return nil
}

// ContextTokens hands out the credential of the identity on the request context.
type ContextTokens struct {
	Now func() time.Time
}

// Token returns the bearer value for ctx, or an error when the shopper is not signed in.
func (t ContextTokens) Token(ctx context.Context) (string, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return "", ErrCredentialMissing
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	if err := identity.Credential.Valid(now()); err != nil {
		return "", err
	}
	return identity.Credential.raw, nil
}
