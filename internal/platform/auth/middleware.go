package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/alambique/storefront/internal/platform/httpx"
)

const defaultVerifyTimeout = 5 * time.Second

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator attaches the shopper identity to requests that carry a bearer token.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// NewAuthenticator builds an Authenticator; a nil verifier trusts token claims and is meant for local development only.
func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier, timeout: defaultVerifyTimeout}
}

// Authenticate verifies the bearer token when present. Anonymous requests pass through so handlers can
// answer with the sign-in prompt; a token that fails verification is rejected outright.
func (a *Authenticator) Authenticate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			cred, err := ParseCredential(raw)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "invalid credential", http.StatusUnauthorized))
				return
			}
			identity := &Identity{UID: cred.Subject(), Credential: cred}
			if a.verifier != nil {
				ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
				token, err := a.verifier.VerifyIDToken(ctx, raw)
				cancel()
				if err != nil {
					code := "unauthenticated"
					if firebaseauth.IsIDTokenExpired(err) {
						code = "token_expired"
					}
					httpx.WriteError(r.Context(), w, httpx.NewError(code, "invalid credential", http.StatusUnauthorized))
					return
				}
				identity.UID = token.UID
				identity.Email = claimString(token.Claims, "email")
				identity.Locale = claimString(token.Claims, "locale")
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func claimString(claims map[string]interface{}, key string) string {
	v, _ := claims[key].(string)
	return strings.TrimSpace(v)
}
