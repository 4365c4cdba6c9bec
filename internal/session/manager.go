package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	defaultCookieName = "sf_session"
	defaultCookiePath = "/"
	defaultMaxAge     = 30 * 24 * time.Hour
)

// ErrInvalidConfig indicates the manager was initialised with missing or invalid options.
var ErrInvalidConfig = errors.New("session: invalid config")

// Data is the payload carried by the browser cookie.
type Data struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config controls cookie encoding.
type Config struct {
	CookieName     string
	HashKey        []byte
	BlockKey       []byte
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite
	MaxAge         time.Duration
	Now            func() time.Time
}

// Manager binds a browser to a session id through a signed (and optionally encrypted) cookie.
type Manager struct {
	cfg   Config
	codec *securecookie.SecureCookie
	now   func() time.Time
}

// NewManager constructs a Manager using the provided configuration.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.HashKey) == 0 {
		return nil, fmt.Errorf("%w: hash key is required", ErrInvalidConfig)
	}
	if n := len(cfg.BlockKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return nil, fmt.Errorf("%w: block key must be 16, 24 or 32 bytes", ErrInvalidConfig)
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = defaultCookiePath
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.CookieSameSite == 0 || cfg.CookieSameSite == http.SameSiteDefaultMode {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	codec := securecookie.New(cfg.HashKey, cfg.BlockKey)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(cfg.MaxAge.Seconds()))

	return &Manager{cfg: cfg, codec: codec, now: now}, nil
}

// CookieName returns the configured cookie name.
func (m *Manager) CookieName() string {
	return m.cfg.CookieName
}

// Load decodes the session cookie. ok is false when the cookie is absent, tampered with or too old.
func (m *Manager) Load(r *http.Request) (Data, bool) {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return Data{}, false
	}
	var data Data
	if err := m.codec.Decode(m.cfg.CookieName, cookie.Value, &data); err != nil {
		return Data{}, false
	}
	if data.ID == "" {
		return Data{}, false
	}
	if !data.CreatedAt.IsZero() && m.now().Sub(data.CreatedAt) > m.cfg.MaxAge {
		return Data{}, false
	}
	return data, true
}

// New returns a fresh session payload.
func (m *Manager) New() (Data, error) {
	id, err := generateToken(32)
	if err != nil {
		return Data{}, err
	}
	return Data{ID: id, CreatedAt: m.now().UTC()}, nil
}

// Save writes data as the session cookie.
func (m *Manager) Save(w http.ResponseWriter, data Data) error {
	encoded, err := m.codec.Encode(m.cfg.CookieName, data)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	expiry := data.CreatedAt.Add(m.cfg.MaxAge).UTC()
	remaining := expiry.Sub(m.now())
	cookie := &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    encoded,
		Path:     m.cfg.CookiePath,
		Domain:   m.cfg.CookieDomain,
		Secure:   m.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: m.cfg.CookieSameSite,
		Expires:  expiry,
		MaxAge:   int(remaining.Round(time.Second).Seconds()),
	}
	if remaining <= 0 {
		cookie.MaxAge = -1
	}
	http.SetCookie(w, cookie)
	return nil
}

// Destroy clears the session cookie.
func (m *Manager) Destroy(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     m.cfg.CookiePath,
		Domain:   m.cfg.CookieDomain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   m.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: m.cfg.CookieSameSite,
	})
}

func generateToken(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
