package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultCartAPITimeout   = 15 * time.Second
	defaultPaymentProvider  = "paypal"
	defaultCurrency         = "MXN"
	defaultCountry          = "MX"
	defaultConfirmationPath = "/orden-confirmada"
	defaultCookieName       = "sf_session"
	defaultSessionIdle      = 30 * time.Minute
	defaultSessionMaxAge    = 7 * 24 * time.Hour
	defaultLocale           = "es"
	defaultEnvironment      = "local"
)

var errSecretResolverNotConfigured = errors.New("config: secret resolver not configured")

// Config groups the storefront runtime settings by concern.
type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	CartAPI     CartAPIConfig
	Payments    PaymentsConfig
	Firebase    FirebaseConfig
	Session     SessionConfig
	Events      EventsConfig
	Locale      LocaleConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// CartAPIConfig points at the remote commerce backend.
type CartAPIConfig struct {
	BaseURL string
	Timeout time.Duration
}

// PaymentsConfig selects the capture provider and configures the gateway widget.
type PaymentsConfig struct {
	DefaultProvider  string
	Currency         string
	Country          string
	PayPalClientID   string
	StripeAPIKey     string
	ConfirmationPath string
}

// FirebaseConfig identifies the project whose ID tokens shoppers present.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// SessionConfig controls the browser session cookie and the per-session store registry.
type SessionConfig struct {
	CookieName  string
	HashKey     string
	BlockKey    string
	Secure      bool
	MaxAge      time.Duration
	IdleTimeout time.Duration
}

// EventsConfig enables lifecycle event publishing when Topic is set.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

// LocaleConfig picks the fallback UI language.
type LocaleConfig struct {
	Default string
}

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret calls f.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists missing or invalid fields.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failed secret lookup.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// Option customises Load.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the dotenv path; an empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func (o loaderOptions) lookup() (func(string) (string, bool), error) {
	dotenv, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if v, ok := o.envMap[key]; ok {
			return v, true
		}
		if o.useSystemEnv {
			if v, ok := os.LookupEnv(key); ok {
				return v, true
			}
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

// Lookup reads a single key with the same precedence as Load. main uses it to bootstrap
// the logger and secret fetcher before the full configuration can be resolved.
func Lookup(key string, opts ...Option) string {
	lookup, err := newLoaderOptions(opts).lookup()
	if err != nil {
		return ""
	}
	v, _ := lookup(key)
	return strings.TrimSpace(v)
}

// Load resolves configuration from defaults, .env, the environment and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	lookup, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "STOREFRONT_ENVIRONMENT", defaultEnvironment)),
		LogLevel:    stringWithDefault(lookup, "LOG_LEVEL", "info"),
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "STOREFRONT_SERVER_PORT", stringWithDefault(lookup, "PORT", defaultPort)),
			ReadTimeout:     durationWithDefault(lookup, "STOREFRONT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "STOREFRONT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "STOREFRONT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "STOREFRONT_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		CartAPI: CartAPIConfig{
			BaseURL: strings.TrimRight(stringWithDefault(lookup, "STOREFRONT_CART_API_BASE_URL", ""), "/"),
			Timeout: durationWithDefault(lookup, "STOREFRONT_CART_API_TIMEOUT", defaultCartAPITimeout),
		},
		Payments: PaymentsConfig{
			DefaultProvider:  strings.ToLower(stringWithDefault(lookup, "STOREFRONT_PAYMENTS_DEFAULT_PROVIDER", defaultPaymentProvider)),
			Currency:         strings.ToUpper(stringWithDefault(lookup, "STOREFRONT_PAYMENTS_CURRENCY", defaultCurrency)),
			Country:          strings.ToUpper(stringWithDefault(lookup, "STOREFRONT_PAYMENTS_COUNTRY", defaultCountry)),
			PayPalClientID:   stringWithDefault(lookup, "STOREFRONT_PAYMENTS_PAYPAL_CLIENT_ID", ""),
			StripeAPIKey:     stringWithDefault(lookup, "STOREFRONT_PAYMENTS_STRIPE_API_KEY", ""),
			ConfirmationPath: stringWithDefault(lookup, "STOREFRONT_PAYMENTS_CONFIRMATION_PATH", defaultConfirmationPath),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "STOREFRONT_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "STOREFRONT_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Session: SessionConfig{
			CookieName:  stringWithDefault(lookup, "STOREFRONT_SESSION_COOKIE_NAME", defaultCookieName),
			HashKey:     stringWithDefault(lookup, "STOREFRONT_SESSION_HASH_KEY", ""),
			BlockKey:    stringWithDefault(lookup, "STOREFRONT_SESSION_BLOCK_KEY", ""),
			Secure:      boolWithDefault(lookup, "STOREFRONT_SESSION_SECURE", true),
			MaxAge:      durationWithDefault(lookup, "STOREFRONT_SESSION_MAX_AGE", defaultSessionMaxAge),
			IdleTimeout: durationWithDefault(lookup, "STOREFRONT_SESSION_IDLE_TIMEOUT", defaultSessionIdle),
		},
		Events: EventsConfig{
			ProjectID: stringWithDefault(lookup, "STOREFRONT_EVENTS_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "STOREFRONT_EVENTS_TOPIC", ""),
		},
		Locale: LocaleConfig{
			Default: strings.ToLower(stringWithDefault(lookup, "STOREFRONT_LOCALE_DEFAULT", defaultLocale)),
		},
	}

	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firebase.ProjectID
	}

	secretFields := []*string{
		&cfg.Payments.StripeAPIKey,
		&cfg.Session.HashKey,
		&cfg.Session.BlockKey,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	var missing []string
	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.CartAPI.BaseURL == "" {
		missing = append(missing, "CartAPI.BaseURL")
	}
	if cfg.CartAPI.Timeout <= 0 {
		missing = append(missing, "CartAPI.Timeout")
	}
	switch cfg.Payments.DefaultProvider {
	case "paypal":
	case "stripe":
		if cfg.Payments.StripeAPIKey == "" {
			missing = append(missing, "Payments.StripeAPIKey")
		}
	default:
		missing = append(missing, "Payments.DefaultProvider")
	}
	if len(cfg.Payments.Currency) != 3 {
		missing = append(missing, "Payments.Currency")
	}
	if !strings.HasPrefix(cfg.Payments.ConfirmationPath, "/") {
		missing = append(missing, "Payments.ConfirmationPath")
	}
	if len(cfg.Session.HashKey) < 32 {
		missing = append(missing, "Session.HashKey")
	}
	if n := len(cfg.Session.BlockKey); n != 0 && n != 16 && n != 24 && n != 32 {
		missing = append(missing, "Session.BlockKey")
	}
	if cfg.Session.IdleTimeout <= 0 {
		missing = append(missing, "Session.IdleTimeout")
	}
	if cfg.Environment != "local" && cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "sm://"), "secret://")
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if v, ok := lookup(key); ok && v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if v, ok := lookup(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
