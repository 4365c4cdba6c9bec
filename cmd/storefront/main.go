package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/alambique/storefront/internal/cart"
	"github.com/alambique/storefront/internal/cartapi"
	"github.com/alambique/storefront/internal/checkout"
	"github.com/alambique/storefront/internal/domain"
	"github.com/alambique/storefront/internal/handlers"
	"github.com/alambique/storefront/internal/i18n"
	"github.com/alambique/storefront/internal/payments"
	"github.com/alambique/storefront/internal/platform/auth"
	"github.com/alambique/storefront/internal/platform/config"
	"github.com/alambique/storefront/internal/platform/jobs"
	"github.com/alambique/storefront/internal/platform/observability"
	"github.com/alambique/storefront/internal/platform/requestctx"
	"github.com/alambique/storefront/internal/platform/secrets"
	"github.com/alambique/storefront/internal/session"
)

const sweepInterval = time.Minute

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger(config.Lookup("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("storefront")
	ctx = requestctx.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	messages := i18n.Default()

	var verifier auth.TokenVerifier
	if cfg.Firebase.ProjectID != "" {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, 0)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		verifier = firebaseVerifier
	} else {
		logger.Warn("firebase project not configured; bearer tokens are trusted without verification")
	}
	authenticator := auth.NewAuthenticator(verifier)

	backend, err := cartapi.NewClient(cfg.CartAPI.BaseURL, auth.ContextTokens{},
		cartapi.WithTimeout(cfg.CartAPI.Timeout),
		cartapi.WithMessages(messages),
	)
	if err != nil {
		logger.Fatal("failed to initialise cart api client", zap.Error(err))
	}

	paymentManager, err := newPaymentManager(cfg, backend, logger)
	if err != nil {
		logger.Fatal("failed to initialise payments", zap.Error(err))
	}

	events, closeEvents, err := newEventSink(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}
	defer closeEvents()

	sessions, err := session.NewManager(session.Config{
		CookieName:   cfg.Session.CookieName,
		HashKey:      []byte(cfg.Session.HashKey),
		BlockKey:     []byte(cfg.Session.BlockKey),
		CookieSecure: cfg.Session.Secure,
		MaxAge:       cfg.Session.MaxAge,
	})
	if err != nil {
		logger.Fatal("failed to initialise session manager", zap.Error(err))
	}

	storeLogger := observability.NewEventLogger(logger, "cart")
	checkoutLogger := observability.NewEventLogger(logger, "checkout")
	registry, err := session.NewRegistry(func(sessionID, owner string) (*cart.Store, *checkout.Orchestrator, error) {
		store, err := cart.NewStore(cart.Deps{Remote: backend, Events: events, Logger: storeLogger})
		if err != nil {
			return nil, nil, err
		}
		orchestrator, err := checkout.NewOrchestrator(checkout.Deps{
			Cart:             store,
			Payments:         paymentManager,
			Events:           events,
			Messages:         messages,
			Provider:         cfg.Payments.DefaultProvider,
			Currency:         cfg.Payments.Currency,
			ConfirmationPath: cfg.Payments.ConfirmationPath,
			Logger:           checkoutLogger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, orchestrator, nil
	},
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithLogger(observability.NewEventLogger(logger, "session")),
	)
	if err != nil {
		logger.Fatal("failed to initialise session registry", zap.Error(err))
	}

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		registry.Run(sweepCtx, sweepInterval)
	}()

	storefront, err := handlers.NewStorefrontHandlers(handlers.StorefrontDeps{
		Sessions: registry,
		Cookies:  sessions,
		Messages: messages,
		Checkout: handlers.CheckoutConfig{
			Provider: cfg.Payments.DefaultProvider,
			Currency: cfg.Payments.Currency,
			Country:  cfg.Payments.Country,
			ClientID: cfg.Payments.PayPalClientID,
		},
		Logger: observability.NewEventLogger(logger, "handlers"),
	})
	if err != nil {
		logger.Fatal("failed to initialise handlers", zap.Error(err))
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(cfg.Firebase.ProjectID),
			observability.RecoveryMiddleware(logger),
			sessions.Middleware(),
			authenticator.Authenticate(),
			handlers.LocaleMiddleware(messages, cfg.Locale.Default),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers()),
		handlers.WithCartRoutes(storefront.CartRoutes),
		handlers.WithCheckoutRoutes(storefront.CheckoutRoutes),
		handlers.WithSessionRoutes(storefront.SessionRoutes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront listening", zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	sweepCancel()
	sweepWG.Wait()
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	opts := []secrets.Option{secrets.WithLogger(logger.Named("secrets"))}

	project := config.Lookup("STOREFRONT_SECRET_PROJECT_ID")
	if project == "" {
		project = config.Lookup("STOREFRONT_FIREBASE_PROJECT_ID")
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if path := config.Lookup("STOREFRONT_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if file := config.Lookup("STOREFRONT_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// newPaymentManager registers the backend capture path and, when a key is configured, Stripe.
func newPaymentManager(cfg config.Config, backend payments.OrderCapturer, logger *zap.Logger) (*payments.Manager, error) {
	backendProvider, err := payments.NewBackendProvider(backend)
	if err != nil {
		return nil, err
	}
	providers := map[string]payments.Provider{payments.ProviderPayPal: backendProvider}

	if key := strings.TrimSpace(cfg.Payments.StripeAPIKey); key != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: key,
			Logger: payments.StripeLogger(observability.NewEventLogger(logger, "stripe")),
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderStripe] = stripeProvider
	}
	return payments.NewManager(providers, payments.WithDefaultProvider(cfg.Payments.DefaultProvider))
}

type eventSink interface {
	Emit(ctx context.Context, event domain.LifecycleEvent)
}

type discardEvents struct{}

func (discardEvents) Emit(context.Context, domain.LifecycleEvent) {}

// newEventSink publishes lifecycle events to Pub/Sub when a topic is configured.
func newEventSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (eventSink, func(), error) {
	topicName := strings.TrimSpace(cfg.Events.Topic)
	if topicName == "" {
		return discardEvents{}, func() {}, nil
	}
	if cfg.Events.ProjectID == "" {
		return nil, nil, errors.New("events project id is required when a topic is set")
	}

	var opts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	topic.EnableMessageOrdering = true
	publisher, err := jobs.NewPubSubEventPublisher(topic, logger.Named("events"))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	closeFn := func() {
		publisher.Flush()
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	return publisher, closeFn, nil
}
