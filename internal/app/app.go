package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/cricket-kart/internal/checkout"
	"github.com/xenking/cricket-kart/internal/domain/auth"
	"github.com/xenking/cricket-kart/internal/domain/coupon"
	"github.com/xenking/cricket-kart/internal/domain/order"
	"github.com/xenking/cricket-kart/internal/handler"
	"github.com/xenking/cricket-kart/internal/payment"
	"github.com/xenking/cricket-kart/internal/payment/razorpay"
	"github.com/xenking/cricket-kart/internal/repository"
	"github.com/xenking/cricket-kart/internal/shipping"
	"github.com/xenking/cricket-kart/pkg/health"
	"github.com/xenking/cricket-kart/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc-pause", time.Second, health.GCMaxPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	h, err := newHandler(ctx, lg, cfg, pool, m, healthSvc)
	if err != nil {
		return err
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           h,
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newHandler builds the services over pool and returns the complete HTTP
// handler, health endpoints included.
func newHandler(
	ctx context.Context,
	lg *zap.Logger,
	cfg *Config,
	pool *pgxpool.Pool,
	t httpmiddleware.Telemetry,
	healthSvc *health.Health,
) (http.Handler, error) {
	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	couponRepo := repository.NewCouponRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)

	// Domain services.
	ledger := coupon.NewLedger(couponRepo)
	orders := order.NewService(orderRepo)

	otelOpts := []otelhttp.Option{
		otelhttp.WithTracerProvider(t.TracerProvider()),
		otelhttp.WithMeterProvider(t.MeterProvider()),
	}
	gateway, err := razorpay.New(razorpay.Config{
		BaseURL:   cfg.Payment.BaseURL,
		KeyID:     cfg.Payment.KeyID,
		KeySecret: cfg.Payment.KeySecret,
		Timeout:   cfg.Payment.Timeout,
	}, razorpay.WithOTelOptions(otelOpts...))
	if err != nil {
		return nil, errors.Wrap(err, "create payment gateway")
	}

	checkoutOpts := []checkout.Option{
		checkout.WithTracerProvider(t.TracerProvider()),
		checkout.WithMeterProvider(t.MeterProvider()),
	}
	if cfg.Shipping.Enabled {
		carrier, err := shipping.New(shipping.Config{
			BaseURL:        cfg.Shipping.BaseURL,
			Email:          cfg.Shipping.Email,
			Password:       cfg.Shipping.Password,
			TokenTTL:       cfg.Shipping.TokenTTL,
			Timeout:        cfg.Shipping.Timeout,
			PickupLocation: cfg.Shipping.PickupLocation,
		}, shipping.WithOTelOptions(otelOpts...))
		if err != nil {
			return nil, errors.Wrap(err, "create shipping client")
		}
		checkoutOpts = append(checkoutOpts, checkout.WithShipper(carrier))
	} else {
		lg.Info("Shipping disabled, settled orders will not be sent to the carrier")
	}

	checkoutSvc, err := checkout.New(
		productRepo,
		ledger,
		orders,
		gateway,
		payment.NewSigner([]byte(cfg.Payment.KeySecret)),
		checkout.Config{
			Currency:                cfg.Payment.Currency,
			MaxAttempts:             cfg.Payment.MaxAttempts,
			AttemptTimeout:          cfg.Payment.Timeout,
			FailOnSignatureMismatch: cfg.Payment.FailOnSignatureMismatch,
		},
		checkoutOpts...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout service")
	}

	// HTTP handlers.
	security := handler.NewSecurity(
		auth.NewTokens([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.TTL),
		auth.NewKeyAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper)),
	)
	h := handler.New(handler.Config{GatewayKeyID: cfg.Payment.KeyID}, ledger, orders, checkoutSvc, security)

	// Router: health endpoints + API routes on one server. Instrumentation
	// runs inside the router so the matched route pattern is known.
	r := h.Router(
		httpmiddleware.Instrument("kart-api", t),
		httpmiddleware.LogRequests(),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)

	return wrap(ctx, r, cfg), nil
}

// wrap applies the request-independent middleware chain around the router.
func wrap(ctx context.Context, r chi.Router, cfg *Config) http.Handler {
	return httpmiddleware.Wrap(r,
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: httpmiddleware.CredentialOrIP("Authorization", handler.APIKeyHeader),
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
	)
}
