package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BradenHooton/stepguard/internal/auth"
	"github.com/BradenHooton/stepguard/internal/background"
	"github.com/BradenHooton/stepguard/internal/config"
	"github.com/BradenHooton/stepguard/internal/database"
	"github.com/BradenHooton/stepguard/internal/fingerprint"
	"github.com/BradenHooton/stepguard/internal/handlers"
	"github.com/BradenHooton/stepguard/internal/metrics"
	middlewareCustom "github.com/BradenHooton/stepguard/internal/middleware"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/BradenHooton/stepguard/internal/repositories"
	"github.com/BradenHooton/stepguard/internal/routes"
	"github.com/BradenHooton/stepguard/internal/services"
	"github.com/BradenHooton/stepguard/internal/signals"
	pkghttp "github.com/BradenHooton/stepguard/pkg/http"
	pkglogger "github.com/BradenHooton/stepguard/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// app holds the wired object graph shared by the subcommands
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *database.DB
	redis  *redis.Client

	userRepo *repositories.UserRepository

	tor          *signals.TorDetector
	otp          *services.OTPService
	users        *services.UserService
	devices      *services.DeviceTrustService
	events       *services.SecurityEventService
	orchestrator *services.LoginOrchestrator
	tokens       *auth.FlowTokenManager
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	auditLogger := pkglogger.NewAuditLogger(logger)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := a.db.RegisterPoolMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	// Initialize repositories
	a.userRepo = repositories.NewUserRepository(a.db)
	deviceRepo := repositories.NewDeviceRepository(a.db)
	accessLogRepo := repositories.NewAccessLogRepository(a.db)
	eventRepo := repositories.NewSecurityEventRepository(a.db)
	otpRepo := repositories.NewOTPRepository(a.db)
	torRepo := repositories.NewTorNodeRepository(a.db)

	// Signal providers
	httpClient := &http.Client{Timeout: 10 * time.Second}

	a.tor = signals.NewTorDetector(signals.TorConfig{
		Sources:       cfg.Signals.TorSources,
		TTL:           cfg.Signals.TorTTL,
		FetchTimeout:  cfg.Signals.TorFetchTimeout,
		RetryBackoff:  cfg.Signals.TorRetryBackoff,
		ColdStartWait: cfg.Signals.TorColdStartWait,
	}, httpClient, torRepo, logger)

	keywords, err := signals.LoadKeywordsFile(cfg.Signals.KeywordsFile)
	if err != nil {
		return err
	}

	cache := signals.TieredCache{signals.NewMemoryCache(cfg.Signals.IntelCacheTTL)}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			// Degrade to the in-process cache
			logger.Warn("redis unavailable, using memory cache only", slog.Any("error", err))
		} else {
			cache = append(cache, signals.NewRedisCache(a.redis, cfg.Redis.Prefix, cfg.Signals.IntelCacheTTL, logger))
		}
	}

	intel := signals.NewIPIntelligence(signals.IPIntelConfig{
		BaseURL: cfg.Signals.IPIntelURL,
		Timeout: cfg.Signals.IPIntelTimeout,
	}, httpClient, cache, keywords, logger)

	geo := signals.NewGeoAnomaly(signals.GeoConfig{
		DistanceThresholdKm: cfg.Signals.GeoDistanceKm,
		SpeedThresholdKmh:   cfg.Signals.GeoSpeedKmh,
	}, accessLogRepo, logger)

	// Services
	messenger, err := newMessenger(ctx, cfg, logger)
	if err != nil {
		return err
	}

	collector, err := fingerprint.NewCollector(cfg.Auth.DeviceHashSalt)
	if err != nil {
		return err
	}

	a.tokens = auth.NewFlowTokenManager(cfg.Auth.FlowTokenSecret, cfg.Auth.FlowTokenExpiry)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingBaseMs,
		RandomDelayMs: cfg.Auth.TimingRandomMs,
	})

	a.events = services.NewSecurityEventService(eventRepo, logger)
	a.users = services.NewUserService(a.userRepo, logger)

	otpConfig := services.DefaultOTPConfig()
	otpConfig.Expiry = cfg.OTP.Expiry
	otpConfig.MaxAttempts = cfg.OTP.MaxAttempts
	otpConfig.ExposeDevCode = cfg.OTP.ExposeDevCode
	a.otp = services.NewOTPService(otpRepo, a.userRepo, messenger, a.events, otpConfig, logger, auditLogger)

	a.devices = services.NewDeviceTrustService(deviceRepo, accessLogRepo, a.events, services.DefaultDeviceCheckConfig(), logger, auditLogger)
	risk := services.NewRiskEngine(a.tor, intel, geo, accessLogRepo, a.userRepo, a.events, logger, auditLogger)
	credentials := services.NewAuthService(a.userRepo, a.events, timingDelay, logger, auditLogger)

	a.orchestrator = services.NewLoginOrchestrator(credentials, a.devices, risk, a.otp, collector, a.tokens, a.events, logger, auditLogger)
	return nil
}

// newMessenger chains the configured providers. The log messenger is only
// appended outside production.
func newMessenger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (services.Messenger, error) {
	var chain []services.Messenger

	if cfg.Messaging.SESEnabled() {
		ses, err := services.NewSESMessenger(ctx, cfg.Messaging.SESRegion, cfg.Messaging.SESFrom, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SES: %w", err)
		}
		chain = append(chain, ses)
	}

	if cfg.Messaging.SMTPEnabled() {
		chain = append(chain, services.NewSMTPMessenger(services.SMTPConfig{
			Host:     cfg.Messaging.SMTPHost,
			Port:     cfg.Messaging.SMTPPort,
			Username: cfg.Messaging.SMTPUsername,
			Password: cfg.Messaging.SMTPPassword,
			From:     cfg.Messaging.SMTPFrom,
			TLSMode:  cfg.Messaging.SMTPTLSMode,
			Timeout:  cfg.Messaging.SMTPTimeout,
		}, logger))
	}

	if cfg.Server.Env != "production" {
		chain = append(chain, services.NewLogMessenger(logger, cfg.Server.Env))
	}

	if len(chain) == 0 {
		logger.Warn("no message provider configured, OTP delivery will fail")
	}

	return services.NewFailoverMessenger(logger, chain...), nil
}

func (a *app) router() (http.Handler, error) {
	ipConfig, err := pkghttp.NewIPConfig(a.cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	rateLimit := middlewareCustom.DefaultAuthRateLimit()
	if a.cfg.Server.RateLimit > 0 {
		rateLimit.RequestsPerMinute = a.cfg.Server.RateLimit
	}
	rateLimit.IPConfig = ipConfig

	// Client addresses come from pkghttp.ExtractClientIP, which only honors
	// forwarding headers from trusted proxies, so chi's RealIP is not mounted
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecureLogger(a.logger))
	router.Use(middleware.Recoverer)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: a.cfg.Server.Env}))

	routes.RegisterRoutes(router, routes.Handlers{
		Login:   handlers.NewLoginHandler(a.orchestrator, ipConfig, a.logger),
		Devices: handlers.NewDeviceHandler(a.devices, a.events, ipConfig, a.logger),
		Health:  handlers.NewHealthHandler(a.db, a.tor),
		Metrics: promhttp.Handler(),
	}, a.tokens, rateLimit)

	return router, nil
}

func (a *app) serve(ctx context.Context) error {
	if err := ensureAdminUser(ctx, a.users, a.logger); err != nil {
		a.logger.Error("failed to ensure admin user", slog.Any("error", err))
	}

	cleanupManager := background.NewCleanupManager(a.otp, a.tor, a.logger, a.cfg.OTP.PurgeInterval, a.cfg.Signals.TorRefreshInterval)

	handler, err := a.router()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + a.cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	a.logger.Info("server stopped gracefully")
	return nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, users *services.UserService, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	_, err := users.CreateUser(ctx, adminEmail, "Admin", models.RoleAdmin, adminPassword)
	if errors.Is(err, models.ErrConflict) {
		logger.Info("admin user already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}
