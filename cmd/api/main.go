package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"creators_metering/internal/controller"
	"creators_metering/internal/middleware"
	"creators_metering/internal/model"
	"creators_metering/pkg/billing"
	"creators_metering/pkg/config"
	"creators_metering/pkg/cron"
	"creators_metering/pkg/database"
	"creators_metering/pkg/email"
	"creators_metering/pkg/permission"
	"creators_metering/pkg/ratelimit"
	"creators_metering/pkg/realtime"
	"creators_metering/pkg/seed"
	"creators_metering/pkg/usage"
)

type handlers struct {
	auth         *controller.AuthController
	subscription *controller.SubscriptionController
	permission   *controller.PermissionController
	realtime     *controller.RealtimeController
	webhook      *controller.WebhookController
	admin        *controller.AdminController
}

func setupRoutes(app *fiber.App, cfg *config.Config, h handlers, evaluator middleware.Evaluator, tracker middleware.UsageTracker, limiter *ratelimit.Limiter) {
	api := app.Group("/api")

	// Auth Routes
	auth := api.Group("/auth", middleware.RateLimit(limiter))
	auth.Post("/register", h.auth.Register)
	auth.Post("/token", h.auth.Token)

	// Stripe webhook
	api.Post("/webhook/stripe", h.webhook.HandleStripeWebhook)

	// Realtime stream, token may come from ?token=
	api.Get("/realtime/:userId", middleware.AuthMiddleware(cfg.JWT.Secret), h.realtime.Stream)

	// Protected Routes
	protected := api.Group("/", middleware.AuthMiddleware(cfg.JWT.Secret))
	protected.Get("/me", h.auth.GetMe)
	protected.Post("/me/onboarding", h.auth.CompleteOnboarding)

	protected.Get("/subscription", h.subscription.GetMySubscription)
	protected.Post("/subscription/refresh", h.subscription.Refresh)
	protected.Get("/usage", h.subscription.GetMyUsage)
	protected.Get("/usage/history", h.subscription.GetUsageHistory)

	protected.Post("/permissions/check", h.permission.Check)
	protected.Post("/usage/track", h.permission.Track)
	protected.Post("/usage/consume", middleware.RequireQuota(evaluator, tracker), h.permission.Consume)

	// Admin corrections
	admin := api.Group("/admin", middleware.AuthMiddleware(cfg.JWT.Secret), middleware.AdminOnly(cfg.Server.AdminEmails))
	admin.Put("/users/:userId/subscription", h.admin.SetSubscription)
	admin.Post("/users/:userId/usage", h.admin.AdjustUsage)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	cfg := config.Load()

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is not set")
	}

	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		return err
	}
	err = database.MigrateDatabase(db,
		&model.User{},
		&model.Subscription{},
		&model.UsageCounters{},
		&model.BillingEvent{},
	)
	if err != nil {
		return err
	}
	if err := database.InstallChangeTriggers(db, cfg.Realtime.Channel); err != nil {
		return err
	}
	if cfg.Seed.Email != "" && cfg.Seed.Password != "" {
		if _, err := seed.SeedDemoUser(db, cfg.Seed.Email, cfg.Seed.Password); err != nil {
			log.Warn("demo seed failed", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var (
		welcomeMailer controller.WelcomeMailer
		cronMailer    cron.Mailer
	)
	if cfg.Email.ResendAPIKey != "" {
		mailer, err := email.NewEmailService(cfg.Email.ResendAPIKey, cfg.Email.From)
		if err != nil {
			log.Warn("email disabled", "error", err)
		} else {
			welcomeMailer, cronMailer = mailer, mailer
		}
	}

	var fetcher billing.SubscriptionFetcher
	if cfg.Stripe.SecretKey != "" {
		fetcher = billing.NewStripeFetcher(cfg.Stripe.SecretKey)
	}

	hub := realtime.NewHub(log)
	notifier := realtime.NewNotifier(realtime.NewPgxListener(cfg.Database.URL), cfg.Realtime.Channel, hub, log)
	usageStore := usage.NewStore(db)
	tracker := usage.NewTracker(usageStore, cfg.Usage.TrackerTimeout, log)
	evaluator := permission.NewEvaluator(permission.NewGormSnapshotReader(db), cfg.Usage.PremiumModels, log)
	billingService := billing.NewService(db, fetcher, cfg.Stripe.PriceToPlan, log)
	limiter := ratelimit.New(cfg.Server.TokenRatePerMinute)
	defer limiter.Stop()

	scheduler, err := cron.InitSubscriptionCron(
		cron.NewSubscriptionJobs(billingService, cronMailer, log),
		cfg.Cron.ExpirySchedule,
		cfg.Cron.WarningSchedule,
	)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	h := handlers{
		auth:         controller.NewAuthController(db, cfg.JWT.Secret, cfg.JWT.TTL, welcomeMailer, log),
		subscription: controller.NewSubscriptionController(billingService, usageStore, log),
		permission:   controller.NewPermissionController(evaluator, tracker),
		realtime:     controller.NewRealtimeController(gctx, hub, cfg.Realtime.Heartbeat, log),
		webhook:      controller.NewWebhookController(billingService, cfg.Stripe.WebhookSecret, log),
		admin:        controller.NewAdminController(billingService, usageStore, log),
	}

	app := fiber.New(fiber.Config{
		AppName:      "creators-metering",
		ErrorHandler: controller.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/healthz", healthHandler(db, notifier))

	setupRoutes(app, cfg, h, evaluator, tracker, limiter)

	g.Go(func() error {
		return notifier.Run(gctx)
	})
	g.Go(func() error {
		log.Info("server is running", "port", cfg.Server.Port)
		return app.Listen(":" + cfg.Server.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return app.ShutdownWithTimeout(cfg.Server.ShutdownGracePeriod)
	})

	err = g.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGracePeriod)
	defer cancel()
	if werr := tracker.Wait(waitCtx); werr != nil {
		log.Warn("usage tracking still in flight at exit", "error", werr)
	}
	return err
}

func healthHandler(db *gorm.DB, notifier *realtime.Notifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		dbOK := false
		if sqlDB, err := db.DB(); err == nil {
			dbOK = sqlDB.PingContext(ctx) == nil
		}

		status := fiber.StatusOK
		if !dbOK {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"database": dbOK,
			"realtime": notifier.Healthy(),
		})
	}
}
