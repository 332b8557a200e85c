package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/InboxGate/app/controllers"
	"github.com/ManuelReschke/InboxGate/app/repository"
	"github.com/ManuelReschke/InboxGate/internal/pkg/apierror"
	"github.com/ManuelReschke/InboxGate/internal/pkg/archive"
	"github.com/ManuelReschke/InboxGate/internal/pkg/audit"
	"github.com/ManuelReschke/InboxGate/internal/pkg/cache"
	"github.com/ManuelReschke/InboxGate/internal/pkg/config"
	"github.com/ManuelReschke/InboxGate/internal/pkg/database"
	"github.com/ManuelReschke/InboxGate/internal/pkg/env"
	"github.com/ManuelReschke/InboxGate/internal/pkg/gmail"
	"github.com/ManuelReschke/InboxGate/internal/pkg/lock"
	"github.com/ManuelReschke/InboxGate/internal/pkg/oauth"
	"github.com/ManuelReschke/InboxGate/internal/pkg/pending"
	"github.com/ManuelReschke/InboxGate/internal/pkg/registration"
	"github.com/ManuelReschke/InboxGate/internal/pkg/router"
	"github.com/ManuelReschke/InboxGate/internal/pkg/scheduler"
	"github.com/ManuelReschke/InboxGate/internal/pkg/security"
	"github.com/ManuelReschke/InboxGate/internal/pkg/webhook"
)

const shutdownTimeout = 10 * time.Second

// Application bundles what main needs to serve and to shut down.
type Application struct {
	App       *fiber.App
	Config    *config.Config
	Scheduler *scheduler.Manager
	Cache     *redis.Client
}

func main() {
	a, err := NewApplication()
	if err != nil {
		log.Fatalf("[Main] startup failed: %v", err)
	}

	if err := a.Scheduler.Start(); err != nil {
		log.Fatalf("[Main] scheduler failed to start: %v", err)
	}

	go func() {
		if err := a.App.Listen(a.Config.ListenAddr()); err != nil {
			log.Errorf("[Main] server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infof("[Main] received %s, shutting down", sig)

	if err := a.App.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Warnf("[Main] server shutdown: %v", err)
	}
	if !a.Scheduler.Stop(a.Config.Scheduler.ShutdownGrace) {
		log.Warn("[Main] scheduler jobs abandoned after grace period")
	}
	if err := a.Cache.Close(); err != nil {
		log.Warnf("[Main] cache close: %v", err)
	}
	log.Info("[Main] bye")
}

func NewApplication() (*Application, error) {
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Webhook.URL == "" {
		log.Warn("[Main] WEBHOOK_BASE_URL is not set, webhook deliveries will be recorded as failed")
	}
	if cfg.Webhook.Secret == "" {
		log.Warn("[Main] WEBHOOK_SECRET is not set, signed webhook routes will reject every request")
	}

	db, err := database.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	envelope, err := security.NewEnvelope(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	rdb := cache.New(cfg)
	repos := repository.NewFactory(db, envelope).GetRepositories()
	recorder := audit.NewRecorder(repos.AuditLog)
	locks := lock.NewKeyedMutex()

	provider := oauth.NewGoogleClient(cfg.Google)
	watches := gmail.NewWatchClient(cfg.Google.PubSubTopic)
	dispatcher := webhook.NewDispatcher(cfg.Webhook, recorder)

	svc := registration.NewService(registration.Deps{
		Clients:  repos.Client,
		Recorder: recorder,
		Provider: provider,
		Watches:  watches,
		Notifier: dispatcher,
		Pending:  pending.NewRedisStore(rdb),
		Locks:    locks,
	}, registration.Options{
		TokenSecret:          cfg.JWTSecret,
		TokenTTL:             cfg.JWTExpiresIn,
		PendingTTL:           cfg.PendingTTL,
		MailboxDomains:       cfg.MailboxDomains,
		PrivacyPolicyVersion: cfg.PrivacyPolicyVersion,
		WatchTopic:           cfg.Google.PubSubTopic,
	})

	renewer := scheduler.NewRenewer(cfg.Scheduler, repos.Client, repos.AuditLog, recorder)
	renewer.Tokens = provider
	renewer.Watches = watches
	renewer.Notifier = dispatcher
	renewer.Locks = locks
	renewer.WatchTopic = cfg.Google.PubSubTopic
	if cfg.Archive.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		archiver, err := archive.NewS3ArchiverFromConfig(ctx, cfg.Archive, cfg.AppEnv)
		cancel()
		if err != nil {
			log.Warnf("[Main] audit archive disabled: %v", err)
		} else {
			renewer.Archiver = archiver
		}
	}
	sched := scheduler.NewRenewalManager(cfg.Scheduler, renewer)

	app := fiber.New(fiber.Config{
		AppName:      "InboxGate",
		ErrorHandler: apierror.Handler,
		BodyLimit:    1 << 20,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})
	app.Use(recover.New(), logger.New())

	if cfg.MetricsPassword != "" {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{cfg.MetricsUser: cfg.MetricsPassword},
		}), monitor.New(monitor.Config{Title: "InboxGate Metrics"}))
	} else {
		log.Info("[Main] METRICS_PASSWORD not set, /metrics is disabled")
	}

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./docs/v1/openapi.yml",
		Path:     "v1",
		Title:    "InboxGate API",
	}))

	// ROUTER
	router.InstallRouter(app, router.Deps{
		Config:   cfg,
		Auth:     controllers.NewAuthController(svc, cfg.PendingTTL, !cfg.IsDev()),
		Clients:  controllers.NewClientController(repos, svc),
		Webhooks: controllers.NewWebhookController(cfg.Webhook.URL),
		Health: controllers.NewHealthController(db, controllers.PingFunc(func(ctx context.Context) error {
			return cache.Ping(ctx, rdb)
		}), sched),
		LimiterStorage: cache.LimiterStorage(cfg),
	})

	return &Application{App: app, Config: cfg, Scheduler: sched, Cache: rdb}, nil
}
