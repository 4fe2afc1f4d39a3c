package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"

	"besitos-engine/config"
	"besitos-engine/db"
	"besitos-engine/handlers"
	"besitos-engine/logger"
	"besitos-engine/middleware"
	"besitos-engine/notifications"
	"besitos-engine/services"
	"besitos-engine/utils"
	"besitos-engine/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.GatewayToken == "" {
		log.Fatal("GAME_SERVICE_TOKEN environment variable not set")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	if err := db.Migrate(conn); err != nil {
		log.Fatal("failed to migrate database", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Notifications: log sink, SSE broker, optional Redis fan-out across instances ---
	broker := notifications.NewBroker(log, 32)
	sinks := notifications.Fanout{notifications.NewLogNotifier(log)}
	if cfg.Redis.URL != "" {
		redisSink, err := notifications.NewRedisNotifier(log, cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			log.Fatal("failed to connect to redis", "error", err)
		}
		defer redisSink.Close()
		// every instance's broker is fed from the channel, so streams see events
		// raised on any instance
		if err := redisSink.Forward(ctx, broker); err != nil {
			log.Fatal("failed to subscribe to notifications channel", "error", err)
		}
		sinks = append(sinks, redisSink)
	} else {
		sinks = append(sinks, broker)
	}
	notifier := notifications.NewAsyncNotifier(log, sinks, 1024)
	notifier.Start(ctx)
	defer notifier.Stop()

	clock := clockwork.NewRealClock()
	engine, err := services.NewEngine(conn, cfg, clock, notifier, log)
	if err != nil {
		log.Fatal("failed to build engine", "error", err)
	}

	// --- Templates ---
	if res, err := engine.Templates.SeedBuiltins(ctx); err != nil {
		log.Fatal("failed to seed built-in templates", "error", err)
	} else {
		log.Info("built-in templates seeded", "registered", res.Registered, "unchanged", len(res.Unchanged))
	}
	if cfg.TemplateBundle != "" {
		src, err := utils.OpenZipTemplateSource(cfg.TemplateBundle)
		if err != nil {
			log.Fatal("failed to read template bundle", "file", cfg.TemplateBundle, "error", err)
		}
		res, err := engine.Templates.Import(ctx, src)
		if err != nil {
			log.Warn("template bundle import failed", "error", err)
		} else {
			log.Info("template bundle imported", "registered", res.Registered, "failed", res.Failed)
		}
	}
	if cfg.R2.Enabled() {
		src, err := utils.NewR2TemplateSource(ctx, cfg.R2)
		if err != nil {
			log.Fatal("failed to initialize R2 client", "error", err)
		}
		res, err := engine.Templates.Import(ctx, src)
		if err != nil {
			log.Warn("R2 template import failed", "error", err)
		} else {
			log.Info("R2 templates imported", "registered", res.Registered, "failed", res.Failed)
		}
	}

	// --- Sweepers ---
	if cfg.Sweepers.Enabled {
		loc, err := cfg.Location()
		if err != nil {
			log.Fatal("invalid timezone", "error", err)
		}
		scheduler, err := workers.NewScheduler(log, clock, loc)
		if err != nil {
			log.Fatal("failed to create scheduler", "error", err)
		}
		batch := cfg.Sweepers.BatchSize
		jobs := []struct {
			every time.Duration
			sw    workers.Sweeper
		}{
			{cfg.Sweepers.ProgressionInterval, workers.NewProgressionSweeper(engine, batch, log)},
			{cfg.Sweepers.StreakInterval, workers.NewStreakSweeper(engine, batch, log)},
			{cfg.Sweepers.MissionInterval, workers.NewMissionResetSweeper(engine.Missions, batch, log)},
		}
		for _, j := range jobs {
			if err := scheduler.Every(j.every, j.sw); err != nil {
				log.Fatal("failed to schedule sweeper", "sweeper", j.sw.Name(), "error", err)
			}
		}
		scheduler.Start()
		defer func() {
			if err := scheduler.Stop(); err != nil {
				log.Warn("scheduler shutdown", "error", err)
			}
		}()
	}

	// --- HTTP ---
	tokens, err := middleware.NewStreamTokens(cfg.StreamSigningKey, cfg.StreamTokenTTL, clock)
	if err != nil {
		log.Fatal("STREAM_SIGNING_KEY environment variable not set", "error", err)
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             utils.MaxBundleSize + 1<<20,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	// 🔐❗ GLOBAL: Only Gateway requests allowed, no exceptions
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken, log))

	origins := strings.Split(cfg.AllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.Setup(app, engine, broker, tokens, log)

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	log.Info("besitos engine running",
		"addr", cfg.ListenAddr,
		"sweepers", cfg.Sweepers.Enabled,
		"redis", cfg.Redis.URL != "",
		"r2_templates", cfg.R2.Enabled(),
		"timezone", cfg.Timezone)

	<-ctx.Done()
	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
}
