package main

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/wallet-notifier/config"
	_ "github.com/kdimentionaltree/wallet-notifier/docs"
	"github.com/kdimentionaltree/wallet-notifier/reconciler"
	"github.com/kdimentionaltree/wallet-notifier/session"
	"github.com/kdimentionaltree/wallet-notifier/webhook"
)

// server bundles what the HTTP layer needs from the running service.
type server struct {
	settings   config.Settings
	registry   *session.Registry
	reconciler *reconciler.Reconciler
	hook       *webhook.Handler
	rdb        *redis.Client
	log        *logrus.Entry
}

func errorHandler(log *logrus.Entry) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code >= fiber.StatusInternalServerError {
			log.WithError(err).WithFields(logrus.Fields{
				"path": c.Path(),
				"ip":   c.IP(),
			}).Error("request failed")
		}
		return c.Status(code).JSON(webhook.ErrorResponse{Error: err.Error()})
	}
}

// Welcome answers the root path with a plain banner.
//
// @summary		Service banner
// @id			get_root
// @tags		system
// @Produce		plain
// @success		200	{string}	string
// @router		/ [get]
func Welcome(c *fiber.Ctx) error {
	return c.SendString("Wallet notifier is up")
}

// metricsHandler serves the prometheus registry.
//
// @summary		Prometheus metrics
// @id			get_metrics
// @tags		system
// @Produce		plain
// @success		200	{string}	string
// @router		/metrics [get]
func metricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

func (s *server) app() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:                 "Wallet Notifier",
		ReadTimeout:             5 * time.Second,
		ProxyHeader:             fiber.HeaderXForwardedFor,
		EnableTrustedProxyCheck: true,
		TrustedProxies:          s.settings.TrustedProxies,
		EnableIPValidation:      true,
		JSONEncoder:             json.Marshal,
		JSONDecoder:             json.Unmarshal,
		ErrorHandler:            errorHandler(s.log),
		DisableStartupMessage:   !s.settings.Debug,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{AllowOrigins: s.settings.CORSOrigins}))
	if s.settings.Debug {
		app.Use(logger.New())
		app.Use(pprof.New())
	}

	app.Get("/", Welcome)
	app.Get("/favicon.ico", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Get("/healthz", healthzHandler(s.reconciler, s.registry, s.rdb))
	app.Get("/metrics", metricsHandler())

	app.Post("/hook", s.hook.Handle)

	// websocket sessions
	app.Use("/ws", session.UpgradeMiddleware)
	app.Get("/ws", websocket.New(session.WebSocketHandler(s.registry, session.DefaultWebSocketConfig())))

	app.Get("/swagger/*", swagger.New(swagger.Config{
		Title:       "Wallet Notifier - Swagger UI",
		Layout:      "BaseLayout",
		DeepLinking: true,
	}))
	return app
}

// maintain sweeps idle sessions and keeps subscriptions in line with the
// registry until ctx is done.
func (s *server) maintain(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.tick(ctx)
	}
}

func (s *server) tick(ctx context.Context) {
	s.registry.SweepInactive(ctx, s.settings.InactivityTimeout)
	if s.registry.Len() == 0 {
		s.reconciler.Teardown(ctx)
		// a session may have logged in while the subscriptions were deleted
		if len(s.registry.Wallets()) == 0 {
			return
		}
	}
	s.reconciler.Reconcile(ctx)
}
