package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kdimentionaltree/wallet-notifier/auth"
	"github.com/kdimentionaltree/wallet-notifier/config"
	"github.com/kdimentionaltree/wallet-notifier/fetch"
	"github.com/kdimentionaltree/wallet-notifier/metadata"
	"github.com/kdimentionaltree/wallet-notifier/models"
	"github.com/kdimentionaltree/wallet-notifier/observability"
	"github.com/kdimentionaltree/wallet-notifier/ratelimit"
	"github.com/kdimentionaltree/wallet-notifier/reconciler"
	"github.com/kdimentionaltree/wallet-notifier/router"
	"github.com/kdimentionaltree/wallet-notifier/session"
	"github.com/kdimentionaltree/wallet-notifier/tasks"
	"github.com/kdimentionaltree/wallet-notifier/webhook"
)

//	@title			Wallet Notifier
//	@version		1.0.0
//	@description	Relays wallet activity reported by subscription webhooks to logged-in websocket clients.

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:          "wallet-notifier",
	Short:        "Push wallet activity to connected clients",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	config.BindFlags(rootCmd.Flags())
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Warn("failed to load .env file")
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}

func newGate(settings config.Settings, rdb *redis.Client, log *logrus.Entry) ratelimit.Gate {
	opts := ratelimit.Options{
		Points: settings.LoginAttempts,
		Window: settings.LoginWindow,
		Block:  settings.LoginBlock,
	}
	switch settings.RateLimitStore {
	case config.StoreRedis:
		return ratelimit.NewRedisGate(rdb, opts, "", log)
	case config.StoreNone:
		return ratelimit.Noop{}
	default:
		return ratelimit.NewMemoryGate(opts)
	}
}

func routerConfig(settings config.Settings) router.Config {
	cfg := router.DefaultConfig()
	if len(settings.ParcelContracts) > 0 {
		cfg.ParcelContracts = settings.ParcelContracts
	}
	if len(settings.NameContracts) > 0 {
		cfg.NameContracts = settings.NameContracts
	}
	if len(settings.CoinSymbols) > 0 {
		cfg.CoinSymbols = settings.CoinSymbols
	}
	return cfg
}

func run(cmd *cobra.Command, _ []string) error {
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return err
	}
	settings, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger)

	chains, unknown := models.ChainsByNetwork(settings.Networks)
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown networks %v", config.ErrInvalidSetting, unknown)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:    settings.OTLPEndpoint,
		Protocol:    settings.OTLPProtocol,
		Insecure:    settings.OTLPInsecure,
		ServiceName: "wallet-notifier",
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("failed to flush traces")
		}
	}()

	var rdb *redis.Client
	if settings.RedisURL != "" {
		opts, err := redis.ParseURL(settings.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	verifier, err := auth.NewJWTVerifier(settings.JWTSecret)
	if err != nil {
		return err
	}
	hc := fetch.NewClient(fetch.Options{Timeout: settings.HTTPTimeout})
	queue := tasks.NewQueue(ctx, settings.Workers, settings.TaskTimeout, log.WithField("component", "tasks"))
	defer queue.Stop()

	// The reconciler reads wallets from the registry, which in turn reports
	// logins and logouts to the reconciler.
	var registry *session.Registry
	rec := reconciler.New(
		reconciler.Config{
			CallbackURL: settings.CallbackURL,
			Chains:      chains,
			Retry:       reconciler.DefaultRetryPolicy(),
		},
		reconciler.NewAlchemyClient(settings.AlchemyURL, settings.AlchemyToken, hc),
		reconciler.WalletsFunc(func() []string { return registry.Wallets() }),
		queue,
		log.WithField("component", "reconciler"),
	)
	registry = session.NewRegistry(newGate(settings, rdb, log.WithField("component", "ratelimit")), verifier, rec, queue, log.WithField("component", "registry"))

	resolver := metadata.NewClient(metadata.Config{
		BaseURL:  settings.ContentURL,
		CacheTTL: settings.MetadataTTL,
	}, hc, rdb, log.WithField("component", "metadata"))
	rt, err := router.New(routerConfig(settings), registry, resolver, queue, log.WithField("component", "router"))
	if err != nil {
		return err
	}
	hook := webhook.NewHandler(webhook.Config{
		VerifySignatures: settings.WebhookVerify,
		Secrets:          settings.WebhookSecrets,
	}, rt, rec, queue, log.WithField("component", "webhook"))

	rec.Init(ctx)

	srv := &server{
		settings:   settings,
		registry:   registry,
		reconciler: rec,
		hook:       hook,
		rdb:        rdb,
		log:        log.WithField("component", "http"),
	}
	go srv.maintain(ctx, settings.InactivityTimeout)

	app := srv.app()
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		registry.Shutdown(context.Background())
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithFields(logrus.Fields{"bind": settings.Bind, "chains": len(chains)}).Info("starting server")
	return app.Listen(settings.Bind)
}
