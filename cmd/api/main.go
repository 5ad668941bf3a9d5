package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/mail-relay/internal/config"
	"github.com/kursadbilgin/mail-relay/internal/domain"
	"github.com/kursadbilgin/mail-relay/internal/handler"
	infraredis "github.com/kursadbilgin/mail-relay/internal/infra/redis"
	"github.com/kursadbilgin/mail-relay/internal/observability"
	"github.com/kursadbilgin/mail-relay/internal/origin"
	"github.com/kursadbilgin/mail-relay/internal/provider"
	"github.com/kursadbilgin/mail-relay/internal/provider/dkim"
	"github.com/kursadbilgin/mail-relay/internal/queue"
	"github.com/kursadbilgin/mail-relay/internal/ratelimit"
	"github.com/kursadbilgin/mail-relay/internal/service"
	"github.com/kursadbilgin/mail-relay/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const appName = "mail-relay"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("mail-relay stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	retryKinds, err := service.ParseRetryableKinds(cfg.RetryOn)
	if err != nil {
		return fmt.Errorf("invalid RETRY_ON: %w", err)
	}
	policy := service.NewRetryPolicy(cfg.RetryCount, cfg.RetryDelay(), retryKinds...)

	var (
		rdb     *redis.Client
		limiter ratelimit.RateLimiter
	)
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()

		limiter, err = infraredis.NewRedisRateLimiter(rdb, cfg.SendRatePerSec)
		if err != nil {
			return err
		}
	} else {
		limiter = ratelimit.NewLocalRateLimiter(cfg.SendRatePerSec)
	}

	mailProvider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	controller := service.NewRetryController(mailProvider, limiter, policy, logger)
	controller.SetMetrics(metrics)

	dispatcher, err := queue.NewDispatcher(func(ctx context.Context, msg domain.OutboundMessage) {
		controller.Deliver(ctx, msg)
	}, logger)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics)

	rule := origin.ParseRule(cfg.AllowedOrigins)

	app := fiber.New(fiber.Config{
		AppName:               appName,
		BodyLimit:             cfg.BodyLimitBytes(),
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(transport.RequestLogger(logger))
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, rdb, cfg.DeliveryConfigured())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	app.Use(transport.CORS(rule, logger, metrics))
	if err := handler.RegisterMailRoutes(app, dispatcher, logger); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("mail-relay api started",
			zap.Int("port", cfg.Port),
			zap.String("transport", mailProvider.Name()),
			zap.Bool("anyOrigin", rule.IsWildcard()),
			zap.Strings("allowedOrigins", rule.Origins()),
			zap.Int("maxAttempts", policy.MaxAttempts()),
			zap.Strings("retryOn", policy.RetryableKinds()),
		)
		if err := app.Listen(":" + strconv.Itoa(cfg.Port)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", zap.Int("inFlight", dispatcher.InFlight()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()

		return errors.Join(
			app.ShutdownWithContext(shutdownCtx),
			dispatcher.Shutdown(shutdownCtx),
		)
	})

	return group.Wait()
}

func newProvider(cfg *config.Config) (provider.Provider, error) {
	if cfg.MailTransport == config.TransportHTTP {
		httpProvider, err := provider.NewHTTPProvider(provider.HTTPOptions{
			Endpoint:       cfg.MailAPIURL,
			APIKey:         cfg.MailAPIKey,
			From:           cfg.FromEmail,
			FromName:       cfg.FromName,
			DefaultSubject: cfg.DefaultSubject,
			Timeout:        cfg.MailAPITimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("mail api initialization failed: %w", err)
		}
		return httpProvider, nil
	}

	signer, err := dkim.NewSigner(dkim.Options{
		Selector:   cfg.DKIMSelector,
		Domain:     cfg.DKIMDomain,
		PrivateKey: cfg.DKIMPrivateKey,
		KeyPath:    cfg.DKIMKeyPath,
	})
	if err != nil {
		return nil, fmt.Errorf("dkim initialization failed: %w", err)
	}

	return provider.NewSMTPProvider(provider.SMTPOptions{
		Host:              cfg.SMTPHost,
		Port:              cfg.SMTPPort,
		Secure:            cfg.SMTPSecure(),
		Username:          cfg.SMTPUser,
		Password:          cfg.SMTPPass,
		From:              cfg.FromEmail,
		FromName:          cfg.FromName,
		DefaultSubject:    cfg.DefaultSubject,
		ConnectionTimeout: cfg.SMTPConnectionTimeout(),
		GreetingTimeout:   cfg.SMTPGreetingTimeout(),
		SocketTimeout:     cfg.SMTPSocketTimeout(),
		Signer:            signer,
	}), nil
}
