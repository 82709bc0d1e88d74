/**
 * @description
 * Builds the settlement-service object graph from configuration. Both the
 * HTTP server and the operator CLI start from here so they share one wiring.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: Postgres connection pool.
 * - github.com/redis/go-redis/v9: optional shared price cache.
 * - github.com/rabbitmq/amqp091-go (via pkg/rabbitmq): billing event queue and ops alerts.
 */
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/metalvault/settlement-service/internal/app"
	"github.com/metalvault/settlement-service/internal/config"
	"github.com/metalvault/settlement-service/internal/metrics"
	"github.com/metalvault/settlement-service/internal/pricing"
	"github.com/metalvault/settlement-service/internal/store"
	"github.com/metalvault/settlement-service/pkg/priceclient"
	"github.com/metalvault/settlement-service/pkg/rabbitmq"
	"github.com/metalvault/settlement-service/pkg/stripeclient"
)

const (
	inboxReplayBatchSize = 100
	redisPingTimeout     = 3 * time.Second
)

// Services is the wired application.
type Services struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Publisher rabbitmq.Publisher

	Repository store.Repository
	Billing    *stripeclient.Client
	Prices     *pricing.Cache
	Notifier   app.Notifier
	Sync       *app.SubscriptionSync
	Processor  *app.EventProcessor
	Consumer   *app.BillingEventConsumer
	Intake     *app.WebhookIntake
	Replayer   *app.InboxReplayer
	Reconciler *app.Reconciler
	Settler    *app.Settler
	Requests   *app.RequestService

	closers []func()
}

// Open connects to the backing services and builds every component. Redis and
// RabbitMQ are optional: without them prices stay in process memory and billing
// events are processed inline.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Services, error) {
	s := &Services{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewCollector(),
	}

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	pgConfig.MaxConns = 20
	pgConfig.MinConns = 2
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	s.Pool = pool
	s.closers = append(s.closers, pool.Close)
	logger.Info("database connection established")

	s.Redis = openRedis(ctx, cfg.RedisURL, logger)
	if s.Redis != nil {
		rdb := s.Redis
		s.closers = append(s.closers, func() { _ = rdb.Close() })
	}

	s.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err == nil {
			s.Publisher = producer
			s.closers = append(s.closers, producer.Close)
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}

	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY is not set; billing processor calls will fail")
	}
	s.Billing = stripeclient.NewClient(cfg.StripeSecretKey, logger)

	s.Prices = pricing.NewCache(
		priceclient.NewClient(cfg.PriceFeedBaseURL, cfg.PriceFeedAPIKey, logger),
		s.Redis,
		pricing.CacheConfig{
			TTL:             cfg.PriceCacheTTL(),
			MaxLookbackDays: cfg.PriceFeedMaxLookbackDays,
			KeyPrefix:       cfg.RedisKeyPrefix,
		},
		logger,
	)

	s.Repository = store.NewPostgresRepository(pool)
	s.Notifier = app.NewOpsNotifier(s.Publisher, cfg.OpsAlertExchange, logger)
	s.Sync = app.NewSubscriptionSync(s.Repository, s.Billing, s.Prices, logger)
	s.Processor = app.NewEventProcessor(s.Repository, s.Billing, s.Sync, s.Notifier, s.Metrics, logger)
	s.Consumer = app.NewBillingEventConsumer(s.Repository, s.Processor, logger)
	s.Intake = app.NewWebhookIntake(s.Repository, s.Publisher, s.Consumer, cfg.BillingEventExchange, logger)
	s.Replayer = app.NewInboxReplayer(s.Repository, s.Publisher, s.Consumer, cfg.BillingEventExchange,
		cfg.InboxReplayAfter(), cfg.InboxReplayMaxAttempts, inboxReplayBatchSize, logger)
	s.Reconciler = app.NewReconciler(s.Repository, s.Billing, s.Sync, s.Notifier, s.Metrics, app.ReconcileConfig{
		SessionExpiry:    cfg.SessionExpiry(),
		Retention:        cfg.Retention(),
		BatchSize:        cfg.ReconcileBatchSize,
		MaxDeleteBatches: cfg.ReconcileMaxDeleteBatches,
		RatePerSecond:    cfg.ReconcileRatePerSecond,
	}, logger)
	s.Settler = app.NewSettler(s.Repository, s.Billing, s.Notifier, s.Metrics, logger)
	s.Requests = app.NewRequestService(s.Repository, s.Billing, s.Prices, s.Settler, app.CheckoutURLs{
		Success: cfg.CheckoutSuccessURL,
		Cancel:  cfg.CheckoutCancelURL,
	}, cfg.DefaultCurrency, logger)

	return s, nil
}

func openRedis(ctx context.Context, url string, logger *slog.Logger) *redis.Client {
	if url == "" {
		logger.Info("REDIS_URL not set; price cache is process-local")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("invalid REDIS_URL; price cache is process-local", "error", err)
		return nil
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable; price cache is process-local", "error", err)
		_ = rdb.Close()
		return nil
	}
	logger.Info("redis connection established")
	return rdb
}

// Tasks returns the periodic jobs with their enabled flags and schedules from config.
func (s *Services) Tasks() []app.ScheduledTask {
	cfg := s.Config
	timeout := cfg.ScheduledTaskTimeout()
	return []app.ScheduledTask{
		app.PriceRefreshTask(s.Prices, cfg.PriceRefreshSchedule, app.Static(cfg.PriceRefreshEnabled), timeout),
		app.ReconcileTask(s.Reconciler, cfg.ReconcileSchedule, app.Static(cfg.ReconcileEnabled), timeout),
		app.InboxReplayTask(s.Replayer, cfg.InboxReplaySchedule, app.Static(cfg.InboxReplayEnabled), timeout),
	}
}

// Close releases connections in reverse order of acquisition.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
