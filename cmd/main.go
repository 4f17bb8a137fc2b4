/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * application services, the cron scheduler, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rollupclient: Client for the rollup node API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/melodious/settlement-service/internal/api"
	"github.com/melodious/settlement-service/internal/app"
	"github.com/melodious/settlement-service/internal/config"
	"github.com/melodious/settlement-service/internal/store"
	rmrabbit "github.com/melodious/settlement-service/pkg/rabbitmq"
	"github.com/melodious/settlement-service/pkg/rollupclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events. A broker outage at
	// startup degrades to a no-op publisher rather than blocking boot.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the rollup node API.
	rollupClient := rollupclient.NewClient(cfg.RollupAPIBaseURL, cfg.RollupAPIKey)

	// Redis backs the conversion rate limiter and the voucher status cache.
	// Both degrade gracefully when Redis is unavailable.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting and voucher cache disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting and voucher cache disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting and voucher cache disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application services with their dependencies.
	subscriptionService := app.NewService(repository, producer)
	referralService := app.NewReferralService(repository, producer, app.ConversionPolicy{
		Rate:     cfg.PointsConversionRate,
		Minimum:  cfg.MinPointsConversion,
		DailyCap: cfg.MaxDailyPointsConversion,
	})
	reconciler := app.NewReconciler(subscriptionService, repository, rollupClient, cfg.ParkedMaxAttempts)

	if redisClient != nil {
		referralService.SetConversionRateLimiter(
			app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix+":rate_limit"),
			cfg.ConversionRateLimitPerMinute,
		)
		reconciler.SetVoucherCache(app.NewRedisVoucherCache(
			redisClient,
			cfg.RedisKeyPrefix+":voucher",
			time.Duration(cfg.VoucherCacheTTLSeconds)*time.Second,
		))
	}

	// Initialize the API handlers and router.
	handlers := api.NewHandlers(subscriptionService, referralService, reconciler)
	router := api.NewRouter(handlers, api.AuthConfig{
		Secret:   cfg.JWTSecret,
		Audience: cfg.JWTAudience,
		Issuer:   cfg.JWTIssuer,
	}, cfg.InternalAPIKey, cfg.AllowedOrigins)

	// Wire up the confirmation consumer: bind to settlement events from the
	// rollup listener and ensure graceful shutdown.
	settlementConsumer := app.NewSettlementConsumer(reconciler)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	confirmationBindings := map[string]func([]byte) bool{
		"settlement.payment.confirmed": settlementConsumer.HandlePaymentConfirmed,
		"settlement.payout.confirmed":  settlementConsumer.HandlePayoutConfirmed,
	}

	if err := rabbitConsumer.ConsumeWithBindings("melodious.events", cfg.SettlementEventQueue, confirmationBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"confirmation consumer start failed\" err=%v", err)
	}

	// Start the cron scheduler for the expiry sweep and parked drain.
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(subscriptionService, reconciler, slogger)
	scheduler := app.NewScheduler(jobs, slogger, app.SchedulerConfig{
		ExpirySweepSchedule: cfg.ExpirySweepSchedule,
		ParkedDrainSchedule: cfg.ParkedDrainSchedule,
	})
	scheduler.Start()

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
