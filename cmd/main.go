/**
 * @description
 * This is the main entry point for the entitlement-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the Redis client, the RabbitMQ producer and consumer, the S3 delivery
 * client, repositories, the core application service, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for webhook rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages.
 * - pkg/rabbitmq: Client for RabbitMQ.
 * - pkg/s3delivery: Presigned download URL generation.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/izaos/entitlement-service/internal/api"
	"github.com/izaos/entitlement-service/internal/app"
	"github.com/izaos/entitlement-service/internal/config"
	"github.com/izaos/entitlement-service/internal/store"
	rmrabbit "github.com/izaos/entitlement-service/pkg/rabbitmq"
	"github.com/izaos/entitlement-service/pkg/s3delivery"
)

const paymentsExchange = "payments"

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.PaymentWebhookSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"payment webhook secret missing; signature verification disabled\" env=PAYMENT_WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting entitlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Pool sizing tuned for webhook bursts from the payment provider.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
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

	// Initialize the RabbitMQ producer for entitlement change events. Publishing
	// is best effort, so a broker outage at boot falls back to a no-op producer.
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

	// Initialize the S3-backed download delivery client. Missing storage config
	// should not prevent the ledger from booting; downloads will degrade.
	var delivery app.DownloadLinker
	if strings.TrimSpace(cfg.S3Bucket) == "" {
		log.Println("level=warn component=bootstrap msg=\"s3 bucket not configured; template downloads disabled\" env=S3_BUCKET")
	} else {
		s3Client, s3Err := s3delivery.NewClient(context.Background(), s3delivery.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			EndpointURL:     cfg.S3EndpointURL,
			URLTTL:          time.Duration(cfg.DownloadURLTTLSeconds) * time.Second,
		})
		if s3Err != nil {
			log.Printf("level=warn component=bootstrap msg=\"s3 client init failed; template downloads disabled\" err=%v", s3Err)
		} else {
			delivery = s3Client
		}
	}

	var redisClient *redis.Client
	if cfg.WebhookRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	entitlementService := app.NewService(
		repository,
		producer,
		delivery,
		time.Duration(cfg.EventClaimStaleSeconds)*time.Second,
		cfg.StorageRetryAttempts,
		time.Duration(cfg.StorageRetryBackoffMs)*time.Millisecond,
	)
	if redisClient != nil {
		entitlementService.SetWebhookRateLimiter(
			app.NewRedisWebhookRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
		)
	}

	// Initialize the API handlers and router.
	handlers := api.NewEntitlementHandlers(entitlementService)
	webhook := api.NewWebhookHandler(entitlementService, cfg.PaymentWebhookSecret, cfg.WebhookRateLimitPerMinute)
	router := api.Routes(handlers, webhook, cfg.InternalAPIKey, cfg.CustomerJWTSecret)

	// Wire up the payment event consumer: bind to the provider's broker feed and
	// ensure graceful shutdown. Broker delivery and webhook delivery converge on
	// the same idempotent processor, so dual delivery is safe.
	paymentConsumer := app.NewPaymentEventConsumer(entitlementService)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; webhook delivery only\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()

		paymentBindings := map[string]func([]byte) bool{
			"payment.event.succeeded": paymentConsumer.HandleMessage,
			"payment.event.failed":    paymentConsumer.HandleMessage,
			"payment.event.refunded":  paymentConsumer.HandleMessage,
		}

		if err := rabbitConsumer.ConsumeWithBindings(paymentsExchange, cfg.PaymentEventQueue, paymentBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"payment consumer start failed\" err=%v", err)
		}
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
