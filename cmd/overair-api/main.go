package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/overair/overair/internal/blobstore"
	"github.com/overair/overair/internal/events"
	"github.com/overair/overair/internal/manifest"
	"github.com/overair/overair/internal/publish"
	"github.com/overair/overair/internal/secrets"
	"github.com/overair/overair/internal/signing"
	updatepg "github.com/overair/overair/internal/update/postgres"
	"github.com/overair/overair/internal/updatesapi"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		blobDriver = flag.String("blob-driver", blobstore.DriverS3, "blob store driver (s3|memory)")
		blobBucket = flag.String("blob-bucket", "", "S3 bucket holding update assets (required for s3)")
		cdnBaseURL = flag.String("cdn-base-url", "", "public base URL assets are served from (required)")

		apiKeyRef     = flag.String("api-key", "", "publish API key secret reference: env:NAME, file:/path, or aws:id (required)")
		signingKeyRef = flag.String("signing-key", "", "RSA signing key PEM secret reference; empty disables code signing")

		presignExpiry = flag.Duration("presign-expiry", time.Hour, "validity of presigned upload URLs")

		eventsDriver  = flag.String("events-driver", events.DriverKafka, "publish event driver (kafka|stdio)")
		eventsBrokers = flag.String("events-brokers", "", "kafka brokers (comma-separated); empty disables events")
		eventsTopic   = flag.String("events-topic", "updates.published.v1", "topic for publish lifecycle events")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 30*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *cdnBaseURL == "" || *apiKeyRef == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --cdn-base-url, and --api-key are required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *presignExpiry <= 0 {
		fmt.Fprintln(os.Stderr, "error: --presign-expiry must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := secrets.NewResolver()
	apiKey, err := resolver.Resolve(ctx, *apiKeyRef)
	if err != nil {
		log.Error("resolve api key", "err", err)
		os.Exit(2)
	}

	var signer *signing.Signer
	if strings.TrimSpace(*signingKeyRef) != "" {
		keyPEM, err := resolver.Resolve(ctx, *signingKeyRef)
		if err != nil {
			log.Error("resolve signing key", "err", err)
			os.Exit(2)
		}
		signer, err = signing.New([]byte(keyPEM))
		if err != nil {
			log.Error("parse signing key", "err", err)
			os.Exit(2)
		}
		log.Info("code signing enabled")
	}

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := updatepg.New(pool)
	if err != nil {
		log.Error("init update store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure update schema", "err", err)
		os.Exit(2)
	}

	blobs, err := newBlobStore(ctx, *blobDriver, *blobBucket)
	if err != nil {
		log.Error("init blob store", "err", err)
		os.Exit(2)
	}

	var producer events.Producer
	if strings.TrimSpace(*eventsBrokers) != "" || *eventsDriver == events.DriverStdio {
		producer, err = events.NewProducer(events.ProducerConfig{
			Driver:  *eventsDriver,
			Brokers: events.SplitCommaList(*eventsBrokers),
		})
		if err != nil {
			log.Error("init event producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()
		log.Info("publish events enabled", "driver", *eventsDriver, "topic", *eventsTopic)
	}

	publisher, err := publish.NewService(publish.Config{
		Store:         store,
		Blobs:         blobs,
		Producer:      producer,
		Topic:         *eventsTopic,
		Logger:        log,
		PresignExpiry: *presignExpiry,
	})
	if err != nil {
		log.Error("init publish service", "err", err)
		os.Exit(2)
	}

	builder, err := manifest.NewBuilder(*cdnBaseURL)
	if err != nil {
		log.Error("init manifest builder", "err", err)
		os.Exit(2)
	}

	handler, err := updatesapi.NewHandler(updatesapi.Config{
		Store:                   store,
		Publisher:               publisher,
		Manifests:               builder,
		Signer:                  signer,
		APIKey:                  apiKey,
		Logger:                  log,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	})
	if err != nil {
		log.Error("init updates api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("overair-api listening", "addr", *listenAddr, "blobDriver", *blobDriver, "cdn", *cdnBaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newBlobStore(ctx context.Context, driver, bucket string) (blobstore.Store, error) {
	if driver == blobstore.DriverMemory {
		return blobstore.New(blobstore.Config{Driver: driver})
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return blobstore.New(blobstore.Config{
		Driver:    driver,
		Bucket:    bucket,
		S3Client:  client,
		Presigner: s3.NewPresignClient(client),
	})
}
