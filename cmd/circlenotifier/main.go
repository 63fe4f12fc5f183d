// --- File: cmd/circlenotifier/main.go ---
package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-circle-notifier/internal/engine"
	"github.com/tinywideclouds/go-circle-notifier/internal/enrich"
	"github.com/tinywideclouds/go-circle-notifier/internal/metrics"
	"github.com/tinywideclouds/go-circle-notifier/internal/platform/apns"
	"github.com/tinywideclouds/go-circle-notifier/internal/platform/fcm"
	"github.com/tinywideclouds/go-circle-notifier/internal/resolver"
	"github.com/tinywideclouds/go-circle-notifier/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-circle-notifier/internal/storage/firestore"
	"github.com/tinywideclouds/go-circle-notifier/internal/storage/rtdb"
	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"

	"github.com/tinywideclouds/go-circle-notifier/notificationservice"
	"github.com/tinywideclouds/go-circle-notifier/notificationservice/config"

	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-circle-notifier")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	var clientOpts []option.ClientOption
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"); creds != "" {
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(creds)))
		logger.Info("Using credentials from GOOGLE_APPLICATION_CREDENTIALS_JSON")
	}

	// --- Infrastructure Clients ---
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	fbApp, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:   cfg.ProjectID,
		DatabaseURL: cfg.DatabaseURL,
	}, clientOpts...)
	if err != nil {
		logger.Error("Failed to initialize Firebase App", "err", err)
		os.Exit(1)
	}
	rtdbClient, err := fbApp.Database(ctx)
	if err != nil {
		logger.Error("Failed to create Realtime Database client", "err", err)
		os.Exit(1)
	}

	// --- Stores ---
	directory := fsStore.NewDirectory(fsClient, cfg.UsersCollection, logger)
	keyStore := rtdb.NewKeyStore(rtdbClient, cfg.TokensPath, cfg.LocationPath)

	var tokenLookup dispatch.TokenLookup = keyStore
	logger.Info("TokenLookup initialized", "type", "rtdb")

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		tokenLookup = cache.NewCachedTokenLookup(tokenLookup, redisClient, cfg.Redis.TTL, logger)
		logger.Info("TokenLookup upgraded", "type", "redis_cached_rtdb", "ttl", cfg.Redis.TTL)
	}

	// --- Gateway ---
	gateway, err := newGateway(ctx, cfg, fbApp, logger)
	if err != nil {
		logger.Error("Failed to create push gateway", "err", err)
		os.Exit(1)
	}

	// --- Engine ---
	m := metrics.New()
	eng := engine.New(
		engine.Config{
			MaxConcurrency: cfg.Dispatch.MaxConcurrency,
			SendTimeout:    cfg.Dispatch.SendTimeout,
			RatePerSecond:  cfg.Dispatch.RatePerSecond,
			Burst:          cfg.Dispatch.Burst,
			Multicast:      cfg.Dispatch.Multicast,
		},
		directory,
		resolver.NewDefault(tokenLookup),
		enrich.NewLocationEnricher(keyStore, logger),
		gateway,
		m,
		logger,
	)

	// --- Consumer & Service ---
	var consumer messagepipeline.MessageConsumer
	if cfg.IngestionEnabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("Ingestion consumer failed", "err", err)
			os.Exit(1)
		}
	} else {
		logger.Info("No subscription configured; circle alert ingestion disabled")
	}

	service, err := notificationservice.New(cfg, eng, consumer, m, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown failed", "err", err)
		}
	}()

	logger.Info("Starting service...", "addr", cfg.ListenAddr, "gateway", cfg.Gateway)
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newGateway(ctx context.Context, cfg *config.Config, fbApp *firebase.App, logger *slog.Logger) (dispatch.Gateway, error) {
	switch cfg.Gateway {
	case config.GatewayAPNS:
		return apns.NewGateway(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8KeyContent,
			Sandbox:      cfg.APNS.Sandbox,
		}, logger)
	default:
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		return fcm.NewGateway(fcmMessaging, logger), nil
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := subscriptionPath(cfg)

	if cfg.TopicID != "" {
		subConfig := &pubsubpb.Subscription{
			Name:               sub,
			Topic:              convertPubsub(cfg.ProjectID, cfg.TopicID, "topics"),
			AckDeadlineSeconds: 10,
		}
		if cfg.SubscriptionDLQTopicID != "" {
			subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
				DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
				MaxDeliveryAttempts: 5,
			}
		}
		logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
		_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
		if err != nil {
			if status.Code(err) == codes.AlreadyExists {
				logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
			} else {
				logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
				return nil, fmt.Errorf("could not create sub: %s", sub)
			}
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(sub), psClient, logger,
	)
}

// subscriptionPath is the fully qualified name of the consumer's subscription.
func subscriptionPath(cfg *config.Config) string {
	return convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
