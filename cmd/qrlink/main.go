package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/qrlink-auth/internal/config"
	"github.com/smallbiznis/qrlink-auth/internal/consent"
	httptransport "github.com/smallbiznis/qrlink-auth/internal/http"
	"github.com/smallbiznis/qrlink-auth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/qrlink-auth/internal/http/middleware"
	"github.com/smallbiznis/qrlink-auth/internal/keys"
	"github.com/smallbiznis/qrlink-auth/internal/login"
	apimiddleware "github.com/smallbiznis/qrlink-auth/internal/middleware"
	"github.com/smallbiznis/qrlink-auth/internal/node"
	"github.com/smallbiznis/qrlink-auth/internal/server"
	"github.com/smallbiznis/qrlink-auth/internal/service"
	"github.com/smallbiznis/qrlink-auth/internal/session"
	"github.com/smallbiznis/qrlink-auth/internal/stream"
	"github.com/smallbiznis/qrlink-auth/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newRedisClient,
			newKeyMaterial,
			newRegistry,
			newHub,
			newNodeClient,
			newConsentTracker,
			newResolver,
			newSessionStore,
			newFlow,
			newRateLimiter,
			newAuthMiddleware,
			handler.NewFlowHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startSweeper, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newKeyMaterial(cfg config.Config) (*keys.Material, error) {
	return keys.Load(cfg.NodeSecretsFile)
}

func newRegistry(logger *zap.Logger) *login.Registry {
	return login.NewRegistry(logger)
}

func newHub(cfg config.Config, ids *snowflake.Node, logger *zap.Logger) *stream.Hub {
	return stream.NewHub(cfg.MaxStreams, cfg.StreamTTL, cfg.SweepInterval, ids, logger)
}

func newNodeClient(cfg config.Config, material *keys.Material, logger *zap.Logger) *node.Client {
	return node.NewClient(cfg, material, nil, logger)
}

func newConsentTracker(client redis.UniversalClient) *consent.Tracker {
	return consent.NewTracker(client)
}

func newResolver(cfg config.Config, client *node.Client, material *keys.Material, tracker *consent.Tracker, logger *zap.Logger) *consent.Resolver {
	return consent.NewResolver(cfg, client, material, tracker, logger)
}

func newSessionStore(client redis.UniversalClient, cfg config.Config) *session.Store {
	return session.NewStore(client, cfg.SessionTTL, cfg.BearerTTL)
}

func newFlow(lc fx.Lifecycle, cfg config.Config, registry *login.Registry, hub *stream.Hub,
	client *node.Client, resolver *consent.Resolver, sessions *session.Store, logger *zap.Logger) *service.Flow {
	flow := service.NewFlow(cfg, registry, hub, client, resolver, sessions, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			flow.Close()
			return nil
		},
	})
	return flow
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newAuthMiddleware(sessions *session.Store) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Sessions: sessions}
}

func startSweeper(lc fx.Lifecycle, hub *stream.Hub) {
	done := make(chan struct{})
	finished := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				hub.Run(done)
				close(finished)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(done)
			select {
			case <-finished:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
