package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/resilient-api-client/internal/config"
	"github.com/Sternrassler/resilient-api-client/pkg/auth"
	"github.com/Sternrassler/resilient-api-client/pkg/client"
	"github.com/Sternrassler/resilient-api-client/pkg/credentials"
	"github.com/Sternrassler/resilient-api-client/pkg/logging"
	"github.com/Sternrassler/resilient-api-client/pkg/ratelimit"
)

// app wires the store, token manager and pipeline for one command run.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  credentials.Store
	tokens *auth.Manager
	client *client.Client

	closeStore func() error
}

// newApp builds every component from cfg. Logs go to logOutput.
func newApp(ctx context.Context, cfg *config.Config, logOutput io.Writer) (*app, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.Setup(logging.Config{Level: level, Pretty: cfg.LogPretty, Output: logOutput})
	logger := logging.NewLogger("apiclient")

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	authCfg := auth.DefaultConfig(cfg.BaseURL, store)
	authCfg.Endpoints = cfg.Endpoints()
	authCfg.Timeout = cfg.Timeout
	authCfg.DevLoginFallback = cfg.DevLoginFallback
	authLogger := logging.NewLogger("auth")
	authCfg.Logger = &authLogger

	tokens, err := auth.New(authCfg)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("create token manager: %w", err)
	}

	limiterLogger := logging.NewLogger("ratelimit")
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerSecond = cfg.RateLimit
	limiterCfg.Burst = cfg.RateBurst
	limiter, err := ratelimit.New(limiterCfg, &limiterLogger)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	clientCfg := client.DefaultConfig(cfg.BaseURL, tokens)
	clientCfg.Timeout = cfg.Timeout
	clientCfg.MaxRetries = cfg.MaxRetries
	clientCfg.BaseDelay = cfg.BaseDelay
	clientCfg.Fallback = client.StaticFallback(cfg.MockFallback)
	clientCfg.Limiter = limiter
	clientCfg.UserAgent = "apiclient/" + Version
	clientCfg.OnSessionExpired = func() {
		logger.Warn().Msg("Session expired, run 'apiclient login' to sign in again")
	}
	clientLogger := logging.NewLogger("client")
	clientCfg.Logger = &clientLogger

	c, err := client.New(clientCfg)
	if err != nil {
		_ = tokens.Close()
		_ = closeStore()
		return nil, fmt.Errorf("create client: %w", err)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		tokens:     tokens,
		client:     c,
		closeStore: closeStore,
	}, nil
}

// Close waits for background logout notifications and releases the store.
func (a *app) Close() error {
	err := a.client.Close()
	if cerr := a.closeStore(); err == nil {
		err = cerr
	}
	return err
}

// openStore creates the credential store selected by cfg.Store.
func openStore(ctx context.Context, cfg *config.Config) (credentials.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store {
	case config.StoreMemory:
		return credentials.NewMemoryStore(), noop, nil

	case config.StoreFile:
		store, err := credentials.NewFileStore(cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return store, noop, nil

	case config.StoreRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		var opts []credentials.RedisOption
		if cfg.KeyPrefix != "" {
			opts = append(opts, credentials.WithKeyPrefix(cfg.KeyPrefix))
		}
		return credentials.NewRedisStore(redisClient, opts...), redisClient.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
