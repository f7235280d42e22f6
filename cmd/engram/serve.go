package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/extmem"
	"github.com/engramhq/engram/pkg/gateway"
)

func runServe(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store: %v\n", err)
		return exitFail
	}
	defer func() { _ = st.Close() }()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
	}

	gw := gateway.New(gateway.Config{
		ProjectKey:    cfg.ProjectKey,
		SeekDBEnabled: cfg.SeekDBEnabled,
	}, st, extmem.New(cfg.OpenMemoryBaseURL, cfg.OpenMemoryTimeout), redisClient).
		WithMetrics(newMetrics())

	srv := gateway.NewServer(gateway.ServerConfig{
		ListenAddr:      cfg.ListenAddr,
		RateLimitRPS:    cfg.RateLimitRPS,
		RateLimitBurst:  cfg.RateLimitBurst,
		JWTSecret:       cfg.JWTSecret,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, gw)

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		_, _ = fmt.Fprintf(stderr, "serve: %v\n", err)
		return exitFail
	}
	slog.Info("gateway: stopped")
	return exitOK
}
