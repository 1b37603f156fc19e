package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ShipSync/config"
	"github.com/BearBump/ShipSync/internal/api/webhook_api"
	"github.com/BearBump/ShipSync/internal/cache/rediscache"
	"github.com/BearBump/ShipSync/internal/storage/pgstore"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.ShipSync.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	cacheTTL := time.Duration(cfg.ShipSync.ConnectionCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	rlPerMin := int64(cfg.ShipSync.WebhookRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st, err := pgstore.New(connString)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	api := webhook_api.New(st, cfg.ShipSync.NotificationUsername, cfg.ShipSync.NotificationPassword).
		WithConnectionCache(rc, cacheTTL).
		WithRateLimiter(rl, rlPerMin).
		WithConnectSettings(cfg.ShipSync.PanelConnectURL, cfg.ShipSync.PublicBaseURL, cfg.ShipSync.ShopName)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runAPIServer(ctx, apiServerOpts{
		httpAddr:    httpAddr,
		swaggerPath: os.Getenv("swaggerPath"),
	}, api); err != nil && err != context.Canceled {
		panic(err)
	}
}
