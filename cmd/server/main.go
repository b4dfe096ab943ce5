package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"storefront/cmd/server/config"
	"storefront/internal/logger"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotenv(".env"); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	lg := logger.New(appName, opts.env)

	rdb, err := newRedisClient(ctx, opts.redis)
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			lg.Warn("redis_close_failed", slog.String("err", err.Error()))
		}
	}()

	a, err := newApp(ctx, lg, rdb, opts)
	if err != nil {
		return err
	}
	defer a.close()

	roles := make([]string, 0, len(opts.roles))
	for role := range opts.roles {
		roles = append(roles, role)
	}
	lg.Info("server_start", slog.Any("roles", roles), slog.String("env", opts.env))
	return a.Run(ctx)
}
