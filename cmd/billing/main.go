package main

import (
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/storesuite/billing/internal/clock"
	"github.com/storesuite/billing/internal/config"
	"github.com/storesuite/billing/internal/migration"
	"github.com/storesuite/billing/internal/observability"
	"github.com/storesuite/billing/internal/scheduler"
	"github.com/storesuite/billing/internal/seed"
	"github.com/storesuite/billing/internal/server"
	"github.com/storesuite/billing/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(RegisterLocker),
		db.Module,
		clock.Module,

		migration.Module,
		seed.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// RegisterLocker wires the rollover lock only when redis is configured.
// Without it the scheduler runs unguarded.
func RegisterLocker(cfg config.Config) *scheduler.Locker {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return scheduler.NewLocker(client)
}
