package sweep

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/vendora-hq/vendora/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("sweep",
	fx.Provide(ProvideLocker),
	fx.Provide(New),
	fx.Invoke(Start),
)

// ProvideLocker builds the Redis leader lock when REDIS_ADDR is set.
// Without it the sweeper runs unlocked, which is correct for a single
// replica.
func ProvideLocker(lc fx.Lifecycle, cfg config.Config) *Locker {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewLocker(client)
}

func Start(lc fx.Lifecycle, sweeper *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())

			go sweeper.RunForever(runCtx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
