package router

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/compstack/billing/internal/config"
)

var Module = fx.Module("router",
	fx.Provide(
		newCacheFromConfig,
		New,
	),
)

func newCacheFromConfig(cfg config.Config, log *zap.Logger) *DecisionCache {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return NewDecisionCache(client, cfg.RouteCacheTTL, log)
}
