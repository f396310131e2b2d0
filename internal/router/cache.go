package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const decisionKeyPrefix = "billing:route:idem:"

// DecisionCache is a redis write-through in front of the routing log for
// idempotency-key lookups. A nil *DecisionCache is a valid no-op cache,
// so deployments without redis skip it without branching at call sites.
type DecisionCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewDecisionCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *DecisionCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DecisionCache{
		client: client,
		ttl:    ttl,
		log:    log.Named("router.cache"),
	}
}

type cachedDecision struct {
	DecisionID   int64    `json:"decision_id"`
	Provider     string   `json:"provider"`
	Reason       string   `json:"reason"`
	RegionCode   string   `json:"region_code,omitempty"`
	RuleID       int64    `json:"rule_id,omitempty"`
	FallbackUsed bool     `json:"fallback_used"`
	Warnings     []string `json:"warnings,omitempty"`
}

func (c *DecisionCache) Get(ctx context.Context, key string) *Decision {
	if c == nil || key == "" {
		return nil
	}
	raw, err := c.client.Get(ctx, decisionKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("cache get failed", zap.Error(err))
		}
		return nil
	}
	var cached cachedDecision
	if err := json.Unmarshal(raw, &cached); err != nil {
		c.log.Debug("cache entry corrupt", zap.Error(err))
		return nil
	}
	return &Decision{
		DecisionID:   cached.DecisionID,
		Provider:     cached.Provider,
		Reason:       cached.Reason,
		RegionCode:   cached.RegionCode,
		RuleID:       cached.RuleID,
		FallbackUsed: cached.FallbackUsed,
		Warnings:     cached.Warnings,
		Cached:       true,
	}
}

func (c *DecisionCache) Put(ctx context.Context, key string, d *Decision) {
	if c == nil || key == "" || d == nil {
		return
	}
	raw, err := json.Marshal(cachedDecision{
		DecisionID:   d.DecisionID,
		Provider:     d.Provider,
		Reason:       d.Reason,
		RegionCode:   d.RegionCode,
		RuleID:       d.RuleID,
		FallbackUsed: d.FallbackUsed,
		Warnings:     d.Warnings,
	})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, decisionKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		c.log.Debug("cache put failed", zap.Error(err))
	}
}
