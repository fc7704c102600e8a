package ratelimit

import (
	"context"
	"errors"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenledger/internal/config"
	gatedomain "github.com/smallbiznis/tokenledger/internal/gate/domain"
)

const keyPrefix = "tokenledger:"

// NewClient returns nil when rate limiting is disabled.
func NewClient(cfg config.Config) (*redis.Client, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}

	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	}), nil
}

// FeatureLimiter is the free allotment shared by every gated feature.
type FeatureLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewFeatureLimiter(cfg config.Config, bucket *TokenBucket) (*FeatureLimiter, error) {
	if bucket == nil {
		return nil, nil
	}
	if cfg.RateLimit.FreeRate <= 0 || cfg.RateLimit.FreeBurst <= 0 {
		return nil, errors.New("free rate limit must be positive")
	}
	return &FeatureLimiter{
		bucket: bucket,
		rate:   cfg.RateLimit.FreeRate,
		burst:  cfg.RateLimit.FreeBurst,
	}, nil
}

func (l *FeatureLimiter) Allow(ctx context.Context, key string) (*gatedomain.Decision, error) {
	if l == nil {
		return nil, ErrNotConfigured
	}
	res, err := l.bucket.Allow(ctx, keyPrefix+key, l.rate, l.burst)
	if err != nil {
		return nil, err
	}
	return &gatedomain.Decision{
		Allowed:   res.Allowed,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
	}, nil
}

// AsGateLimiter keeps a disabled limiter a nil interface.
func AsGateLimiter(l *FeatureLimiter) gatedomain.Limiter {
	if l == nil {
		return nil
	}
	return l
}
