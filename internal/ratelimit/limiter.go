package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/railtab/internal/config"
	obsmetrics "github.com/smallbiznis/railtab/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyMutation = "railtab:ratelimit:%s:%s"

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Bucket  *TokenBucket        `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Limiter bounds mutating billing group calls per organization and endpoint.
type Limiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewLimiter(p Params) *Limiter {
	cfg := p.Cfg.RateLimit
	enabled := cfg.Enabled && p.Bucket != nil && cfg.Rate > 0 && cfg.Burst > 0
	return &Limiter{
		enabled: enabled,
		bucket:  p.Bucket,
		rate:    cfg.Rate,
		burst:   cfg.Burst,
		log:     p.Log.Named("ratelimit"),
		metrics: p.Metrics,
	}
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow fails open: a redis error is logged and the call is let through.
func (l *Limiter) Allow(ctx context.Context, orgID, endpoint string) *Result {
	if !l.Enabled() {
		return &Result{Allowed: true}
	}
	orgID = strings.TrimSpace(orgID)
	endpoint = strings.TrimSpace(endpoint)

	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyMutation, orgID, endpoint), l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed", zap.String("org_id", orgID), zap.String("endpoint", endpoint), zap.Error(err))
		l.metrics.RecordRateLimitAllowed(ctx, orgID, endpoint)
		return &Result{Allowed: true, Limit: l.burst}
	}
	if res.Allowed {
		l.metrics.RecordRateLimitAllowed(ctx, orgID, endpoint)
	} else {
		l.metrics.RecordRateLimitDenied(ctx, orgID, endpoint, "bucket_empty")
	}
	return res
}
