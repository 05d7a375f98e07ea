package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/cynergists/be-partner-commissions/internal/errors"
	"github.com/cynergists/be-partner-commissions/internal/logger"
)

// RedisRateLimiter enforces per-IP and per-partner submission limits over a
// sliding one-hour window, with a cool-down block for IPs that breach their
// limit. Counts are ZSETs of submission timestamps; expired members are
// trimmed on every check.
type RedisRateLimiter struct {
	rdb      *redis.Client
	perIP    int
	perSlug  int
	window   time.Duration
	blockFor time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewRedisRateLimiter creates a limiter with the given per-window limits.
func NewRedisRateLimiter(rdb *redis.Client, perIP, perSlug int, blockFor time.Duration, log *logger.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{
		rdb:      rdb,
		perIP:    perIP,
		perSlug:  perSlug,
		window:   time.Hour,
		blockFor: blockFor,
		log:      log,
		now:      time.Now,
	}
}

// Check evaluates one submission against the block list and both sliding
// windows. The submission is recorded only when allowed, so rejected attempts
// never consume quota.
func (l *RedisRateLimiter) Check(ctx context.Context, ipAddress, partnerSlug string) (*RateLimitResult, error) {
	now := l.now()
	blockKey := fmt.Sprintf("ratelimit:block:%s", ipAddress)

	ttl, err := l.rdb.TTL(ctx, blockKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "rate limiter unavailable")
	}
	if ttl > 0 {
		until := now.Add(ttl)
		return &RateLimitResult{Allowed: false, Reason: "ip_blocked", BlockedUntil: &until}, nil
	}

	ipKey := fmt.Sprintf("ratelimit:ip:%s", ipAddress)
	ipCount, err := l.windowCount(ctx, ipKey, now)
	if err != nil {
		return nil, err
	}
	if ipCount >= int64(l.perIP) {
		// Breaching the IP limit starts the cool-down block.
		until := now.Add(l.blockFor)
		if err := l.rdb.Set(ctx, blockKey, "1", l.blockFor).Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to set rate limit block")
		}
		l.log.Warn().
			Str("ip_address", ipAddress).
			Int64("count", ipCount).
			Msg("IP rate limit breached, cool-down block started")
		return &RateLimitResult{Allowed: false, Reason: "ip_rate_limit", BlockedUntil: &until}, nil
	}

	slugKey := fmt.Sprintf("ratelimit:slug:%s", partnerSlug)
	slugCount, err := l.windowCount(ctx, slugKey, now)
	if err != nil {
		return nil, err
	}
	if slugCount >= int64(l.perSlug) {
		return &RateLimitResult{Allowed: false, Reason: "partner_rate_limit"}, nil
	}

	if err := l.record(ctx, ipKey, now); err != nil {
		return nil, err
	}
	if err := l.record(ctx, slugKey, now); err != nil {
		return nil, err
	}
	return &RateLimitResult{Allowed: true}, nil
}

// windowCount trims members older than the window and returns the remaining
// cardinality.
func (l *RedisRateLimiter) windowCount(ctx context.Context, key string, now time.Time) (int64, error) {
	cutoff := now.Add(-l.window).UnixNano()
	if err := l.rdb.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to trim rate limit window")
	}
	count, err := l.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count rate limit window")
	}
	return count, nil
}

func (l *RedisRateLimiter) record(ctx context.Context, key string, now time.Time) error {
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
	if err := l.rdb.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record submission")
	}
	// Keys expire a window after the last write so idle entries clean up.
	if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set rate limit expiry")
	}
	return nil
}
