/*
Copyright 2025 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ratelimit implements fixed-window per-client limits backed by
// Redis, so counters are shared across server instances.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limit is requests per window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits is the per-IP policy applied to every endpoint.
var DefaultLimits = []Limit{
	{Requests: 100, Window: time.Minute},
	{Requests: 1000, Window: time.Hour},
}

// ParseLimits reads "100/minute;1000/hour" style policy strings.
func ParseLimits(s string) ([]Limit, error) {
	if s == "" {
		return DefaultLimits, nil
	}
	var limits []Limit
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, "/", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed rate limit %q", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("malformed rate limit %q", part)
		}
		var window time.Duration
		switch strings.TrimSpace(fields[1]) {
		case "second":
			window = time.Second
		case "minute":
			window = time.Minute
		case "hour":
			window = time.Hour
		case "day":
			window = 24 * time.Hour
		default:
			return nil, fmt.Errorf("unknown rate limit window %q", fields[1])
		}
		limits = append(limits, Limit{Requests: n, Window: window})
	}
	return limits, nil
}

// Limiter answers allow/deny per client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NoopLimiter allows everything; used when Redis is not configured.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// RedisLimiter counts requests in fixed windows. Each (key, window)
// pair gets its own counter keyed by the window's start.
type RedisLimiter struct {
	log    *zap.SugaredLogger
	client *redis.Client
	limits []Limit
}

// NewRedis connects to Redis and verifies reachability.
func NewRedis(ctx context.Context, log *zap.SugaredLogger, redisURL string, limits []Limit) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	if len(limits) == 0 {
		limits = DefaultLimits
	}
	return &RedisLimiter{log: log, client: client, limits: limits}, nil
}

// Allow increments every window's counter and denies when any limit is
// exceeded. A Redis failure fails open with a log line; throttling is a
// protection layer, not an availability dependency.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UTC()
	for _, limit := range l.limits {
		windowStart := now.Truncate(limit.Window).Unix()
		counterKey := fmt.Sprintf("ratelimit:%s:%d:%d", key, int64(limit.Window.Seconds()), windowStart)

		pipe := l.client.TxPipeline()
		count := pipe.Incr(ctx, counterKey)
		pipe.Expire(ctx, counterKey, limit.Window)
		if _, err := pipe.Exec(ctx); err != nil {
			l.log.Warnw("rate limit check failed, allowing", "key", key, zap.Error(err))
			return true, nil
		}
		if count.Val() > int64(limit.Requests) {
			return false, nil
		}
	}
	return true, nil
}
