package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisOptions defines the configuration for the Redis-backed limiter
type RedisOptions struct {
	// Address is the Redis server address
	Address string
	// Password is the Redis server password
	Password string
	// DB is the Redis database number
	DB int
	// KeyPrefix is the prefix for all limiter keys
	KeyPrefix string
	// DialTimeout is the timeout for establishing new connections
	DialTimeout time.Duration
}

// DefaultRedisOptions returns the default Redis options
func DefaultRedisOptions(address string) *RedisOptions {
	return &RedisOptions{
		Address:     address,
		KeyPrefix:   "ratelimit:",
		DialTimeout: 5 * time.Second,
	}
}

// RedisLimiter is a fixed-window limiter backed by Redis, for deployments
// running more than one replica of the bot. Redis outages fail open: a user
// is allowed through and the error is logged, because refusing builds over
// a limiter backend hiccup is worse than briefly over-admitting.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
	opts   *RedisOptions
	closer func() error
	logger *logrus.Logger
}

// NewRedisLimiter creates a Redis-backed limiter allowing limit attempts per window
func NewRedisLimiter(limit int, window time.Duration, opts *RedisOptions, logger *logrus.Logger) *RedisLimiter {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Address,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		opts:   opts,
		closer: client.Close,
		logger: logger,
	}
}

// NewRedisLimiterWithClient creates a limiter on an existing client
func NewRedisLimiterWithClient(client redis.Cmdable, limit int, window time.Duration, opts *RedisOptions, logger *logrus.Logger) *RedisLimiter {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	if opts == nil {
		opts = DefaultRedisOptions("")
	}

	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		opts:   opts,
		logger: logger,
	}
}

// Allow records an attempt and reports whether it is within the limit
func (l *RedisLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	key := l.key(userID)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.WithError(err).Warn("Rate limiter backend unavailable, allowing request")
		return true, nil
	}

	if count == 1 {
		// First attempt in this window starts the clock.
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			l.logger.WithError(err).Warn("Failed to set rate limit window expiry")
		}
	}

	return count <= int64(l.limit), nil
}

// Close closes the Redis client
func (l *RedisLimiter) Close() error {
	if l.closer != nil {
		return l.closer()
	}
	return nil
}

// key builds the window key for a user. Bucketing the timestamp by window
// length gives fixed windows without needing a cleanup pass.
func (l *RedisLimiter) key(userID int64) string {
	bucket := time.Now().Unix() / int64(l.window.Seconds())
	return fmt.Sprintf("%suser:%d:%d", l.opts.KeyPrefix, userID, bucket)
}
