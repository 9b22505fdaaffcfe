package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding all counters.
const DefaultRedisKey = "tempmail:stats"

// Redis keeps counters in a Redis hash so several instances share totals.
type Redis struct {
	rdb     *redis.Client
	logger  *slog.Logger
	key     string
	timeout time.Duration
}

// NewRedis creates Redis-backed counters under key.
func NewRedis(rdb *redis.Client, key string, logger *slog.Logger) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{
		rdb:     rdb,
		logger:  logger,
		key:     key,
		timeout: 2 * time.Second,
	}
}

// Add increments counter c by n with HINCRBY.
func (r *Redis) Add(ctx context.Context, c Counter, n int64) {
	if n <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.rdb.HIncrBy(ctx, r.key, string(c), n).Err(); err != nil {
		r.logger.Warn("Failed to increment counter", "counter", c, "by", n, "error", err)
	}
}

// Totals reads all counters with HGETALL.
func (r *Redis) Totals(ctx context.Context) (Totals, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fields, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Totals{}, fmt.Errorf("redis HGETALL: %w", err)
	}
	return totalsFromFields(fields), nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

func totalsFromFields(fields map[string]string) Totals {
	get := func(c Counter) int64 {
		n, err := strconv.ParseInt(fields[string(c)], 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return Totals{
		Users:                get(Users),
		EmailsGenerated:      get(EmailsGenerated),
		MessagesChecked:      get(MessagesChecked),
		NewMailNotifications: get(NewMailNotifications),
	}
}
