package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/aegisshield/telemetry-rules-engine/internal/config"
)

// RedisAdapter implements Adapter against a Redis deployment fronted by
// Sentinel. go-redis's own FailoverClient already re-resolves the master
// through Sentinel on every new connection, so RedisAdapter's own retry
// loop only needs to handle the narrower window of in-flight commands
// against a master that just stepped down.
type RedisAdapter struct {
	client     *redis.Client
	sentinels  []*redis.SentinelClient
	masterName string
	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration
	logLimiter *rate.Limiter
	logger     *slog.Logger
}

// NewRedisAdapter builds a Sentinel-aware client. No connection is made
// here; the first command (typically the HA manager's Ping poll) performs
// Sentinel discovery lazily, matching go-redis's own connection model.
func NewRedisAdapter(cfg config.StoreConfig, logger *slog.Logger) *RedisAdapter {
	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    cfg.MasterName,
		SentinelAddrs: cfg.SentinelAddrs,
		Password:      cfg.Password,
		DB:            cfg.DB,
		PoolSize:      cfg.PoolSize,
		DialTimeout:   cfg.DialTimeout,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
	})
	sentinels := make([]*redis.SentinelClient, 0, len(cfg.SentinelAddrs))
	for _, addr := range cfg.SentinelAddrs {
		sentinels = append(sentinels, redis.NewSentinelClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisAdapter{
		client:     client,
		sentinels:  sentinels,
		masterName: cfg.MasterName,
		maxRetries: cfg.MaxRetries,
		minBackoff: cfg.RetryBackoff,
		maxBackoff: cfg.MaxRetryBackoff,
		// One throttled warning log per second per adapter: a failing-over
		// master can make every cycle's batch fail for several seconds, and
		// logging each attempt would flood stdout right when the operator
		// needs the signal most.
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:     logger,
	}
}

// withRetry retries op with exponential backoff and jitter, capped at
// maxRetries. There is no ecosystem backoff library in use elsewhere in
// this codebase's dependency stack, so this loop is hand-rolled rather
// than pulled in from a new, unrelated dependency (see DESIGN.md).
func (a *RedisAdapter) withRetry(ctx context.Context, op func() error) error {
	var err error
	backoff := a.minBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	maxBackoff := a.maxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Second
	}
	attempts := a.maxRetries
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		if a.logLimiter.Allow() {
			a.logger.Warn("store operation failed, retrying", "attempt", attempt+1, "error", err)
		}
		sleep := time.Duration(float64(backoff) * math.Pow(2, float64(attempt)))
		if sleep > maxBackoff {
			sleep = maxBackoff
		}
		sleep += time.Duration(rand.Int63n(int64(sleep)/4 + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("store operation failed after %d attempts: %w", attempts, err)
}

// GetValues reads every key as a hash record ({value, timestamp}) in one
// pipelined round trip. A key with no hash (most often a sensor that has
// never been written yet) is silently omitted from the result; a key whose
// value field doesn't parse as a float is omitted and logged at a
// throttled rate. Neither is surfaced as an error.
func (a *RedisAdapter) GetValues(ctx context.Context, keys []string) (map[string]float64, error) {
	if len(keys) == 0 {
		return map[string]float64{}, nil
	}
	cmds := make([]*redis.SliceCmd, len(keys))
	err := a.withRetry(ctx, func() error {
		pipe := a.client.Pipeline()
		for i, k := range keys {
			cmds[i] = pipe.HMGet(ctx, k, "value", "timestamp")
		}
		_, err := pipe.Exec(ctx)
		if err != nil && err != redis.Nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(keys))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 || fields[0] == nil {
			continue
		}
		s, ok := fields[0].(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			if a.logLimiter.Allow() {
				a.logger.Warn("malformed stored value, skipping", "key", keys[i], "error", err)
			}
			continue
		}
		out[keys[i]] = f
	}
	return out, nil
}

// SetValues writes every key/value pair as a hash record ({value,
// timestamp}) in one MULTI/EXEC transaction pipeline, all stamped with the
// same timestamp, so a cycle's writes become visible to readers atomically
// and carry a consistent record time rather than one key at a time. The
// value is formatted with enough significant digits ("G17"-equivalent)
// to round-trip exactly back to the same float64 on read.
func (a *RedisAdapter) SetValues(ctx context.Context, values map[string]float64) error {
	if len(values) == 0 {
		return nil
	}
	now := time.Now().UTC().UnixNano()
	return a.withRetry(ctx, func() error {
		pipe := a.client.TxPipeline()
		for k, v := range values {
			formatted := strconv.FormatFloat(v, 'g', 17, 64)
			pipe.HSet(ctx, k, "value", formatted, "timestamp", now)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Publish sends message on channel, matching the teacher's
// redis.Client.Publish usage in realtime.go.
func (a *RedisAdapter) Publish(ctx context.Context, channel, message string) error {
	return a.withRetry(ctx, func() error {
		return a.client.Publish(ctx, channel, message).Err()
	})
}

// Ping verifies the current master is reachable; the HA manager polls
// this to decide whether this instance should remain active.
func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// SentinelMaster asks each configured Sentinel in turn for the address it
// currently reports as master for masterName, returning the host portion
// of the first one that answers. Querying Sentinel directly (rather than
// inferring the master from the FailoverClient) is what lets the HA
// manager detect a master flip even on an instance that isn't talking to
// the new master yet.
func (a *RedisAdapter) SentinelMaster(ctx context.Context) (string, error) {
	var lastErr error
	for _, sentinel := range a.sentinels {
		addr, err := sentinel.GetMasterAddrByName(ctx, a.masterName).Result()
		if err != nil {
			lastErr = err
			continue
		}
		if len(addr) == 0 {
			lastErr = fmt.Errorf("sentinel returned no address for master %q", a.masterName)
			continue
		}
		return addr[0], nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no sentinel addresses configured")
	}
	return "", fmt.Errorf("resolving sentinel master: %w", lastErr)
}

// Close releases the underlying connection pool.
func (a *RedisAdapter) Close() error {
	return a.client.Close()
}
