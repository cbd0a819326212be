// Package lease guards a scheduled fire so that only one process runs a given
// (tenant, template, slot) even when several instances share a schedule.
package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	logx "commagent/pkg/logx"
)

const (
	DefaultTTL    = 2 * time.Minute
	DefaultPrefix = "commagent:"
)

type Locker interface {
	// TryAcquire reports whether this caller now holds key for ttl. A key
	// already held (by anyone) yields false, nil.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Close() error
}

type Config struct {
	Driver   string // "local" (default) or "redis"
	RedisURL string
	TTL      time.Duration
	Prefix   string
}

// FireKey names the lease for one scheduled slot. Slots are minute-aligned,
// which matches the cron resolution.
func FireKey(prefix, tenantID, templateID string, slot time.Time) string {
	return fmt.Sprintf("%sfire:%s:%s:%d", prefix, tenantID, templateID, slot.Unix()/60)
}

// Open builds the configured locker. For redis it pings once so a bad URL
// fails at startup rather than on the first fire.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Locker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("lease: redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("lease: redis ping: %w", err)
		}
		log.Info("redis lease connected", logx.String("addr", opt.Addr), logx.Int("db", opt.DB))
		return NewRedis(rdb), nil
	default:
		return nil, fmt.Errorf("lease: unknown driver %q", cfg.Driver)
	}
}

// Local is an in-process locker. It only deduplicates within one process.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]time.Time{}, now: time.Now}
}

func (l *Local) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	for k, until := range l.held {
		if !now.Before(until) {
			delete(l.held, k)
		}
	}
	return true, nil
}

func (l *Local) Close() error { return nil }

// Redis holds leases as SET NX keys with a TTL. Leases are never released
// early: the slot key is unique per minute, so expiry is enough.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := r.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease SETNX: %w", err)
	}
	return ok, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
