package services

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyGuard is a best-effort redis guard against duplicate enqueues.
// It only short-circuits obvious duplicates; the unique index on dedupe_key
// remains the durable guarantee, so a redis outage degrades to DB-only
// deduplication instead of failing enqueues.
type IdempotencyGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyGuard connects to redis at the given URL. Returns nil (guard
// disabled) when the URL is empty or unparseable.
func NewIdempotencyGuard(redisURL string, ttl time.Duration) *IdempotencyGuard {
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("⚠️ Invalid REDIS_URL, idempotency fast path disabled: %v", err)
		return nil
	}
	return &IdempotencyGuard{
		client: redis.NewClient(opts),
		ttl:    ttl,
	}
}

// Reserve attempts to reserve the dedupe key. It returns false only when the
// key is positively known to be taken; redis errors count as reserved so the
// database stays the deciding authority.
func (g *IdempotencyGuard) Reserve(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := g.client.SetNX(ctx, "notification:dedupe:"+key, 1, g.ttl).Result()
	if err != nil {
		log.Printf("⚠️ Redis idempotency check failed for key %s: %v", key, err)
		return true
	}
	return ok
}
