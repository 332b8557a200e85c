package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/InboxGate/internal/pkg/config"
)

// limiterDatabase keeps rate limit counters apart from pending registrations on DB 0.
const limiterDatabase = 1

// New connects to the Redis-compatible cache server. A failed ping is only
// logged; callers decide whether the cache is required.
func New(cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.CacheHost, cfg.CachePort),
		Password: cfg.CachePassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if pong, err := client.Ping(ctx).Result(); err != nil {
		log.Warnf("[Cache] Could not connect to cache at %s: %v", client.Options().Addr, err)
	} else {
		log.Infof("[Cache] Successfully connected to cache: %s", pong)
	}
	return client
}

// Ping reports whether the cache answers within ctx.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if client == nil {
		return fmt.Errorf("cache not configured")
	}
	return client.Ping(ctx).Err()
}

// LimiterStorage returns fiber storage for the rate limiter on the same server.
func LimiterStorage(cfg *config.Config) fiber.Storage {
	port, err := strconv.Atoi(cfg.CachePort)
	if err != nil {
		port = 6379
	}
	return redisstorage.New(redisstorage.Config{
		Host:     cfg.CacheHost,
		Port:     port,
		Password: cfg.CachePassword,
		Database: limiterDatabase,
		Reset:    false,
	})
}
