package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ssuji15/ciwatch/internal/config"
	"github.com/ssuji15/ciwatch/internal/service/logger"
)

const pingTimeout = 2 * time.Second

var (
	rc        *redis.Client
	once      sync.Once
	initError error
)

// NewRedisClient returns the process wide client for cfg, pinging the server
// on first use.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	once.Do(func() {
		client := redis.NewClient(&redis.Options{
			Addr:            cfg.URL,
			Password:        cfg.ClientPassword,
			ClientName:      "ciwatch",
			PoolSize:        8,
			MinIdleConns:    1,
			PoolTimeout:     time.Second,
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			MinRetryBackoff: 100 * time.Millisecond,
			MaxRetryBackoff: 500 * time.Millisecond,
			ConnMaxIdleTime: 10 * time.Minute,
		})

		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			initError = fmt.Errorf("failed to connect to redis at %s: %w", cfg.URL, err)
			return
		}
		logger.Log.Debug().Str("addr", cfg.URL).Msg("redis connected")
		rc = client
	})
	return rc, initError
}

func ResetRedisClient() {
	rc = nil
	once = sync.Once{}
	initError = nil
}
