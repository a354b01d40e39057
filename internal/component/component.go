package component

import (
	"context"
	"fmt"

	"github.com/ssuji15/ciwatch/internal/cache"
	"github.com/ssuji15/ciwatch/internal/cache/freecache"
	"github.com/ssuji15/ciwatch/internal/cache/redis"
	"github.com/ssuji15/ciwatch/internal/config"
	"github.com/ssuji15/ciwatch/internal/dataset"
	"github.com/ssuji15/ciwatch/internal/db"
	"github.com/ssuji15/ciwatch/internal/provider"
	"github.com/ssuji15/ciwatch/internal/queue"
	jq "github.com/ssuji15/ciwatch/internal/queue/jetstream"
	"github.com/ssuji15/ciwatch/internal/storage/minio"
	"github.com/ssuji15/ciwatch/internal/transport"
)

// GetCache returns nil with no error for "none".
func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		return redis.NewRedisCacheClient(ctx)
	case "freecache":
		return freecache.NewFreeCache()
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cacheType)
	}
}

// GetQueue returns nil with no error for "none".
func GetQueue(qType string) (queue.Queue, error) {
	switch qType {
	case "jetstream":
		return jq.NewJetStreamQueueClient()
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown queue type %q", qType)
	}
}

func GetStore(ctx context.Context, cfg *config.Config) (dataset.Store, error) {
	switch cfg.STORAGE_TYPE {
	case "file":
		return dataset.NewFileStore(cfg.DATASET_PATH), nil
	case "minio":
		mc, err := config.GetMinioConfig()
		if err != nil {
			return nil, err
		}
		client, err := minio.NewMinioClient(ctx, mc)
		if err != nil {
			return nil, err
		}
		return dataset.NewObjectStore(client, mc.DATASET_OBJECT), nil
	case "postgres":
		d, err := db.New(ctx)
		if err != nil {
			return nil, err
		}
		s, err := dataset.NewPostgresStore(ctx, d)
		if err != nil {
			d.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.STORAGE_TYPE)
	}
}

// GetCaller builds the provider transport: HTTP, retried, then cached when c is set.
func GetCaller(gh *config.GitHubConfig, c cache.Cache) transport.Caller {
	var caller transport.Caller = transport.NewRetrying(
		transport.NewHTTPCaller(gh.TOKEN),
		transport.RetryOptions{
			Attempts: uint(gh.RETRY_ATTEMPTS),
			Backoff:  gh.RETRY_BACKOFF,
			Timeout:  gh.REQUEST_TIMEOUT,
		},
	)
	if c != nil {
		caller = transport.NewCaching(caller, c)
	}
	return caller
}

func GetProvider(gh *config.GitHubConfig, c cache.Cache) (*provider.Client, error) {
	return provider.New(GetCaller(gh, c), gh.API_URL, gh.REPO)
}
