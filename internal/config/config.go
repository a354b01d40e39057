package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type NatsConfig struct {
	URL     string
	STREAM  string
	SUBJECT string
	MAX_AGE time.Duration
}

type RedisConfig struct {
	TTL            int
	ClientPassword string
	URL            string
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type MinioConfig struct {
	URL            string
	DATASET_BUCKET string
	DATASET_OBJECT string
	ACCESS_KEY     string
	SECRET_KEY     string
	USE_SSL        bool
}

type PostgresConfig struct {
	URL string
}

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
	LOG_LEVEL    string
	CACHE_TYPE   string
	QUEUE_TYPE   string
	STORAGE_TYPE string
	DATASET_PATH string
}

type GitHubConfig struct {
	API_URL         string
	TOKEN           string
	REPO            string
	RETRY_ATTEMPTS  int
	RETRY_BACKOFF   time.Duration
	REQUEST_TIMEOUT time.Duration
}

type CollectorConfig struct {
	// ALL_HISTORY is set when CI_DAYS=all; DAYS is ignored then.
	DAYS             int
	ALL_HISTORY      bool
	WORKFLOW         string
	PAGINATION_CAP   int
	MIN_WINDOW       time.Duration
	FETCH_WORKERS    int
	CHECKPOINT_EVERY int
}

type AggregatorConfig struct {
	PRIMARY_WORKFLOW string
	RERUN_THRESHOLD  time.Duration
	RECENT_DAYS      int
}

type HealthConfig struct {
	SNAPSHOT_PATH   string
	RUNNER_CONFIG   string
	FAILURES_WINDOW time.Duration
	FAILURES_LIMIT  int
	GROUP_WORKERS   int
}

type ServerConfig struct {
	ADDR            string
	MAX_INFLIGHT    int
	MAX_QUEUE       int
	REQUEST_TIMEOUT time.Duration
	SNAPSHOT_PATH   string
	RUNNER_CONFIG   string
}

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

// envInt reads a positive integer, falling back to def when the key is unset.
func envInt(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	i, err := convertStringToInt(v, key)
	if err != nil {
		return -1, err
	}
	if i <= 0 {
		return -1, fmt.Errorf("KEY: %s must be positive, got %d", key, i)
	}
	return i, nil
}

// envCount is envInt that also accepts 0, for counts where 0 switches a feature off.
func envCount(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	i, err := convertStringToInt(v, key)
	if err != nil {
		return -1, err
	}
	if i < 0 {
		return -1, fmt.Errorf("KEY: %s must not be negative, got %d", key, i)
	}
	return i, nil
}

func envDefault(key string, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	maxAge, err := envInt("JETSTREAM_MAX_AGE_HOURS", 24*7)
	if err != nil {
		return nil, err
	}
	return &NatsConfig{
		URL:     url,
		STREAM:  envDefault("JETSTREAM_STREAM", "CI_SNAPSHOTS"),
		SUBJECT: envDefault("JETSTREAM_SUBJECT", "ci.snapshots"),
		MAX_AGE: time.Duration(maxAge) * time.Hour,
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	ttl, err := convertStringToInt(env("REDIS_TTL"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}

	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}

	return &RedisConfig{
		TTL:            ttl,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := convertStringToInt(env("FREECACHE_TTL"), "FREECACHE_TTL")
	if err != nil {
		return nil, err
	}
	fs, err := convertStringToInt(env("FREECACHE_SIZE"), "FREECACHE_SIZE")
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	st := envDefault("STORAGE_TYPE", "file")
	switch st {
	case "file", "minio", "postgres":
	default:
		return nil, fmt.Errorf("KEY: STORAGE_TYPE %q is invalid", st)
	}
	dp := envDefault("DATASET_PATH", "ci_jobs.json")
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    env("TRACE_URL"),
		LOG_LEVEL:    envDefault("LOG_LEVEL", "info"),
		CACHE_TYPE:   envDefault("CACHE_TYPE", "none"),
		QUEUE_TYPE:   envDefault("QUEUE_TYPE", "none"),
		STORAGE_TYPE: st,
		DATASET_PATH: dp,
	}, nil
}

func GetGitHubConfig() (*GitHubConfig, error) {
	repo := env("CI_REPO")
	if repo == "" {
		return nil, fmt.Errorf("KEY: CI_REPO is empty")
	}
	if parts := strings.Split(repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("KEY: CI_REPO must be owner/name, got %q", repo)
	}
	attempts, err := envInt("RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	backoff, err := envInt("RETRY_BACKOFF_MS", 2000)
	if err != nil {
		return nil, err
	}
	timeout, err := envInt("REQUEST_TIMEOUT_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	return &GitHubConfig{
		API_URL:         strings.TrimRight(envDefault("GITHUB_API_URL", "https://api.github.com"), "/"),
		TOKEN:           env("GITHUB_TOKEN"),
		REPO:            repo,
		RETRY_ATTEMPTS:  attempts,
		RETRY_BACKOFF:   time.Duration(backoff) * time.Millisecond,
		REQUEST_TIMEOUT: time.Duration(timeout) * time.Second,
	}, nil
}

func GetCollectorConfig() (*CollectorConfig, error) {
	cfg := &CollectorConfig{
		WORKFLOW: env("CI_WORKFLOW"),
	}
	days := envDefault("CI_DAYS", "30")
	if days == "all" {
		cfg.ALL_HISTORY = true
	} else {
		d, err := convertStringToInt(days, "CI_DAYS")
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("KEY: CI_DAYS must be positive or \"all\", got %d", d)
		}
		cfg.DAYS = d
	}

	var err error
	if cfg.PAGINATION_CAP, err = envInt("PAGINATION_CAP", 1000); err != nil {
		return nil, err
	}
	mw, err := envInt("MIN_WINDOW_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	cfg.MIN_WINDOW = time.Duration(mw) * time.Minute
	if cfg.FETCH_WORKERS, err = envInt("FETCH_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.CHECKPOINT_EVERY, err = envCount("CHECKPOINT_EVERY", 500); err != nil {
		return nil, err
	}
	return cfg, nil
}

func GetAggregatorConfig() (*AggregatorConfig, error) {
	rt, err := envInt("RERUN_THRESHOLD_MINUTES", 10)
	if err != nil {
		return nil, err
	}
	rd, err := envInt("RECENT_DAYS", 3)
	if err != nil {
		return nil, err
	}
	return &AggregatorConfig{
		PRIMARY_WORKFLOW: envDefault("PRIMARY_WORKFLOW", "CI"),
		RERUN_THRESHOLD:  time.Duration(rt) * time.Minute,
		RECENT_DAYS:      rd,
	}, nil
}

func GetHealthConfig() (*HealthConfig, error) {
	fw, err := envInt("FAILURES_WINDOW_HOURS", 3)
	if err != nil {
		return nil, err
	}
	fl, err := envInt("FAILURES_LIMIT", 10)
	if err != nil {
		return nil, err
	}
	gw, err := envInt("GROUP_WORKERS", 6)
	if err != nil {
		return nil, err
	}
	return &HealthConfig{
		SNAPSHOT_PATH:   envDefault("SNAPSHOT_PATH", "ci_health.jsonl"),
		RUNNER_CONFIG:   env("RUNNER_CONFIG"),
		FAILURES_WINDOW: time.Duration(fw) * time.Hour,
		FAILURES_LIMIT:  fl,
		GROUP_WORKERS:   gw,
	}, nil
}

func GetServerConfig() (*ServerConfig, error) {
	mi, err := envInt("MAX_INFLIGHT", 50)
	if err != nil {
		return nil, err
	}
	mq, err := envInt("MAX_QUEUE", 200)
	if err != nil {
		return nil, err
	}
	rt, err := envInt("SERVER_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	return &ServerConfig{
		ADDR:            envDefault("SERVER_ADDR", ":8080"),
		MAX_INFLIGHT:    mi,
		MAX_QUEUE:       mq,
		REQUEST_TIMEOUT: time.Duration(rt) * time.Second,
		SNAPSHOT_PATH:   envDefault("SNAPSHOT_PATH", "ci_health.jsonl"),
		RUNNER_CONFIG:   env("RUNNER_CONFIG"),
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	db := env("MINIO_DATASET_BUCKET")
	if db == "" {
		return nil, fmt.Errorf("KEY: MINIO_DATASET_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:            url,
		DATASET_BUCKET: db,
		DATASET_OBJECT: envDefault("MINIO_DATASET_OBJECT", "ci_jobs.json"),
		USE_SSL:        ssl == "true",
		ACCESS_KEY:     ak,
		SECRET_KEY:     sk,
	}, nil
}
