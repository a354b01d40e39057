package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func withEnv(t *testing.T, envs map[string]string) {
	t.Helper()

	original := make(map[string]string)
	for k := range envs {
		original[k] = os.Getenv(k)
	}

	for k, v := range envs {
		_ = os.Setenv(k, v)
	}

	t.Cleanup(func() {
		for k, v := range original {
			if v == "" {
				_ = os.Unsetenv(k)
			} else {
				_ = os.Setenv(k, v)
			}
		}
	})
}

func TestGetNatsConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *NatsConfig
		shouldErr bool
	}{
		{
			name: "valid nats config with defaults",
			envs: map[string]string{
				"JETSTREAM_URL":           "nats://localhost:4222",
				"JETSTREAM_STREAM":        "",
				"JETSTREAM_SUBJECT":       "",
				"JETSTREAM_MAX_AGE_HOURS": "",
			},
			expected: &NatsConfig{
				URL:     "nats://localhost:4222",
				STREAM:  "CI_SNAPSHOTS",
				SUBJECT: "ci.snapshots",
				MAX_AGE: 7 * 24 * time.Hour,
			},
		},
		{
			name: "overridden stream and subject",
			envs: map[string]string{
				"JETSTREAM_URL":           "nats://localhost:4222",
				"JETSTREAM_STREAM":        "HEALTH",
				"JETSTREAM_SUBJECT":       "health.snap",
				"JETSTREAM_MAX_AGE_HOURS": "2",
			},
			expected: &NatsConfig{
				URL:     "nats://localhost:4222",
				STREAM:  "HEALTH",
				SUBJECT: "health.snap",
				MAX_AGE: 2 * time.Hour,
			},
		},
		{
			name:      "invalid nats config: missing url",
			envs:      map[string]string{"JETSTREAM_URL": ""},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetNatsConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetRedisConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *RedisConfig
		shouldErr bool
	}{
		{
			name: "valid redis config",
			envs: map[string]string{
				"REDIS_TTL":             "60",
				"REDIS_ENDPOINT":        "localhost:6379",
				"REDIS_CLIENT_PASSWORD": "secret",
			},
			expected: &RedisConfig{
				TTL:            60,
				URL:            "localhost:6379",
				ClientPassword: "secret",
			},
		},
		{
			name: "invalid ttl",
			envs: map[string]string{
				"REDIS_TTL":      "abc",
				"REDIS_ENDPOINT": "localhost:6379",
			},
			shouldErr: true,
		},
		{
			name: "missing endpoint",
			envs: map[string]string{
				"REDIS_TTL":      "60",
				"REDIS_ENDPOINT": "",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetRedisConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetFreeCacheConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *FreeCacheConfig
		shouldErr bool
	}{
		{
			name: "valid freecache config",
			envs: map[string]string{
				"FREECACHE_TTL":  "300",
				"FREECACHE_SIZE": "1048576",
			},
			expected: &FreeCacheConfig{TTL: 300, SIZE_BYTES: 1048576},
		},
		{
			name: "missing size",
			envs: map[string]string{
				"FREECACHE_TTL":  "300",
				"FREECACHE_SIZE": "",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetFreeCacheConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetPostgresConfig(t *testing.T) {
	withEnv(t, map[string]string{"POSTGRES_URL": ""})
	if _, err := GetPostgresConfig(); err == nil {
		t.Fatalf("expected error for empty POSTGRES_URL")
	}

	withEnv(t, map[string]string{"POSTGRES_URL": "postgres://u:p@localhost:5432/ci"})
	cfg, err := GetPostgresConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "postgres://u:p@localhost:5432/ci" {
		t.Fatalf("got %q", cfg.URL)
	}
}

func TestGetMinioConfig(t *testing.T) {
	base := map[string]string{
		"MINIO_ENDPOINT":       "localhost:9000",
		"MINIO_DATASET_BUCKET": "ci",
		"MINIO_DATASET_OBJECT": "",
		"MINIO_USE_SSL":        "false",
		"MINIO_ACCESS_KEY":     "ak",
		"MINIO_SECRET_KEY":     "sk",
	}
	with := func(k, v string) map[string]string {
		m := make(map[string]string, len(base))
		for bk, bv := range base {
			m[bk] = bv
		}
		m[k] = v
		return m
	}

	tests := []struct {
		name      string
		envs      map[string]string
		expected  *MinioConfig
		shouldErr bool
	}{
		{
			name: "valid minio config",
			envs: base,
			expected: &MinioConfig{
				URL:            "localhost:9000",
				DATASET_BUCKET: "ci",
				DATASET_OBJECT: "ci_jobs.json",
				ACCESS_KEY:     "ak",
				SECRET_KEY:     "sk",
			},
		},
		{name: "missing endpoint", envs: with("MINIO_ENDPOINT", ""), shouldErr: true},
		{name: "missing bucket", envs: with("MINIO_DATASET_BUCKET", ""), shouldErr: true},
		{name: "invalid ssl flag", envs: with("MINIO_USE_SSL", "yes"), shouldErr: true},
		{name: "missing access key", envs: with("MINIO_ACCESS_KEY", ""), shouldErr: true},
		{name: "missing secret key", envs: with("MINIO_SECRET_KEY", ""), shouldErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetMinioConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetGitHubConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *GitHubConfig
		shouldErr bool
	}{
		{
			name: "defaults",
			envs: map[string]string{
				"CI_REPO":                 "octo/widgets",
				"GITHUB_API_URL":          "",
				"GITHUB_TOKEN":            "tkn",
				"RETRY_ATTEMPTS":          "",
				"RETRY_BACKOFF_MS":        "",
				"REQUEST_TIMEOUT_SECONDS": "",
			},
			expected: &GitHubConfig{
				API_URL:         "https://api.github.com",
				TOKEN:           "tkn",
				REPO:            "octo/widgets",
				RETRY_ATTEMPTS:  3,
				RETRY_BACKOFF:   2 * time.Second,
				REQUEST_TIMEOUT: 60 * time.Second,
			},
		},
		{
			name: "enterprise url trailing slash trimmed",
			envs: map[string]string{
				"CI_REPO":                 "octo/widgets",
				"GITHUB_API_URL":          "https://ghe.local/api/v3/",
				"GITHUB_TOKEN":            "",
				"RETRY_ATTEMPTS":          "5",
				"RETRY_BACKOFF_MS":        "10",
				"REQUEST_TIMEOUT_SECONDS": "1",
			},
			expected: &GitHubConfig{
				API_URL:         "https://ghe.local/api/v3",
				REPO:            "octo/widgets",
				RETRY_ATTEMPTS:  5,
				RETRY_BACKOFF:   10 * time.Millisecond,
				REQUEST_TIMEOUT: time.Second,
			},
		},
		{name: "missing repo", envs: map[string]string{"CI_REPO": ""}, shouldErr: true},
		{name: "malformed repo", envs: map[string]string{"CI_REPO": "widgets"}, shouldErr: true},
		{
			name:      "zero attempts",
			envs:      map[string]string{"CI_REPO": "octo/widgets", "RETRY_ATTEMPTS": "0"},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetGitHubConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetCollectorConfig(t *testing.T) {
	blank := map[string]string{
		"CI_WORKFLOW":        "",
		"PAGINATION_CAP":     "",
		"MIN_WINDOW_MINUTES": "",
		"FETCH_WORKERS":      "",
		"CHECKPOINT_EVERY":   "",
	}
	merge := func(extra map[string]string) map[string]string {
		m := map[string]string{}
		for k, v := range blank {
			m[k] = v
		}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	tests := []struct {
		name      string
		envs      map[string]string
		expected  *CollectorConfig
		shouldErr bool
	}{
		{
			name: "defaults",
			envs: merge(map[string]string{"CI_DAYS": ""}),
			expected: &CollectorConfig{
				DAYS:             30,
				PAGINATION_CAP:   1000,
				MIN_WINDOW:       time.Hour,
				FETCH_WORKERS:    8,
				CHECKPOINT_EVERY: 500,
			},
		},
		{
			name: "all history with workflow filter",
			envs: merge(map[string]string{"CI_DAYS": "all", "CI_WORKFLOW": "CI", "PAGINATION_CAP": "100"}),
			expected: &CollectorConfig{
				ALL_HISTORY:      true,
				WORKFLOW:         "CI",
				PAGINATION_CAP:   100,
				MIN_WINDOW:       time.Hour,
				FETCH_WORKERS:    8,
				CHECKPOINT_EVERY: 500,
			},
		},
		{name: "non numeric days", envs: merge(map[string]string{"CI_DAYS": "week"}), shouldErr: true},
		{name: "negative days", envs: merge(map[string]string{"CI_DAYS": "-2"}), shouldErr: true},
		{name: "bad workers", envs: merge(map[string]string{"CI_DAYS": "1", "FETCH_WORKERS": "x"}), shouldErr: true},
		{
			name: "checkpoints disabled",
			envs: merge(map[string]string{"CI_DAYS": "7", "CHECKPOINT_EVERY": "0"}),
			expected: &CollectorConfig{
				DAYS:             7,
				PAGINATION_CAP:   1000,
				MIN_WINDOW:       time.Hour,
				FETCH_WORKERS:    8,
				CHECKPOINT_EVERY: 0,
			},
		},
		{name: "negative checkpoint interval", envs: merge(map[string]string{"CI_DAYS": "7", "CHECKPOINT_EVERY": "-1"}), shouldErr: true},
		{name: "zero workers", envs: merge(map[string]string{"CI_DAYS": "7", "FETCH_WORKERS": "0"}), shouldErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetCollectorConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetAggregatorConfig(t *testing.T) {
	withEnv(t, map[string]string{
		"PRIMARY_WORKFLOW":        "",
		"RERUN_THRESHOLD_MINUTES": "15",
		"RECENT_DAYS":             "",
	})

	cfg, err := GetAggregatorConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &AggregatorConfig{
		PRIMARY_WORKFLOW: "CI",
		RERUN_THRESHOLD:  15 * time.Minute,
		RECENT_DAYS:      3,
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("got %+v, want %+v", cfg, want)
	}
}

func TestGetConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *Config
		shouldErr bool
	}{
		{
			name: "valid config with defaults",
			envs: map[string]string{
				"SERVICE_NAME": "ci_collector",
				"TRACE_URL":    "",
				"LOG_LEVEL":    "",
				"CACHE_TYPE":   "",
				"QUEUE_TYPE":   "",
				"STORAGE_TYPE": "",
				"DATASET_PATH": "",
			},
			expected: &Config{
				SERVICE_NAME: "ci_collector",
				LOG_LEVEL:    "info",
				CACHE_TYPE:   "none",
				QUEUE_TYPE:   "none",
				STORAGE_TYPE: "file",
				DATASET_PATH: "ci_jobs.json",
			},
		},
		{
			name: "postgres storage with tracing",
			envs: map[string]string{
				"SERVICE_NAME": "ci_server",
				"TRACE_URL":    "localhost:4318",
				"LOG_LEVEL":    "debug",
				"CACHE_TYPE":   "redis",
				"QUEUE_TYPE":   "jetstream",
				"STORAGE_TYPE": "postgres",
				"DATASET_PATH": "/data/jobs.json",
			},
			expected: &Config{
				SERVICE_NAME: "ci_server",
				TRACE_URL:    "localhost:4318",
				LOG_LEVEL:    "debug",
				CACHE_TYPE:   "redis",
				QUEUE_TYPE:   "jetstream",
				STORAGE_TYPE: "postgres",
				DATASET_PATH: "/data/jobs.json",
			},
		},
		{
			name:      "missing service name",
			envs:      map[string]string{"SERVICE_NAME": ""},
			shouldErr: true,
		},
		{
			name:      "unknown storage type",
			envs:      map[string]string{"SERVICE_NAME": "x", "STORAGE_TYPE": "s3"},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetHealthConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *HealthConfig
		shouldErr bool
	}{
		{
			name: "defaults",
			envs: map[string]string{
				"SNAPSHOT_PATH":         "",
				"RUNNER_CONFIG":         "",
				"FAILURES_WINDOW_HOURS": "",
				"FAILURES_LIMIT":        "",
				"GROUP_WORKERS":         "",
			},
			expected: &HealthConfig{
				SNAPSHOT_PATH:   "ci_health.jsonl",
				FAILURES_WINDOW: 3 * time.Hour,
				FAILURES_LIMIT:  10,
				GROUP_WORKERS:   6,
			},
		},
		{
			name: "overrides",
			envs: map[string]string{
				"SNAPSHOT_PATH":         "/var/lib/ci/health.jsonl",
				"RUNNER_CONFIG":         "runners.json",
				"FAILURES_WINDOW_HOURS": "6",
				"FAILURES_LIMIT":        "5",
				"GROUP_WORKERS":         "2",
			},
			expected: &HealthConfig{
				SNAPSHOT_PATH:   "/var/lib/ci/health.jsonl",
				RUNNER_CONFIG:   "runners.json",
				FAILURES_WINDOW: 6 * time.Hour,
				FAILURES_LIMIT:  5,
				GROUP_WORKERS:   2,
			},
		},
		{
			name:      "negative workers",
			envs:      map[string]string{"GROUP_WORKERS": "-1"},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetHealthConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetServerConfig(t *testing.T) {
	withEnv(t, map[string]string{
		"SERVER_ADDR":            ":9090",
		"MAX_INFLIGHT":           "",
		"MAX_QUEUE":              "20",
		"SERVER_TIMEOUT_SECONDS": "",
		"SNAPSHOT_PATH":          "",
		"RUNNER_CONFIG":          "",
	})

	cfg, err := GetServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &ServerConfig{
		ADDR:            ":9090",
		MAX_INFLIGHT:    50,
		MAX_QUEUE:       20,
		REQUEST_TIMEOUT: 30 * time.Second,
		SNAPSHOT_PATH:   "ci_health.jsonl",
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("got %+v, want %+v", cfg, want)
	}

	withEnv(t, map[string]string{"MAX_QUEUE": "abc"})
	if _, err := GetServerConfig(); err == nil {
		t.Fatalf("expected error for invalid MAX_QUEUE")
	}
}
