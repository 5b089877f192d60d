// Package config loads suiteplane settings from an optional YAML file and
// environment variables using viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Store selects the job store backend: memory or postgres.
	Store       string
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// Transport selects the queue transport: memory or redis.
	Transport string
	RedisURL  string

	CatalogPath string
	// ArchivePath is the SQLite report archive. Empty disables archiving.
	ArchivePath string

	WorkerID                string
	WorkerConcurrency       int
	WorkerPollInterval      time.Duration
	WorkerMaxBackoff        time.Duration
	WorkerHeartbeatInterval time.Duration
	LeaseDuration           time.Duration
	StoreRetryTimeout       time.Duration
	// EmbeddedWorkers runs an agent pool inside the controller when > 0.
	EmbeddedWorkers int

	SweepInterval      time.Duration
	DefaultMaxRetries  int
	DefaultBackoffBase time.Duration
	DefaultBackoffMax  time.Duration
	DefaultJitter      float64

	ProgressPollInterval time.Duration
	SnapshotCacheTTL     time.Duration

	RetentionPeriod   time.Duration
	RetentionInterval time.Duration

	// Runtime selects the test runner backend: exec, docker or kubernetes.
	Runtime        string
	RuntimeWorkDir string

	KubernetesNamespace      string
	KubernetesServiceAccount string
	KubernetesCPULimit       string
	KubernetesMemoryLimit    string
	KubernetesDefaultImage   string

	DockerDefaultImage  string
	DockerCPULimit      float64
	DockerMemoryLimitMB int64
	DockerNetwork       string

	// OTELEndpoint is the OTLP gRPC collector. Empty keeps spans in process.
	OTELEndpoint    string
	OTELSampleRatio float64

	CORSAllowedOrigins []string
	RateLimit          float64
	RateLimitBurst     int

	LogLevel string
}

// envNames maps config keys to the environment variables that override them.
var envNames = map[string]string{
	"store":                      "STORE",
	"database_url":               "DATABASE_URL",
	"http_port":                  "PORT",
	"transport":                  "TRANSPORT",
	"redis_url":                  "REDIS_URL",
	"catalog_path":               "CATALOG_PATH",
	"archive_path":               "ARCHIVE_PATH",
	"worker_id":                  "WORKER_ID",
	"worker_concurrency":         "WORKER_CONCURRENCY",
	"worker_poll_interval":       "WORKER_POLL_INTERVAL",
	"worker_max_backoff":         "WORKER_MAX_BACKOFF",
	"worker_heartbeat_interval":  "WORKER_HEARTBEAT_INTERVAL",
	"lease_duration":             "LEASE_DURATION",
	"store_retry_timeout":        "STORE_RETRY_TIMEOUT",
	"embedded_workers":           "EMBEDDED_WORKERS",
	"sweep_interval":             "SWEEP_INTERVAL",
	"default_max_retries":        "DEFAULT_MAX_RETRIES",
	"default_backoff_base":       "DEFAULT_BACKOFF_BASE",
	"default_backoff_max":        "DEFAULT_BACKOFF_MAX",
	"default_jitter":             "DEFAULT_JITTER",
	"progress_poll_interval":     "PROGRESS_POLL_INTERVAL",
	"snapshot_cache_ttl":         "SNAPSHOT_CACHE_TTL",
	"retention_period":           "RETENTION_PERIOD",
	"retention_interval":         "RETENTION_INTERVAL",
	"runtime":                    "RUNTIME",
	"runtime_workdir":            "RUNTIME_WORKDIR",
	"kubernetes_namespace":       "KUBERNETES_NAMESPACE",
	"kubernetes_service_account": "KUBERNETES_SERVICE_ACCOUNT",
	"kubernetes_cpu_limit":       "KUBERNETES_CPU_LIMIT",
	"kubernetes_memory_limit":    "KUBERNETES_MEMORY_LIMIT",
	"kubernetes_default_image":   "KUBERNETES_DEFAULT_IMAGE",
	"docker_default_image":       "DOCKER_DEFAULT_IMAGE",
	"docker_cpu_limit":           "DOCKER_CPU_LIMIT",
	"docker_memory_limit_mb":     "DOCKER_MEMORY_LIMIT_MB",
	"docker_network":             "DOCKER_NETWORK",
	"otel_endpoint":              "OTEL_EXPORTER_OTLP_ENDPOINT",
	"otel_sample_ratio":          "OTEL_SAMPLE_RATIO",
	"cors_allowed_origins":       "CORS_ALLOWED_ORIGINS",
	"rate_limit":                 "RATE_LIMIT",
	"rate_limit_burst":           "RATE_LIMIT_BURST",
	"log_level":                  "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", "postgres")
	v.SetDefault("http_port", 6161)
	v.SetDefault("transport", "memory")
	v.SetDefault("catalog_path", "catalog.yaml")
	v.SetDefault("archive_path", "")
	v.SetDefault("worker_id", defaultWorkerID())
	v.SetDefault("worker_concurrency", 1)
	v.SetDefault("worker_poll_interval", time.Second)
	v.SetDefault("worker_max_backoff", 30*time.Second)
	v.SetDefault("worker_heartbeat_interval", 2*time.Minute)
	v.SetDefault("lease_duration", 5*time.Minute)
	v.SetDefault("store_retry_timeout", 30*time.Second)
	v.SetDefault("embedded_workers", 0)
	v.SetDefault("sweep_interval", 15*time.Second)
	v.SetDefault("default_max_retries", 3)
	v.SetDefault("default_backoff_base", 10*time.Second)
	v.SetDefault("default_backoff_max", 10*time.Minute)
	v.SetDefault("default_jitter", 0.2)
	v.SetDefault("progress_poll_interval", 2*time.Second)
	v.SetDefault("snapshot_cache_ttl", time.Hour)
	v.SetDefault("retention_period", 90*24*time.Hour)
	v.SetDefault("retention_interval", 24*time.Hour)
	v.SetDefault("runtime", "docker")
	v.SetDefault("runtime_workdir", "")
	v.SetDefault("kubernetes_namespace", "default")
	v.SetDefault("docker_cpu_limit", 1.0)
	v.SetDefault("docker_memory_limit_mb", 512)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("cors_allowed_origins", []string{"*"})
	v.SetDefault("rate_limit", 50.0)
	v.SetDefault("rate_limit_burst", 100)
	v.SetDefault("log_level", "info")
}

// Load reads configuration from path (or suiteplane.yaml in the working
// directory when path is empty) and applies environment overrides.
// An explicit path that cannot be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("suiteplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Store:                    strings.ToLower(v.GetString("store")),
		DatabaseURL:              v.GetString("database_url"),
		HTTPPort:                 v.GetInt("http_port"),
		Transport:                strings.ToLower(v.GetString("transport")),
		RedisURL:                 v.GetString("redis_url"),
		CatalogPath:              v.GetString("catalog_path"),
		ArchivePath:              v.GetString("archive_path"),
		WorkerID:                 v.GetString("worker_id"),
		WorkerConcurrency:        v.GetInt("worker_concurrency"),
		WorkerPollInterval:       v.GetDuration("worker_poll_interval"),
		WorkerMaxBackoff:         v.GetDuration("worker_max_backoff"),
		WorkerHeartbeatInterval:  v.GetDuration("worker_heartbeat_interval"),
		LeaseDuration:            v.GetDuration("lease_duration"),
		StoreRetryTimeout:        v.GetDuration("store_retry_timeout"),
		EmbeddedWorkers:          v.GetInt("embedded_workers"),
		SweepInterval:            v.GetDuration("sweep_interval"),
		DefaultMaxRetries:        v.GetInt("default_max_retries"),
		DefaultBackoffBase:       v.GetDuration("default_backoff_base"),
		DefaultBackoffMax:        v.GetDuration("default_backoff_max"),
		DefaultJitter:            v.GetFloat64("default_jitter"),
		ProgressPollInterval:     v.GetDuration("progress_poll_interval"),
		SnapshotCacheTTL:         v.GetDuration("snapshot_cache_ttl"),
		RetentionPeriod:          v.GetDuration("retention_period"),
		RetentionInterval:        v.GetDuration("retention_interval"),
		Runtime:                  strings.ToLower(v.GetString("runtime")),
		RuntimeWorkDir:           v.GetString("runtime_workdir"),
		KubernetesNamespace:      v.GetString("kubernetes_namespace"),
		KubernetesServiceAccount: v.GetString("kubernetes_service_account"),
		KubernetesCPULimit:       v.GetString("kubernetes_cpu_limit"),
		KubernetesMemoryLimit:    v.GetString("kubernetes_memory_limit"),
		KubernetesDefaultImage:   v.GetString("kubernetes_default_image"),
		DockerDefaultImage:       v.GetString("docker_default_image"),
		DockerCPULimit:           v.GetFloat64("docker_cpu_limit"),
		DockerMemoryLimitMB:      v.GetInt64("docker_memory_limit_mb"),
		DockerNetwork:            v.GetString("docker_network"),
		OTELEndpoint:             v.GetString("otel_endpoint"),
		OTELSampleRatio:          v.GetFloat64("otel_sample_ratio"),
		CORSAllowedOrigins:       splitList(v.GetStringSlice("cors_allowed_origins")),
		RateLimit:                v.GetFloat64("rate_limit"),
		RateLimitBurst:           v.GetInt("rate_limit_burst"),
		LogLevel:                 v.GetString("log_level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required (env: DATABASE_URL)")
		}
	default:
		return fmt.Errorf("invalid store %q: must be memory or postgres", c.Store)
	}

	switch c.Transport {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url is required when transport is redis (env: REDIS_URL)")
		}
	default:
		return fmt.Errorf("invalid transport %q: must be memory or redis", c.Transport)
	}

	switch c.Runtime {
	case "exec", "docker", "kubernetes":
	default:
		return fmt.Errorf("invalid runtime %q: must be exec, docker or kubernetes", c.Runtime)
	}

	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.EmbeddedWorkers < 0 {
		return fmt.Errorf("embedded_workers must not be negative, got %d", c.EmbeddedWorkers)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease_duration must be positive")
	}
	if c.WorkerHeartbeatInterval <= 0 || c.WorkerHeartbeatInterval >= c.LeaseDuration {
		return fmt.Errorf("worker_heartbeat_interval (%s) must be positive and shorter than lease_duration (%s)",
			c.WorkerHeartbeatInterval, c.LeaseDuration)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must not be negative")
	}
	if c.DefaultJitter < 0 || c.DefaultJitter > 1 {
		return fmt.Errorf("default_jitter must be within [0, 1], got %v", c.DefaultJitter)
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("otel_sample_ratio must be within [0, 1], got %v", c.OTELSampleRatio)
	}
	if c.DockerCPULimit < 0 || c.DockerMemoryLimitMB < 0 {
		return fmt.Errorf("docker resource limits must not be negative")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
