// Package app builds the engine components shared by the controller and
// worker binaries from a loaded config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"suiteplane/internal/config"
	"suiteplane/internal/coordinator"
	"suiteplane/internal/queue"
	"suiteplane/internal/redisclient"
	"suiteplane/internal/store"
	"suiteplane/internal/store/memory"
	"suiteplane/internal/store/postgres"
	"suiteplane/internal/worker/runtime"
)

// Backends are the store and transport a process talks to.
type Backends struct {
	Store     store.JobStore
	Transport queue.Transport
	// Redis is nil unless redis_url is configured.
	Redis redis.UniversalClient

	closers []func() error
}

// Open connects the configured job store and queue transport. consumer names
// this process's processing list on a Redis transport.
func Open(ctx context.Context, cfg *config.Config, consumer string, log *slog.Logger) (*Backends, error) {
	b := &Backends{}

	switch cfg.Store {
	case "memory":
		b.Store = memory.New()
		log.Warn("using in-memory job store; state is lost on restart")
	default:
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		b.Store = pg
	}
	b.Store = store.WithRetry(b.Store, cfg.StoreRetryTimeout)

	if cfg.RedisURL != "" {
		client, err := redisclient.New(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		if err := redisclient.Check(client); err != nil {
			b.Close()
			return nil, err
		}
		b.Redis = client
	}

	switch cfg.Transport {
	case "redis":
		rq, err := queue.NewRedis(ctx, b.Redis, "", consumer)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to open redis transport: %w", err)
		}
		b.Transport = rq
	default:
		b.Transport = queue.NewMemory()
	}
	b.closers = append(b.closers, b.Transport.Close)

	log.Info("backends ready", "store", cfg.Store, "transport", cfg.Transport, "redis", b.Redis != nil)
	return b, nil
}

// Close releases everything Open acquired, last opened first.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Defaults turns the configured retry settings into coordinator defaults.
func Defaults(cfg *config.Config) coordinator.Defaults {
	return coordinator.Defaults{
		MaxRetries:  cfg.DefaultMaxRetries,
		BackoffBase: cfg.DefaultBackoffBase,
		BackoffMax:  cfg.DefaultBackoffMax,
		Jitter:      cfg.DefaultJitter,
	}
}

// NewRuntime selects the process backend test cases run on.
func NewRuntime(cfg *config.Config, log *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case "exec":
		log.Info("using exec runtime", "workdir", cfg.RuntimeWorkDir)
		return runtime.NewExecRuntime(cfg.RuntimeWorkDir), nil
	case "kubernetes":
		rt, err := runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:          cfg.KubernetesNamespace,
			ServiceAccount:     cfg.KubernetesServiceAccount,
			DefaultCPULimit:    cfg.KubernetesCPULimit,
			DefaultMemoryLimit: cfg.KubernetesMemoryLimit,
			DefaultImage:       cfg.KubernetesDefaultImage,
			Logger:             log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes runtime: %w", err)
		}
		log.Info("using kubernetes runtime", "namespace", cfg.KubernetesNamespace)
		return rt, nil
	case "docker":
		rt, err := runtime.NewDockerRuntime(runtime.DockerConfig{
			DefaultImage:  cfg.DockerDefaultImage,
			CPULimit:      cfg.DockerCPULimit,
			MemoryLimitMB: cfg.DockerMemoryLimitMB,
			Network:       cfg.DockerNetwork,
			Logger:        log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create docker runtime: %w", err)
		}
		log.Info("using docker runtime", "network", cfg.DockerNetwork)
		return rt, nil
	default:
		return nil, fmt.Errorf("unknown runtime %q: must be exec, docker or kubernetes", cfg.Runtime)
	}
}

// Hostname is the default consumer name for a Redis transport.
func Hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "suiteplane"
}
