// ghostd is the erasure-workflow daemon: it wires the state store, the
// event dispatcher, the orchestrator handlers, and the zombie cron scanner,
// then serves until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Debjyoti-19/ghostprotocol/pkg/audit"
	"github.com/Debjyoti-19/ghostprotocol/pkg/bus"
	"github.com/Debjyoti-19/ghostprotocol/pkg/certificate"
	"github.com/Debjyoti-19/ghostprotocol/pkg/config"
	"github.com/Debjyoti-19/ghostprotocol/pkg/connector"
	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
	"github.com/Debjyoti-19/ghostprotocol/pkg/crypto"
	"github.com/Debjyoti-19/ghostprotocol/pkg/legalhold"
	"github.com/Debjyoti-19/ghostprotocol/pkg/monitor"
	"github.com/Debjyoti-19/ghostprotocol/pkg/observability"
	"github.com/Debjyoti-19/ghostprotocol/pkg/orchestrator"
	"github.com/Debjyoti-19/ghostprotocol/pkg/policy"
	"github.com/Debjyoti-19/ghostprotocol/pkg/store"
	"github.com/Debjyoti-19/ghostprotocol/pkg/workflow"
	"github.com/Debjyoti-19/ghostprotocol/pkg/zombie"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ghostd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	var profile *config.DeploymentProfile
	if cfg.DeployProfile != "" {
		p, err := config.LoadProfile(cfg.ProfilesDir, cfg.DeployProfile)
		if err != nil {
			return err
		}
		profile = p
		cfg.ApplyProfile(profile)
		slog.Info("deployment profile applied", "profile", profile.Code)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var obs *observability.Provider
	if cfg.OTelEnabled {
		obs, err = observability.New(ctx, &observability.Config{
			ServiceName:    "ghostprotocol",
			ServiceVersion: policy.PolicyVersion,
			Environment:    "production",
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
		})
		if err != nil {
			return fmt.Errorf("init observability: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	var signer crypto.Signer
	if cfg.SigningSeed != "" {
		seed, err := hex.DecodeString(cfg.SigningSeed)
		if err != nil {
			return fmt.Errorf("decode signing seed: %w", err)
		}
		signer, err = crypto.DeriveSigningKey(seed, policy.PolicyVersion)
		if err != nil {
			return fmt.Errorf("derive signing key: %w", err)
		}
	}

	policies := policy.NewManager(st)
	trail := audit.NewTrail(st)
	mon := monitor.NewFanout(monitor.NewMemorySink())
	certs := certificate.NewGenerator(st, signer)

	// The orchestrator is built after the dispatcher but the dead-letter
	// hook fires only once deliveries flow, so the late bind is safe.
	var orch *orchestrator.Orchestrator
	d := bus.NewDispatcher(bus.Options{
		Shards:        cfg.WorkerPoolSize,
		QueueCapacity: cfg.QueueCapacity,
		Retry: bus.RetryPolicy{
			MaxAttempts:  cfg.MaxRetryAttempts,
			InitialDelay: cfg.InitialRetryDelay,
			Multiplier:   cfg.RetryBackoffMultiplier,
			MaxJitter:    250 * time.Millisecond,
		},
		DeadLetter: func(env bus.Envelope, cause error) {
			if orch != nil {
				orch.HandleDeadLetter(env, cause)
			}
		},
	})

	workflows := workflow.NewManager(st, policies, trail, d).WithCanceller(d)
	holds, err := legalhold.NewManager(workflows)
	if err != nil {
		return err
	}

	connectors, err := buildConnectors(ctx, cfg, st, profile)
	if err != nil {
		return err
	}

	scanJitter := 5 * time.Minute
	if profile != nil && profile.Zombie.JitterMinutes > 0 {
		scanJitter = time.Duration(profile.Zombie.JitterMinutes) * time.Minute
	}

	zombies := zombie.NewScheduler(st, trail, d)
	scanner := zombie.NewScanner(st, trail, d, workflows, connectors, mon).
		WithInterval(cfg.ZombieScanInterval, scanJitter)

	orch = orchestrator.New(st, workflows, holds, trail, certs, zombies, connectors, mon, d)
	if obs != nil {
		orch.WithObservability(obs)
	}
	orch.Register(d)
	scanner.Register(d)

	go scanner.Run(ctx)

	slog.Info("ghostd started",
		"store", cfg.StoreBackend,
		"workers", cfg.WorkerPoolSize,
		"signing", signer != nil,
	)

	<-ctx.Done()
	slog.Info("ghostd shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Close(closeCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func openStore(cfg *config.Config) (store.StateStore, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{cfg.RedisAddr},
		})
		return store.NewRedisStore(client, "ghostprotocol"), func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// buildConnectors wires one connector per system. Until vendor adapters are
// configured this uses store-backed connectors, except analytics, which runs
// against the S3 data lake when a bucket is configured. The deployment
// profile, when present, tunes per-connector timeouts and can keep a system
// on its store-backed connector even when the vendor backend is configured.
func buildConnectors(ctx context.Context, cfg *config.Config, st store.StateStore, profile *config.DeploymentProfile) (map[contracts.System]connector.Connector, error) {
	connectors := make(map[contracts.System]connector.Connector, len(contracts.Systems))
	for _, sys := range contracts.Systems {
		connectors[sys] = connector.NewFake(sys, st)
	}
	analytics := profileTuning(profile, contracts.SystemAnalytics)
	if cfg.S3Bucket != "" && !analytics.Disabled {
		s3c, err := connector.NewS3ObjectStore(ctx, cfg.S3Bucket, analytics.Timeout(cfg.ConnectorTimeout))
		if err != nil {
			return nil, fmt.Errorf("init s3 connector: %w", err)
		}
		connectors[contracts.SystemAnalytics] = s3c
	}
	return connectors, nil
}

func profileTuning(profile *config.DeploymentProfile, sys contracts.System) config.ConnectorTuning {
	if profile == nil {
		return config.ConnectorTuning{}
	}
	return profile.Connectors[string(sys)]
}
