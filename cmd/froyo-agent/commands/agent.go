package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/froyo-agent/pkg/config"
	"github.com/openfroyo/froyo-agent/pkg/policy"
	"github.com/openfroyo/froyo-agent/pkg/stores"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// loadConfig loads the --config file, or the defaults when none is given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", configPath).Str("plans_dir", cfg.PlansDir).Msg("Configuration loaded")
	return cfg, nil
}

// setupTelemetry builds telemetry from cfg and attaches it to ctx.
func setupTelemetry(ctx context.Context, cfg *config.Config) (context.Context, *telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	return tel.WithContext(ctx), tel, nil
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		tel.Logger.WithError(err).Warn("telemetry shutdown failed")
	}
}

// newPolicyEngine creates the admission engine with the configured policies.
func newPolicyEngine(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*policy.Engine, error) {
	engine, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if cfg.Policy.Path == "" {
		return engine, nil
	}
	paths := []string{cfg.Policy.Path}
	if err := engine.LoadPolicies(ctx, paths); err != nil {
		return nil, err
	}
	return engine, nil
}

// openJournal opens and migrates the journal. It returns nil when the
// journal is disabled.
func openJournal(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	if !cfg.Journal.Enabled {
		return nil, nil
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Journal.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// openJournalReadOnly opens an existing journal without creating one.
func openJournalReadOnly(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	if !cfg.Journal.Enabled {
		return nil, nil
	}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		return nil, nil
	}
	return openJournal(ctx, cfg)
}
