package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/replenishly/stocksync/pkg/engine"
	"github.com/replenishly/stocksync/pkg/logging"
	"github.com/replenishly/stocksync/pkg/ratelimit"
	"github.com/replenishly/stocksync/pkg/remote"
	"github.com/replenishly/stocksync/pkg/store"
)

const (
	envPrefix             = "stocksync"
	defaultConfigFilename = "stocksync"
)

type config struct {
	DbFile    string `mapstructure:"db-file"`
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	LogFile   string `mapstructure:"log-file"`

	RemoteURL      string `mapstructure:"remote-url"`
	RemoteUsername string `mapstructure:"remote-username"`
	RemotePassword string `mapstructure:"remote-password"`

	RateLimit float64 `mapstructure:"rate-limit"`
	RateBurst int     `mapstructure:"rate-burst"`

	SyncEnabled      bool          `mapstructure:"sync-enabled"`
	SyncFrequency    time.Duration `mapstructure:"sync-frequency"`
	BatchConcurrency int           `mapstructure:"batch-concurrency"`
}

// loadConfig sets viper up to parse the config into the provided configuration object.
func loadConfig(cmd *cobra.Command, cfg *config) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName(defaultConfigFilename)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if ok := !errors.Is(err, viper.ConfigFileNotFoundError{}); !ok {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	v.SetDefault("sync-enabled", true)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return v, nil
}

// initRuntime loads configuration and attaches the configured logger to the
// command's context. Every subcommand starts here.
func initRuntime(cmd *cobra.Command) (context.Context, *config, error) {
	cfg := &config{}
	if _, err := loadConfig(cmd, cfg); err != nil {
		return nil, nil, err
	}

	logOpts := []logging.Option{
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithLogFormat(cfg.LogFormat),
	}
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logging.WithOutputPaths([]string{cfg.LogFile}))
	}

	ctx, err := logging.Init(cmd.Context(), logOpts...)
	if err != nil {
		return nil, nil, err
	}

	return ctx, cfg, nil
}

func openStore(ctx context.Context, cfg *config) (*store.Store, error) {
	// Batch commits run in parallel; a busy timeout keeps writer contention
	// from surfacing as immediate SQLITE_BUSY errors.
	return store.New(ctx, cfg.DbFile, store.WithPragma("busy_timeout", "5000"))
}

func newEngine(cfg *config, s *store.Store) (*engine.Engine, error) {
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("remote-url is required")
	}

	client, err := remote.NewClient(http.DefaultClient, cfg.RemoteURL, cfg.RemoteUsername, cfg.RemotePassword)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit,
		Burst:             cfg.RateBurst,
	})
	fetcher := remote.NewFetcher(client, limiter, nil)

	return engine.New(s, fetcher, engine.Config{
		SyncEnabled:      cfg.SyncEnabled,
		SyncFrequency:    cfg.SyncFrequency,
		BatchConcurrency: cfg.BatchConcurrency,
	}), nil
}
