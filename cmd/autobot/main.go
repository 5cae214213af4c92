package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/autobotq/autobot/internal/cache"
	"github.com/autobotq/autobot/internal/config"
	"github.com/autobotq/autobot/internal/persistence"
	"github.com/autobotq/autobot/internal/persistence/memory"
	"github.com/autobotq/autobot/internal/persistence/postgres"
)

const (
	appName = "autobot"
	version = "v1.4.0"
)

var (
	flagConfig string
	flagStore  string
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Adaptive template population engine for the trading loop",
		Version: version,
		Long: `autobot maintains the population of parameterized trading rules
("templates"): it scores them with a risk-adjusted bandit rule, selects the
best match per decision cycle, tracks per-template performance online, and
evolves the population via mutation, crossover, and freeze cycles.`,
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "postgres", "store backend: postgres or memory")

	rootCmd.AddCommand(newServeCmd(), newEvolveCmd(), newSeedCmd(), newStatusCmd(),
		newSelectCmd(), newFreezeCmd(), newUnfreezeCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

// buildRepo opens the configured store backend. The returned closer releases
// the connection pool; memory mode has nothing to release.
func buildRepo(ctx context.Context, cfg config.Config) (persistence.Repository, func(), error) {
	switch flagStore {
	case "memory":
		return memory.NewStore().Repository(), func() {}, nil
	case "postgres":
		if cfg.Database.DSN == "" {
			return persistence.Repository{}, nil, fmt.Errorf("database.dsn is not configured (set AUTOBOT_DB_DSN)")
		}
		db, err := postgres.Connect(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return persistence.Repository{}, nil, err
		}
		return postgres.NewRepository(db, cfg.Database.Timeout.Std()), func() { db.Close() }, nil
	default:
		return persistence.Repository{}, nil, fmt.Errorf("unknown store backend %q", flagStore)
	}
}

// buildCache returns the redis snapshot cache, or nil when redis is disabled.
func buildCache(cfg config.Config) *cache.Cache {
	if !cfg.Redis.Enabled || cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return cache.New(rdb, cfg.Engine.CacheTTL.Std())
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
