package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/storyroom/internal/api"
	"github.com/npezzotti/storyroom/internal/config"
	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/server"
	"github.com/npezzotti/storyroom/internal/stats"
	"github.com/npezzotti/storyroom/internal/story"
	"github.com/sirupsen/logrus"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

// loadEnv reads the environment and lets explicitly set flags win.
func loadEnv() (config.Env, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return config.Env{}, err
	}

	var allowedOrigins stringSliceFlag
	fs := flag.CommandLine
	addr := fs.String("addr", env.ServerAddr, "server address")
	dsn := fs.String("dsn", env.DatabaseDSN, "database connection string")
	store := fs.String("store", env.StoreDriver, "store driver: postgres or memory")
	signingKey := fs.String("signing-key", env.SigningKey, "base64 encoded signing key")
	logLevel := fs.String("log-level", env.LogLevel, "log level")
	logFormat := fs.String("log-format", env.LogFormat, "log format: text or json")
	sweep := fs.Duration("sweep-interval", env.SweepInterval, "interval between timeout sweeps")
	migrate := fs.Bool("migrate", env.MigrateOnStart, "apply database migrations on start")
	fs.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	fs.Parse(os.Args[1:])

	env.ServerAddr = *addr
	env.DatabaseDSN = *dsn
	env.StoreDriver = *store
	env.SigningKey = *signingKey
	env.LogLevel = *logLevel
	env.LogFormat = *logFormat
	env.SweepInterval = *sweep
	env.MigrateOnStart = *migrate
	if len(allowedOrigins) > 0 {
		env.AllowedOrigins = allowedOrigins
	}

	return env, nil
}

func openStore(cfg *config.Config, logger *logrus.Logger) (database.StoryRepository, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store, data is lost on exit")
		return database.NewMemoryStore(), nil
	}

	repo, err := database.NewPgStoryRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	if cfg.MigrateOnStart {
		if err := repo.Migrate(); err != nil {
			repo.Close()
			return nil, err
		}
		logger.Info("database migrations applied")
	}

	return repo, nil
}

func main() {
	logger := logrus.New()

	env, err := loadEnv()
	if err != nil {
		logger.WithError(err).Fatal("load env")
	}
	if env.SigningKey == "" {
		logger.Warn("no signing key configured, using the built-in development key")
		env.SigningKey = defaultSigningKey
	}

	cfg, err := config.NewConfig(env)
	if err != nil {
		logger.WithError(err).Fatal("config")
	}
	logger = cfg.NewLogger()

	repo, err := openStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("open store")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.WithError(err).Error("store close")
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	hub := server.NewHub(logger, statsUpdater)
	coord := story.NewCoordinator(logger, repo, hub, statsUpdater)
	sweeper := story.NewSweeper(logger, coord, hub, cfg.SweepInterval)
	srv := api.NewStoryApp(mux, logger, hub, coord, repo, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go hub.Run()

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		sweeper.Run(sweepCtx)
		close(sweepDone)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.WithField("signal", sig.String()).Info("received signal")
	case err := <-errCh:
		logger.WithError(err).Error("server")
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	stopSweeper()
	<-sweepDone

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown")
	}

	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.WithError(err).Error("hub shutdown")
	}

	logger.Info("shutdown complete")
}
