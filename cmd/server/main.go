// Command dispatchd runs the dispatchq scheduler behind its REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/me/dispatchq/internal/aggregate"
	"github.com/me/dispatchq/internal/config"
	"github.com/me/dispatchq/internal/executor"
	"github.com/me/dispatchq/internal/logging"
	"github.com/me/dispatchq/internal/sampler"
	"github.com/me/dispatchq/internal/scheduler"
	"github.com/me/dispatchq/internal/server"
	"github.com/me/dispatchq/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var flags config.ServerConfig
	def := config.DefaultServerConfig()

	configFile := flag.String("config", "", "Path to a YAML config file")
	flag.StringVar(&flags.Addr, "addr", def.Addr, "Listen address")
	flag.StringVar(&flags.LogLevel, "log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&flags.LogFormat, "log-format", def.LogFormat, "Log format (text, json)")
	flag.StringVar(&flags.DBPath, "db", def.DBPath, "Result history path (default ~/.dispatchq/history.db)")
	flag.StringVar(&flags.RedisAddr, "redis", def.RedisAddr, "Redis address for the cross-process aggregate (empty disables)")
	flag.StringVar(&flags.StatsSchedule, "stats-schedule", def.StatsSchedule, "Cron spec for stats sampling (empty disables)")
	workDir := flag.String("workdir", "", "Working directory for command executors")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	file := config.DefaultFile()
	if *configFile != "" {
		var err error
		if file, err = config.Load(*configFile); err != nil {
			return err
		}
	}

	// Explicit flags win over the file.
	cfg := file.Server
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = flags.Addr
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-format":
			cfg.LogFormat = flags.LogFormat
		case "db":
			cfg.DBPath = flags.DBPath
		case "redis":
			cfg.RedisAddr = flags.RedisAddr
		case "stats-schedule":
			cfg.StatsSchedule = flags.StatsSchedule
		}
	})
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	dbPath, err := resolveDBPath(cfg.DBPath)
	if err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", dbPath)

	loopOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithRecorder(st),
	}

	var agg *aggregate.RedisAggregator
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		agg = aggregate.NewRedisAggregator(rdb, aggregate.DefaultOptions(), logger)
		loopOpts = append(loopOpts, scheduler.WithPermitListener(agg))
		logger.Info("redis aggregate enabled", "addr", cfg.RedisAddr)
	}

	loop, err := scheduler.NewLoop(file.Scheduler, loopOpts...)
	if err != nil {
		return err
	}

	var smp *sampler.Sampler
	if cfg.StatsSchedule != "" {
		if smp, err = sampler.New(cfg.StatsSchedule, loop, st, logger); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The aggregator outlives the loop so releases during drain reach Redis.
	aggCtx, stopAgg := context.WithCancel(context.Background())
	defer stopAgg()

	srv := server.New(cfg, loop, logger,
		server.WithStore(st),
		server.WithExecutorRegistry(executor.NewDefaultRegistry(*workDir, logger)),
		server.WithBaseContext(ctx),
	)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if agg != nil {
		g.Go(func() error { return agg.Run(aggCtx) })
	}

	g.Go(func() error {
		err := loop.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if smp != nil {
		g.Go(func() error { return smp.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)

		// Stop the scheduler after the listener so no new tasks arrive.
		if stopErr := loop.Stop(); stopErr != nil {
			logger.Error("scheduler stop error", "error", stopErr)
		}
		stopAgg()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// resolveDBPath returns path, or ~/.dispatchq/history.db when it is empty.
func resolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".dispatchq")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}
