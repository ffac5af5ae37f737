package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"veilproxy/internal/cluster"
	"veilproxy/internal/config"
	"veilproxy/internal/logging"
	"veilproxy/internal/rewrite"
	"veilproxy/internal/server"
	"veilproxy/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	workerIndex := flag.Int("worker-index", -1, "worker index in multi-worker mode; -1 runs standalone or as master")
	console := flag.Bool("console", true, "human-readable log output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, *console)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	if *workerIndex >= 0 {
		logger = logger.With().Int("worker", *workerIndex).Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *workerIndex); err != nil {
		logger.Fatal().Err(err).Msg("exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, workerIndex int) error {
	isMaster := cfg.Cluster.Workers > 0 && workerIndex < 0
	isWorker := cfg.Cluster.Workers > 0 && workerIndex >= 0
	if isWorker && workerIndex >= cfg.Cluster.Workers {
		return fmt.Errorf("worker index %d out of range for %d workers", workerIndex, cfg.Cluster.Workers)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// The staleness sweep runs in exactly one process per deployment: the
	// coordinator. Workers sharing the store would race its deletes. The
	// redis backend expires sessions server-side instead.
	if sq, ok := store.(*session.SQLiteStore); ok && !isWorker {
		sq.StartSweep(cfg.Session.SweepInterval, cfg.Session.StaleAfter)
	}

	var handler http.Handler
	addr := fmt.Sprintf("%s:%d", cfg.BindingAddress, cfg.Port)
	switch {
	case isMaster:
		handler = cluster.NewBalancer(cfg.Cluster.Workers, cfg.Cluster.WorkerBasePort, logger)
	default:
		srv := server.New(cfg, logger, store,
			rewrite.NewPassthrough(logger, cfg.RewriteServerHeaders))
		if cfg.PublicDir != "" {
			// Admin routes keep precedence over same-named public files.
			if err := srv.RegisterStaticDir(cfg.PublicDir); err != nil {
				return err
			}
		}
		handler = srv
		if isWorker {
			addr = cluster.WorkerAddr(cfg.BindingAddress, cfg.Cluster.WorkerBasePort, workerIndex)
		}
	}

	httpServer := &http.Server{Addr: addr, Handler: handler}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Bool("master", isMaster).Msg("listening")
		if cfg.TLS.CertFile != "" && !isWorker {
			errc <- httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			errc <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("received exit signal, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (session.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return session.OpenRedis(ctx, cfg.Store.RedisURL, cfg.Session.StaleAfter, logger)
	default:
		return session.OpenSQLite(cfg.Store.Path, logger)
	}
}
