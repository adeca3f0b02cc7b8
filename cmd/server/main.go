package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gigchat/internal/app"
	"gigchat/internal/config"
	"gigchat/internal/db"
	"gigchat/internal/events"
	"gigchat/internal/logger"
	"gigchat/internal/presence"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var lastSeen presence.LastSeenStore = presence.NewMemoryLastSeen()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()
		log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		lastSeen = presence.NewRedisLastSeen(rdb, cfg.Redis.LastSeenTTL)
	}

	stores := app.MemoryStores()
	stores.LastSeen = lastSeen
	if cfg.Storage.Driver == "postgres" {
		database, err := db.NewDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()
		log.Info("connected to postgres")

		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		log.Info("database schema initialized")
		stores = app.PostgresStores(database.Conn, lastSeen)
	} else {
		log.Warn("using in-memory storage; data is lost on restart")
	}

	var pub events.Publisher = events.Nop{}
	if cfg.NATS.Enabled {
		np, err := events.NewNATSPublisher(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer np.Close()
		pub = np
	}

	a := app.New(cfg, stores, pub, log)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.Relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		n := a.Registry.Drain()
		log.Info("live connections closed", zap.Int("count", n))
		return err
	})
	return g.Wait()
}
