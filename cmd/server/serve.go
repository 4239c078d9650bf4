package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/pairchat/internal/api"
	"github.com/omochice/pairchat/internal/auth"
	"github.com/omochice/pairchat/internal/clock"
	"github.com/omochice/pairchat/internal/config"
	"github.com/omochice/pairchat/internal/logging"
	"github.com/omochice/pairchat/internal/relay"
	"github.com/omochice/pairchat/internal/store"
	"github.com/omochice/pairchat/internal/store/mongostore"
	"github.com/omochice/pairchat/internal/store/sqlitestore"
	"github.com/omochice/pairchat/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
	}
	bindErr := config.BindFlags(opts.v, cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if bindErr != nil {
			return bindErr
		}
		cfg, err := config.Load(opts.v, opts.configPath)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	}
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), clock.Real())
	if err != nil {
		return err
	}

	presence, rooms := relay.NewPresence(), relay.NewRooms()
	router := relay.NewRouter(st, presence, rooms, relay.RouterConfig{
		MaxTextLength: cfg.Relay.MaxTextLength,
		Logger:        logger.With("component", "router"),
	})
	manager := relay.NewManager(presence, rooms, router, relay.ManagerConfig{
		OutgoingBuffer: cfg.Relay.OutgoingBuffer,
		Logger:         logger.With("component", "manager"),
	})

	srv := ws.New(ws.Config{
		Address:      cfg.Listen,
		IdleTimeout:  cfg.Transport.IdleTimeout,
		PingInterval: cfg.Transport.PingInterval,
		Logger:       logger.With("component", "transport"),
	}, verifier, manager)
	api.New(st, verifier, logger.With("component", "api")).Register(srv.Router())

	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down", "sessions", manager.SessionCount())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		st, err := mongostore.Open(ctx, mongostore.Config{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
			Logger:   logger.With("component", "store"),
		})
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return st, nil
	default:
		st, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:     cfg.SQLitePath,
			PoolSize: cfg.SQLitePoolSize,
			Logger:   logger.With("component", "store"),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}
