package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/tactics-room-backend/internal/config"
	"github.com/DoyleJ11/tactics-room-backend/internal/docstore"
	"github.com/DoyleJ11/tactics-room-backend/internal/httpapi"
	"github.com/DoyleJ11/tactics-room-backend/internal/janitor"
	"github.com/DoyleJ11/tactics-room-backend/internal/memstore"
	"github.com/DoyleJ11/tactics-room-backend/internal/pgstore"
	"github.com/DoyleJ11/tactics-room-backend/internal/tactics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, sweeper, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeStore()) }()

	coord := tactics.NewCoordinator(store, log, tactics.WithRules(cfg.Rules))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.SetupRoutes(coord, log, nil),
		ReadHeaderTimeout: 5 * time.Second,
	}
	sweep := janitor.New(sweeper, cfg.Retention, cfg.SweepInterval, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Production() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// openStore returns the room store, the sweeper the janitor runs against and
// a func releasing both.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (docstore.Store, docstore.Sweeper, func() error, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		sweeper, err := janitor.NewGormSweeper(cfg.DatabaseURL)
		if err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		closeAll := func() error {
			pg.Close()
			return sweeper.Close()
		}
		return pg, sweeper, closeAll, nil

	default:
		hub := memstore.NewHub(context.Background(), log)
		closeHub := func() error {
			hub.Close()
			return nil
		}
		return hub, hub, closeHub, nil
	}
}
