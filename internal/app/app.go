package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/Raimguzhinov/davstore/internal/auth"
	"github.com/Raimguzhinov/davstore/internal/collection"
	"github.com/Raimguzhinov/davstore/internal/config"
	"github.com/Raimguzhinov/davstore/internal/storage/filesystem"
	"github.com/Raimguzhinov/davstore/internal/usecase"
	"github.com/Raimguzhinov/davstore/internal/validator"
	"github.com/Raimguzhinov/davstore/pkg/httpserver"
	"github.com/Raimguzhinov/davstore/pkg/logger"
	"github.com/Raimguzhinov/davstore/pkg/postgres"
)

func Run(cfg *config.Config) {
	l := logger.New(cfg.Log.Level, cfg.App.Env,
		logger.File(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))
	l.Info("starting", slog.String("name", cfg.App.Name), slog.String("version", cfg.App.Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, closeStore, err := usecase.NewStoreFromURL(ctx, cfg.Storage.URL, l, usecase.StoreOptions{
		Fsync: cfg.Storage.Fsync,
		Postgres: []postgres.Option{
			postgres.MaxPoolSize(cfg.PG.PoolMax),
			postgres.ConnAttempts(cfg.PG.ConnAttempts),
			postgres.ConnTimeout(cfg.PG.ConnTimeout),
			postgres.TraceQueries(cfg.PG.TraceQueries),
		},
	})
	if err != nil {
		l.Error("app - Run - usecase.NewStoreFromURL", logger.Err(err))
		os.Exit(1)
	}
	defer closeStore()

	v := validator.New()
	colls := collection.New(store, v, l, collection.Config{
		MaxSyncTokenAge:     cfg.Storage.MaxSyncTokenAge,
		LockTimeout:         cfg.Storage.LockTimeout,
		GetMultiConcurrency: cfg.Storage.GetMultiConcurrency,
	})

	if fs, ok := store.(*filesystem.Store); ok && cfg.Storage.Watch {
		w, err := fs.Watch(ctx)
		if err != nil {
			l.Warn("app - Run - Watch", logger.Err(err))
		} else {
			defer func() { _ = w.Close() }()
			go warmCache(ctx, l, colls, w)
		}
	}

	// Maintenance
	sched := cron.New()
	if cfg.Storage.CleanupSchedule != "" {
		_, err = sched.AddFunc(cfg.Storage.CleanupSchedule, func() {
			n, err := colls.MaintainAll(ctx)
			if err != nil {
				l.Warn("app - maintenance", logger.Err(err))
				return
			}
			l.Info("maintenance done", slog.Int("collections", n))
		})
		if err != nil {
			l.Error("app - Run - cron.AddFunc", logger.Err(err))
			os.Exit(1)
		}
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	// Auth
	authProvider, err := auth.NewFromURL(cfg.HTTP.Auth, cfg.App.Name, cfg.HTTP.User, cfg.HTTP.Password)
	if err != nil {
		l.Error("app - Run - auth.NewFromURL", logger.Err(err))
		os.Exit(1)
	}
	rights, err := auth.NewRights(cfg.Rights.Type)
	if err != nil {
		l.Error("app - Run - auth.NewRights", logger.Err(err))
		os.Exit(1)
	}

	// HTTP Server
	router := SetupRouter(l, cfg, useCases{
		put:   usecase.NewPutUseCase(colls, v, l, cfg.HTTP.MaxContentLength),
		del:   usecase.NewDeleteUseCase(colls, l),
		query: usecase.NewQueryUseCase(colls, l),
	}, authProvider, rights)

	httpServer := httpserver.New(router,
		httpserver.Addr(cfg.HTTP.IP, cfg.HTTP.Port),
		httpserver.ReadTimeout(cfg.HTTP.ReadTimeout),
		httpserver.IdleTimeout(cfg.HTTP.IdleTimeout),
	)
	l.Info("listening", slog.String("addr", fmt.Sprintf("%s:%s", cfg.HTTP.IP, cfg.HTTP.Port)))

	// Waiting signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-interrupt:
		l.Info("app - Run - signal: " + s.String())
	case err = <-httpServer.Notify():
		l.Error("app - Run - httpServer.Notify", logger.Err(err))
	}

	// Shutdown
	cancel()
	err = httpServer.Shutdown()
	if err != nil {
		l.Error("app - Run - httpServer.Shutdown", logger.Err(err))
	}
}
