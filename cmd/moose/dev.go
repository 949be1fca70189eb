package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/admin"
	"github.com/514-labs/moosestack-sub001/internal/devloop"
	"github.com/514-labs/moosestack-sub001/internal/leadership"
	"github.com/514-labs/moosestack-sub001/internal/migrate"
	"github.com/514-labs/moosestack-sub001/internal/olap"
	"github.com/514-labs/moosestack-sub001/internal/plan"
	"github.com/514-labs/moosestack-sub001/internal/routine"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run the dev server with hot-reloading infrastructure",
	Long: `Boots the serving plane and watches the source directory. Every change
replans against the live database and hot-applies the diff; user-code
workers restart only when their definition changed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := loadProject()
		if err != nil {
			return err
		}
		log, err := newLogger(p, true)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		storage, err := state.Open(p, log)
		if err != nil {
			return routine.Wrap("Could not open state storage", "check redis_config / state_config in "+p.Root, err)
		}
		defer func() { _ = storage.Close() }()

		var cached *devloop.CachedClient
		var client olap.Client
		if p.Features.OlapEnabled {
			raw, err := olap.Connect(p.ClickHouse, log)
			if err != nil {
				return routine.Wrap("Could not connect to ClickHouse", "is the dev infrastructure running?", err)
			}
			cached = devloop.NewCachedClient(raw)
			client = cached
			defer func() { _ = client.Close() }()
		}

		leader, err := leadership.Open(p, log)
		if err != nil {
			return routine.Wrap("Could not connect to Redis", "check redis_config.url in "+p.Root, err)
		}
		go func() {
			if err := leader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("leadership loop exited", zap.Error(err))
			}
		}()

		loop := &devloop.Loop{
			Planner: &plan.Planner{
				Storage: storage,
				Client:  client,
				Loader:  loaderFor(p),
				Cfg:     p,
				Log:     log,
			},
			Executor: &migrate.Executor{
				Client:   client,
				Storage:  storage,
				Cfg:      p,
				Log:      log,
				Notifier: leader,
			},
			Registry: devloop.NewRegistry(workerHandler{log: log}, log),
			Coord:    &devloop.Coordinator{},
			Cache:    cached,
			Log:      log,
			OnStatus: func(s devloop.Status) {
				switch {
				case s.Err != nil:
					fmt.Printf("reload failed, previous state still live: %v\n", s.Err)
				case s.Changes > 0:
					fmt.Printf("applied %d changes\n", s.Changes)
				}
			},
		}

		adminSrv := &admin.Server{
			Cfg:     p,
			Log:     log,
			Storage: storage,
			Client:  client,
			Live:    loop.Live,
			Coord:   loop.Coord,
		}
		go func() {
			if err := adminSrv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("management server failed", zap.Error(err))
			}
		}()

		err = loop.Run(ctx, p.SourcePath())
		if errors.Is(err, context.Canceled) {
			log.Info("shutting down")
			return nil
		}
		return err
	},
}

// workerHandler launches user-code workers. The dev loop only tracks which
// workers should exist; actual process supervision lives here.
type workerHandler struct {
	log *zap.Logger
}

func (h workerHandler) StartProcess(_ context.Context, s devloop.ProcessSpec) error {
	h.log.Debug("worker started", zap.String("id", s.ID), zap.String("kind", s.Kind))
	return nil
}

func (h workerHandler) StopProcess(_ context.Context, s devloop.ProcessSpec) error {
	h.log.Debug("worker stopped", zap.String("id", s.ID), zap.String("kind", s.Kind))
	return nil
}

func init() {
	rootCmd.AddCommand(devCmd)
}
