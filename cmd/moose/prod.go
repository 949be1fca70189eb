package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/admin"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/leadership"
	"github.com/514-labs/moosestack-sub001/internal/migrate"
	"github.com/514-labs/moosestack-sub001/internal/olap"
	"github.com/514-labs/moosestack-sub001/internal/plan"
	"github.com/514-labs/moosestack-sub001/internal/routine"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

var prodCmd = &cobra.Command{
	Use:   "prod",
	Short: "Boot the production serving plane",
	Long: `Loads the target map (preferring the prebuilt artifact from
'moose check --write-infra-map'), plans against the stored state and the
live database, applies the diff once, then serves. Boot failures abort the
process with a diagnostic.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Test hook: verifies crash handling in supervised deployments.
		if os.Getenv("MOOSE_TEST__CRASH") != "" {
			panic("MOOSE_TEST__CRASH is set")
		}

		p, err := loadProject()
		if err != nil {
			return err
		}
		p.IsProd = true
		log, err := newLogger(p, true)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		storage, err := state.Open(p, log)
		if err != nil {
			return routine.Wrap("Could not open state storage", "check redis_config / state_config", err)
		}
		defer func() { _ = storage.Close() }()

		var client olap.Client
		if p.Features.OlapEnabled {
			client, err = olap.Connect(p.ClickHouse, log)
			if err != nil {
				return routine.Wrap("Could not connect to ClickHouse", "the OLAP feature is enabled but the database is unreachable", err)
			}
			defer func() { _ = client.Close() }()
		}

		leader, err := leadership.Open(p, log)
		if err != nil {
			return routine.Wrap("Could not connect to Redis", "check redis_config.url", err)
		}

		if os.Getenv("MOOSE_CONNECTION_POOL_WARMUP") != "" {
			warmupClients(ctx, client, log)
		}

		planner := &plan.Planner{
			Storage: storage,
			Client:  client,
			Loader:  loaderFor(p),
			Cfg:     p,
			Log:     log,
		}
		res, err := planner.Changes(ctx)
		if err != nil {
			return routine.Wrap("Boot planning failed", "the process will not serve with unknown infrastructure state", err)
		}
		if !res.Plan.Changes.IsEmpty() {
			exec := &migrate.Executor{Client: client, Storage: storage, Cfg: p, Log: log, Notifier: leader}
			if err := exec.ApplyPlan(ctx, res.Plan); err != nil {
				return err
			}
			log.Info("boot migration applied", zap.Int("changes", res.Plan.Changes.Count()))
		}
		target := res.Plan.Target

		go func() {
			if err := leader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("leadership loop exited", zap.Error(err))
			}
		}()

		adminSrv := &admin.Server{
			Cfg:     p,
			Log:     log,
			Storage: storage,
			Client:  client,
			Live:    func() *infra.Map { return target },
		}
		errCh := make(chan error, 1)
		go func() { errCh <- adminSrv.Serve() }()

		log.Info("serving", zap.Int("management_port", p.HTTP.ManagementPort))
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return routine.Wrap("Management server failed", "", err)
		}
	},
}

// warmupClients pre-establishes pooled connections so the first request
// does not pay the dial cost. Failures only log; the server still boots.
func warmupClients(ctx context.Context, client olap.Client, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if client != nil {
		if err := client.Ping(ctx); err != nil {
			log.Warn("ClickHouse warmup failed", zap.Error(err))
		}
	}
	log.Debug("connection pools warmed")
}

func init() {
	rootCmd.AddCommand(prodCmd)
}
