package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/514-labs/moosestack-sub001/internal/migrate"
	"github.com/514-labs/moosestack-sub001/internal/routine"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

var migrateClickHouseURL string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply a reviewed migration plan",
	Long: `Replays the operations from migration.yaml against the database. The
plan only runs if the live state still matches the recorded before-state;
anything else aborts with a drift report and exit code 2 so pipelines can
tell "stale plan" apart from "migration failed".`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := loadProject()
		if err != nil {
			return err
		}
		log, err := newLogger(p, false)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		ctx := cmd.Context()

		if migrateClickHouseURL != "" {
			if err := applyClickHouseURL(p, migrateClickHouseURL); err != nil {
				return err
			}
		}

		migration, before, after, err := migrate.ReadFiles(p)
		if err != nil {
			return err
		}

		storage, err := state.Open(p, log)
		if err != nil {
			return routine.Wrap("Could not open state storage", "check redis_config / state_config, or pass --clickhouse-url", err)
		}
		defer func() { _ = storage.Close() }()
		client, err := openOlap(p, log)
		if err != nil {
			return err
		}
		if client == nil {
			return routine.New("OLAP is disabled", "there is no database to migrate; enable features.olap")
		}
		defer func() { _ = client.Close() }()

		exec := &migrate.Executor{Client: client, Storage: storage, Cfg: p, Log: log}
		if err := exec.ExecutePlan(ctx, migration, before, after); err != nil {
			return err
		}
		fmt.Printf("Applied %d operations\n", len(migration.Operations))
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateClickHouseURL, "clickhouse-url", "", "apply against a ClickHouse URL instead of the configured connection")
	rootCmd.AddCommand(migrateCmd)
}
