package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/514-labs/moosestack-sub001/internal/admin"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/loader"
	"github.com/514-labs/moosestack-sub001/internal/migrate"
	"github.com/514-labs/moosestack-sub001/internal/plan"
	"github.com/514-labs/moosestack-sub001/internal/routine"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

var (
	generateSave          bool
	generateURL           string
	generateToken         string
	generateClickHouseURL string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate project artifacts",
}

var generateMigrationCmd = &cobra.Command{
	Use:   "migration",
	Short: "Write a reviewable migration plan",
	Long: `Computes the diff between the current state and the code-declared
infrastructure and renders it as an editable operation list. With --save the
plan lands in migration.yaml next to snapshots of both states; 'moose
migrate' replays it only if the database still matches the recorded
before-state.`,
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

		target, err := loader.LoadTarget(ctx, p, loaderFor(p))
		if err != nil {
			return err
		}

		var before *infra.Map
		if generateURL != "" {
			client, err := admin.NewClient(generateURL, adminToken(generateToken), log)
			if err != nil {
				return err
			}
			before, err = client.FetchInfraMap(ctx)
			if errors.Is(err, admin.ErrLegacyServer) {
				return routine.New("Server too old for plan generation",
					"the remote server does not expose its infrastructure map; upgrade it or use --clickhouse-url")
			}
			if err != nil {
				return err
			}
		} else {
			if generateClickHouseURL != "" {
				if err := applyClickHouseURL(p, generateClickHouseURL); err != nil {
					return err
				}
			}
			storage, err := state.Open(p, log)
			if err != nil {
				return routine.Wrap("Could not open state storage", "check redis_config / state_config, or pass --url / --clickhouse-url", err)
			}
			defer func() { _ = storage.Close() }()
			client, err := openOlap(p, log)
			if err != nil {
				return err
			}
			if client != nil {
				defer func() { _ = client.Close() }()
			}
			planner := &plan.Planner{Storage: storage, Client: client, Loader: loaderFor(p), Cfg: p, Log: log}
			res, err := planner.ChangesAgainst(ctx, target)
			if err != nil {
				return err
			}
			before = res.Current
		}

		changes, err := diffAgainst(p, before, target)
		if err != nil {
			return err
		}
		migration, err := migrate.GeneratePlan(changes, target)
		if err != nil {
			return err
		}

		if !generateSave {
			data, err := yaml.Marshal(migration)
			if err != nil {
				return routine.Wrap("Could not encode migration plan", "", err)
			}
			os.Stdout.Write(data)
			return nil
		}

		if err := migrate.WriteFiles(p, migration, before, target); err != nil {
			return err
		}
		printSummary(fmt.Sprintf("Wrote %s (%d operations)", migrate.MigrationFile, len(migration.Operations)), []string{
			migrate.BeforeStateFile,
			migrate.AfterStateFile,
			"review the plan, then run 'moose migrate'",
		})
		return nil
	},
}

func init() {
	generateMigrationCmd.Flags().BoolVar(&generateSave, "save", false, "write the plan files instead of printing to stdout")
	generateMigrationCmd.Flags().StringVar(&generateURL, "url", "", "management URL of a running moose server")
	generateMigrationCmd.Flags().StringVar(&generateToken, "token", "", "admin bearer token (defaults to MOOSE_ADMIN_TOKEN)")
	generateMigrationCmd.Flags().StringVar(&generateClickHouseURL, "clickhouse-url", "", "compute the before-state directly from a ClickHouse URL")
	generateCmd.AddCommand(generateMigrationCmd)
	rootCmd.AddCommand(generateCmd)
}
