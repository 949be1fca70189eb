package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/514-labs/moosestack-sub001/internal/admin"
	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/loader"
	"github.com/514-labs/moosestack-sub001/internal/plan"
	"github.com/514-labs/moosestack-sub001/internal/routine"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

var (
	planURL           string
	planToken         string
	planClickHouseURL string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview the changes a deploy would apply",
	Long: `Computes the diff between the code-declared infrastructure and the
current state without applying anything. With --url the current state comes
from a running moose server; with --clickhouse-url the command talks to the
database directly and reads the last-applied map from there.`,
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

		if planURL != "" {
			client, err := admin.NewClient(planURL, adminToken(planToken), log)
			if err != nil {
				return err
			}
			current, err := client.FetchInfraMap(ctx)
			if errors.Is(err, admin.ErrLegacyServer) {
				// Old servers plan on their side; print their verdict.
				changes, lerr := client.LegacyPlan(ctx, target)
				if lerr != nil {
					return lerr
				}
				printChangeLines(changes)
				return nil
			}
			if err != nil {
				return err
			}
			changes, err := diffAgainst(p, current, target)
			if err != nil {
				return err
			}
			printChangeLines(describeChanges(changes))
			return nil
		}

		if planClickHouseURL != "" {
			if err := applyClickHouseURL(p, planClickHouseURL); err != nil {
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
		printChangeLines(describeChanges(&res.Plan.Changes))
		return nil
	},
}

// adminToken falls back to the environment when --token is not given.
func adminToken(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("MOOSE_ADMIN_TOKEN")
}

// diffAgainst diffs two maps with the project's ignore settings, the same
// options every apply path uses.
func diffAgainst(p *config.Project, current, target *infra.Map) (*diff.InfraChanges, error) {
	ignore, err := diff.ParseIgnoreOps(p.IgnoreOperations)
	if err != nil {
		return nil, routine.Wrap("Invalid ignore_operations in config", "", err)
	}
	changes, err := diff.Diff(current, target, diff.Options{
		RespectLifeCycle: true,
		Ignore:           ignore,
		Tables:           diff.ClickHouseTableDiff{},
	})
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(changes, target, p); err != nil {
		return nil, err
	}
	return changes, nil
}

// describeChanges flattens the change set into one line per change, tables
// first, mirroring execution order.
func describeChanges(c *diff.InfraChanges) []string {
	var out []string
	for _, t := range c.Tables {
		out = append(out, t.Describe())
	}
	for _, v := range c.Views {
		out = append(out, fmt.Sprintf("%s view %s", v.Action, v.ID))
	}
	for _, s := range c.SqlResources {
		out = append(out, fmt.Sprintf("%s sql resource %s", s.Action, s.ID))
	}
	for _, t := range c.Topics {
		out = append(out, fmt.Sprintf("%s topic %s", t.Action, t.ID))
	}
	for _, s := range c.SyncProcesses {
		out = append(out, fmt.Sprintf("%s sync process %s", s.Action, s.ID))
	}
	for _, a := range c.ApiEndpoints {
		out = append(out, fmt.Sprintf("%s api endpoint %s", a.Action, a.ID))
	}
	for _, w := range c.WebApps {
		out = append(out, fmt.Sprintf("%s web app %s", w.Action, w.ID))
	}
	for _, w := range c.Workflows {
		out = append(out, fmt.Sprintf("%s workflow %s", w.Action, w.ID))
	}
	return out
}

func printChangeLines(lines []string) {
	if len(lines) == 0 {
		fmt.Println("No changes. The infrastructure matches the code.")
		return
	}
	printSummary(fmt.Sprintf("%d changes to apply", len(lines)), lines)
}

func init() {
	planCmd.Flags().StringVar(&planURL, "url", "", "management URL of a running moose server")
	planCmd.Flags().StringVar(&planToken, "token", "", "admin bearer token (defaults to MOOSE_ADMIN_TOKEN)")
	planCmd.Flags().StringVar(&planClickHouseURL, "clickhouse-url", "", "plan directly against a ClickHouse URL, no server needed")
	rootCmd.AddCommand(planCmd)
}
