package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/514-labs/moosestack-sub001/internal/admin"
)

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	refreshURL   string
	refreshToken string
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reconcile a running server with its live database",
	Long: `Asks the server to compare its infrastructure map against the live
database, then adopts unmapped tables whose structure already matches the
code. Mismatched tables are reported, never changed.`,
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

		url := refreshURL
		if url == "" {
			url = fmt.Sprintf("http://localhost:%d", p.HTTP.ManagementPort)
		}
		client, err := admin.NewClient(url, adminToken(refreshToken), log)
		if err != nil {
			return err
		}

		rc, err := client.RealityCheck(ctx)
		if err != nil {
			return err
		}
		var lines []string
		for _, t := range rc.MissingTables {
			lines = append(lines, "missing from database: "+t)
		}
		for _, m := range rc.MismatchedTables {
			for _, r := range m.Reasons {
				lines = append(lines, fmt.Sprintf("mismatch %s: %s", m.TableID, r))
			}
		}

		if len(rc.UnmappedTables) > 0 {
			resp, err := client.IntegrateChanges(ctx, rc.UnmappedTables)
			if err != nil {
				return err
			}
			for _, id := range resp.Integrated {
				lines = append(lines, "adopted: "+id)
			}
			for _, name := range sortedStringKeys(resp.Skipped) {
				lines = append(lines, fmt.Sprintf("skipped %s: %s", name, resp.Skipped[name]))
			}
		}

		if len(lines) == 0 {
			fmt.Println("Nothing to reconcile. The server matches its database.")
			return nil
		}
		printSummary("Reality check", lines)
		return nil
	},
}

func init() {
	refreshCmd.Flags().StringVar(&refreshURL, "url", "", "management URL (defaults to localhost on the configured management port)")
	refreshCmd.Flags().StringVar(&refreshToken, "token", "", "admin bearer token (defaults to MOOSE_ADMIN_TOKEN)")
	rootCmd.AddCommand(refreshCmd)
}
