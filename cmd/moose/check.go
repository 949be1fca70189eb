package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/514-labs/moosestack-sub001/internal/loader"
	"github.com/514-labs/moosestack-sub001/internal/migrate"
	"github.com/514-labs/moosestack-sub001/internal/routine"
)

var checkWriteInfraMap bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the project's infrastructure map",
	Long: `Loads the infrastructure map from user code and validates it without
touching any database. With --write-infra-map the validated map is written
to .moose/infrastructure_map.json; production boots prefer that artifact so
they never need the user-code toolchain.`,
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

		m, err := loader.LoadTarget(cmd.Context(), p, loaderFor(p))
		if err != nil {
			return routine.Wrap("Check failed", "the infrastructure map could not be loaded or is invalid", err)
		}

		printSummary("Infrastructure map is valid", []string{
			fmt.Sprintf("%d tables", len(m.Tables)),
			fmt.Sprintf("%d materialized views", len(m.Views)),
			fmt.Sprintf("%d topics", len(m.Topics)),
			fmt.Sprintf("%d api endpoints", len(m.ApiEndpoints)),
			fmt.Sprintf("%d workflows", len(m.Workflows)),
		})

		if !checkWriteInfraMap {
			return nil
		}
		// The artifact must stay credential-free; engines render their
		// secrets as placeholders in JSON.
		data, err := m.ToJSON()
		if err != nil {
			return routine.Wrap("Could not encode map", "", err)
		}
		path, err := p.InternalPath(loader.PrebuiltMapFile)
		if err != nil {
			return routine.Wrap("Could not resolve artifact path", "", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return routine.Wrap("Could not write prebuilt map", path, err)
		}
		if err := migrate.WriteSchema(p); err != nil {
			return routine.Wrap("Could not write migration schema", "", err)
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkWriteInfraMap, "write-infra-map", false,
		"write the validated map to .moose/infrastructure_map.json")
	rootCmd.AddCommand(checkCmd)
}
