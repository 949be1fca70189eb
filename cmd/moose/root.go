package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/loader"
	"github.com/514-labs/moosestack-sub001/internal/logging"
	"github.com/514-labs/moosestack-sub001/internal/olap"
	"github.com/514-labs/moosestack-sub001/internal/routine"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:   "moose",
	Short: "Typed infrastructure for analytical backends",
	Long: `moose keeps your ClickHouse infrastructure in lockstep with the
resources declared in your code: it plans structural diffs, applies them
safely, and keeps dev environments hot-reloading.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

// Execute runs the CLI and exits with the failure's code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		routine.Render(os.Stderr, err)
		os.Exit(routine.ExitCode(err))
	}
}

// loadProject resolves config from the working directory upward.
func loadProject() (*config.Project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	p, err := config.Load(cwd)
	if err != nil {
		return nil, routine.Wrap("Could not load project",
			"run this command inside a moose project (or create "+config.ConfigFileName+")", err)
	}
	return p, nil
}

// newLogger builds the console logger; withFileSink adds the rotated file
// under .moose/logs for long-running commands.
func newLogger(p *config.Project, withFileSink bool) (*zap.Logger, error) {
	opts := logging.Options{Debug: debugFlag}
	if withFileSink && p != nil {
		if dir, err := p.InternalPath("logs"); err == nil {
			opts.Dir = dir
		}
	}
	return logging.New(opts)
}

// loaderFor picks the user-code loader command for the project language.
func loaderFor(p *config.Project) loader.Loader {
	switch p.Language {
	case "python":
		return loader.Process{Command: []string{"python3", "-m", "moose_lib.dump_infra_map"}}
	default:
		return loader.Process{Command: []string{"npx", "--no-install", "moose-dump-infra-map"}}
	}
}

// openOlap connects to ClickHouse when the OLAP feature is on; a nil client
// means the project runs without a database.
func openOlap(p *config.Project, log *zap.Logger) (olap.Client, error) {
	if !p.Features.OlapEnabled {
		return nil, nil
	}
	client, err := olap.Connect(p.ClickHouse, log)
	if err != nil {
		return nil, routine.Wrap("Could not connect to ClickHouse",
			fmt.Sprintf("%s:%d is unreachable", p.ClickHouse.Host, p.ClickHouse.Port), err)
	}
	return client, nil
}

// applyClickHouseURL overrides the project's OLAP connection from a
// clickhouse:// or https:// URL, for serverless commands that run without a
// remote moose server.
func applyClickHouseURL(p *config.Project, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return routine.Wrap("Invalid ClickHouse URL", raw, err)
	}
	if u.Host == "" {
		return routine.New("Invalid ClickHouse URL", "missing host in "+raw)
	}
	p.ClickHouse.Host = u.Hostname()
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return routine.Wrap("Invalid ClickHouse URL", "bad port "+port, err)
		}
		p.ClickHouse.Port = n
	}
	if u.User != nil {
		p.ClickHouse.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			p.ClickHouse.Password = pw
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		p.ClickHouse.DBName = db
	}
	switch u.Scheme {
	case "https", "clickhouse+secure":
		p.ClickHouse.UseSSL = true
	}
	if u.Query().Get("secure") == "true" {
		p.ClickHouse.UseSSL = true
	}
	// The OLAP-native state backend keeps serverless runs to one system.
	p.State.Backend = "clickhouse"
	return nil
}

func printSummary(action string, lines []string) {
	fmt.Printf("%s\n", action)
	for _, l := range lines {
		fmt.Printf("  %s\n", l)
	}
}
