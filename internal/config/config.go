// Package config loads the project configuration (moose.config.toml) and the
// environment overrides layered on top of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// ConfigFileName is the project configuration file looked up by walking
// parent directories from the working directory.
const ConfigFileName = "moose.config.toml"

// InternalDir is the project-local directory holding prebuilt maps, logs and
// the migration schema.
const InternalDir = ".moose"

// ClickHouseConfig holds the OLAP connection settings.
type ClickHouseConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	// DBName is the default database bound to every resource that does not
	// declare one explicitly.
	DBName string `toml:"db_name"`
	UseSSL bool   `toml:"use_ssl"`
	// AdditionalDatabases lists extra databases resources may target. Plans
	// referencing a database outside DBName+AdditionalDatabases are rejected.
	AdditionalDatabases []string `toml:"additional_databases"`
	// Clusters declares the ON CLUSTER names tables may reference.
	Clusters []string `toml:"clusters"`
}

// RedisConfig holds the coordination store settings.
type RedisConfig struct {
	URL       string `toml:"url"`
	KeyPrefix string `toml:"key_prefix"`
}

// HTTPConfig holds the serving plane ports.
type HTTPConfig struct {
	Port           int `toml:"port"`
	ManagementPort int `toml:"management_port"`
}

// Features toggles whole subsystems on or off.
type Features struct {
	OlapEnabled     bool `toml:"olap"`
	StreamingEngine bool `toml:"streaming_engine"`
	Workflows       bool `toml:"workflows"`
}

// StateConfig selects where the last-applied infrastructure map lives.
type StateConfig struct {
	// Backend is "redis" or "clickhouse".
	Backend string `toml:"backend"`
}

// Project is the fully resolved configuration for one moose project.
type Project struct {
	Language   string           `toml:"language"`
	SourceDir  string           `toml:"source_dir"`
	IsProd     bool             `toml:"is_prod"`
	ClickHouse ClickHouseConfig `toml:"clickhouse_config"`
	Redis      RedisConfig      `toml:"redis_config"`
	HTTP       HTTPConfig       `toml:"http_server_config"`
	Features   Features         `toml:"features"`
	State      StateConfig      `toml:"state_config"`

	// IgnoreOperations widens diff equivalence; see diff.IgnoreOps for the
	// accepted values.
	IgnoreOperations []string `toml:"ignore_operations"`

	// AdminTokenHash authenticates remote plan/migrate clients against the
	// management port. MOOSE_ADMIN_TOKEN overrides it.
	AdminTokenHash string `toml:"admin_token_hash"`

	// InfrastructureTimeoutSeconds bounds infrastructure bring-up.
	InfrastructureTimeoutSeconds int `toml:"infrastructure_timeout_seconds"`

	// Root is the directory containing moose.config.toml. Not serialized.
	Root string `toml:"-"`
}

// newViper carries env overrides and defaults. Environment variables use the
// MOOSE_ prefix with dots/hyphens mapped to underscores, e.g.
// MOOSE_CLICKHOUSE_CONFIG_DB_NAME.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MOOSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("clickhouse_config.host", "localhost")
	v.SetDefault("clickhouse_config.port", 9000)
	v.SetDefault("clickhouse_config.user", "default")
	v.SetDefault("clickhouse_config.db_name", "local")
	v.SetDefault("redis_config.url", "redis://127.0.0.1:6379")
	v.SetDefault("redis_config.key_prefix", "MS")
	v.SetDefault("http_server_config.port", 4000)
	v.SetDefault("http_server_config.management_port", 5001)
	v.SetDefault("state_config.backend", "redis")
	v.SetDefault("source_dir", "app")
	v.SetDefault("infrastructure_timeout_seconds", 120)
	return v
}

// Load finds moose.config.toml by walking up from dir, decodes it and applies
// environment overrides.
func Load(dir string) (*Project, error) {
	root, path, err := findConfig(dir)
	if err != nil {
		return nil, err
	}

	v := newViper()
	p := &Project{
		SourceDir:                    v.GetString("source_dir"),
		InfrastructureTimeoutSeconds: v.GetInt("infrastructure_timeout_seconds"),
		ClickHouse: ClickHouseConfig{
			Host:   v.GetString("clickhouse_config.host"),
			Port:   v.GetInt("clickhouse_config.port"),
			User:   v.GetString("clickhouse_config.user"),
			DBName: v.GetString("clickhouse_config.db_name"),
		},
		Redis: RedisConfig{
			URL:       v.GetString("redis_config.url"),
			KeyPrefix: v.GetString("redis_config.key_prefix"),
		},
		HTTP: HTTPConfig{
			Port:           v.GetInt("http_server_config.port"),
			ManagementPort: v.GetInt("http_server_config.management_port"),
		},
		State:    StateConfig{Backend: v.GetString("state_config.backend")},
		Features: Features{OlapEnabled: true, StreamingEngine: true, Workflows: true},
	}

	if _, err := toml.DecodeFile(path, p); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	p.Root = root

	applyEnvOverrides(v, p)

	if p.State.Backend != "redis" && p.State.Backend != "clickhouse" {
		return nil, fmt.Errorf("state_config.backend must be \"redis\" or \"clickhouse\", got %q", p.State.Backend)
	}
	return p, nil
}

// applyEnvOverrides re-applies env vars on top of file values so the
// precedence stays env > file > default.
func applyEnvOverrides(v *viper.Viper, p *Project) {
	for key, set := range map[string]func(string){
		"clickhouse_config.host":     func(s string) { p.ClickHouse.Host = s },
		"clickhouse_config.user":     func(s string) { p.ClickHouse.User = s },
		"clickhouse_config.password": func(s string) { p.ClickHouse.Password = s },
		"clickhouse_config.db_name":  func(s string) { p.ClickHouse.DBName = s },
		"redis_config.url":           func(s string) { p.Redis.URL = s },
		"redis_config.key_prefix":    func(s string) { p.Redis.KeyPrefix = s },
		"state_config.backend":       func(s string) { p.State.Backend = s },
		"source_dir":                 func(s string) { p.SourceDir = s },
	} {
		if os.Getenv(envName(key)) != "" {
			set(v.GetString(key))
		}
	}
	if os.Getenv("MOOSE_CLICKHOUSE_CONFIG_PORT") != "" {
		p.ClickHouse.Port = v.GetInt("clickhouse_config.port")
	}
	if os.Getenv("MOOSE_IS_PROD") != "" {
		p.IsProd = v.GetBool("is_prod")
	}
}

func envName(key string) string {
	return "MOOSE_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// findConfig walks up parent directories looking for moose.config.toml, the
// same discovery the rest of the CLI relies on so commands work from
// subdirectories.
func findConfig(start string) (root, path string, err error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", "", err
	}
	for ; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return dir, candidate, nil
		}
		if dir == filepath.Dir(dir) {
			return "", "", fmt.Errorf("no %s found in %s or any parent directory", ConfigFileName, start)
		}
	}
}

// InternalPath returns a path under the project's .moose directory, creating
// the directory on first use.
func (p *Project) InternalPath(parts ...string) (string, error) {
	dir := filepath.Join(p.Root, InternalDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return filepath.Join(append([]string{dir}, parts...)...), nil
}

// SourcePath is the absolute path of the watched source directory.
func (p *Project) SourcePath() string {
	return filepath.Join(p.Root, p.SourceDir)
}

// Databases returns every database the project declares, default first.
func (p *Project) Databases() []string {
	out := []string{p.ClickHouse.DBName}
	out = append(out, p.ClickHouse.AdditionalDatabases...)
	return out
}

// HasDatabase reports whether db is declared in the project config. The empty
// string means "the default database" and is always valid.
func (p *Project) HasDatabase(db string) bool {
	if db == "" || db == p.ClickHouse.DBName {
		return true
	}
	for _, d := range p.ClickHouse.AdditionalDatabases {
		if d == db {
			return true
		}
	}
	return false
}

// HasCluster reports whether the cluster name is declared in the project
// config.
func (p *Project) HasCluster(name string) bool {
	for _, c := range p.ClickHouse.Clusters {
		if c == name {
			return true
		}
	}
	return false
}
