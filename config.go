package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MergeConfig holds the full file-driven merge configuration.
type MergeConfig struct {
	Target              TargetConfig      `toml:"target" yaml:"target"`
	Source              SourceConfig      `toml:"source" yaml:"source"`
	Schema              string            `toml:"schema" yaml:"schema"`
	RegistryTable       string            `toml:"registry_table" yaml:"registry_table"`
	WorkDir             string            `toml:"work_dir" yaml:"work_dir"`
	KeepWorkDir         bool              `toml:"keep_work_dir" yaml:"keep_work_dir"`
	ExcludeTables       []string          `toml:"exclude_tables" yaml:"exclude_tables"`
	OnlyTables          []string          `toml:"only_tables" yaml:"only_tables"`
	GeometryColumns     []string          `toml:"geometry_columns" yaml:"geometry_columns"`
	GeomOnlyInTables    []string          `toml:"geom_only_in_tables" yaml:"geom_only_in_tables"`
	SkipEmptyTables     bool              `toml:"skip_empty_tables" yaml:"skip_empty_tables"`
	IndexIdentityColumn bool              `toml:"index_identity_column" yaml:"index_identity_column"`
	MinAppVersion       string            `toml:"min_app_version" yaml:"min_app_version"`
	TableMinAppVersion  map[string]string `toml:"table_min_app_version" yaml:"table_min_app_version"`
	CastColumns         map[string]string `toml:"cast_columns" yaml:"cast_columns"` // "table.column" → integer|real
	Partition           PartitionConfig   `toml:"partition" yaml:"partition"`
	Retry               RetryConfig       `toml:"retry" yaml:"retry"`
	Report              ReportConfig      `toml:"report" yaml:"report"`
	Hooks               HooksConfig       `toml:"hooks" yaml:"hooks"`

	// configDir is the directory containing the config file, used to resolve relative SQL paths.
	configDir string
}

// TargetConfig identifies the warehouse engine and connection string.
type TargetConfig struct {
	Type string `toml:"type" yaml:"type"` // "postgres" or "mssql"
	DSN  string `toml:"dsn" yaml:"dsn"`
	// ServerBulkDir is the work_dir as seen by the database server (BULK INSERT reads server-side paths).
	ServerBulkDir string `toml:"server_bulk_dir" yaml:"server_bulk_dir"`
}

// SourceConfig describes where a log keeps its identity and producer metadata.
type SourceConfig struct {
	BundleDBName     string `toml:"bundle_db_name" yaml:"bundle_db_name"`
	IdentityMode     string `toml:"identity_mode" yaml:"identity_mode"` // column|content
	IdentityTable    string `toml:"identity_table" yaml:"identity_table"`
	IdentityColumn   string `toml:"identity_column" yaml:"identity_column"`
	AppVersionColumn string `toml:"app_version_column" yaml:"app_version_column"`
	StartTimeColumn  string `toml:"start_time_column" yaml:"start_time_column"`
}

type PartitionConfig struct {
	Mode   string   `toml:"mode" yaml:"mode"`     // none|log_hash|month
	Column string   `toml:"column" yaml:"column"` // month mode: timestamp column of the partitioned tables
	Tables []string `toml:"tables" yaml:"tables"` // empty = every table carrying the key column
}

type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts" yaml:"max_attempts"`
	MinDelayMS  int `toml:"min_delay_ms" yaml:"min_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms" yaml:"max_delay_ms"`
}

type ReportConfig struct {
	RedisAddr     string `toml:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `toml:"redis_password" yaml:"redis_password"`
	RedisDB       int    `toml:"redis_db" yaml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix" yaml:"key_prefix"`
	TTLSeconds    int    `toml:"ttl_seconds" yaml:"ttl_seconds"`
}

type HooksConfig struct {
	AfterMerge   []string `toml:"after_merge" yaml:"after_merge"`
	AfterUnmerge []string `toml:"after_unmerge" yaml:"after_unmerge"`
}

// loadConfig reads a TOML (or YAML, by extension) config file and returns a
// MergeConfig with defaults applied.
func loadConfig(path string) (*MergeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultMergeConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			keys := make([]string, len(unknown))
			for i, k := range unknown {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultMergeConfig() MergeConfig {
	return MergeConfig{
		RegistryTable:       "log_registry",
		GeometryColumns:     []string{"geom"},
		IndexIdentityColumn: true,
		Source: SourceConfig{
			BundleDBName:     "azqdata.db",
			IdentityMode:     "column",
			IdentityTable:    "logs",
			IdentityColumn:   "log_hash",
			AppVersionColumn: "log_app_version",
			StartTimeColumn:  "log_start_time",
		},
		Partition: PartitionConfig{Mode: "none", Column: "time"},
		Retry:     RetryConfig{MaxAttempts: 5, MinDelayMS: 50, MaxDelayMS: 500},
		Report:    ReportConfig{KeyPrefix: "logferry:log", TTLSeconds: 86400},
	}
}

func (c *MergeConfig) validate() error {
	c.Target.Type = strings.ToLower(strings.TrimSpace(c.Target.Type))
	switch c.Target.Type {
	case "postgres", "postgresql":
		c.Target.Type = "postgres"
	case "mssql", "sqlserver":
		c.Target.Type = "mssql"
	case "":
		return fmt.Errorf("target.type is required (must be postgres or mssql)")
	default:
		return fmt.Errorf("unsupported target.type %q (must be postgres or mssql)", c.Target.Type)
	}
	if c.Target.DSN == "" {
		return fmt.Errorf("target.dsn is required")
	}

	c.Schema = strings.TrimSpace(c.Schema)
	if c.Schema == "" {
		if c.Target.Type == "mssql" {
			c.Schema = "dbo"
		} else {
			c.Schema = "public"
		}
	}
	if strings.TrimSpace(c.RegistryTable) == "" {
		return fmt.Errorf("registry_table must not be empty")
	}

	switch c.Source.IdentityMode {
	case "column", "content":
	default:
		return fmt.Errorf("source.identity_mode must be one of: column, content")
	}
	if c.Source.IdentityTable == "" || c.Source.IdentityColumn == "" {
		return fmt.Errorf("source.identity_table and source.identity_column are required")
	}

	switch c.Partition.Mode {
	case "", "none":
		c.Partition.Mode = "none"
	case "log_hash", "month":
		if c.Target.Type != "postgres" {
			return fmt.Errorf("partition.mode %q is only supported for postgres targets", c.Partition.Mode)
		}
		if c.Partition.Mode == "month" && c.Partition.Column == "" {
			return fmt.Errorf("partition.column is required for month partitioning")
		}
	default:
		return fmt.Errorf("partition.mode must be one of: none, log_hash, month")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.MinDelayMS < 0 || c.Retry.MaxDelayMS < c.Retry.MinDelayMS {
		return fmt.Errorf("retry delays must satisfy 0 <= min_delay_ms <= max_delay_ms")
	}

	for key, cast := range c.CastColumns {
		if !strings.Contains(key, ".") {
			return fmt.Errorf("cast_columns key %q must be table.column", key)
		}
		switch strings.ToLower(cast) {
		case "integer", "real":
		default:
			return fmt.Errorf("cast_columns[%q] must be integer or real, got %q", key, cast)
		}
	}

	if err := validateAppVersion("min_app_version", c.MinAppVersion); err != nil {
		return err
	}
	for table, v := range c.TableMinAppVersion {
		if err := validateAppVersion("table_min_app_version."+table, v); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *MergeConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// castFor returns the configured numeric cast for table.column, if any.
func (c *MergeConfig) castFor(table, column string) string {
	return strings.ToLower(c.CastColumns[table+"."+column])
}

func (c *MergeConfig) isGeometryColumn(name string) bool {
	for _, g := range c.GeometryColumns {
		if strings.EqualFold(g, name) {
			return true
		}
	}
	return false
}
