// Package config provides unified configuration for the delite toolchain.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for a delite run.
type Config struct {
	// DataDir is the base directory for all working files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// ScratchDir is the directory for per-object rewrite scratch space
	ScratchDir string `json:"scratch_dir" yaml:"scratch_dir"`

	// Schema configuration
	Schema SchemaConfig `json:"schema" yaml:"schema"`

	// Rewrite configuration
	Rewrite RewriteConfig `json:"rewrite" yaml:"rewrite"`

	// Archive packer configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Verify configuration
	Verify VerifyConfig `json:"verify" yaml:"verify"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// SchemaConfig holds schema classification configuration.
type SchemaConfig struct {
	// MappingFile is the path to the schema mapping file
	MappingFile string `json:"mapping_file" yaml:"mapping_file"`

	// RejectFamilies are schema name prefixes that abort the run.
	// Empty means the built-in denylist.
	RejectFamilies []string `json:"reject_families" yaml:"reject_families"`
}

// RewriteConfig holds rewrite pass configuration.
type RewriteConfig struct {
	// DropColumns are the column names removed from every table
	DropColumns []string `json:"drop_columns" yaml:"drop_columns"`

	// PreserveDropped keeps the removed columns in a side container
	PreserveDropped bool `json:"preserve_dropped" yaml:"preserve_dropped"`

	// ToolName is the name stamped into provenance metadata
	ToolName string `json:"tool_name" yaml:"tool_name"`

	// Prefetch is the number of parallel container fetches
	Prefetch int `json:"prefetch" yaml:"prefetch"`
}

// ArchiveConfig holds container packer configuration.
type ArchiveConfig struct {
	// Tool is an external packer binary. Empty uses the built-in packer.
	Tool string `json:"tool" yaml:"tool"`
}

// VerifyConfig holds post-rewrite verification configuration.
type VerifyConfig struct {
	// Skip disables verification entirely
	Skip bool `json:"skip" yaml:"skip"`

	// ValidateTool is an external validator binary. Empty uses the
	// built-in structural validator.
	ValidateTool string `json:"validate_tool" yaml:"validate_tool"`

	// DiffTool is an external differ binary. Empty uses the built-in
	// column differ.
	DiffTool string `json:"diff_tool" yaml:"diff_tool"`
}

// StorageConfig holds archive store configuration.
type StorageConfig struct {
	// Type is the store type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local store path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 store configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local runs.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/delite",
		Rewrite: RewriteConfig{
			DropColumns:     []string{"QUALITY"},
			PreserveDropped: false,
			ToolName:        "sra-delite",
			Prefetch:        2,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/delite"
	}
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(c.DataDir, "scratch")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Rewrite.ToolName == "" {
		c.Rewrite.ToolName = "sra-delite"
	}
	if c.Rewrite.Prefetch < 1 {
		c.Rewrite.Prefetch = 1
	}
	if len(c.Rewrite.DropColumns) == 0 {
		c.Rewrite.DropColumns = []string{"QUALITY"}
	}
}

// JournalPath returns the path to the run journal database.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "delite.db")
}

// CachePath returns the directory fetched containers land in.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}
	for _, name := range c.Rewrite.DropColumns {
		if name == "" || strings.ContainsAny(name, "/\\") {
			return fmt.Errorf("invalid drop column name: %q", name)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DELITE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DELITE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DELITE_SCRATCH_DIR"); v != "" {
		cfg.ScratchDir = v
	}

	// Schema configuration
	if v := os.Getenv("DELITE_SCHEMA_MAPPING_FILE"); v != "" {
		cfg.Schema.MappingFile = v
	}

	// Rewrite configuration
	if v := os.Getenv("DELITE_DROP_COLUMNS"); v != "" {
		cfg.Rewrite.DropColumns = splitList(v)
	}
	if v := os.Getenv("DELITE_PRESERVE_DROPPED"); v != "" {
		cfg.Rewrite.PreserveDropped = v == "true" || v == "1"
	}
	if v := os.Getenv("DELITE_PREFETCH"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Rewrite.Prefetch)
	}

	// Archive configuration
	if v := os.Getenv("DELITE_ARCHIVE_TOOL"); v != "" {
		cfg.Archive.Tool = v
	}

	// Verify configuration
	if v := os.Getenv("DELITE_VERIFY_SKIP"); v != "" {
		cfg.Verify.Skip = v == "true" || v == "1"
	}
	if v := os.Getenv("DELITE_VALIDATE_TOOL"); v != "" {
		cfg.Verify.ValidateTool = v
	}
	if v := os.Getenv("DELITE_DIFF_TOOL"); v != "" {
		cfg.Verify.DiffTool = v
	}

	// Storage configuration
	if v := os.Getenv("DELITE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("DELITE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("DELITE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("DELITE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("DELITE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.ScratchDir,
		c.CachePath(),
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
