// Package config holds server configuration with defaults, environment
// overrides, and JSON file loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AppVersion is the application version, can be set at build time or runtime
var AppVersion = "dev"

// ServerConfig holds all configuration for the rollguard server
type ServerConfig struct {
	// Server settings
	Port  int  `json:"port" env:"ROLLGUARD_PORT" flag:"port" default:"8084" desc:"Server port"`
	Debug bool `json:"debug" env:"ROLLGUARD_DEBUG" flag:"debug" default:"false" desc:"Enable debug mode"`

	// Storage paths
	WorkspaceDir string `json:"workspace_dir" env:"ROLLGUARD_WORKSPACE_DIR" flag:"workspace-dir" default:"." desc:"Workspace directory protected by checkpoints"`
	StateDir     string `json:"state_dir" env:"ROLLGUARD_STATE_DIR" flag:"state-dir" default:"~/.rollguard/state" desc:"State directory path"`
	LogFile      string `json:"log_file" env:"ROLLGUARD_LOG_FILE" flag:"log-file" default:"" desc:"Log file path"` // empty = stdout

	// Checkpoint settings
	CheckpointWorkers int `json:"checkpoint_workers" env:"ROLLGUARD_CHECKPOINT_WORKERS" flag:"checkpoint-workers" default:"2" desc:"Worker pool size for checkpoint I/O"`

	// RouterEndpoint is the traffic-routing control endpoint. Empty
	// keeps traffic splits in memory only.
	RouterEndpoint string `json:"router_endpoint" env:"ROLLGUARD_ROUTER_ENDPOINT" flag:"router-endpoint" default:"" desc:"Traffic router webhook endpoint"`

	// Archive configuration for checkpoint cleanup
	Archive ArchiveConfig `json:"archive"`
}

// ArchiveConfig holds S3 checkpoint archive configuration
type ArchiveConfig struct {
	Enabled   bool   `json:"enabled" env:"ROLLGUARD_ARCHIVE_ENABLED" default:"false" desc:"Archive checkpoints to S3 before cleanup deletes them"`
	Bucket    string `json:"bucket" env:"ROLLGUARD_ARCHIVE_BUCKET" desc:"S3 bucket for archived checkpoints"`
	Region    string `json:"region" env:"ROLLGUARD_ARCHIVE_REGION" desc:"AWS region for the archive bucket"`
	Prefix    string `json:"prefix" env:"ROLLGUARD_ARCHIVE_PREFIX" default:"" desc:"S3 key prefix for archive objects"`
	Endpoint  string `json:"endpoint" env:"ROLLGUARD_ARCHIVE_ENDPOINT" desc:"Custom S3 endpoint (for LocalStack)"`
	AccessKey string `json:"access_key,omitempty" env:"ROLLGUARD_ARCHIVE_ACCESS_KEY" desc:"Static AWS access key (optional)"`
	SecretKey string `json:"secret_key,omitempty" env:"ROLLGUARD_ARCHIVE_SECRET_KEY" desc:"Static AWS secret key (optional)"`
}

// NewServerConfig creates a new server configuration with defaults
func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:              8084,
		Debug:             false,
		WorkspaceDir:      ".",
		StateDir:          "~/.rollguard/state",
		LogFile:           "",
		CheckpointWorkers: 2,
	}
}

// LoadFromFile merges configuration from a JSON file
func (c *ServerConfig) LoadFromFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 - path supplied by operator
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *ServerConfig) LoadFromEnv() error {
	if port := os.Getenv("ROLLGUARD_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid ROLLGUARD_PORT value: %s", port)
		}
		c.Port = p
	}

	if debug := os.Getenv("ROLLGUARD_DEBUG"); debug != "" {
		switch strings.ToLower(debug) {
		case "true", "1", "yes", "on":
			c.Debug = true
		case "false", "0", "no", "off":
			c.Debug = false
		default:
			return fmt.Errorf("invalid ROLLGUARD_DEBUG value: %s", debug)
		}
	}

	if workspace := os.Getenv("ROLLGUARD_WORKSPACE_DIR"); workspace != "" {
		c.WorkspaceDir = workspace
	}
	if stateDir := os.Getenv("ROLLGUARD_STATE_DIR"); stateDir != "" {
		c.StateDir = stateDir
	}
	if logFile := os.Getenv("ROLLGUARD_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}

	if workers := os.Getenv("ROLLGUARD_CHECKPOINT_WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid ROLLGUARD_CHECKPOINT_WORKERS value: %s", workers)
		}
		c.CheckpointWorkers = w
	}

	if endpoint := os.Getenv("ROLLGUARD_ROUTER_ENDPOINT"); endpoint != "" {
		c.RouterEndpoint = endpoint
	}

	// Archive
	if enabled := os.Getenv("ROLLGUARD_ARCHIVE_ENABLED"); enabled != "" {
		c.Archive.Enabled = parseBool(enabled)
	}
	if bucket := os.Getenv("ROLLGUARD_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
	}
	if region := os.Getenv("ROLLGUARD_ARCHIVE_REGION"); region != "" {
		c.Archive.Region = region
	}
	if prefix := os.Getenv("ROLLGUARD_ARCHIVE_PREFIX"); prefix != "" {
		c.Archive.Prefix = prefix
	}
	if endpoint := os.Getenv("ROLLGUARD_ARCHIVE_ENDPOINT"); endpoint != "" {
		c.Archive.Endpoint = endpoint
	}
	if key := os.Getenv("ROLLGUARD_ARCHIVE_ACCESS_KEY"); key != "" {
		c.Archive.AccessKey = key
	}
	if key := os.Getenv("ROLLGUARD_ARCHIVE_SECRET_KEY"); key != "" {
		c.Archive.SecretKey = key
	}

	return nil
}

// parseBool interprets common truthy strings
func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// ExpandPaths expands all paths in the configuration (~ to home directory)
func (c *ServerConfig) ExpandPaths() error {
	var err error

	c.WorkspaceDir, err = expandPath(c.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("failed to expand workspace_dir: %w", err)
	}

	c.StateDir, err = expandPath(c.StateDir)
	if err != nil {
		return fmt.Errorf("failed to expand state_dir: %w", err)
	}

	if c.LogFile != "" {
		c.LogFile, err = expandPath(c.LogFile)
		if err != nil {
			return fmt.Errorf("failed to expand log_file: %w", err)
		}
	}

	return nil
}

// expandPath expands ~ to the user home directory
func expandPath(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// Validate checks if the configuration is valid
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("workspace directory cannot be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state directory cannot be empty")
	}
	if c.CheckpointWorkers < 1 {
		return fmt.Errorf("checkpoint workers must be positive")
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive bucket is required when archiving is enabled")
		}
		if c.Archive.Region == "" {
			return fmt.Errorf("archive region is required when archiving is enabled")
		}
	}

	return nil
}

// StorePath returns the backing file for one entity kind's record store
func (c *ServerConfig) StorePath(kind string) string {
	return filepath.Join(c.StateDir, kind+".json")
}

// ToJSON returns the configuration as a JSON string
func (c *ServerConfig) ToJSON() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// GetSanitized returns a sanitized version of the config safe for logging
func (c *ServerConfig) GetSanitized() map[string]interface{} {
	sanitized := map[string]interface{}{
		"port":               c.Port,
		"debug":              c.Debug,
		"workspace_dir":      c.WorkspaceDir,
		"state_dir":          c.StateDir,
		"checkpoint_workers": c.CheckpointWorkers,
		"router_endpoint":    c.RouterEndpoint,
		"archive_enabled":    c.Archive.Enabled,
	}
	if c.Archive.Enabled {
		sanitized["archive_bucket"] = c.Archive.Bucket
		sanitized["archive_region"] = c.Archive.Region
	}
	return sanitized
}
