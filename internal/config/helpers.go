package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConfigHelpers provides convenient access to global configuration
type ConfigHelpers struct {
	config *GlobalConfig
}

// NewConfigHelpers creates a new config helpers instance
func NewConfigHelpers(config *GlobalConfig) *ConfigHelpers {
	return &ConfigHelpers{config: config}
}

// Workers returns the number of concurrent remote lookups per build
func (c *ConfigHelpers) Workers() int {
	if c.config.Workers < 1 {
		return 1
	}
	return c.config.Workers
}

// CacheDir returns the absolute path to the snapshot cache directory
func (c *ConfigHelpers) CacheDir() (string, error) {
	return filepath.Abs(expandHome(c.config.CacheDir))
}

// WorkspaceRoot returns the remote directory holding build workspaces
func (c *ConfigHelpers) WorkspaceRoot() string {
	return c.config.WorkspaceRoot
}

// AbuildCommand returns the build-tracking CLI binary
func (c *ConfigHelpers) AbuildCommand() string {
	return c.config.AbuildCommand
}

// SSHUser returns the remote login name
func (c *ConfigHelpers) SSHUser() string {
	return c.config.SSH.User
}

// SSHKeyFile returns the private key path, defaulting to the login user's id_rsa
func (c *ConfigHelpers) SSHKeyFile() string {
	if c.config.SSH.KeyFile == "" {
		return filepath.Join("/home", c.config.SSH.User, ".ssh", "id_rsa")
	}
	return expandHome(c.config.SSH.KeyFile)
}

// SSHPort returns the remote port
func (c *ConfigHelpers) SSHPort() int {
	return c.config.SSH.Port
}

// SSHTimeout returns the dial timeout
func (c *ConfigHelpers) SSHTimeout() time.Duration {
	return c.config.SSH.Timeout
}

// LogLevel returns the configured log level
func (c *ConfigHelpers) LogLevel() string {
	return c.config.Logging.Level
}

// IsDebugMode returns true if debug logging is enabled
func (c *ConfigHelpers) IsDebugMode() bool {
	return c.config.Logging.Level == "debug"
}

// CreateCacheDir ensures the cache directory exists
func (c *ConfigHelpers) CreateCacheDir() error {
	cacheDir, err := c.CacheDir()
	if err != nil {
		return fmt.Errorf("resolving cache directory: %w", err)
	}
	return createDirIfNotExists(cacheDir)
}

// Helper function to create directories
func createDirIfNotExists(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
