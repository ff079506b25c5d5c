package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-edge-platform/bhyze/internal/config/validate"
	"gopkg.in/yaml.v3"
	k8syaml "sigs.k8s.io/yaml"
)

const (
	DefaultCacheDir      = "/var/cache/bhyze"
	DefaultWorkspaceRoot = "/var/Abuild"
	DefaultWorkers       = 4
	DefaultAbuildCommand = "ap"
	DefaultSSHUser       = "arastra"
	DefaultSSHPort       = 22
	DefaultSSHTimeout    = 30 * time.Second
	DefaultLogLevel      = "info"

	configFileName = "bhyze.yml"
)

// GlobalConfig holds the tool-wide settings read from bhyze.yml.
type GlobalConfig struct {
	CacheDir      string        `yaml:"cache_dir"`
	WorkspaceRoot string        `yaml:"workspace_root"`
	Workers       int           `yaml:"workers"`
	AbuildCommand string        `yaml:"abuild_command"`
	SSH           SSHConfig     `yaml:"ssh"`
	Logging       LoggingConfig `yaml:"logging"`
}

// SSHConfig configures the sessions opened against build servers.
type SSHConfig struct {
	User    string        `yaml:"user"`
	KeyFile string        `yaml:"key_file"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

var global = DefaultGlobalConfig()

// DefaultGlobalConfig returns the configuration used when no file is present.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		CacheDir:      DefaultCacheDir,
		WorkspaceRoot: DefaultWorkspaceRoot,
		Workers:       DefaultWorkers,
		AbuildCommand: DefaultAbuildCommand,
		SSH: SSHConfig{
			User:    DefaultSSHUser,
			Port:    DefaultSSHPort,
			Timeout: DefaultSSHTimeout,
		},
		Logging: LoggingConfig{Level: DefaultLogLevel},
	}
}

// Global returns the process-wide configuration.
func Global() *GlobalConfig {
	return global
}

// SetGlobal replaces the process-wide configuration.
func SetGlobal(c *GlobalConfig) {
	if c == nil {
		c = DefaultGlobalConfig()
	}
	global = c
}

// DefaultConfigPath returns $HOME/.config/bhyze.yml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return configFileName
	}
	return filepath.Join(home, ".config", configFileName)
}

// LoadGlobalConfig reads path and merges it over the defaults. A missing file
// is not an error unless required is set.
func LoadGlobalConfig(path string, required bool) (*GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return DefaultGlobalConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := parseGlobalConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func parseGlobalConfig(data []byte) (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig()
	if strings.TrimSpace(string(data)) == "" {
		return cfg, nil
	}

	jsonData, err := k8syaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := validate.ValidateConfigJSON(jsonData); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding YAML: %w", err)
	}
	return cfg, nil
}
