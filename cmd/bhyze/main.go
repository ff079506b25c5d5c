package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/open-edge-platform/bhyze/internal/config"
	"github.com/open-edge-platform/bhyze/internal/utils/logger"
	"github.com/spf13/cobra"
)

// Global command flags
var (
	configFile string
	logLevel   string
	verbose    bool
)

func main() {
	rootCmd := createRootCommand()
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// createRootCommand builds the command tree
func createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bhyze",
		Short: "Explains why two builds produced different build hashes",
		Long: `bhyze compares the per-package build hashes of two builds of the same
platform. It collects the hashes from the build servers' hash logs, lists the
packages whose final hash differs with the reason, and pinpoints the first
diverging line of a single package's hash log.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Global configuration file (default $HOME/.config/bhyze.yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn or error (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(createSummaryCommand())
	rootCmd.AddCommand(createPackageCommand())
	rootCmd.AddCommand(createCollectCommand())

	attachLoggingHooks(rootCmd)
	return rootCmd
}

// resolveRequestedLogLevel returns the level asked for on the command line,
// or "" to keep the configured one.
func resolveRequestedLogLevel(cmd *cobra.Command) string {
	if logLevel != "" {
		return logLevel
	}
	if cmd == nil {
		return ""
	}
	flag := cmd.Flags().Lookup("verbose")
	if flag == nil || !flag.Changed {
		return ""
	}
	if v, err := cmd.Flags().GetBool("verbose"); err == nil && v {
		return "debug"
	}
	return ""
}

// attachLoggingHooks makes every subcommand load the global config and set
// up logging before it runs.
func attachLoggingHooks(root *cobra.Command) {
	for _, cmd := range root.Commands() {
		cmd.PersistentPreRunE = initRun
	}
}

func initRun(cmd *cobra.Command, args []string) error {
	path, required := configFile, true
	if path == "" {
		path, required = config.DefaultConfigPath(), false
	}
	cfg, err := config.LoadGlobalConfig(path, required)
	if err != nil {
		return err
	}

	level := resolveRequestedLogLevel(cmd)
	if level == "" {
		level = config.NewConfigHelpers(cfg).LogLevel()
	}
	if err := logger.Init(level); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	cfg.Logging.Level = logger.Level()
	config.SetGlobal(cfg)

	log := logger.With("run", uuid.NewString())
	log.Debugf("Command %s, config %s, log level %s", cmd.CommandPath(), path, cfg.Logging.Level)
	return nil
}
