package main

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestResolveRequestedLogLevelPrefersExplicitFlag(t *testing.T) {
	prev := logLevel
	logLevel = "warn"
	t.Cleanup(func() {
		logLevel = prev
	})

	if got := resolveRequestedLogLevel(nil); got != "warn" {
		t.Fatalf("expected explicit log level to win, got %q", got)
	}
}

func TestResolveRequestedLogLevelUsesVerboseFallback(t *testing.T) {
	prev := logLevel
	logLevel = ""
	t.Cleanup(func() {
		logLevel = prev
	})

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().Bool("verbose", false, "")
	if err := cmd.Flags().Set("verbose", "true"); err != nil {
		t.Fatalf("set verbose: %v", err)
	}

	if got := resolveRequestedLogLevel(cmd); got != "debug" {
		t.Fatalf("expected verbose flag to set debug level, got %q", got)
	}
}

func TestResolveRequestedLogLevelIgnoresUnsetVerbose(t *testing.T) {
	prev := logLevel
	logLevel = ""
	t.Cleanup(func() {
		logLevel = prev
	})

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().Bool("verbose", false, "")

	if got := resolveRequestedLogLevel(cmd); got != "" {
		t.Fatalf("expected empty when verbose not set, got %q", got)
	}
}

func TestAttachLoggingHooksAddsHookToSubcommands(t *testing.T) {
	root := createRootCommand()
	for _, name := range []string{"summary", "package", "collect"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatalf("find %s command: %v", name, err)
		}
		if cmd == nil || cmd.Name() != name {
			t.Fatalf("%s command not found", name)
		}
		if cmd.PersistentPreRunE == nil {
			t.Fatalf("expected logging hook on %s command", name)
		}
	}
}

func TestInitRunRejectsMissingExplicitConfig(t *testing.T) {
	root := createRootCommand()
	root.SetArgs([]string{"--config", t.TempDir() + "/missing.yml", "collect", "1"})
	root.SetOut(&discard{})
	root.SetErr(&discard{})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected an error for a missing --config file")
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
