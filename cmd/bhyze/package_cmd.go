package main

import (
	"fmt"

	"github.com/open-edge-platform/bhyze/internal/config"
	"github.com/open-edge-platform/bhyze/internal/hashdiff"
	"github.com/open-edge-platform/bhyze/internal/remote"
	"github.com/open-edge-platform/bhyze/internal/utils/logger"
	"github.com/spf13/cobra"
)

type packageOptions struct {
	comparisonOptions
	pkg     string
	context int
}

// createPackageCommand creates the package subcommand
func createPackageCommand() *cobra.Command {
	opts := &packageOptions{}
	packageCmd := &cobra.Command{
		Use:   "package -r REFERENCE -i INSPECT -p PACKAGE [flags]",
		Short: "Explains why one package's build hash differs",
		Long: `Package reads the hash log of one package from both builds, finds the first
line where they diverge and classifies the cause: a build-hash input changed
directly, a dependency RPM was added, removed or changed version, a file
inside a dependency RPM changed, or the dependency-content signature of a
dependency RPM changed (in which case the dependency-signature logs are read
as well).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executePackage(cmd, opts)
		},
	}

	addComparisonFlags(packageCmd, &opts.comparisonOptions)
	packageCmd.Flags().StringVarP(&opts.pkg, "package", "p", "",
		"Package to analyze")
	packageCmd.Flags().IntVar(&opts.context, "context", 0,
		"Show a unified diff with N lines of context around the divergence (text only)")
	_ = packageCmd.MarkFlagRequired("package")
	return packageCmd
}

// executePackage handles the package command execution logic
func executePackage(cmd *cobra.Command, opts *packageOptions) error {
	log := logger.Logger()
	if err := opts.validate(); err != nil {
		return err
	}
	if opts.pkg == "" {
		return fmt.Errorf("no package given")
	}
	if opts.context < 0 {
		return fmt.Errorf("--context must not be negative")
	}

	ctx := cmd.Context()
	h := config.NewConfigHelpers(config.Global())

	ref, ins, err := lookupComparable(ctx, h, opts.reference, opts.inspect)
	if err != nil {
		return err
	}
	log.Infof("Analyzing %s in %s against reference %s", opts.pkg, ins, ref)

	cfg := sessionConfig(h)
	var result *hashdiff.PackageDiffResult
	err = withSession(ctx, ref.Server, cfg, func(refEx remote.Executor) error {
		return withSession(ctx, ins.Server, cfg, func(insEx remote.Executor) error {
			var err error
			result, err = hashdiff.DiffPackage(ctx, layout(h), opts.pkg,
				hashdiff.Build{Descriptor: ref, Exec: refEx},
				hashdiff.Build{Descriptor: ins, Exec: insEx})
			return err
		})
	})
	if err != nil {
		return err
	}

	if opts.format == "json" {
		return writeJSON(cmd, result, opts.pretty)
	}
	return hashdiff.RenderPackageDiffText(cmd.OutOrStdout(), result,
		hashdiff.PackageTextOptions{Context: opts.context})
}
