package main

import (
	"fmt"

	"github.com/open-edge-platform/bhyze/internal/abuild"
	"github.com/open-edge-platform/bhyze/internal/config"
	"github.com/open-edge-platform/bhyze/internal/hashdiff"
	"github.com/open-edge-platform/bhyze/internal/utils/logger"
	"github.com/spf13/cobra"
)

type summaryOptions struct {
	comparisonOptions
	limit  int
	offset int
	count  int
}

// createSummaryCommand creates the summary subcommand
func createSummaryCommand() *cobra.Command {
	opts := &summaryOptions{}
	summaryCmd := &cobra.Command{
		Use:   "summary -r REFERENCE -i INSPECT [flags]",
		Short: "Lists the packages whose build hash differs between two builds",
		Long: `Summary collects the build hashes of both builds (or reads them from the
cache), walks the inspected build's dependency order and reports every
package whose final hash differs, with the reason: its content changed, its
dependency signature changed, or neither (build settings changed).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeSummary(cmd, opts)
		},
	}

	addComparisonFlags(summaryCmd, &opts.comparisonOptions)
	summaryCmd.Flags().IntVarP(&opts.limit, "limit", "l", 0,
		"Only consider the first N packages of the dependency order (0 = all)")
	summaryCmd.Flags().IntVar(&opts.offset, "offset", 0,
		"Skip the first N mismatches when printing")
	summaryCmd.Flags().IntVar(&opts.count, "count", 0,
		"Print at most N mismatches (0 = all)")
	return summaryCmd
}

// executeSummary handles the summary command execution logic
func executeSummary(cmd *cobra.Command, opts *summaryOptions) error {
	log := logger.Logger()
	if err := opts.validate(); err != nil {
		return err
	}
	if opts.offset < 0 || opts.count < 0 {
		return fmt.Errorf("--offset and --count must not be negative")
	}

	ctx := cmd.Context()
	h := config.NewConfigHelpers(config.Global())

	ref, ins, err := lookupComparable(ctx, h, opts.reference, opts.inspect)
	if err != nil {
		return err
	}
	log.Infof("Comparing %s against reference %s", ins, ref)

	collector, err := newCollector(cmd, h)
	if err != nil {
		return err
	}
	snaps, err := collectSnapshots(ctx, collector, sessionConfig(h), []*abuild.Descriptor{ref, ins}, opts.limit)
	if err != nil {
		return err
	}

	result := hashdiff.Summarize(snaps[0], snaps[1], opts.limit)
	log.Infof("%d of %d accounted packages differ", result.Counts.Mismatched, result.Counts.Accounted)

	if opts.format == "json" {
		payload := struct {
			hashdiff.SummaryResult
			Offset int `json:"offset"`
			Count  int `json:"count"`
		}{result, opts.offset, opts.count}
		payload.Mismatches = result.Window(opts.offset, opts.count)
		return writeJSON(cmd, payload, opts.pretty)
	}
	return hashdiff.RenderSummaryText(cmd.OutOrStdout(), result,
		hashdiff.SummaryTextOptions{Offset: opts.offset, Count: opts.count})
}
