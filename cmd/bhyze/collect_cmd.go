package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/open-edge-platform/bhyze/internal/config"
	"github.com/open-edge-platform/bhyze/internal/utils/logger"
	"github.com/spf13/cobra"
)

var collectLimit int

// createCollectCommand creates the collect subcommand
func createCollectCommand() *cobra.Command {
	collectCmd := &cobra.Command{
		Use:   "collect [flags] BUILD_ID...",
		Short: "Collects and caches the build hashes of one or more builds",
		Long: `Collect scrapes the build hashes of every given build from its build server
and stores them in the local cache, so that later comparisons do not need
to contact the build servers again.`,
		Args: cobra.MinimumNArgs(1),
		RunE: executeCollect,
	}

	collectCmd.Flags().IntVarP(&collectLimit, "limit", "l", 0,
		"Only collect the first N packages of the dependency order (0 = all)")
	return collectCmd
}

// executeCollect handles the collect command execution logic
func executeCollect(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	ids := make([]int, 0, len(args))
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid build id %q", a)
		}
		ids = append(ids, id)
	}

	ctx := cmd.Context()
	h := config.NewConfigHelpers(config.Global())

	descs, err := lookupBuilds(ctx, h, ids...)
	if err != nil {
		return err
	}
	collector, err := newCollector(cmd, h)
	if err != nil {
		return err
	}
	snaps, err := collectSnapshots(ctx, collector, sessionConfig(h), descs, collectLimit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BUILD\tPLATFORM\tORDERED\tHASHED\tCACHE")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", s.Descriptor.BuildID, s.Descriptor.Platform,
			len(s.DepOrder), len(s.Hashes), collector.Cache.Path(&s.Descriptor, collectLimit))
	}
	log.Infof("Collected %d build(s)", len(snaps))
	return tw.Flush()
}
