package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-edge-platform/bhyze/internal/abuild"
	"github.com/open-edge-platform/bhyze/internal/buildhash"
	"github.com/open-edge-platform/bhyze/internal/config"
	"github.com/open-edge-platform/bhyze/internal/remote"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// descriptorLookup resolves build ids into descriptors.
type descriptorLookup interface {
	Lookup(ctx context.Context, buildID int) (*abuild.Descriptor, error)
}

// Factories overridden in tests.
var (
	newProvider = func(command string) descriptorLookup {
		return abuild.NewProvider(command)
	}
	withSession = remote.WithSession
)

// comparisonOptions are the flags shared by commands comparing two builds.
type comparisonOptions struct {
	reference int
	inspect   int
	format    string
	pretty    bool
}

func (o *comparisonOptions) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("comparison", pflag.ContinueOnError)
	fs.IntVarP(&o.reference, "reference", "r", 0, "Reference build id")
	fs.IntVarP(&o.inspect, "inspect", "i", 0, "Build id to inspect")
	fs.StringVar(&o.format, "format", "text", "Output format: text or json")
	fs.BoolVar(&o.pretty, "pretty", true, "Pretty-print JSON output (only for --format json)")
	return fs
}

func addComparisonFlags(cmd *cobra.Command, o *comparisonOptions) {
	cmd.Flags().AddFlagSet(o.flagSet())
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("inspect")
}

func (o *comparisonOptions) validate() error {
	if o.reference <= 0 || o.inspect <= 0 {
		return fmt.Errorf("build ids must be positive (got -r %d -i %d)", o.reference, o.inspect)
	}
	switch o.format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("invalid --format %q (expected text|json)", o.format)
	}
}

func sessionConfig(h *config.ConfigHelpers) remote.SessionConfig {
	return remote.SessionConfig{
		User:    h.SSHUser(),
		KeyFile: h.SSHKeyFile(),
		Port:    h.SSHPort(),
		Timeout: h.SSHTimeout(),
	}
}

func layout(h *config.ConfigHelpers) buildhash.Layout {
	return buildhash.Layout{WorkspaceRoot: h.WorkspaceRoot()}
}

// lookupBuilds fetches the descriptors of all ids concurrently.
func lookupBuilds(ctx context.Context, h *config.ConfigHelpers, ids ...int) ([]*abuild.Descriptor, error) {
	provider := newProvider(h.AbuildCommand())
	descs := make([]*abuild.Descriptor, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			d, err := provider.Lookup(gctx, id)
			if err != nil {
				return fmt.Errorf("looking up build %d: %w", id, err)
			}
			descs[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return descs, nil
}

// lookupComparable fetches both descriptors and rejects builds for
// different platforms.
func lookupComparable(ctx context.Context, h *config.ConfigHelpers, refID, insID int) (ref, ins *abuild.Descriptor, err error) {
	descs, err := lookupBuilds(ctx, h, refID, insID)
	if err != nil {
		return nil, nil, err
	}
	if err := abuild.CheckComparable(descs[0], descs[1]); err != nil {
		return nil, nil, err
	}
	return descs[0], descs[1], nil
}

// newCollector builds a collector backed by the configured cache.
func newCollector(cmd *cobra.Command, h *config.ConfigHelpers) (*buildhash.Collector, error) {
	if err := h.CreateCacheDir(); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	dir, err := h.CacheDir()
	if err != nil {
		return nil, err
	}
	c := &buildhash.Collector{
		Layout:  layout(h),
		Cache:   buildhash.NewCache(dir),
		Workers: h.Workers(),
	}
	// Debug output would interleave with the bar.
	if !h.IsDebugMode() {
		c.ProgressOut = cmd.ErrOrStderr()
	}
	return c, nil
}

// collectSnapshots populates the snapshots of all builds concurrently, one
// session per build.
func collectSnapshots(ctx context.Context, c *buildhash.Collector, cfg remote.SessionConfig, descs []*abuild.Descriptor, limit int) ([]*buildhash.Snapshot, error) {
	snaps := make([]*buildhash.Snapshot, len(descs))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range descs {
		g.Go(func() error {
			return withSession(gctx, d.Server, cfg, func(ex remote.Executor) error {
				s, err := c.Populate(gctx, d, ex, limit)
				if err != nil {
					return fmt.Errorf("collecting build %d: %w", d.BuildID, err)
				}
				snaps[i] = s
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snaps, nil
}

func writeJSON(cmd *cobra.Command, v any, pretty bool) error {
	out := cmd.OutOrStdout()

	var (
		b   []byte
		err error
	)
	if pretty {
		b, err = json.MarshalIndent(v, "", "  ")
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	_, _ = fmt.Fprintln(out, string(b))
	return nil
}
