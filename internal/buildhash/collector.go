package buildhash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-edge-platform/bhyze/internal/abuild"
	"github.com/open-edge-platform/bhyze/internal/diagerr"
	"github.com/open-edge-platform/bhyze/internal/remote"
	"github.com/open-edge-platform/bhyze/internal/utils/logger"
	"github.com/open-edge-platform/bhyze/internal/utils/shell"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

const (
	// BuildOrderMarker prefixes the package build order in Abuild.log.
	BuildOrderMarker = "'a4 make' packages:"
	// ForcedRebuildSuffix is appended to packages rebuilt on request.
	ForcedRebuildSuffix = "(!)"
)

var (
	buildhashPattern  = regexp.MustCompile(`^buildhash now (\S+)`)
	buildOrderPattern = regexp.MustCompile(regexp.QuoteMeta(BuildOrderMarker) + `\s*(.*)`)
)

// hashKind is one slot of the hash triple and the grep pattern selecting the
// line that last set it.
type hashKind struct {
	name     string
	grep     string
	optional bool
	set      func(*Record, Token)
}

var hashKinds = []hashKind{
	{name: "content", grep: "due to contents of", set: func(r *Record, t Token) { r.Content = t }},
	{name: "deps", grep: "due to depSig", optional: true, set: func(r *Record, t Token) { r.Deps = t }},
	{name: "final", grep: "^buildhash now", set: func(r *Record, t Token) { r.Final = t }},
}

// Collector populates snapshots from a build server.
type Collector struct {
	Layout Layout
	// Cache is consulted before and written after collection. May be nil.
	Cache *Cache
	// Workers bounds concurrent per-package lookups.
	Workers int
	// ProgressOut receives a progress bar; nil disables it. Concurrent
	// Populate calls share it, each drawing its own bar.
	ProgressOut io.Writer

	progressMu sync.Mutex
}

// lockedWriter serializes writes from the bars of concurrent Populate calls.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Populate returns the snapshot of build d restricted to the first limit
// packages of its dependency order (limit <= 0 means all of them). A cached
// snapshot is returned as is; otherwise the build server is scraped through
// ex and the result is cached.
func (c *Collector) Populate(ctx context.Context, d *abuild.Descriptor, ex remote.Executor, limit int) (*Snapshot, error) {
	log := logger.Logger()

	snap := NewSnapshot(*d)
	if c.Cache != nil {
		cached, err := c.Cache.Load(d, limit)
		if err != nil {
			return nil, err
		}
		snap = cached
	}

	if err := c.Validate(ctx, d, ex); err != nil {
		return nil, err
	}
	if snap.Populated {
		return snap, nil
	}

	log.Infof("Collecting build hashes for %s", d)
	if err := c.populateHashLogs(ctx, snap, ex); err != nil {
		return nil, err
	}
	if err := c.populateDepOrder(ctx, snap, ex); err != nil {
		return nil, err
	}
	if err := c.populateHashes(ctx, snap, ex, limit); err != nil {
		return nil, err
	}
	snap.Populated = true

	if c.Cache != nil {
		if err := c.Cache.Store(snap, limit); err != nil {
			return nil, err
		}
	}
	log.Infof("Collected hashes for %d of %d packages of build %d",
		len(snap.Hashes), len(snap.DepOrder), d.BuildID)
	return snap, nil
}

// Validate fails with a *diagerr.MissingResourceError when the build has no
// hash-log directory.
func (c *Collector) Validate(ctx context.Context, d *abuild.Descriptor, ex remote.Executor) error {
	dir := c.Layout.HashLogDir(d)
	res, err := ex.Run(ctx, "test -d "+shell.Quote(dir))
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		return &diagerr.MissingResourceError{Host: ex.Host(), Path: dir, Err: remote.Check(ex.Host(), res)}
	}
	return nil
}

func (c *Collector) populateHashLogs(ctx context.Context, snap *Snapshot, ex remote.Executor) error {
	res, err := remote.RunChecked(ctx, ex, "ls "+shell.Quote(c.Layout.HashLogDir(&snap.Descriptor)))
	if err != nil {
		return fmt.Errorf("listing hash logs: %w", err)
	}
	snap.HashLogs = ParseHashLogListing(res.Stdout)
	return nil
}

// ParseHashLogListing turns "ls" output into the sorted set of package
// names, taking the file-name stem before the first '.'.
func ParseHashLogListing(out string) []string {
	seen := map[string]struct{}{}
	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		stem, _, _ := strings.Cut(name, ".")
		if _, ok := seen[stem]; ok {
			continue
		}
		seen[stem] = struct{}{}
		pkgs = append(pkgs, stem)
	}
	sort.Strings(pkgs)
	return pkgs
}

func (c *Collector) populateDepOrder(ctx context.Context, snap *Snapshot, ex remote.Executor) error {
	logPath := c.Layout.AbuildLog(&snap.Descriptor)
	cmd := fmt.Sprintf("grep -m 1 %s %s", shell.Quote(BuildOrderMarker), shell.Quote(logPath))
	res, err := remote.RunChecked(ctx, ex, cmd)
	if err != nil {
		var rce *diagerr.RemoteCommandError
		if errors.As(err, &rce) && rce.ExitStatus == 1 {
			return &diagerr.ParseError{Source: logPath, Pattern: BuildOrderMarker, Err: err}
		}
		return fmt.Errorf("reading build order: %w", err)
	}
	order, err := ParseBuildOrder(res.Stdout)
	if err != nil {
		return &diagerr.ParseError{Source: logPath, Line: res.Stdout, Pattern: BuildOrderMarker, Err: err}
	}
	snap.DepOrder = order
	return nil
}

// ParseBuildOrder extracts the package list following the build-order
// marker, stripping the forced-rebuild suffix from each name.
func ParseBuildOrder(line string) ([]string, error) {
	m := buildOrderPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("no %q marker", BuildOrderMarker)
	}
	fields := strings.Fields(m[1])
	order := make([]string, 0, len(fields))
	for _, f := range fields {
		order = append(order, strings.TrimSuffix(f, ForcedRebuildSuffix))
	}
	return order, nil
}

func (c *Collector) populateHashes(ctx context.Context, snap *Snapshot, ex remote.Executor, limit int) error {
	pkgs := snap.DepOrder[:EffectiveLimit(limit, len(snap.DepOrder))]

	var todo []string
	for _, pkg := range pkgs {
		if snap.HasHashLog(pkg) {
			todo = append(todo, pkg)
		}
	}
	if len(todo) == 0 {
		return nil
	}

	var out io.Writer = io.Discard
	if c.ProgressOut != nil {
		out = &lockedWriter{mu: &c.progressMu, w: c.ProgressOut}
	}
	bar := progressbar.NewOptions(len(todo),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(fmt.Sprintf("build %d", snap.Descriptor.BuildID)),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	workers := c.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	for _, pkg := range todo {
		g.Go(func() error {
			rec, err := c.collectRecord(gctx, &snap.Descriptor, ex, pkg)
			if err != nil {
				return fmt.Errorf("package %s: %w", pkg, err)
			}
			mu.Lock()
			snap.Hashes[pkg] = rec
			mu.Unlock()
			_ = bar.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	_ = bar.Finish()
	return nil
}

func (c *Collector) collectRecord(ctx context.Context, d *abuild.Descriptor, ex remote.Executor, pkg string) (Record, error) {
	var rec Record
	logPath := c.Layout.PackageHashLog(d, pkg)
	for _, kind := range hashKinds {
		tok, err := lookupHash(ctx, ex, logPath, kind)
		if err != nil {
			return Record{}, err
		}
		kind.set(&rec, tok)
	}
	return rec, nil
}

// lookupHash finds the last line of logPath matching kind and extracts its
// hash token.
func lookupHash(ctx context.Context, ex remote.Executor, logPath string, kind hashKind) (Token, error) {
	cmd := fmt.Sprintf("tac %s | grep -m 1 %s", shell.Quote(logPath), shell.Quote(kind.grep))
	res, err := ex.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitStatus != 0 {
		if kind.optional {
			return NotAvailable, nil
		}
		cerr := remote.Check(ex.Host(), res)
		if res.ExitStatus == 1 {
			return "", &diagerr.ParseError{Source: logPath, Pattern: kind.grep, Err: cerr}
		}
		return "", cerr
	}

	line, _, _ := strings.Cut(res.Stdout, "\n")
	tok, ok := ParseHashToken(line)
	if !ok {
		return "", &diagerr.ParseError{Source: logPath, Line: line, Pattern: buildhashPattern.String()}
	}
	return tok, nil
}

// ParseHashToken extracts the token from a line starting with
// "buildhash now ".
func ParseHashToken(line string) (Token, bool) {
	m := buildhashPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return Token(m[1]), true
}
