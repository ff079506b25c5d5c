package hashdiff

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/pmezard/go-difflib/difflib"
)

// SummaryTextOptions selects the window of mismatches to print.
type SummaryTextOptions struct {
	Offset int
	Count  int
}

// RenderSummaryText prints the counts and a window of mismatches.
func RenderSummaryText(w io.Writer, r SummaryResult, opts SummaryTextOptions) error {
	c := r.Counts
	fmt.Fprintf(w, "Reference build: %d\n", r.Reference)
	fmt.Fprintf(w, "Inspect build:   %d\n", r.Inspect)
	fmt.Fprintf(w, "Considered: %d  Accounted: %d  Skipped: %d  Matched: %d  Mismatched: %d\n",
		c.Considered, c.Accounted, c.Skipped, c.Matched, c.Mismatched)

	byReason := r.ByReason()
	if len(byReason) > 0 {
		reasons := make([]string, 0, len(byReason))
		for reason := range byReason {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		parts := make([]string, 0, len(reasons))
		for _, reason := range reasons {
			parts = append(parts, fmt.Sprintf("%s=%d", reason, byReason[Reason(reason)]))
		}
		fmt.Fprintf(w, "By reason: %s\n", strings.Join(parts, " "))
	}

	window := r.Window(opts.Offset, opts.Count)
	if len(window) == 0 {
		fmt.Fprintln(w, "No mismatches to show.")
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPACKAGE\tREASON")
	start := max(opts.Offset, 0)
	for i, e := range window {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", start+i+1, e.Package, e.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if shown := start + len(window); shown < len(r.Mismatches) {
		fmt.Fprintf(w, "... %d more (use --offset %d)\n", len(r.Mismatches)-shown, shown)
	}
	return nil
}

// PackageTextOptions controls package diagnosis rendering.
type PackageTextOptions struct {
	// Context is the number of log lines shown around the divergence;
	// zero disables the excerpt.
	Context int
}

// RenderPackageDiffText prints the diagnosis of one package.
func RenderPackageDiffText(w io.Writer, r *PackageDiffResult, opts PackageTextOptions) error {
	d := r.Diagnosis
	fmt.Fprintf(w, "Package: %s (reference %d, inspect %d)\n", r.Package, r.Reference, r.Inspect)
	fmt.Fprintf(w, "Diagnosis: %s\n", d.Kind)

	if d.Main != nil {
		fmt.Fprintf(w, "  First divergence at log line %d\n", d.Main.Index+1)
	}

	switch d.Kind {
	case NoDivergence:
		fmt.Fprintln(w, "  No differing line within the common part of the logs.")
	case SettingsOrContentDirect:
		fmt.Fprintln(w, "  Final hash changed directly (build settings or content):")
		renderPair(w, "  ", d.Main.Reference, d.Main.Inspect)
	case PackageAddedOrRemoved:
		fmt.Fprintf(w, "  Dependency RPM %s:\n", d.PackageChange.Change)
		renderPair(w, "  ", d.PackageChange.Reference, d.PackageChange.Inspect)
	case ContentChangedInPackage:
		fmt.Fprintf(w, "  Install signature of %s changed at line %d:\n", d.Content.RPM, d.Content.Lines.Index+1)
		renderPair(w, "  ", d.Content.Lines.Reference, d.Content.Lines.Inspect)
	case DepsContentSigChanged:
		fmt.Fprintf(w, "  depsContentSig of %s changed:\n", d.DepsContentSig.RPM)
		fmt.Fprintf(w, "    after: %s\n", d.DepsContentSig.Marker)
		renderPair(w, "  ", d.DepsContentSig.Lines.Reference, d.DepsContentSig.Lines.Inspect)
	}

	if opts.Context > 0 && d.Main != nil {
		excerpt, err := DivergenceExcerpt(r, opts.Context)
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		fmt.Fprint(w, excerpt)
	}
	return nil
}

func renderPair(w io.Writer, indent, ref, ins string) {
	fmt.Fprintf(w, "%s  - %s\n", indent, ref)
	fmt.Fprintf(w, "%s  + %s\n", indent, ins)
}

// DivergenceExcerpt returns a unified diff of both package logs restricted to
// ctx lines around the first divergence.
func DivergenceExcerpt(r *PackageDiffResult, ctx int) (string, error) {
	if r.Diagnosis == nil || r.Diagnosis.Main == nil {
		return "", nil
	}
	idx := r.Diagnosis.Main.Index
	refLines, insLines := SplitLines(r.ReferenceLog), SplitLines(r.InspectLog)

	lo := max(idx-ctx, 0)
	u := difflib.UnifiedDiff{
		A:        withNewlines(refLines[lo:min(idx+ctx+1, len(refLines))]),
		B:        withNewlines(insLines[lo:min(idx+ctx+1, len(insLines))]),
		FromFile: fmt.Sprintf("%d/%s.log", r.Reference, r.Package),
		ToFile:   fmt.Sprintf("%d/%s.log", r.Inspect, r.Package),
		Context:  ctx,
	}
	return difflib.GetUnifiedDiffString(u)
}

func withNewlines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l + "\n"
	}
	return out
}
