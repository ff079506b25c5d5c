package buildhash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/open-edge-platform/bhyze/internal/abuild"
	"github.com/open-edge-platform/bhyze/internal/diagerr"
	"github.com/open-edge-platform/bhyze/internal/remote"
	"github.com/open-edge-platform/bhyze/internal/utils/shell"
	"sigs.k8s.io/yaml"
)

type fakeExecutor struct {
	host    string
	mu      sync.Mutex
	results map[string]*remote.Result
	calls   []string
}

func (f *fakeExecutor) Host() string { return f.host }

func (f *fakeExecutor) Run(ctx context.Context, command string) (*remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	if res, ok := f.results[command]; ok {
		out := *res
		out.Command = command
		return &out, nil
	}
	return nil, fmt.Errorf("unexpected command %q", command)
}

func testDescriptor(id int) *abuild.Descriptor {
	return &abuild.Descriptor{
		Start:    "20240105-0101",
		Submit:   "20240105-0059",
		Publish:  "20240105-0330",
		BuildID:  id,
		Project:  "eos-trunk",
		Platform: "x86_64",
		Server:   "bs301",
	}
}

var testLayout = Layout{WorkspaceRoot: "/var/Abuild"}

// buildFixture describes the remote state of one build.
type buildFixture struct {
	files     []string
	orderLine string
	// per package, per grep pattern: matching line ("" = no match)
	lines map[string]map[string]string
}

func (b buildFixture) executor(d *abuild.Descriptor) *fakeExecutor {
	res := map[string]*remote.Result{
		"test -d " + testLayout.HashLogDir(d):                                        {},
		"ls " + testLayout.HashLogDir(d):                                             {Stdout: strings.Join(b.files, "\n") + "\n"},
		"grep -m 1 " + shell.Quote(BuildOrderMarker) + " " + testLayout.AbuildLog(d): {Stdout: b.orderLine + "\n"},
	}
	for pkg, byPattern := range b.lines {
		for _, kind := range hashKinds {
			cmd := fmt.Sprintf("tac %s | grep -m 1 %s", testLayout.PackageHashLog(d, pkg), shell.Quote(kind.grep))
			if line, ok := byPattern[kind.grep]; ok && line != "" {
				res[cmd] = &remote.Result{Stdout: line + "\n"}
			} else {
				res[cmd] = &remote.Result{ExitStatus: 1}
			}
		}
	}
	return &fakeExecutor{host: d.Server, results: res}
}

func defaultFixture() buildFixture {
	return buildFixture{
		files:     []string{"Alpha.log", "Beta.log", "Beta.depsContentSig.log"},
		orderLine: "2024-01-05 01:02:03 'a4 make' packages: Alpha Beta(!) Gamma",
		lines: map[string]map[string]string{
			"Alpha": {
				"due to contents of": "buildhash now a1 due to contents of /src/Alpha",
				"^buildhash now":     "buildhash now a3",
			},
			"Beta": {
				"due to contents of": "buildhash now b1 due to contents of /src/Beta",
				"due to depSig":      "buildhash now b2 due to depSig of Alpha",
				"^buildhash now":     "buildhash now b3",
			},
		},
	}
}

func TestParseBuildOrder(t *testing.T) {
	order, err := ParseBuildOrder("prefix 'a4 make' packages:   A B(!) C(!)(!) D(skip)")
	if err != nil {
		t.Fatalf("ParseBuildOrder failed: %v", err)
	}
	want := []string{"A", "B", "C(!)", "D(skip)"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}

	if _, err := ParseBuildOrder("no marker here"); err == nil {
		t.Fatal("expected error without marker")
	}
}

func TestParseHashLogListing(t *testing.T) {
	got := ParseHashLogListing("Zeta.log\nAlpha.log\nAlpha.depsContentSig.log\n\nlib.so.1.log\n")
	want := []string{"Alpha", "Zeta", "lib"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParseHashToken(t *testing.T) {
	tests := []struct {
		line string
		want Token
		ok   bool
	}{
		{line: "buildhash now abc123", want: "abc123", ok: true},
		{line: "buildhash now abc123 due to contents of x", want: "abc123", ok: true},
		{line: "  buildhash now abc123", ok: false},
		{line: "buildhash now ", ok: false},
		{line: "depSig now x", ok: false},
	}
	for _, tt := range tests {
		got, ok := ParseHashToken(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseHashToken(%q) = %q, %v; want %q, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPopulate(t *testing.T) {
	d := testDescriptor(100)
	ex := defaultFixture().executor(d)
	c := &Collector{Layout: testLayout, Workers: 2}

	snap, err := c.Populate(context.Background(), d, ex, 0)
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if !snap.Populated {
		t.Error("expected snapshot to be populated")
	}
	if !reflect.DeepEqual(snap.DepOrder, []string{"Alpha", "Beta", "Gamma"}) {
		t.Errorf("unexpected dep order %v", snap.DepOrder)
	}
	if !reflect.DeepEqual(snap.HashLogs, []string{"Alpha", "Beta"}) {
		t.Errorf("unexpected hash logs %v", snap.HashLogs)
	}

	wantHashes := map[string]Record{
		"Alpha": {Content: "a1", Deps: NotAvailable, Final: "a3"},
		"Beta":  {Content: "b1", Deps: "b2", Final: "b3"},
	}
	if !reflect.DeepEqual(snap.Hashes, wantHashes) {
		t.Errorf("expected %+v, got %+v", wantHashes, snap.Hashes)
	}
	if _, ok := snap.Record("Gamma"); ok {
		t.Error("package without hash log must not get a record")
	}
	if err := snap.Validate(); err != nil {
		t.Errorf("invariant violated: %v", err)
	}
}

func TestPopulateRespectsLimit(t *testing.T) {
	d := testDescriptor(101)
	c := &Collector{Layout: testLayout}

	snap, err := c.Populate(context.Background(), d, defaultFixture().executor(d), 1)
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if len(snap.Hashes) != 1 {
		t.Fatalf("expected 1 hashed package, got %d", len(snap.Hashes))
	}
	if _, ok := snap.Record("Alpha"); !ok {
		t.Error("expected Alpha to be hashed")
	}
	if len(snap.DepOrder) != 3 {
		t.Errorf("limit must not truncate the dependency order, got %v", snap.DepOrder)
	}
}

func TestPopulateMissingHashLogDir(t *testing.T) {
	d := testDescriptor(102)
	ex := &fakeExecutor{host: d.Server, results: map[string]*remote.Result{
		"test -d " + testLayout.HashLogDir(d): {ExitStatus: 1},
	}}
	c := &Collector{Layout: testLayout}

	_, err := c.Populate(context.Background(), d, ex, 0)
	var mre *diagerr.MissingResourceError
	if !errors.As(err, &mre) {
		t.Fatalf("expected MissingResourceError, got %v", err)
	}
	if mre.Path != testLayout.HashLogDir(d) {
		t.Errorf("unexpected path %s", mre.Path)
	}
}

func TestPopulateMissingBuildOrder(t *testing.T) {
	d := testDescriptor(103)
	fx := defaultFixture()
	ex := fx.executor(d)
	ex.results["grep -m 1 "+shell.Quote(BuildOrderMarker)+" "+testLayout.AbuildLog(d)] = &remote.Result{ExitStatus: 1}

	_, err := (&Collector{Layout: testLayout}).Populate(context.Background(), d, ex, 0)
	var pe *diagerr.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestPopulateMissingContentMarkerIsFatal(t *testing.T) {
	d := testDescriptor(104)
	fx := defaultFixture()
	delete(fx.lines["Beta"], "due to contents of")

	_, err := (&Collector{Layout: testLayout}).Populate(context.Background(), d, fx.executor(d), 0)
	var pe *diagerr.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	var rce *diagerr.RemoteCommandError
	if !errors.As(err, &rce) {
		t.Fatalf("expected wrapped RemoteCommandError, got %v", err)
	}
	if !strings.Contains(err.Error(), "Beta") {
		t.Errorf("expected package name in error, got %v", err)
	}
}

func TestPopulateMalformedFinalIsFatal(t *testing.T) {
	d := testDescriptor(105)
	fx := defaultFixture()
	fx.lines["Alpha"]["^buildhash now"] = "buildhash now"

	_, err := (&Collector{Layout: testLayout}).Populate(context.Background(), d, fx.executor(d), 0)
	var pe *diagerr.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestPopulateRemoteFailureIsFatal(t *testing.T) {
	d := testDescriptor(106)
	fx := defaultFixture()
	ex := fx.executor(d)
	cmd := fmt.Sprintf("tac %s | grep -m 1 %s", testLayout.PackageHashLog(d, "Alpha"), shell.Quote("^buildhash now"))
	ex.results[cmd] = &remote.Result{ExitStatus: 2, Stderr: "tac: read error"}

	_, err := (&Collector{Layout: testLayout}).Populate(context.Background(), d, ex, 0)
	var rce *diagerr.RemoteCommandError
	if !errors.As(err, &rce) || rce.ExitStatus != 2 {
		t.Fatalf("expected RemoteCommandError with status 2, got %v", err)
	}
	var pe *diagerr.ParseError
	if errors.As(err, &pe) {
		t.Errorf("status 2 must not be reported as a parse error")
	}
}

func TestPopulateUsesCache(t *testing.T) {
	d := testDescriptor(107)
	cache := NewCache(t.TempDir())
	c := &Collector{Layout: testLayout, Cache: cache, Workers: 3}

	first, err := c.Populate(context.Background(), d, defaultFixture().executor(d), 0)
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	// Only validation is answered now; any scraping would fail.
	ex := &fakeExecutor{host: d.Server, results: map[string]*remote.Result{
		"test -d " + testLayout.HashLogDir(d): {},
	}}
	second, err := c.Populate(context.Background(), d, ex, 0)
	if err != nil {
		t.Fatalf("cached Populate failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached snapshot differs:\n%+v\n%+v", first, second)
	}
	if len(ex.calls) != 1 {
		t.Errorf("expected only the validation call, got %v", ex.calls)
	}
}

func TestPopulateIsIdempotent(t *testing.T) {
	d := testDescriptor(108)
	c := &Collector{Layout: testLayout, Workers: 4}

	a, err := c.Populate(context.Background(), d, defaultFixture().executor(d), 0)
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	b, err := c.Populate(context.Background(), d, defaultFixture().executor(d), 0)
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	ya, _ := yaml.Marshal(a)
	yb, _ := yaml.Marshal(b)
	if string(ya) != string(yb) {
		t.Errorf("expected byte-identical snapshots:\n%s\n%s", ya, yb)
	}
}

func TestPopulateConcurrentBuildsShareProgressOut(t *testing.T) {
	var out bytes.Buffer
	c := &Collector{Layout: testLayout, Workers: 2, ProgressOut: &out}

	ids := []int{200, 201}
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := testDescriptor(id)
			_, errs[i] = c.Populate(context.Background(), d, defaultFixture().executor(d), 0)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Populate(%d) failed: %v", ids[i], err)
		}
	}
	for _, id := range ids {
		if want := fmt.Sprintf("build %d", id); !strings.Contains(out.String(), want) {
			t.Errorf("expected progress for %q in %q", want, out.String())
		}
	}
}

func TestEffectiveLimit(t *testing.T) {
	tests := []struct{ limit, n, want int }{
		{0, 5, 5}, {-1, 5, 5}, {3, 5, 3}, {9, 5, 5}, {0, 0, 0},
	}
	for _, tt := range tests {
		if got := EffectiveLimit(tt.limit, tt.n); got != tt.want {
			t.Errorf("EffectiveLimit(%d, %d) = %d, want %d", tt.limit, tt.n, got, tt.want)
		}
	}
}
