package hashdiff

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/open-edge-platform/bhyze/internal/diagerr"
	"github.com/open-edge-platform/bhyze/internal/utils/logger"
)

const (
	buildhashPrefix      = "buildhash now"
	depsContentSigPrefix = "depsContentSig:"
	depsContentSigLine   = "depsContentSig now"
)

var installSigPattern = regexp.MustCompile(`depSig now \S+ due to full: len=\d+=b'(.*)'$`)

// Kind is the terminal classification of a package divergence.
type Kind string

const (
	NoDivergence            Kind = "NoDivergence"
	SettingsOrContentDirect Kind = "SettingsOrContentDirect"
	PackageAddedOrRemoved   Kind = "PackageAddedOrRemoved"
	ContentChangedInPackage Kind = "ContentChangedInPackage"
	DepsContentSigChanged   Kind = "DepsContentSigChanged"
)

// LinePair is the first pair of differing lines and its index.
type LinePair struct {
	Index     int    `json:"index"`
	Reference string `json:"reference"`
	Inspect   string `json:"inspect"`
}

// PackageChange reports two install signatures for different RPMs.
type PackageChange struct {
	Reference string        `json:"reference"`
	Inspect   string        `json:"inspect"`
	Change    VersionChange `json:"change"`
}

// ContentChange reports a difference inside one RPM's install signature.
type ContentChange struct {
	RPM   string   `json:"rpm"`
	Lines LinePair `json:"lines"`
}

// DepsContentSigChange reports the first differing depsContentSig line
// computed for RPM while hashing the analyzed package.
type DepsContentSigChange struct {
	RPM    string   `json:"rpm"`
	Marker string   `json:"marker"`
	Lines  LinePair `json:"lines"`
}

// Diagnosis is the result of Analyze. Exactly one payload matching Kind is
// set; NoDivergence carries none.
type Diagnosis struct {
	Kind Kind `json:"kind"`
	// Main is the first differing pair of the package hash logs.
	Main *LinePair `json:"main,omitempty"`

	PackageChange  *PackageChange        `json:"packageChange,omitempty"`
	Content        *ContentChange        `json:"content,omitempty"`
	DepsContentSig *DepsContentSigChange `json:"depsContentSig,omitempty"`
}

// DepsLogLoader returns the dependency-signature logs of both builds. It is
// called only when the analysis needs them.
type DepsLogLoader func() (ref, ins string, err error)

// SplitLines splits log text into lines, dropping the final newline and any
// carriage returns.
func SplitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// FirstDivergence returns the index of the first differing line within the
// common prefix of a and b. Lines past the shorter input are not inspected.
func FirstDivergence(a, b []string) (int, bool) {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i, true
		}
	}
	return -1, false
}

// ParseInstallSignature returns the decoded payload of a "depSig now ... due
// to full:" line.
func ParseInstallSignature(line string) (string, error) {
	m := installSigPattern.FindStringSubmatch(line)
	if m == nil {
		return "", &diagerr.ParseError{Source: "package hash log", Line: line, Pattern: installSigPattern.String()}
	}
	return DecodeEscapes(m[1]), nil
}

// DepsContentSigMarker is the line opening the depsContentSig computation
// of rpm within pkg's dependency-signature log.
func DepsContentSigMarker(rpm, pkg string) (string, error) {
	nevra, err := ParseIdentity(rpm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CALCULATING DEPSCONTENTSIG FOR %s-%s in the context of PACKAGE %s",
		nevra.Name, nevra.Version, pkg), nil
}

// Analyze explains why the hash logs of pkg differ between the reference and
// the inspect build.
func Analyze(pkg, refLog, insLog string, deps DepsLogLoader) (*Diagnosis, error) {
	log := logger.Logger()

	refLines, insLines := SplitLines(refLog), SplitLines(insLog)
	idx, found := FirstDivergence(refLines, insLines)
	if !found {
		log.Infof("No divergence in the first %d lines of %s", min(len(refLines), len(insLines)), pkg)
		return &Diagnosis{Kind: NoDivergence}, nil
	}

	main := &LinePair{Index: idx, Reference: refLines[idx], Inspect: insLines[idx]}
	log.Debugf("%s diverges at line %d", pkg, idx+1)

	if strings.HasPrefix(main.Reference, buildhashPrefix) && strings.HasPrefix(main.Inspect, buildhashPrefix) {
		return &Diagnosis{Kind: SettingsOrContentDirect, Main: main}, nil
	}

	d, rpm, err := analyzeInstallSig(main)
	if err != nil || d != nil {
		return d, err
	}

	if deps == nil {
		return nil, fmt.Errorf("dependency-signature logs needed for %s but no loader given", rpm)
	}
	refDeps, insDeps, err := deps()
	if err != nil {
		return nil, fmt.Errorf("loading dependency-signature logs of %s: %w", pkg, err)
	}
	return analyzeDepsContentSig(main, pkg, rpm, refDeps, insDeps)
}

// analyzeInstallSig classifies a pair of differing install-signature lines.
// It returns a nil Diagnosis and the RPM identity when the difference lies in
// a depsContentSig and the dependency-signature logs must be consulted.
func analyzeInstallSig(main *LinePair) (*Diagnosis, string, error) {
	refPayload, err := ParseInstallSignature(main.Reference)
	if err != nil {
		return nil, "", err
	}
	insPayload, err := ParseInstallSignature(main.Inspect)
	if err != nil {
		return nil, "", err
	}

	refSub, insSub := SplitLines(refPayload), SplitLines(insPayload)
	refRPM, insRPM := firstLine(refSub), firstLine(insSub)
	if refRPM != insRPM {
		return &Diagnosis{
			Kind: PackageAddedOrRemoved,
			Main: main,
			PackageChange: &PackageChange{
				Reference: refRPM,
				Inspect:   insRPM,
				Change:    CompareIdentities(refRPM, insRPM),
			},
		}, "", nil
	}

	idx, found := FirstDivergence(refSub, insSub)
	if !found {
		return &Diagnosis{Kind: NoDivergence, Main: main}, "", nil
	}
	if strings.HasPrefix(refSub[idx], depsContentSigPrefix) && strings.HasPrefix(insSub[idx], depsContentSigPrefix) {
		return nil, refRPM, nil
	}
	return &Diagnosis{
		Kind: ContentChangedInPackage,
		Main: main,
		Content: &ContentChange{
			RPM:   refRPM,
			Lines: LinePair{Index: idx, Reference: refSub[idx], Inspect: insSub[idx]},
		},
	}, "", nil
}

// analyzeDepsContentSig compares the depsContentSig blocks computed for rpm
// in both dependency-signature logs.
func analyzeDepsContentSig(main *LinePair, pkg, rpm, refDeps, insDeps string) (*Diagnosis, error) {
	marker, err := DepsContentSigMarker(rpm, pkg)
	if err != nil {
		return nil, err
	}
	refBlock, err := DepsContentSigBlock(refDeps, marker)
	if err != nil {
		return nil, fmt.Errorf("reference build: %w", err)
	}
	insBlock, err := DepsContentSigBlock(insDeps, marker)
	if err != nil {
		return nil, fmt.Errorf("inspect build: %w", err)
	}

	idx, found := FirstDivergence(refBlock, insBlock)
	if !found {
		return &Diagnosis{Kind: NoDivergence, Main: main}, nil
	}
	return &Diagnosis{
		Kind: DepsContentSigChanged,
		Main: main,
		DepsContentSig: &DepsContentSigChange{
			RPM:    rpm,
			Marker: marker,
			Lines:  LinePair{Index: idx, Reference: refBlock[idx], Inspect: insBlock[idx]},
		},
	}, nil
}

// DepsContentSigBlock returns the run of "depsContentSig now" lines directly
// following the marker line in a dependency-signature log. The marker must
// end its line and may only be preceded by a whitespace-separated prefix, so
// "PACKAGE foo" never matches a "PACKAGE foo-devel" line.
func DepsContentSigBlock(text, marker string) ([]string, error) {
	lines := SplitLines(text)
	start := -1
	for i, l := range lines {
		if isMarkerLine(l, marker) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, &diagerr.ParseError{Source: "dependency-signature log", Pattern: marker}
	}

	var block []string
	for _, l := range lines[start+1:] {
		if !strings.HasPrefix(l, depsContentSigLine) {
			break
		}
		block = append(block, l)
	}
	return block, nil
}

func isMarkerLine(line, marker string) bool {
	head, ok := strings.CutSuffix(strings.TrimRight(line, " \t\r"), marker)
	if !ok {
		return false
	}
	return head == "" || strings.HasSuffix(head, " ") || strings.HasSuffix(head, "\t")
}

func firstLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}
