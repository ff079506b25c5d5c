package hashdiff

import (
	"context"
	"fmt"

	"github.com/open-edge-platform/bhyze/internal/abuild"
	"github.com/open-edge-platform/bhyze/internal/buildhash"
	"github.com/open-edge-platform/bhyze/internal/remote"
	"github.com/open-edge-platform/bhyze/internal/utils/logger"
)

// Build pairs a build with a connection to its build server.
type Build struct {
	Descriptor *abuild.Descriptor
	Exec       remote.Executor
}

// PackageDiffResult is the outcome of DiffPackage. Logs are kept for
// rendering but not serialized.
type PackageDiffResult struct {
	Package   string `json:"package"`
	Reference int    `json:"reference"`
	Inspect   int    `json:"inspect"`

	ReferenceLog     string `json:"-"`
	InspectLog       string `json:"-"`
	ReferenceDepsLog string `json:"-"`
	InspectDepsLog   string `json:"-"`

	Diagnosis *Diagnosis `json:"diagnosis"`
}

// DiffPackage reads the hash logs of pkg from both builds and analyzes them.
// Dependency-signature logs are read only when the analysis asks for them.
// Logs already rotated to their xz-compressed form are read transparently.
func DiffPackage(ctx context.Context, layout buildhash.Layout, pkg string, ref, ins Build) (*PackageDiffResult, error) {
	log := logger.Logger()

	if err := abuild.CheckComparable(ref.Descriptor, ins.Descriptor); err != nil {
		return nil, err
	}

	res := &PackageDiffResult{
		Package:   pkg,
		Reference: ref.Descriptor.BuildID,
		Inspect:   ins.Descriptor.BuildID,
	}

	var err error
	res.ReferenceLog, _, err = remote.ReadLog(ctx, ref.Exec, layout.PackageHashLog(ref.Descriptor, pkg), false)
	if err != nil {
		return nil, fmt.Errorf("reference build %d: %w", ref.Descriptor.BuildID, err)
	}
	res.InspectLog, _, err = remote.ReadLog(ctx, ins.Exec, layout.PackageHashLog(ins.Descriptor, pkg), false)
	if err != nil {
		return nil, fmt.Errorf("inspect build %d: %w", ins.Descriptor.BuildID, err)
	}

	loadDeps := func() (string, string, error) {
		for _, side := range []struct {
			b    Build
			dest *string
		}{{ref, &res.ReferenceDepsLog}, {ins, &res.InspectDepsLog}} {
			p := layout.PackageDepsLog(side.b.Descriptor, pkg)
			text, ok, err := remote.ReadLog(ctx, side.b.Exec, p, true)
			if err != nil {
				return "", "", fmt.Errorf("build %d: %w", side.b.Descriptor.BuildID, err)
			}
			if !ok {
				log.Warnf("Dependency-signature log %s:%s is missing", side.b.Exec.Host(), p)
			}
			*side.dest = text
		}
		return res.ReferenceDepsLog, res.InspectDepsLog, nil
	}

	res.Diagnosis, err = Analyze(pkg, res.ReferenceLog, res.InspectLog, loadDeps)
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", pkg, err)
	}
	log.Infof("Package %s: %s", pkg, res.Diagnosis.Kind)
	return res, nil
}
