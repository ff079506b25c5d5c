// Package abuild resolves build identities into build descriptors using the
// build-tracking CLI.
package abuild

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/open-edge-platform/bhyze/internal/diagerr"
	"github.com/open-edge-platform/bhyze/internal/utils/logger"
	"github.com/open-edge-platform/bhyze/internal/utils/shell"
)

// Descriptor identifies one build. It is immutable once fetched.
type Descriptor struct {
	Start    string `json:"start"`
	Submit   string `json:"submit"`
	Publish  string `json:"publish"`
	BuildID  int    `json:"buildId"`
	Project  string `json:"project"`
	Platform string `json:"platform"`
	Server   string `json:"server"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%d (%s on %s)", d.Project, d.BuildID, d.Platform, d.Server)
}

// Workspace returns the build's workspace directory under root.
func (d Descriptor) Workspace(root string) string {
	return path.Join(root, d.Project, d.Start)
}

// CheckComparable fails with a *diagerr.ValidationError unless both builds
// target the same platform.
func CheckComparable(ref, ins *Descriptor) error {
	if ref.Platform != ins.Platform {
		return &diagerr.ValidationError{Field: "platform", Reference: ref.Platform, Inspect: ins.Platform}
	}
	return nil
}

// Provider looks up builds with "<command> abuild -q -i <id>".
type Provider struct {
	Command string
}

func NewProvider(command string) *Provider {
	return &Provider{Command: command}
}

// Lookup fetches the descriptor for buildID.
func (p *Provider) Lookup(ctx context.Context, buildID int) (*Descriptor, error) {
	log := logger.Logger()

	cmdStr := fmt.Sprintf("%s abuild -q -i %d", p.Command, buildID)
	output, err := shell.ExecCmd(ctx, cmdStr, nil)
	if err != nil {
		return nil, fmt.Errorf("looking up build %d: %w", buildID, err)
	}

	d, err := ParseDescriptor(output)
	if err != nil {
		return nil, fmt.Errorf("looking up build %d: %w", buildID, err)
	}
	if d.BuildID != buildID {
		return nil, &diagerr.ValidationError{
			Msg: fmt.Sprintf("requested build %d but %s returned build %d", buildID, p.Command, d.BuildID),
		}
	}
	log.Debugf("Resolved build %d: %s", buildID, d)
	return d, nil
}

// ParseDescriptor parses the tabular output of "abuild -q": two header lines
// followed by a row whose first seven columns are start, submit, publish,
// build id, project, platform and build server.
func ParseDescriptor(output string) (*Descriptor, error) {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) < 3 {
		return nil, &diagerr.ParseError{Source: "abuild output", Line: output, Err: fmt.Errorf("expected a data row on line 3")}
	}
	fields := strings.Fields(lines[2])
	if len(fields) < 7 {
		return nil, &diagerr.ParseError{Source: "abuild output", Line: lines[2], Err: fmt.Errorf("expected 7 columns, got %d", len(fields))}
	}
	id, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, &diagerr.ParseError{Source: "abuild output", Line: lines[2], Err: fmt.Errorf("build id %q: %w", fields[3], err)}
	}
	return &Descriptor{
		Start:    fields[0],
		Submit:   fields[1],
		Publish:  fields[2],
		BuildID:  id,
		Project:  fields[4],
		Platform: fields[5],
		Server:   fields[6],
	}, nil
}
