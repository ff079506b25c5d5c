// Package remote runs commands and reads files on build servers.
//
// The collector and the CLI only depend on the Executor interface; Session is
// the SSH-backed implementation. Sessions are scoped resources: open one with
// Open or WithSession and close it on every path. A closed session refuses
// further commands with ErrSessionClosed.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/open-edge-platform/bhyze/internal/diagerr"
	"github.com/open-edge-platform/bhyze/internal/utils/shell"
	"github.com/ulikunitz/xz"
)

// Result is the outcome of one remote command.
type Result struct {
	Command    string
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Executor runs shell commands on a single host. Run returns an error only
// for transport failures; a non-zero exit status is reported in Result.
type Executor interface {
	Host() string
	Run(ctx context.Context, command string) (*Result, error)
}

// Check converts a non-zero exit status into a *diagerr.RemoteCommandError.
func Check(host string, res *Result) error {
	if res.ExitStatus == 0 {
		return nil
	}
	return &diagerr.RemoteCommandError{
		Host:       host,
		Command:    res.Command,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitStatus: res.ExitStatus,
	}
}

// RunChecked runs command and fails on a non-zero exit status.
func RunChecked(ctx context.Context, ex Executor, command string) (*Result, error) {
	res, err := ex.Run(ctx, command)
	if err != nil {
		return nil, err
	}
	if err := Check(ex.Host(), res); err != nil {
		return res, err
	}
	return res, nil
}

// ReadFile returns the text content of a remote file. When the file does not
// exist it returns ("", false, nil) if tolerateMissing is set and a
// *diagerr.MissingResourceError otherwise. Files ending in
// CompressedLogSuffix are decompressed locally.
func ReadFile(ctx context.Context, ex Executor, path string, tolerateMissing bool) (string, bool, error) {
	probe, err := ex.Run(ctx, "test -f "+shell.Quote(path))
	if err != nil {
		return "", false, err
	}
	if probe.ExitStatus != 0 {
		if tolerateMissing {
			return "", false, nil
		}
		return "", false, &diagerr.MissingResourceError{
			Host: ex.Host(),
			Path: path,
			Err:  Check(ex.Host(), probe),
		}
	}

	res, err := RunChecked(ctx, ex, "cat "+shell.Quote(path))
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", path, err)
	}
	if !strings.HasSuffix(path, CompressedLogSuffix) {
		return res.Stdout, true, nil
	}

	text, err := decompressXZ(res.Stdout)
	if err != nil {
		return "", false, fmt.Errorf("decompressing %s: %w", path, err)
	}
	return text, true, nil
}

// CompressedLogSuffix marks a log compressed after rotation.
const CompressedLogSuffix = ".xz"

// ReadLog reads a log file like ReadFile, falling back to its compressed
// rotation path+CompressedLogSuffix when path does not exist. A log missing
// in both forms is reported under path.
func ReadLog(ctx context.Context, ex Executor, path string, tolerateMissing bool) (string, bool, error) {
	text, ok, err := ReadFile(ctx, ex, path, true)
	if err != nil || ok {
		return text, ok, err
	}
	text, ok, err = ReadFile(ctx, ex, path+CompressedLogSuffix, true)
	if err != nil || ok || tolerateMissing {
		return text, ok, err
	}
	return "", false, &diagerr.MissingResourceError{
		Host: ex.Host(),
		Path: path,
		Err:  fmt.Errorf("neither %s nor %s%s exists", path, path, CompressedLogSuffix),
	}
}

func decompressXZ(data string) (string, error) {
	r, err := xz.NewReader(strings.NewReader(data))
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ErrSessionClosed is returned by Run on a session that has been closed.
var ErrSessionClosed = errors.New("remote session is closed")
