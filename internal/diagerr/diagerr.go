// Package diagerr holds the error taxonomy shared by the collector, the
// analyzer and the CLI. Every error here is fatal for the operation that
// returned it; nothing is retried.
package diagerr

import (
	"fmt"
	"strings"
)

// ValidationError reports inputs that cannot be compared at all, such as two
// builds for different platforms.
type ValidationError struct {
	Field     string
	Reference string
	Inspect   string
	Msg       string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Msg
	}
	return fmt.Sprintf("validation failed: %s mismatch (%q vs %q)", e.Field, e.Reference, e.Inspect)
}

// MissingResourceError reports a remote file or directory that must exist.
type MissingResourceError struct {
	Host string
	Path string
	Err  error
}

func (e *MissingResourceError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("missing resource %s", e.Path)
	}
	return fmt.Sprintf("missing resource %s:%s", e.Host, e.Path)
}

func (e *MissingResourceError) Unwrap() error { return e.Err }

// ParseError reports a log line that did not match the marker pattern it was
// expected to match.
type ParseError struct {
	Source  string
	Line    string
	Pattern string
	Err     error
}

func (e *ParseError) Error() string {
	var sb strings.Builder
	sb.WriteString("parse error")
	if e.Source != "" {
		sb.WriteString(" in " + e.Source)
	}
	if e.Pattern != "" {
		sb.WriteString(fmt.Sprintf(": expected %q", e.Pattern))
	}
	if e.Line != "" {
		sb.WriteString(fmt.Sprintf(", got %q", e.Line))
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// RemoteCommandError reports a remote command that exited non-zero.
type RemoteCommandError struct {
	Host       string
	Command    string
	Stdout     string
	Stderr     string
	ExitStatus int
}

func (e *RemoteCommandError) Error() string {
	return fmt.Sprintf("command %q on %s failed with status %d stdout: %q stderr: %q",
		e.Command, e.Host, e.ExitStatus, e.Stdout, e.Stderr)
}
