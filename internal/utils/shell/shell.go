package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/open-edge-platform/bhyze/internal/utils/logger"
)

// ExecCmd runs a command on the local host. It is a variable so tests can
// substitute canned output.
var ExecCmd = execCmd

// getShell returns the preferred shell, falling back to /bin/sh if bash is not available
func getShell() string {
	shells := []string{"/bin/bash", "/usr/bin/bash", "/bin/sh"}
	for _, shell := range shells {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	return "/bin/sh" // fallback
}

// GetFullCmdStr prefixes the command with the given environment assignments
func GetFullCmdStr(cmdStr string, envVal []string) string {
	if len(envVal) == 0 {
		return cmdStr
	}
	return strings.Join(envVal, " ") + " " + cmdStr
}

// execCmd executes a command and returns its stdout. Stderr is logged and
// folded into the error on failure.
func execCmd(ctx context.Context, cmdStr string, envVal []string) (string, error) {
	log := logger.Logger()
	fullCmdStr := GetFullCmdStr(cmdStr, envVal)
	log.Debugf("Exec: [%s]", fullCmdStr)

	cmd := exec.CommandContext(ctx, getShell(), "-c", fullCmdStr)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	outputStr := stdout.String()
	errStr := strings.TrimSpace(stderr.String())

	if err != nil {
		if errStr != "" {
			log.Info(errStr)
		}
		return outputStr, fmt.Errorf("failed to exec %s: %w (stderr: %q)", fullCmdStr, err, errStr)
	}
	if errStr != "" {
		log.Debug(errStr)
	}
	return outputStr, nil
}

// Quote wraps s in single quotes for a POSIX shell, escaping embedded quotes.
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuoting) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("/._-+:=@%,", r):
		return false
	}
	return true
}
