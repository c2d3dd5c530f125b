package sysd

import (
	"bytes"
	"context"
	"os/exec"
)

// Runner executes external commands. The interface exists so tests can
// script systemctl and journalctl behavior without a running init system.
type Runner interface {
	// Execute runs a command, returning stdout, stderr, and any error.
	Execute(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)
}

// ExecRunner is the production Runner backed by os/exec.
type ExecRunner struct{}

// Execute runs an actual command.
func (r ExecRunner) Execute(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
