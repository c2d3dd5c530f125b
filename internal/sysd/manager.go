// Package sysd wraps the systemd surface stackup depends on: unit
// lifecycle via systemctl, diagnostics via journalctl, and drop-in
// environment overrides for the primary application unit.
package sysd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	stackerrors "github.com/systmms/stackup/internal/errors"
	"github.com/systmms/stackup/internal/logging"
)

// DefaultDropInRoot is where unit drop-in directories live.
const DefaultDropInRoot = "/etc/systemd/system"

// Manager drives systemd units.
type Manager struct {
	runner     Runner
	logger     *logging.Logger
	dropInRoot string
}

// NewManager creates a Manager using the given runner. An empty dropInRoot
// selects the system default; tests point it at a temp directory.
func NewManager(runner Runner, logger *logging.Logger, dropInRoot string) *Manager {
	if dropInRoot == "" {
		dropInRoot = DefaultDropInRoot
	}
	return &Manager{
		runner:     runner,
		logger:     logger,
		dropInRoot: dropInRoot,
	}
}

// Start starts a unit.
func (m *Manager) Start(ctx context.Context, unit string) error {
	return m.systemctl(ctx, "start", unit)
}

// Restart restarts a unit, starting it if it was not running. Safe against
// an already-running instance; the restart picks up new configuration.
func (m *Manager) Restart(ctx context.Context, unit string) error {
	return m.systemctl(ctx, "restart", unit)
}

// Enable marks a unit to start at boot.
func (m *Manager) Enable(ctx context.Context, unit string) error {
	return m.systemctl(ctx, "enable", unit)
}

// DaemonReload makes systemd re-read unit files and drop-ins.
func (m *Manager) DaemonReload(ctx context.Context) error {
	return m.systemctl(ctx, "daemon-reload")
}

// IsActive reports whether the unit is in the active state.
func (m *Manager) IsActive(ctx context.Context, unit string) (bool, error) {
	stdout, _, err := m.runner.Execute(ctx, "systemctl", "is-active", unit)
	status := strings.TrimSpace(string(stdout))
	if status == "active" {
		return true, nil
	}
	// systemctl is-active exits non-zero for every non-active state; that
	// is a status answer, not an execution failure.
	if err != nil && status == "" {
		if _, ok := err.(*exec.ExitError); !ok {
			return false, fmt.Errorf("querying %s status: %w", unit, err)
		}
	}
	return false, nil
}

// IsFailed reports whether the unit has entered the failed state.
func (m *Manager) IsFailed(ctx context.Context, unit string) (bool, error) {
	stdout, _, _ := m.runner.Execute(ctx, "systemctl", "is-failed", unit)
	return strings.TrimSpace(string(stdout)) == "failed", nil
}

// RecentLogs returns the last n journal lines for a unit, for surfacing
// diagnostics when a service fails to come up.
func (m *Manager) RecentLogs(ctx context.Context, unit string, n int) (string, error) {
	stdout, stderr, err := m.runner.Execute(ctx, "journalctl",
		"-u", unit, "-n", fmt.Sprintf("%d", n), "--no-pager")
	if err != nil {
		return "", stackerrors.CommandError{
			Command:  fmt.Sprintf("journalctl -u %s", unit),
			ExitCode: exitCode(err),
			Message:  "failed to read unit logs",
			Stderr:   string(stderr),
		}
	}
	return string(stdout), nil
}

func (m *Manager) systemctl(ctx context.Context, args ...string) error {
	m.logger.Debug("systemctl %s", strings.Join(args, " "))
	_, stderr, err := m.runner.Execute(ctx, "systemctl", args...)
	if err != nil {
		return stackerrors.CommandError{
			Command:  "systemctl " + strings.Join(args, " "),
			ExitCode: exitCode(err),
			Stderr:   string(stderr),
		}
	}
	return nil
}

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// WriteDropIn installs an environment override fragment for a unit under
// <root>/<unit>.d/override.conf with owner-only permissions, then reloads
// the daemon so the next (re)start sees it. Values are escaped for unit
// file syntax; '%' in particular is a systemd specifier.
func (m *Manager) WriteDropIn(ctx context.Context, unit string, env map[string]string) (string, error) {
	dir := filepath.Join(m.dropInRoot, unit+".d")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating drop-in directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "override.conf")
	data := renderDropIn(env)

	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("writing drop-in: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("installing drop-in: %w", err)
	}

	if err := m.DaemonReload(ctx); err != nil {
		return "", err
	}
	m.logger.Debug("Wrote drop-in override for %s", unit)
	return path, nil
}

func renderDropIn(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# Managed by stackup. Rewritten on every install run.\n")
	b.WriteString("[Service]\n")
	for _, k := range keys {
		b.WriteString(`Environment="`)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escapeUnitValue(env[k]))
		b.WriteString("\"\n")
	}
	return []byte(b.String())
}

func escapeUnitValue(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '\\', '"':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '%':
			b.WriteString("%%")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
