// Package preflight verifies the host before provisioning begins. Every
// failure here is fatal and happens before any mutation, so a rejected
// host is left exactly as it was found.
package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	stackerrors "github.com/systmms/stackup/internal/errors"
	"github.com/systmms/stackup/internal/logging"
	"github.com/systmms/stackup/internal/sysd"
)

// Checker runs host environment checks.
type Checker struct {
	runner        sysd.Runner
	logger        *logging.Logger
	osReleasePath string
	lookPath      func(string) (string, error)
}

// NewChecker creates a Checker.
func NewChecker(runner sysd.Runner, logger *logging.Logger) *Checker {
	return &Checker{
		runner:        runner,
		logger:        logger,
		osReleasePath: "/etc/os-release",
		lookPath:      exec.LookPath,
	}
}

// SetOSReleasePath overrides the os-release location, for tests.
func (c *Checker) SetOSReleasePath(path string) {
	c.osReleasePath = path
}

// SetLookPath overrides tool lookup, for tests.
func (c *Checker) SetLookPath(fn func(string) (string, error)) {
	c.lookPath = fn
}

// CheckHost verifies the OS family and that every required tool is on
// PATH.
func (c *Checker) CheckHost(requiredTools []string) error {
	if err := c.checkOSFamily(); err != nil {
		return err
	}

	for _, tool := range requiredTools {
		if _, err := c.lookPath(tool); err != nil {
			return stackerrors.WrapCommandNotFound(tool, err)
		}
		c.logger.Debug("Found required tool %s", tool)
	}
	return nil
}

// checkOSFamily accepts Debian-family hosts only; the stack topology
// assumes apt packaging and Debian unit names.
func (c *Checker) checkOSFamily() error {
	data, err := os.ReadFile(c.osReleasePath)
	if err != nil {
		return stackerrors.EnvironmentError{
			Check:      "os-release",
			Message:    fmt.Sprintf("cannot read %s: %v", c.osReleasePath, err),
			Suggestion: "Run on a Debian or Ubuntu host",
		}
	}

	id, idLike := parseOSRelease(string(data))
	if id == "debian" || id == "ubuntu" || strings.Contains(idLike, "debian") {
		c.logger.Debug("Host OS %s is supported", id)
		return nil
	}
	return stackerrors.EnvironmentError{
		Check:      "os-release",
		Message:    fmt.Sprintf("unsupported distribution %q", id),
		Suggestion: "Run on a Debian or Ubuntu host",
	}
}

func parseOSRelease(content string) (id, idLike string) {
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "ID":
			id = value
		case "ID_LIKE":
			idLike = value
		}
	}
	return id, idLike
}

// UpdateSystem refreshes the package index and applies pending upgrades.
// Skipped entirely when the caller passed the skip flag.
func (c *Checker) UpdateSystem(ctx context.Context) error {
	c.logger.Info("Updating system packages")

	for _, args := range [][]string{
		{"update"},
		{"-y", "upgrade"},
	} {
		if _, stderr, err := c.runner.Execute(ctx, "apt-get", args...); err != nil {
			return stackerrors.CommandError{
				Command: "apt-get " + strings.Join(args, " "),
				Message: "system update failed",
				Stderr:  string(stderr),
			}
		}
	}
	return nil
}
