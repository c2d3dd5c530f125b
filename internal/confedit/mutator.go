package confedit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/systmms/stackup/internal/logging"
)

// ErrConfigNotFound means the target configuration file does not exist;
// nothing was mutated.
var ErrConfigNotFound = errors.New("target configuration file not found")

// ErrRolledBack means the mutation was applied, the service reload failed,
// and the original configuration was restored. The host is consistent but
// the desired change is not in effect.
var ErrRolledBack = errors.New("configuration mutation rolled back")

// ErrIrrecoverable means rollback itself failed. The dependent service's
// configuration may be inconsistent and requires manual intervention.
var ErrIrrecoverable = errors.New("configuration mutation irrecoverable")

// Mutation describes a single directive change in a service's config file.
type Mutation struct {
	// TargetPath is the configuration file to edit.
	TargetPath string

	// Directive and Value describe the line to replace or append.
	Directive string
	Value     string

	// Service is the systemd unit to restart so the change takes effect.
	Service string
}

// ServiceReloader restarts the service owning the mutated configuration.
type ServiceReloader interface {
	Restart(ctx context.Context, unit string) error
}

// Mutator applies Mutations with backup-before-write and restore-on-failure.
type Mutator struct {
	reloader ServiceReloader
	logger   *logging.Logger
	now      func() time.Time
}

// NewMutator creates a Mutator.
func NewMutator(reloader ServiceReloader, logger *logging.Logger) *Mutator {
	return &Mutator{
		reloader: reloader,
		logger:   logger,
		now:      time.Now,
	}
}

// Apply performs the mutation as an all-or-nothing unit: either the target
// reflects the new value and the owning service restarted successfully, or
// the target is restored from backup. The edit itself is deterministic and
// never retried; only the reload step is retried, once, during rollback.
func (m *Mutator) Apply(ctx context.Context, mut Mutation) (backupPath string, err error) {
	info, err := os.Stat(mut.TargetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, mut.TargetPath)
		}
		return "", fmt.Errorf("inspecting %s: %w", mut.TargetPath, err)
	}

	original, err := os.ReadFile(mut.TargetPath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", mut.TargetPath, err)
	}

	backupPath = fmt.Sprintf("%s.stackup-backup.%s", mut.TargetPath, m.now().Format("20060102-150405"))
	if err := os.WriteFile(backupPath, original, info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("writing backup %s: %w", backupPath, err)
	}
	m.logger.Debug("Backed up %s to %s", mut.TargetPath, backupPath)

	file := Parse(original)
	file.Set(mut.Directive, mut.Value)
	if err := m.install(mut.TargetPath, file.Bytes(), info.Mode().Perm()); err != nil {
		return backupPath, err
	}

	if err := m.reloader.Restart(ctx, mut.Service); err == nil {
		m.logger.Debug("Applied %s directive to %s", mut.Directive, mut.TargetPath)
		return backupPath, nil
	} else {
		m.logger.Warn("Reload of %s failed after editing %s, restoring backup", mut.Service, mut.TargetPath)
		return backupPath, m.rollback(ctx, mut, original, info.Mode().Perm(), err)
	}
}

func (m *Mutator) rollback(ctx context.Context, mut Mutation, original []byte, perm os.FileMode, reloadErr error) error {
	if err := m.install(mut.TargetPath, original, perm); err != nil {
		return fmt.Errorf("%w: restore of %s failed (%v) after reload failure: %v",
			ErrIrrecoverable, mut.TargetPath, err, reloadErr)
	}
	if err := m.reloader.Restart(ctx, mut.Service); err != nil {
		return fmt.Errorf("%w: %s will not start even on restored configuration (%v); original failure: %v",
			ErrIrrecoverable, mut.Service, err, reloadErr)
	}
	return fmt.Errorf("%w: %s rejected the new configuration: %v", ErrRolledBack, mut.Service, reloadErr)
}

// install atomically replaces the target so a crashed writer never leaves
// a half-written service configuration.
func (m *Mutator) install(path string, data []byte, perm os.FileMode) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("installing %s: %w", path, err)
	}
	return nil
}
