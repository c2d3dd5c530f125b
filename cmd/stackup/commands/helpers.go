package commands

import (
	"errors"
	"path/filepath"

	"github.com/systmms/stackup/internal/config"
	"github.com/systmms/stackup/internal/logging"
	"github.com/systmms/stackup/internal/state"
)

// Globals carries the persistent-flag values into every subcommand. The
// root command populates it in PersistentPreRun, before any RunE fires.
type Globals struct {
	ConfigPath     string
	Logger         *logging.Logger
	NonInteractive bool
}

// resolveSettings merges stackup.yaml, the persisted deployment record,
// and flag overrides into validated settings. The persisted record is nil
// on a first run; a corrupt or unreadable state file is an error.
func resolveSettings(g *Globals, flags config.Overrides) (*config.Settings, *state.Store, *state.Record, error) {
	file, err := config.LoadFile(g.ConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}

	// The state dir must be settled before the record can be loaded, so
	// its precedence is applied here ahead of the full Resolve.
	stateDir := config.Defaults().StateDir
	if file.StateDir != "" {
		stateDir = file.StateDir
	}
	if flags.StateDir != "" {
		stateDir = flags.StateDir
	}

	store := state.NewStore(filepath.Join(stateDir, "stackup.state"))
	persisted, err := store.Load()
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			return nil, nil, nil, err
		}
		persisted = nil
	}

	flags.NonInteractive = g.NonInteractive
	settings, err := config.Resolve(file, persisted, flags)
	if err != nil {
		return nil, nil, nil, err
	}
	settings.Logger = g.Logger
	return settings, store, persisted, nil
}
