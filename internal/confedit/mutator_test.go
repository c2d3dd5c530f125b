package confedit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/stackup/internal/logging"
)

// fakeReloader scripts restart outcomes per attempt.
type fakeReloader struct {
	errs  []error
	calls []string
}

func (f *fakeReloader) Restart(ctx context.Context, unit string) error {
	f.calls = append(f.calls, unit)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "redis.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	return path
}

func mutation(path string) Mutation {
	return Mutation{
		TargetPath: path,
		Directive:  "requirepass",
		Value:      "s3cret",
		Service:    "redis-server",
	}
}

func TestApplySuccess(t *testing.T) {
	t.Parallel()

	path := writeConf(t, "port 6379\n# requirepass foobared\n")
	reloader := &fakeReloader{}
	m := NewMutator(reloader, logging.New(false, true))

	backup, err := m.Apply(context.Background(), mutation(path))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "requirepass s3cret")
	assert.Contains(t, string(data), "# requirepass foobared")

	assert.Equal(t, []string{"redis-server"}, reloader.calls)

	// The backup holds the pre-mutation content.
	original, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "port 6379\n# requirepass foobared\n", string(original))

	// Target file mode is preserved.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestApplyMissingTarget(t *testing.T) {
	t.Parallel()

	m := NewMutator(&fakeReloader{}, logging.New(false, true))
	_, err := m.Apply(context.Background(), mutation(filepath.Join(t.TempDir(), "missing.conf")))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestApplyRollsBackOnReloadFailure(t *testing.T) {
	t.Parallel()

	const original = "port 6379\nmaxmemory 1gb\n"
	path := writeConf(t, original)

	reloader := &fakeReloader{errs: []error{fmt.Errorf("unit failed to start")}}
	m := NewMutator(reloader, logging.New(false, true))

	_, err := m.Apply(context.Background(), mutation(path))
	require.ErrorIs(t, err, ErrRolledBack)

	// Target content equals its pre-run content, restored from backup.
	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, original, string(data))

	// Reload was attempted on the new config, then retried once on the
	// restored config.
	assert.Equal(t, []string{"redis-server", "redis-server"}, reloader.calls)
}

func TestApplyIrrecoverableWhenRestoredConfigStillFails(t *testing.T) {
	t.Parallel()

	path := writeConf(t, "port 6379\n")
	reloader := &fakeReloader{errs: []error{
		fmt.Errorf("unit failed to start"),
		fmt.Errorf("unit still failing"),
	}}
	m := NewMutator(reloader, logging.New(false, true))

	_, err := m.Apply(context.Background(), mutation(path))
	assert.ErrorIs(t, err, ErrIrrecoverable)
}
