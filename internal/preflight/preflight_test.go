package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stackerrors "github.com/systmms/stackup/internal/errors"
	"github.com/systmms/stackup/internal/logging"
	"github.com/systmms/stackup/tests/testutil"
)

func newChecker(t *testing.T, osRelease string) (*Checker, *testutil.MockCommandExecutor) {
	t.Helper()

	mock := testutil.NewMockCommandExecutor()
	checker := NewChecker(mock, logging.New(false, true))

	path := filepath.Join(t.TempDir(), "os-release")
	require.NoError(t, os.WriteFile(path, []byte(osRelease), 0644))
	checker.SetOSReleasePath(path)
	checker.SetLookPath(func(string) (string, error) { return "/usr/bin/tool", nil })

	return checker, mock
}

func TestCheckHostAcceptsDebianFamily(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		osRelease string
		ok        bool
	}{
		{"debian", "ID=debian\nVERSION_ID=\"12\"\n", true},
		{"ubuntu", "ID=ubuntu\nID_LIKE=debian\n", true},
		{"mint_like_debian", "ID=linuxmint\nID_LIKE=\"ubuntu debian\"\n", true},
		{"fedora", "ID=fedora\nID_LIKE=\"rhel centos\"\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checker, _ := newChecker(t, tt.osRelease)
			err := checker.CheckHost(nil)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				var envErr stackerrors.EnvironmentError
				assert.ErrorAs(t, err, &envErr)
			}
		})
	}
}

func TestCheckHostMissingTool(t *testing.T) {
	t.Parallel()

	checker, _ := newChecker(t, "ID=debian\n")
	checker.SetLookPath(func(tool string) (string, error) {
		if tool == "systemctl" {
			return "/bin/systemctl", nil
		}
		return "", fmt.Errorf("executable file not found in $PATH")
	})

	err := checker.CheckHost([]string{"systemctl", "redis-server"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis-server")
}

func TestUpdateSystem(t *testing.T) {
	t.Parallel()

	checker, mock := newChecker(t, "ID=debian\n")
	require.NoError(t, checker.UpdateSystem(context.Background()))

	assert.True(t, mock.CalledWith("apt-get", "update"))
	assert.True(t, mock.CalledWith("apt-get", "-y", "upgrade"))
}

func TestUpdateSystemFailure(t *testing.T) {
	t.Parallel()

	checker, mock := newChecker(t, "ID=debian\n")
	mock.AddErrorResponse("apt-get update", "Could not resolve archive.ubuntu.com", 100)

	err := checker.UpdateSystem(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive.ubuntu.com")
}
