package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/systmms/stackup/internal/errors"
)

// TestUserErrorFormatting verifies UserError displays properly
func TestUserErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.UserError{
		Message:    "Operation failed",
		Details:    "Connection timeout",
		Suggestion: "Check network connectivity",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "Operation failed")
	assert.Contains(t, errMsg, "Connection timeout")
	assert.Contains(t, errMsg, "Check network connectivity")
	assert.Contains(t, errMsg, "💡")
}

// TestUserErrorUnwrap verifies the wrapped cause survives
func TestUserErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection refused")
	err := errors.UserError{
		Message: "Database unreachable",
		Err:     cause,
	}

	assert.Equal(t, cause, err.Unwrap())
}

// TestValidationErrorFormatting verifies ValidationError displays with context
func TestValidationErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.ValidationError{
		Field:      "port",
		Value:      65536,
		Message:    "port must be between 1 and 65535",
		Suggestion: "Pass --port with a value in range",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "port")
	assert.Contains(t, errMsg, "65536")
	assert.Contains(t, errMsg, "between 1 and 65535")
	assert.Contains(t, errMsg, "--port")
}

// TestEnvironmentErrorFormatting verifies EnvironmentError names the failed check
func TestEnvironmentErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.EnvironmentError{
		Check:      "os-release",
		Message:    "unsupported distribution 'gentoo'",
		Suggestion: "Run on a Debian-family host",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "os-release")
	assert.Contains(t, errMsg, "gentoo")
	assert.Contains(t, errMsg, "Debian-family")
}

// TestCommandErrorFormatting verifies CommandError includes exit code and stderr
func TestCommandErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.CommandError{
		Command:  "systemctl restart redis-server",
		ExitCode: 1,
		Message:  "reload failed",
		Stderr:   "Job for redis-server.service failed",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "systemctl restart redis-server")
	assert.Contains(t, errMsg, "exit code: 1")
	assert.Contains(t, errMsg, "reload failed")
	assert.Contains(t, errMsg, "Job for redis-server.service failed")
}

// TestWrapCommandNotFound verifies missing-tool errors carry a suggestion
func TestWrapCommandNotFound(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("executable file not found in $PATH")
	err := errors.WrapCommandNotFound("systemctl", cause)

	assert.Contains(t, err.Error(), "systemctl")
	assert.Contains(t, err.Error(), "PATH")

	var userErr errors.UserError
	assert.ErrorAs(t, err, &userErr)
	assert.Equal(t, cause, userErr.Err)
}
