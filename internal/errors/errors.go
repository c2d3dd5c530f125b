package errors

import (
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ValidationError represents invalid caller input, detected before any
// mutation of the host
type ValidationError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ValidationError) Error() string {
	msg := "Invalid configuration"
	if e.Field != "" {
		msg += fmt.Sprintf(" for '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// EnvironmentError represents an unsupported or incomplete host environment,
// detected before provisioning begins
type EnvironmentError struct {
	Check      string
	Message    string
	Suggestion string
}

func (e EnvironmentError) Error() string {
	msg := fmt.Sprintf("Environment check '%s' failed: %s", e.Check, e.Message)
	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}
	return msg
}

// CommandError represents an external command execution error
type CommandError struct {
	Command    string
	ExitCode   int
	Message    string
	Stderr     string
	Suggestion string
}

func (e CommandError) Error() string {
	msg := fmt.Sprintf("Command '%s' failed", e.Command)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code: %d)", e.ExitCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Stderr != "" {
		msg += "\n  Details: " + strings.TrimSpace(e.Stderr)
	}

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// WrapCommandNotFound builds a UserError for a required external tool that
// is missing from PATH
func WrapCommandNotFound(command string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("Required tool '%s' not found", command),
		Suggestion: fmt.Sprintf("Install '%s' and make sure it is on PATH", command),
		Err:        err,
	}
}
