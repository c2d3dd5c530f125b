// Package testutil provides testing utilities for stackup.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockCommandExecutor scripts command behavior so tests can exercise
// systemctl and journalctl interactions without an init system. It
// satisfies sysd.Runner.
type MockCommandExecutor struct {
	mu sync.Mutex

	// Responses maps command patterns ("command arg1 arg2", prefix or
	// '*'-wildcard) to a fixed response.
	Responses map[string]MockResponse

	// Sequences maps patterns to ordered responses consumed one call at a
	// time; the final response repeats once the sequence is exhausted.
	// Used to script services that become healthy after a few polls.
	Sequences map[string][]MockResponse

	// DefaultResponse used when no pattern matches.
	DefaultResponse *MockResponse

	// RecordedCalls stores every Execute invocation for verification.
	RecordedCalls []RecordedCall

	// StrictMode fails Execute when no matching response exists.
	StrictMode bool
}

// MockResponse defines the scripted output for a command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// RecordedCall stores information about one command execution.
type RecordedCall struct {
	Command string
	Args    []string
}

// NewMockCommandExecutor creates a mock with no scripted responses.
func NewMockCommandExecutor() *MockCommandExecutor {
	return &MockCommandExecutor{
		Responses: make(map[string]MockResponse),
		Sequences: make(map[string][]MockResponse),
	}
}

// Execute returns the scripted response for the given command.
func (m *MockCommandExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RecordedCalls = append(m.RecordedCalls, RecordedCall{Command: name, Args: args})

	key := buildKey(name, args)

	for pattern, queue := range m.Sequences {
		if matchesPattern(key, pattern) {
			resp := queue[0]
			if len(queue) > 1 {
				m.Sequences[pattern] = queue[1:]
			}
			return resp.Stdout, resp.Stderr, resp.Err
		}
	}

	if resp, ok := m.Responses[key]; ok {
		return resp.Stdout, resp.Stderr, resp.Err
	}
	for pattern, resp := range m.Responses {
		if matchesPattern(key, pattern) {
			return resp.Stdout, resp.Stderr, resp.Err
		}
	}

	if m.DefaultResponse != nil {
		return m.DefaultResponse.Stdout, m.DefaultResponse.Stderr, m.DefaultResponse.Err
	}

	if m.StrictMode {
		return nil, nil, fmt.Errorf("mock: no response configured for command: %s", key)
	}
	return []byte{}, []byte{}, nil
}

func buildKey(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

func matchesPattern(key, pattern string) bool {
	if strings.Contains(pattern, "*") {
		return strings.HasPrefix(key, strings.Split(pattern, "*")[0])
	}
	return strings.HasPrefix(key, pattern)
}

// AddResponse registers a fixed response for a command pattern.
func (m *MockCommandExecutor) AddResponse(commandPattern string, response MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[commandPattern] = response
}

// AddOutput registers a successful response with the given stdout.
func (m *MockCommandExecutor) AddOutput(commandPattern, stdout string) {
	m.AddResponse(commandPattern, MockResponse{Stdout: []byte(stdout)})
}

// AddErrorResponse registers a failing response for a command pattern.
func (m *MockCommandExecutor) AddErrorResponse(commandPattern string, errMsg string, exitCode int) {
	m.AddResponse(commandPattern, MockResponse{
		Stderr: []byte(errMsg),
		Err:    fmt.Errorf("exit status %d: %s", exitCode, errMsg),
	})
}

// AddSequence registers ordered responses consumed one per call.
func (m *MockCommandExecutor) AddSequence(commandPattern string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sequences[commandPattern] = responses
}

// GetCalls returns the recorded calls for a command name.
func (m *MockCommandExecutor) GetCalls(commandName string) []RecordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []RecordedCall
	for _, call := range m.RecordedCalls {
		if call.Command == commandName {
			matches = append(matches, call)
		}
	}
	return matches
}

// CallCount returns the number of Execute invocations.
func (m *MockCommandExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.RecordedCalls)
}

// CalledWith reports whether a call matching the full key prefix was made.
func (m *MockCommandExecutor) CalledWith(name string, args ...string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := buildKey(name, args)
	for _, call := range m.RecordedCalls {
		if strings.HasPrefix(buildKey(call.Command, call.Args), want) {
			return true
		}
	}
	return false
}
