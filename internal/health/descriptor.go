package health

import "time"

// Strategy selects how readiness is judged for a service.
type Strategy string

const (
	// ProcessStatus asks the service manager whether the unit is active.
	ProcessStatus Strategy = "process-status"

	// HTTPEndpoint probes a readiness URL; any 2xx response is ready.
	HTTPEndpoint Strategy = "http-endpoint"
)

// ServiceDescriptor describes how to wait for one service. Descriptors
// are fixed at orchestration-design time and never persisted.
type ServiceDescriptor struct {
	// Name identifies the service in logs and errors.
	Name string

	// Unit is the systemd unit backing the service (process-status).
	Unit string

	// Endpoint is the readiness URL (http-endpoint).
	Endpoint string

	// Requires lists services that must be healthy first. Purely
	// informational for the sequencer's ordering; the prober does not
	// resolve it.
	Requires []string

	// Strategy selects the probe kind.
	Strategy Strategy

	// Interval is the pause between probe attempts.
	Interval time.Duration

	// Timeout bounds the whole wait.
	Timeout time.Duration
}
