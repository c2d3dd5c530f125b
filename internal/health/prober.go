package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/systmms/stackup/internal/logging"
)

// StatusSource answers process-level liveness questions. sysd.Manager is
// the production implementation.
type StatusSource interface {
	IsActive(ctx context.Context, unit string) (bool, error)
	IsFailed(ctx context.Context, unit string) (bool, error)
}

// HTTPClient is the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober waits for services to become healthy.
type Prober struct {
	status StatusSource
	client HTTPClient
	logger *logging.Logger
}

// NewProber creates a Prober. Probe metrics are registered lazily on
// first use.
func NewProber(status StatusSource, logger *logging.Logger) *Prober {
	return &Prober{
		status: status,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// SetClient sets a custom HTTP client for testing.
func (p *Prober) SetClient(client HTTPClient) {
	p.client = client
}

// WaitHealthy polls the service per its descriptor until it is healthy,
// terminally failed, or out of time. A unit in systemd's failed state
// aborts immediately: exhausting the timeout on a crashed service only
// delays the diagnosis.
func (p *Prober) WaitHealthy(ctx context.Context, svc ServiceDescriptor) error {
	start := time.Now()
	p.logger.Debug("Waiting up to %s for %s (%s)", svc.Timeout, svc.Name, svc.Strategy)

	err := Poll(ctx, svc.Interval, svc.Timeout, p.probeFor(svc))

	outcome := "healthy"
	if err != nil {
		outcome = "unhealthy"
	}
	observeWait(svc.Name, outcome, time.Since(start))

	if err != nil {
		return fmt.Errorf("service %s: %w", svc.Name, err)
	}
	p.logger.Debug("Service %s healthy after %s", svc.Name, time.Since(start).Round(time.Millisecond))
	return nil
}

// Check performs a single probe, for status reporting.
func (p *Prober) Check(ctx context.Context, svc ServiceDescriptor) (bool, error) {
	return p.probeFor(svc)(ctx)
}

func (p *Prober) probeFor(svc ServiceDescriptor) Probe {
	switch svc.Strategy {
	case HTTPEndpoint:
		return p.httpProbe(svc)
	default:
		return p.processProbe(svc)
	}
}

func (p *Prober) processProbe(svc ServiceDescriptor) Probe {
	return func(ctx context.Context) (bool, error) {
		countProbe(svc.Name, string(ProcessStatus))

		failed, err := p.status.IsFailed(ctx, svc.Unit)
		if err != nil {
			return false, err
		}
		if failed {
			return false, Terminal(fmt.Errorf("unit %s entered failed state", svc.Unit))
		}

		active, err := p.status.IsActive(ctx, svc.Unit)
		if err != nil {
			return false, err
		}
		return active, nil
	}
}

func (p *Prober) httpProbe(svc ServiceDescriptor) Probe {
	return func(ctx context.Context) (bool, error) {
		countProbe(svc.Name, string(HTTPEndpoint))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.Endpoint, nil)
		if err != nil {
			return false, Terminal(fmt.Errorf("building probe request: %w", err))
		}

		resp, err := p.client.Do(req)
		if err != nil {
			// Connection refused just means not listening yet.
			return false, fmt.Errorf("probe request failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true, nil
		}
		// Any non-success response is "not yet ready" until the budget
		// runs out.
		return false, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
}
