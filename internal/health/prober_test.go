package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/stackup/internal/logging"
)

// fakeStatus scripts systemd unit state transitions.
type fakeStatus struct {
	states []string // consumed one per IsActive call; last repeats
	failed bool
}

func (f *fakeStatus) IsActive(ctx context.Context, unit string) (bool, error) {
	state := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return state == "active", nil
}

func (f *fakeStatus) IsFailed(ctx context.Context, unit string) (bool, error) {
	return f.failed, nil
}

func descriptor(strategy Strategy) ServiceDescriptor {
	return ServiceDescriptor{
		Name:     "postgresql",
		Unit:     "postgresql",
		Strategy: strategy,
		Interval: time.Millisecond,
		Timeout:  100 * time.Millisecond,
	}
}

func TestWaitHealthyProcessBecomesActive(t *testing.T) {
	t.Parallel()

	status := &fakeStatus{states: []string{"activating", "activating", "active"}}
	prober := NewProber(status, logging.New(false, true))

	err := prober.WaitHealthy(context.Background(), descriptor(ProcessStatus))
	assert.NoError(t, err)
}

func TestWaitHealthyProcessNeverActive(t *testing.T) {
	t.Parallel()

	status := &fakeStatus{states: []string{"inactive"}}
	prober := NewProber(status, logging.New(false, true))

	err := prober.WaitHealthy(context.Background(), descriptor(ProcessStatus))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitHealthyFailedUnitAbortsEarly(t *testing.T) {
	t.Parallel()

	status := &fakeStatus{states: []string{"failed"}, failed: true}
	prober := NewProber(status, logging.New(false, true))

	svc := descriptor(ProcessStatus)
	svc.Timeout = time.Hour // must not matter

	start := time.Now()
	err := prober.WaitHealthy(context.Background(), svc)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitHealthyHTTPEndpoint(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	prober := NewProber(&fakeStatus{states: []string{"active"}}, logging.New(false, true))
	svc := ServiceDescriptor{
		Name:     "apiserver",
		Endpoint: server.URL + "/healthz",
		Strategy: HTTPEndpoint,
		Interval: time.Millisecond,
		Timeout:  2 * time.Second,
	}

	err := prober.WaitHealthy(context.Background(), svc)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestWaitHealthyHTTPNeverReady(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	prober := NewProber(&fakeStatus{states: []string{"active"}}, logging.New(false, true))
	svc := ServiceDescriptor{
		Name:     "apiserver",
		Endpoint: server.URL + "/healthz",
		Strategy: HTTPEndpoint,
		Interval: time.Millisecond,
		Timeout:  50 * time.Millisecond,
	}

	err := prober.WaitHealthy(context.Background(), svc)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "500")
}

func TestWaitHealthyHTTPConnectionRefusedIsRetried(t *testing.T) {
	t.Parallel()

	// A dead endpoint is "not yet listening", not a terminal failure.
	prober := NewProber(&fakeStatus{states: []string{"active"}}, logging.New(false, true))
	svc := ServiceDescriptor{
		Name:     "apiserver",
		Endpoint: "http://127.0.0.1:1/healthz",
		Strategy: HTTPEndpoint,
		Interval: time.Millisecond,
		Timeout:  30 * time.Millisecond,
	}

	err := prober.WaitHealthy(context.Background(), svc)
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, IsTerminal(err))
}
