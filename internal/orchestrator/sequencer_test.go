package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/stackup/internal/confedit"
	"github.com/systmms/stackup/internal/config"
	"github.com/systmms/stackup/internal/dbsync"
	"github.com/systmms/stackup/internal/envfile"
	"github.com/systmms/stackup/internal/health"
	"github.com/systmms/stackup/internal/logging"
	"github.com/systmms/stackup/internal/state"
)

var hexSecretRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// fakeManager records systemctl-level interactions.
type fakeManager struct {
	calls      []string
	failOn     map[string]error
	journal    map[string]string
	dropInEnv  map[string]string
	dropInUnit string
}

func newFakeManager() *fakeManager {
	return &fakeManager{failOn: map[string]error{}, journal: map[string]string{}}
}

func (m *fakeManager) do(verb, unit string) error {
	call := verb + " " + unit
	m.calls = append(m.calls, call)
	return m.failOn[call]
}

func (m *fakeManager) Start(_ context.Context, unit string) error   { return m.do("start", unit) }
func (m *fakeManager) Restart(_ context.Context, unit string) error { return m.do("restart", unit) }
func (m *fakeManager) Enable(_ context.Context, unit string) error  { return m.do("enable", unit) }

func (m *fakeManager) RecentLogs(_ context.Context, unit string, _ int) (string, error) {
	return m.journal[unit], nil
}

func (m *fakeManager) WriteDropIn(_ context.Context, unit string, env map[string]string) (string, error) {
	m.calls = append(m.calls, "drop-in "+unit)
	m.dropInUnit = unit
	m.dropInEnv = env
	return "/run/systemd/" + unit + ".d/override.conf", nil
}

type fakeMutator struct {
	mutations []confedit.Mutation
	err       error
}

func (f *fakeMutator) Apply(_ context.Context, mut confedit.Mutation) (string, error) {
	f.mutations = append(f.mutations, mut)
	if f.err != nil {
		return "", f.err
	}
	return mut.TargetPath + ".stackup-backup.20260830T000000Z", nil
}

type fakeProber struct {
	waited []health.ServiceDescriptor
	failOn map[string]error // keyed by descriptor name + "/" + strategy
}

func (f *fakeProber) WaitHealthy(_ context.Context, svc health.ServiceDescriptor) error {
	f.waited = append(f.waited, svc)
	if f.failOn == nil {
		return nil
	}
	return f.failOn[svc.Name+"/"+string(svc.Strategy)]
}

type fakeSyncer struct {
	calls    []string
	failPing error
	closed   bool
}

func (f *fakeSyncer) Ping(context.Context) error {
	f.calls = append(f.calls, "ping")
	return f.failPing
}

func (f *fakeSyncer) EnsureRole(_ context.Context, user, password string) error {
	f.calls = append(f.calls, fmt.Sprintf("role %s %s", user, password))
	return nil
}

func (f *fakeSyncer) EnsureDatabase(_ context.Context, name, owner string) error {
	f.calls = append(f.calls, fmt.Sprintf("db %s %s", name, owner))
	return nil
}

func (f *fakeSyncer) Close() error {
	f.closed = true
	return nil
}

type fakeChecker struct {
	checkedTools []string
	updated      bool
}

func (f *fakeChecker) CheckHost(tools []string) error {
	f.checkedTools = tools
	return nil
}

func (f *fakeChecker) UpdateSystem(context.Context) error {
	f.updated = true
	return nil
}

type fakeReporter struct {
	record     *state.Record
	dropInPath string
	calls      int
}

func (f *fakeReporter) Write(_ *config.Settings, record *state.Record, dropInPath string) error {
	f.calls++
	f.record = record
	f.dropInPath = dropInPath
	return nil
}

// harness bundles a sequencer with its fakes over a temp state dir.
type harness struct {
	seq      *Sequencer
	settings *config.Settings
	store    *state.Store
	manager  *fakeManager
	mutator  *fakeMutator
	prober   *fakeProber
	syncer   *fakeSyncer
	checker  *fakeChecker
	reporter *fakeReporter
}

func newHarness(t *testing.T, mutate func(*config.Settings, *Options)) *harness {
	t.Helper()

	settings := config.Defaults()
	settings.StateDir = t.TempDir()
	settings.SkipSystemUpdate = true
	settings.DBPort = dbsync.DefaultPort(settings.Engine)
	settings.CacheConfigPath = filepath.Join(settings.StateDir, "redis.conf")

	h := &harness{
		settings: &settings,
		store:    state.NewStore(settings.StatePath()),
		manager:  newFakeManager(),
		mutator:  &fakeMutator{},
		prober:   &fakeProber{},
		syncer:   &fakeSyncer{},
		checker:  &fakeChecker{},
		reporter: &fakeReporter{},
	}

	opts := Options{
		Settings: h.settings,
		Store:    h.store,
		Manager:  h.manager,
		Mutator:  h.mutator,
		Prober:   h.prober,
		Checker:  h.checker,
		SyncerFor: func(dbsync.Engine) (CredentialSyncer, error) {
			return h.syncer, nil
		},
		Reporter: h.reporter,
		Logger:   logging.NewWithWriter(io.Discard, true, true),
		Timing: Timing{
			DependentTimeout: 50 * time.Millisecond,
			PrimaryTimeout:   50 * time.Millisecond,
			EndpointTimeout:  50 * time.Millisecond,
			ProbeInterval:    time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(h.settings, &opts)
	}
	h.seq = NewSequencer(opts)
	return h
}

func TestRunStandaloneHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.seq.Run(context.Background()))

	// All secrets generated and persisted.
	record, err := h.store.Load()
	require.NoError(t, err)
	for _, field := range state.SecretFields() {
		assert.Regexp(t, hexSecretRe, record.Get(field), "field %s", field)
		assert.Equal(t, state.SourceGenerated, record.Source(field))
	}
	assert.Equal(t, "app", record.Get(state.FieldDBUser))
	assert.Equal(t, "8080", record.Get(state.FieldBindPort))

	// Services came up in dependency order.
	assert.Equal(t, []string{
		"enable postgresql",
		"start postgresql",
		"enable redis-server",
		"drop-in apiserver.service",
		"enable apiserver.service",
		"restart apiserver.service",
	}, h.manager.calls)

	// Cache authentication mutation carried the generated password.
	require.Len(t, h.mutator.mutations, 1)
	mut := h.mutator.mutations[0]
	assert.Equal(t, h.settings.CacheConfigPath, mut.TargetPath)
	assert.Equal(t, "requirepass", mut.Directive)
	assert.Equal(t, record.Get(state.FieldCachePassword), mut.Value)
	assert.Equal(t, "redis-server", mut.Service)

	// Credentials reconciled against the store.
	assert.Equal(t, []string{
		"ping",
		"role app " + record.Get(state.FieldDBPassword),
		"db app app",
	}, h.syncer.calls)
	assert.True(t, h.syncer.closed)

	// Environment artifact is parseable and carries the connection URL.
	data, err := os.ReadFile(h.settings.EnvArtifactPath())
	require.NoError(t, err)
	env, err := envfile.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, record.Get(state.FieldDBPassword), env["DB_PASSWORD"])
	assert.Contains(t, env["DATABASE_URL"], "postgres://app:")
	assert.NotContains(t, env["DATABASE_URL"], "@DB_PASSWORD@")

	info, err := os.Stat(h.settings.EnvArtifactPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Drop-in mirrored the artifact, report got the drop-in path.
	assert.Equal(t, "apiserver.service", h.manager.dropInUnit)
	assert.Equal(t, env["SIGNING_SECRET"], h.manager.dropInEnv["SIGNING_SECRET"])
	assert.Equal(t, 1, h.reporter.calls)
	assert.Contains(t, h.reporter.dropInPath, "override.conf")

	// Lock released after the run.
	_, err = os.Stat(filepath.Join(h.settings.StateDir, "stackup.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunReusesPersistedSecrets(t *testing.T) {
	t.Parallel()

	first := newHarness(t, nil)
	require.NoError(t, first.seq.Run(context.Background()))
	persisted, err := first.store.Load()
	require.NoError(t, err)

	second := newHarness(t, func(s *config.Settings, opts *Options) {
		s.StateDir = first.settings.StateDir
		opts.Store = first.store
		opts.Persisted = persisted
	})
	require.NoError(t, second.seq.Run(context.Background()))

	record, err := first.store.Load()
	require.NoError(t, err)
	for _, field := range state.SecretFields() {
		assert.Equal(t, persisted.Get(field), record.Get(field), "field %s must be stable", field)
		assert.Equal(t, state.SourceReused, record.Source(field))
	}
}

func TestRunForceRegenerateRotatesSecrets(t *testing.T) {
	t.Parallel()

	first := newHarness(t, nil)
	require.NoError(t, first.seq.Run(context.Background()))
	persisted, err := first.store.Load()
	require.NoError(t, err)

	second := newHarness(t, func(s *config.Settings, opts *Options) {
		s.StateDir = first.settings.StateDir
		s.ForceRegenerate = true
		opts.Store = first.store
		opts.Persisted = persisted
	})
	require.NoError(t, second.seq.Run(context.Background()))

	record, err := first.store.Load()
	require.NoError(t, err)
	for _, field := range state.SecretFields() {
		assert.NotEqual(t, persisted.Get(field), record.Get(field), "field %s must rotate", field)
		assert.Regexp(t, hexSecretRe, record.Get(field))
		assert.Equal(t, state.SourceGenerated, record.Source(field))
	}
}

func TestRunExternalDBSkipsLocalDatabase(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(s *config.Settings, _ *Options) {
		s.Mode = config.ModeExternalDB
		s.DBHost = "db.internal.example"
	})
	require.NoError(t, h.seq.Run(context.Background()))

	for _, call := range h.manager.calls {
		assert.NotContains(t, call, "postgresql")
	}
	for _, svc := range h.prober.waited {
		assert.NotEqual(t, "postgresql", svc.Name)
	}
	// Credential sync still runs against the remote store.
	assert.Contains(t, h.syncer.calls, "ping")
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	t.Parallel()

	factoryCalled := false
	h := newHarness(t, func(s *config.Settings, opts *Options) {
		s.DryRun = true
		opts.SyncerFor = func(dbsync.Engine) (CredentialSyncer, error) {
			factoryCalled = true
			return nil, errors.New("must not be called")
		}
	})
	require.NoError(t, h.seq.Run(context.Background()))

	assert.Empty(t, h.manager.calls)
	assert.Empty(t, h.mutator.mutations)
	assert.Empty(t, h.prober.waited)
	assert.False(t, factoryCalled)
	assert.Zero(t, h.reporter.calls)

	_, err := h.store.Load()
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, err = os.Stat(h.settings.EnvArtifactPath())
	assert.True(t, os.IsNotExist(err))
}

func TestRunAbortsWhenCacheMutationRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.mutator.err = fmt.Errorf("requirepass: %w", confedit.ErrRolledBack)

	err := h.seq.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, confedit.ErrRolledBack)
	assert.Contains(t, err.Error(), "configure-dependents")

	// Nothing past the failing stage ran.
	assert.Empty(t, h.syncer.calls)
	assert.Zero(t, h.reporter.calls)
	_, statErr := os.Stat(h.settings.EnvArtifactPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunAttachesJournalOnHealthTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.prober.failOn = map[string]error{
		"postgresql/process-status": fmt.Errorf("%w after 50ms", health.ErrTimeout),
	}
	h.manager.journal["postgresql"] = "FATAL: data directory has wrong ownership"

	err := h.seq.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, health.ErrTimeout)
	assert.Contains(t, err.Error(), "wrong ownership")
}

func TestRunRefusesWhenLockHeldByLiveProcess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	lockPath := filepath.Join(h.settings.StateDir, "stackup.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600))

	err := h.seq.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in progress")
	assert.Empty(t, h.manager.calls)
}

func TestRunReclaimsStaleLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	lockPath := filepath.Join(h.settings.StateDir, "stackup.lock")
	// A pid that cannot be signaled is treated as stale.
	require.NoError(t, os.WriteFile(lockPath, []byte("999999999\n"), 0600))

	require.NoError(t, h.seq.Run(context.Background()))
	assert.NotEmpty(t, h.manager.calls)
}

func TestProbeBudgetsMatchStageRoles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *config.Settings, opts *Options) {
		opts.Timing = Timing{} // production defaults
	})
	require.NoError(t, h.seq.Run(context.Background()))

	budgets := map[string]time.Duration{}
	for _, svc := range h.prober.waited {
		budgets[svc.Name+"/"+string(svc.Strategy)] = svc.Timeout
	}
	assert.Equal(t, 180*time.Second, budgets["postgresql/process-status"])
	assert.Equal(t, 180*time.Second, budgets["redis-server/process-status"])
	assert.Equal(t, 240*time.Second, budgets["apiserver.service/process-status"])
	assert.Equal(t, 120*time.Second, budgets["apiserver.service/http-endpoint"])
}

func TestStageOrderingIsStable(t *testing.T) {
	t.Parallel()

	stages := Stages()
	require.Len(t, stages, 11)
	assert.Equal(t, StageResolveConfig, stages[0])
	assert.Equal(t, StageEmitCredentials, stages[len(stages)-1])

	names := make([]string, 0, len(stages))
	for _, st := range stages {
		names = append(names, st.String())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "provision-secrets,persist-state,configure-dependents,sync-credentials")
}
