// Package orchestrator drives the provisioning pipeline: an explicit
// state machine whose stages provision secrets, mutate dependent-service
// configuration, sequence startup in dependency order, and emit the final
// credential record. Stages execute strictly sequentially on a single
// logical thread; the only waiting happens inside health probes.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/systmms/stackup/internal/confedit"
	"github.com/systmms/stackup/internal/config"
	"github.com/systmms/stackup/internal/dbsync"
	"github.com/systmms/stackup/internal/envfile"
	stackerrors "github.com/systmms/stackup/internal/errors"
	"github.com/systmms/stackup/internal/health"
	"github.com/systmms/stackup/internal/logging"
	"github.com/systmms/stackup/internal/secrets"
	"github.com/systmms/stackup/internal/state"
)

// journalTail is how many log lines are surfaced when a service fails.
const journalTail = 50

// ServiceManager is the slice of sysd.Manager the sequencer needs.
type ServiceManager interface {
	Start(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Enable(ctx context.Context, unit string) error
	RecentLogs(ctx context.Context, unit string, n int) (string, error)
	WriteDropIn(ctx context.Context, unit string, env map[string]string) (string, error)
}

// ConfigMutator applies dependent-service configuration mutations.
type ConfigMutator interface {
	Apply(ctx context.Context, mut confedit.Mutation) (backupPath string, err error)
}

// HealthWaiter blocks until a service is healthy or out of budget.
type HealthWaiter interface {
	WaitHealthy(ctx context.Context, svc health.ServiceDescriptor) error
}

// CredentialSyncer reconciles relational-store credentials.
type CredentialSyncer interface {
	Ping(ctx context.Context) error
	EnsureRole(ctx context.Context, user, password string) error
	EnsureDatabase(ctx context.Context, name, owner string) error
	Close() error
}

// HostChecker runs preflight environment checks.
type HostChecker interface {
	CheckHost(requiredTools []string) error
	UpdateSystem(ctx context.Context) error
}

// StateStore persists the deployment record.
type StateStore interface {
	Load() (*state.Record, error)
	Save(record *state.Record) error
	Path() string
}

// Reporter emits the final credential record.
type Reporter interface {
	Write(settings *config.Settings, record *state.Record, dropInPath string) error
}

// Timing bounds the health probes. Zero values select the production
// defaults; tests shrink them.
type Timing struct {
	DependentTimeout time.Duration
	PrimaryTimeout   time.Duration
	EndpointTimeout  time.Duration
	ProbeInterval    time.Duration
}

func (t *Timing) fillDefaults() {
	if t.DependentTimeout == 0 {
		t.DependentTimeout = 180 * time.Second
	}
	if t.PrimaryTimeout == 0 {
		t.PrimaryTimeout = 240 * time.Second
	}
	if t.EndpointTimeout == 0 {
		t.EndpointTimeout = 120 * time.Second
	}
	if t.ProbeInterval == 0 {
		t.ProbeInterval = 2 * time.Second
	}
}

// Options wires the sequencer's collaborators.
type Options struct {
	Settings  *config.Settings
	Persisted *state.Record // nil on first run
	Store     StateStore
	Manager   ServiceManager
	Mutator   ConfigMutator
	Prober    HealthWaiter
	Checker   HostChecker
	SyncerFor func(engine dbsync.Engine) (CredentialSyncer, error)
	Reporter  Reporter
	Logger    *logging.Logger
	Timing    Timing
}

// Sequencer executes the pipeline. It exclusively owns mutation of the
// deployment record and the credential report.
type Sequencer struct {
	opts Options

	record     *state.Record
	dropInPath string
}

// NewSequencer creates a Sequencer.
func NewSequencer(opts Options) *Sequencer {
	opts.Timing.fillDefaults()
	return &Sequencer{opts: opts}
}

// Record exposes the working deployment record, for tests and for the
// caller's final summary.
func (s *Sequencer) Record() *state.Record {
	return s.record
}

// Run executes every stage in order under the advisory host lock. The
// first failing stage aborts the run; the state store keeps its last
// successfully persisted value and recovery is by idempotent re-invocation.
func (s *Sequencer) Run(ctx context.Context) error {
	if !s.opts.Settings.DryRun {
		release, err := acquireLock(s.opts.Settings.StateDir)
		if err != nil {
			return err
		}
		defer release()
	}

	for _, stage := range Stages() {
		s.opts.Logger.Stage("%s", stage)
		if err := s.dispatch(ctx, stage); err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
	}
	return nil
}

func (s *Sequencer) dispatch(ctx context.Context, stage Stage) error {
	switch stage {
	case StageResolveConfig:
		return s.resolveConfig()
	case StagePreflight:
		return s.preflight(ctx)
	case StageProvisionSecrets:
		return s.provisionSecrets()
	case StagePersistState:
		return s.persistState()
	case StageConfigureDependents:
		return s.configureDependents(ctx)
	case StageSyncCredentials:
		return s.syncCredentials(ctx)
	case StageRenderEnvironment:
		return s.renderEnvironment(ctx)
	case StageStartPrimary:
		return s.startPrimary(ctx)
	case StageAwaitPrimary:
		return s.awaitPrimary(ctx)
	case StageEndpointCheck:
		return s.endpointCheck(ctx)
	case StageEmitCredentials:
		return s.emitCredentials()
	default:
		return fmt.Errorf("unknown stage %d", stage)
	}
}

func (s *Sequencer) resolveConfig() error {
	cfg := s.opts.Settings
	s.record = state.NewRecord()

	if s.opts.Persisted != nil {
		s.opts.Logger.Info("Existing deployment state found at %s", s.opts.Store.Path())
	} else {
		s.opts.Logger.Info("No deployment state found, treating this as a first run")
	}
	s.opts.Logger.Info("Topology %s, engine %s, binding %s:%d", cfg.Mode, cfg.Engine, cfg.BindHost, cfg.BindPort)
	if cfg.ForceRegenerate {
		s.opts.Logger.Warn("Forced regeneration requested: all secrets will be rotated")
	}
	if cfg.DryRun {
		s.opts.Logger.Warn("Dry run: no file, service, or database will be touched")
	}
	return nil
}

func (s *Sequencer) preflight(ctx context.Context) error {
	tools := []string{"systemctl", "journalctl"}
	if !s.opts.Settings.SkipSystemUpdate {
		tools = append(tools, "apt-get")
	}
	if err := s.opts.Checker.CheckHost(tools); err != nil {
		return err
	}

	if s.opts.Settings.SkipSystemUpdate {
		s.opts.Logger.Info("Skipping system update")
		return nil
	}
	if s.opts.Settings.DryRun {
		s.opts.Logger.Info("[dry-run] would run apt-get update && apt-get -y upgrade")
		return nil
	}
	return s.opts.Checker.UpdateSystem(ctx)
}

func (s *Sequencer) provisionSecrets() error {
	cfg := s.opts.Settings

	policy := secrets.GenerateIfAbsent
	if cfg.ForceRegenerate {
		policy = secrets.ForceRegenerate
	}

	for _, field := range state.SecretFields() {
		existing := ""
		if s.opts.Persisted != nil {
			existing = s.opts.Persisted.Get(field)
		}
		value, err := secrets.Ensure(string(field), policy, existing)
		if err != nil {
			return err
		}
		s.record.Set(field, value.String, value.Source)
		s.opts.Logger.Debug("Secret %s: %s (%s)", field, logging.Secret(value.String), value.Source)
	}

	identity := map[state.Field]string{
		state.FieldDBUser:     cfg.DBUser,
		state.FieldDBName:     cfg.DBName,
		state.FieldAdminEmail: cfg.AdminEmail,
		state.FieldBindHost:   cfg.BindHost,
		state.FieldBindPort:   strconv.Itoa(cfg.BindPort),
	}
	for field, value := range identity {
		source := state.SourceOverridden
		if s.opts.Persisted != nil && s.opts.Persisted.Get(field) == value {
			source = state.SourceReused
		}
		s.record.Set(field, value, source)
	}

	s.opts.Logger.Info("Provisioned %d secret fields", len(state.SecretFields()))
	return nil
}

func (s *Sequencer) persistState() error {
	if s.opts.Settings.DryRun {
		s.opts.Logger.Info("[dry-run] would persist deployment state to %s", s.opts.Store.Path())
		return nil
	}
	if err := s.opts.Store.Save(s.record); err != nil {
		return err
	}
	s.opts.Logger.Info("Deployment state persisted to %s", s.opts.Store.Path())
	return nil
}

func (s *Sequencer) configureDependents(ctx context.Context) error {
	cfg := s.opts.Settings

	if cfg.Mode == config.ModeStandalone {
		if err := s.bringUpDatabase(ctx); err != nil {
			return err
		}
	} else {
		s.opts.Logger.Info("External database mode: skipping local %s management", cfg.DBUnit)
	}

	return s.configureCache(ctx)
}

func (s *Sequencer) bringUpDatabase(ctx context.Context) error {
	cfg := s.opts.Settings

	if cfg.DryRun {
		s.opts.Logger.Info("[dry-run] would enable and start %s", cfg.DBUnit)
		return nil
	}

	if err := s.opts.Manager.Enable(ctx, cfg.DBUnit); err != nil {
		return err
	}
	if err := s.opts.Manager.Start(ctx, cfg.DBUnit); err != nil {
		return s.withUnitLogs(ctx, cfg.DBUnit, err)
	}

	err := s.opts.Prober.WaitHealthy(ctx, health.ServiceDescriptor{
		Name:     cfg.DBUnit,
		Unit:     cfg.DBUnit,
		Strategy: health.ProcessStatus,
		Interval: s.opts.Timing.ProbeInterval,
		Timeout:  s.opts.Timing.DependentTimeout,
	})
	return s.withUnitLogs(ctx, cfg.DBUnit, err)
}

func (s *Sequencer) configureCache(ctx context.Context) error {
	cfg := s.opts.Settings

	if cfg.DryRun {
		s.opts.Logger.Info("[dry-run] would set requirepass in %s and restart %s", cfg.CacheConfigPath, cfg.CacheUnit)
		return nil
	}

	if err := s.opts.Manager.Enable(ctx, cfg.CacheUnit); err != nil {
		return err
	}

	backup, err := s.opts.Mutator.Apply(ctx, confedit.Mutation{
		TargetPath: cfg.CacheConfigPath,
		Directive:  "requirepass",
		Value:      s.record.Get(state.FieldCachePassword),
		Service:    cfg.CacheUnit,
	})
	if err != nil {
		return s.withUnitLogs(ctx, cfg.CacheUnit, err)
	}
	s.opts.Logger.Info("Cache authentication configured (backup at %s)", backup)

	err = s.opts.Prober.WaitHealthy(ctx, health.ServiceDescriptor{
		Name:     cfg.CacheUnit,
		Unit:     cfg.CacheUnit,
		Strategy: health.ProcessStatus,
		Interval: s.opts.Timing.ProbeInterval,
		Timeout:  s.opts.Timing.DependentTimeout,
	})
	return s.withUnitLogs(ctx, cfg.CacheUnit, err)
}

func (s *Sequencer) syncCredentials(ctx context.Context) error {
	cfg := s.opts.Settings

	if cfg.DryRun {
		s.opts.Logger.Info("[dry-run] would reconcile role %s and database %s", cfg.DBUser, cfg.DBName)
		return nil
	}

	syncer, err := s.opts.SyncerFor(cfg.Engine)
	if err != nil {
		return err
	}
	defer func() { _ = syncer.Close() }()

	if err := syncer.Ping(ctx); err != nil {
		return s.withUnitLogs(ctx, cfg.DBUnit, err)
	}
	// The role's stored password may have drifted from the persisted
	// secret across forced-regeneration runs; push the authoritative
	// value rather than trusting it to match.
	if err := syncer.EnsureRole(ctx, cfg.DBUser, s.record.Get(state.FieldDBPassword)); err != nil {
		return s.withUnitLogs(ctx, cfg.DBUnit, err)
	}
	if err := syncer.EnsureDatabase(ctx, cfg.DBName, cfg.DBUser); err != nil {
		return s.withUnitLogs(ctx, cfg.DBUnit, err)
	}

	s.opts.Logger.Info("Database credentials synchronized for role %s", cfg.DBUser)
	return nil
}

// envTemplate is the application environment artifact. Placeholders are
// replaced by exact token match with env-file-quoted values.
const envTemplate = `# Generated by stackup. Rewritten on every install run.
DB_HOST=@DB_HOST@
DB_PORT=@DB_PORT@
DB_USER=@DB_USER@
DB_NAME=@DB_NAME@
DB_PASSWORD=@DB_PASSWORD@
DATABASE_URL=@DATABASE_URL@
CACHE_HOST=@CACHE_HOST@
CACHE_PORT=@CACHE_PORT@
CACHE_PASSWORD=@CACHE_PASSWORD@
SIGNING_SECRET=@SIGNING_SECRET@
ADMIN_EMAIL=@ADMIN_EMAIL@
ADMIN_PASSWORD=@ADMIN_PASSWORD@
BIND_HOST=@BIND_HOST@
BIND_PORT=@BIND_PORT@
APP_VERSION=@APP_VERSION@
`

func (s *Sequencer) environmentValues() map[string]string {
	cfg := s.opts.Settings
	return map[string]string{
		"DB_HOST":     cfg.DBHost,
		"DB_PORT":     strconv.Itoa(cfg.DBPort),
		"DB_USER":     s.record.Get(state.FieldDBUser),
		"DB_NAME":     s.record.Get(state.FieldDBName),
		"DB_PASSWORD": s.record.Get(state.FieldDBPassword),
		"DATABASE_URL": dbsync.ConnectionURL(
			cfg.Engine,
			s.record.Get(state.FieldDBUser),
			s.record.Get(state.FieldDBPassword),
			cfg.DBHost, cfg.DBPort,
			s.record.Get(state.FieldDBName)),
		"CACHE_HOST":     cfg.CacheHost,
		"CACHE_PORT":     strconv.Itoa(cfg.CachePort),
		"CACHE_PASSWORD": s.record.Get(state.FieldCachePassword),
		"SIGNING_SECRET": s.record.Get(state.FieldSigningSecret),
		"ADMIN_EMAIL":    s.record.Get(state.FieldAdminEmail),
		"ADMIN_PASSWORD": s.record.Get(state.FieldAdminPassword),
		"BIND_HOST": cfg.BindHost,
		"BIND_PORT": strconv.Itoa(cfg.BindPort),
		// Empty means the latest installed release.
		"APP_VERSION": cfg.AppVersion,
	}
}

func (s *Sequencer) renderEnvironment(ctx context.Context) error {
	cfg := s.opts.Settings

	if cfg.DryRun {
		s.opts.Logger.Info("[dry-run] would write %s and a unit override for %s", cfg.EnvArtifactPath(), cfg.AppUnit)
		return nil
	}

	values := s.environmentValues()
	rendered, err := envfile.Render(envTemplate, values)
	if err != nil {
		return fmt.Errorf("rendering environment artifact: %w", err)
	}

	path := cfg.EnvArtifactPath()
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, []byte(rendered), 0600); err != nil {
		return fmt.Errorf("writing environment artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("installing environment artifact: %w", err)
	}
	s.opts.Logger.Info("Environment artifact written to %s", path)

	dropInPath, err := s.opts.Manager.WriteDropIn(ctx, cfg.AppUnit, values)
	if err != nil {
		return err
	}
	s.dropInPath = dropInPath
	return nil
}

func (s *Sequencer) startPrimary(ctx context.Context) error {
	cfg := s.opts.Settings

	if cfg.DryRun {
		s.opts.Logger.Info("[dry-run] would enable and restart %s", cfg.AppUnit)
		return nil
	}

	if err := s.opts.Manager.Enable(ctx, cfg.AppUnit); err != nil {
		return err
	}
	// Restart rather than start: safe against an already-running
	// instance, and picks up the freshly written configuration.
	if err := s.opts.Manager.Restart(ctx, cfg.AppUnit); err != nil {
		return s.withUnitLogs(ctx, cfg.AppUnit, err)
	}
	return nil
}

func (s *Sequencer) awaitPrimary(ctx context.Context) error {
	cfg := s.opts.Settings
	if cfg.DryRun {
		return nil
	}

	err := s.opts.Prober.WaitHealthy(ctx, health.ServiceDescriptor{
		Name:     cfg.AppUnit,
		Unit:     cfg.AppUnit,
		Requires: []string{cfg.DBUnit, cfg.CacheUnit},
		Strategy: health.ProcessStatus,
		Interval: s.opts.Timing.ProbeInterval,
		Timeout:  s.opts.Timing.PrimaryTimeout,
	})
	return s.withUnitLogs(ctx, cfg.AppUnit, err)
}

func (s *Sequencer) endpointCheck(ctx context.Context) error {
	cfg := s.opts.Settings
	if cfg.DryRun {
		return nil
	}

	err := s.opts.Prober.WaitHealthy(ctx, health.ServiceDescriptor{
		Name:     cfg.AppUnit,
		Unit:     cfg.AppUnit,
		Endpoint: cfg.HealthEndpoint(),
		Strategy: health.HTTPEndpoint,
		Interval: s.opts.Timing.ProbeInterval,
		Timeout:  s.opts.Timing.EndpointTimeout,
	})
	return s.withUnitLogs(ctx, cfg.AppUnit, err)
}

func (s *Sequencer) emitCredentials() error {
	if s.opts.Settings.DryRun {
		s.opts.Logger.Info("[dry-run] would write credential report to %s", s.opts.Settings.CredentialsPath())
		return nil
	}
	return s.opts.Reporter.Write(s.opts.Settings, s.record, s.dropInPath)
}

// withUnitLogs decorates a failure with the unit's recent journal output
// so the operator sees why the service is unhealthy. The original error
// stays reachable through Unwrap.
func (s *Sequencer) withUnitLogs(ctx context.Context, unit string, err error) error {
	if err == nil {
		return nil
	}
	logs, logErr := s.opts.Manager.RecentLogs(ctx, unit, journalTail)
	if logErr != nil || strings.TrimSpace(logs) == "" {
		return err
	}
	return stackerrors.UserError{
		Message: err.Error(),
		Details: fmt.Sprintf("recent %s logs:\n%s", unit, strings.TrimSpace(logs)),
		Err:     err,
	}
}
