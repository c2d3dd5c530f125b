package commands

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/systmms/stackup/internal/confedit"
	"github.com/systmms/stackup/internal/config"
	"github.com/systmms/stackup/internal/dbsync"
	"github.com/systmms/stackup/internal/health"
	"github.com/systmms/stackup/internal/orchestrator"
	"github.com/systmms/stackup/internal/preflight"
	"github.com/systmms/stackup/internal/report"
	"github.com/systmms/stackup/internal/sysd"
)

// NewInstallCommand creates the install command, the full provisioning
// pipeline.
func NewInstallCommand(g *Globals) *cobra.Command {
	var flags config.Overrides

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Provision the API server, database, and cache on this host",
		Long: `Run the full provisioning pipeline: generate or reuse credentials,
configure the relational store and cache, render the application
environment, start the services in dependency order, and write the
credential report.

Re-running install is safe: previously generated secrets are reused and
already-running services are left healthy. Use --force-regenerate to
rotate every generated secret.

Examples:
  stackup install
  stackup install --mode external-db --db postgres
  stackup install --port 8443 --admin-email ops@example.com
  stackup install --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// An explicit --port 0 must be rejected, not treated as unset.
			flags.BindPortSet = cmd.Flags().Changed("port")
			return runInstall(cmd.Context(), g, flags)
		},
	}

	cmd.Flags().StringVar(&flags.Mode, "mode", "", "Topology: 'standalone' or 'external-db'")
	cmd.Flags().StringVar(&flags.Engine, "db", "", "Relational engine: 'postgres' or 'mysql'")
	cmd.Flags().StringVar(&flags.AppVersion, "app-version", "", "Pin the application release tag")
	cmd.Flags().StringVar(&flags.BindHost, "bind-host", "", "Address the API server binds to")
	cmd.Flags().IntVar(&flags.BindPort, "port", 0, "Port the API server binds to")
	cmd.Flags().StringVar(&flags.AdminEmail, "admin-email", "", "Administrator account email")
	cmd.Flags().StringVar(&flags.StateDir, "state-dir", "", "Deployment state directory (default /etc/stackup)")
	cmd.Flags().BoolVar(&flags.ForceRegenerate, "force-regenerate", false, "Rotate every generated secret")
	cmd.Flags().BoolVar(&flags.SkipSystemUpdate, "skip-system-update", false, "Skip the apt-get update/upgrade step")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "Log each stage's plan without touching the host")

	return cmd
}

func runInstall(ctx context.Context, g *Globals, flags config.Overrides) error {
	settings, store, persisted, err := resolveSettings(g, flags)
	if err != nil {
		return err
	}

	runner := sysd.ExecRunner{}
	manager := sysd.NewManager(runner, g.Logger, "")

	seq := orchestrator.NewSequencer(orchestrator.Options{
		Settings:  settings,
		Persisted: persisted,
		Store:     store,
		Manager:   manager,
		Mutator:   confedit.NewMutator(manager, g.Logger),
		Prober:    health.NewProber(manager, g.Logger),
		Checker:   preflight.NewChecker(runner, g.Logger),
		SyncerFor: func(engine dbsync.Engine) (orchestrator.CredentialSyncer, error) {
			return dbsync.Open(engine, g.Logger)
		},
		Reporter: report.NewWriter(g.Logger),
		Logger:   g.Logger,
	})

	if err := seq.Run(ctx); err != nil {
		return err
	}

	if settings.DryRun {
		g.Logger.Info("Dry run complete, nothing was changed")
		return nil
	}
	g.Logger.Info("Installation complete")
	g.Logger.Info("API server listening on %s", settings.HealthEndpoint())
	g.Logger.Warn("Credential report written to %s, store it securely and delete it", settings.CredentialsPath())
	return nil
}
