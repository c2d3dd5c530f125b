package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/stackup/internal/config"
	"github.com/systmms/stackup/internal/health"
	"github.com/systmms/stackup/internal/sysd"
)

// statusProber is the single-shot probe surface of health.Prober.
type statusProber interface {
	Check(ctx context.Context, svc health.ServiceDescriptor) (bool, error)
}

// NewStatusCommand creates the status command, a read-only snapshot of
// every service in the stack.
func NewStatusCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe each service once and print the result",
		Long: `Check every service in the stack exactly once and print a table. No
configuration, state, or service is modified; the command exits non-zero
if any check fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, _, _, err := resolveSettings(g, config.Overrides{})
			if err != nil {
				return err
			}

			manager := sysd.NewManager(sysd.ExecRunner{}, g.Logger, "")
			prober := health.NewProber(manager, g.Logger)

			unhealthy, err := runStatusChecks(cmd.Context(), prober, settings, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d check(s) failing", unhealthy)
			}
			return nil
		},
	}

	return cmd
}

// statusChecks lists the single-shot probes for the configured topology.
// The local database row is omitted in external-db mode.
func statusChecks(settings *config.Settings) []health.ServiceDescriptor {
	checks := []health.ServiceDescriptor{
		{Name: settings.CacheUnit, Unit: settings.CacheUnit, Strategy: health.ProcessStatus},
		{Name: settings.AppUnit, Unit: settings.AppUnit, Strategy: health.ProcessStatus},
		{Name: settings.AppUnit, Unit: settings.AppUnit, Endpoint: settings.HealthEndpoint(), Strategy: health.HTTPEndpoint},
	}
	if settings.Mode == config.ModeStandalone {
		checks = append([]health.ServiceDescriptor{
			{Name: settings.DBUnit, Unit: settings.DBUnit, Strategy: health.ProcessStatus},
		}, checks...)
	}
	return checks
}

func runStatusChecks(ctx context.Context, prober statusProber, settings *config.Settings, out io.Writer) (unhealthy int, err error) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tCHECK\tSTATUS")

	for _, check := range statusChecks(settings) {
		target := "unit active"
		if check.Strategy == health.HTTPEndpoint {
			target = check.Endpoint
		}

		status := "ok"
		ready, checkErr := prober.Check(ctx, check)
		switch {
		case checkErr != nil:
			status = "error: " + checkErr.Error()
			unhealthy++
		case !ready:
			status = "down"
			unhealthy++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", check.Name, target, status)
	}
	return unhealthy, w.Flush()
}
