package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/stackup/internal/config"
	stackerrors "github.com/systmms/stackup/internal/errors"
	"github.com/systmms/stackup/internal/logging"
	"github.com/systmms/stackup/internal/state"
)

// NewCredentialsCommand creates the credentials command, which prints the
// persisted deployment record.
func NewCredentialsCommand(g *Globals) *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Print the persisted credential set",
		Long: `Print every field of the persisted deployment record together with its
provenance (generated, reused, or overridden). Secret values are redacted
unless --reveal is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, record, err := resolveSettings(g, config.Overrides{})
			if err != nil {
				return err
			}
			if record == nil {
				return stackerrors.UserError{
					Message:    "No deployment state found",
					Details:    fmt.Sprintf("expected state at %s", store.Path()),
					Suggestion: "Run 'stackup install' first",
					Err:        state.ErrNotFound,
				}
			}

			secret := map[state.Field]bool{}
			for _, field := range state.SecretFields() {
				secret[field] = true
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FIELD\tVALUE\tSOURCE")
			for _, field := range state.Fields() {
				value := record.Get(field)
				if secret[field] && !reveal {
					value = logging.Secret(value).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", field, value, record.Source(field))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if reveal {
				g.Logger.Warn("Secrets printed in plaintext, clear your terminal history")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print secret values in plaintext")

	return cmd
}
