package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	actionsservice "clinic_engine/internal/actions/service"

	"github.com/spf13/cobra"
)

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(opts *RootOptions) *cobra.Command {
	var clinic, at string

	cmd := &cobra.Command{
		Use:   "generate <generator>",
		Short: "Run one action generator",
		Long: fmt.Sprintf(`Run one action generator now. Re-running is safe: records that already
exist for a trigger are skipped.

Generators: %s`, strings.Join(actionsservice.Generators(), ", ")),
		Args:      cobra.ExactArgs(1),
		ValidArgs: actionsservice.Generators(),
		RunE: func(cmd *cobra.Command, args []string) error {
			clinicID, err := parseClinicFlag(clinic)
			if err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				now, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			return opts.withBackend(cmd.Context(), func(b *Backend) error {
				result, err := b.Actions.RunByName(cmd.Context(), args[0], clinicID, now)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), result, func(w io.Writer) {
					fmt.Fprintf(w, "%s: scanned=%d created=%d skipped=%d failed=%d\n",
						args[0], result.Scanned, result.Created, result.Skipped, result.Failed)
				})
			})
		},
	}

	cmd.Flags().StringVar(&clinic, "clinic", "", "limit to one clinic id")
	cmd.Flags().StringVar(&at, "at", "", "reference time (RFC3339), defaults to now")

	return cmd
}
