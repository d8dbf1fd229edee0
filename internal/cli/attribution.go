package cli

import (
	"fmt"
	"io"

	"clinic_engine/internal/attribution/domain"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(opts *RootOptions) *cobra.Command {
	var patient, invoice string

	cmd := &cobra.Command{
		Use:     "evaluate",
		Short:   "Evaluate the attribution for a patient's paid invoice",
		Example: "  engine evaluate --patient <patient-id> --invoice <invoice-id>",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, err := uuid.Parse(patient)
			if err != nil {
				return fmt.Errorf("invalid --patient: %w", err)
			}
			invoiceID, err := uuid.Parse(invoice)
			if err != nil {
				return fmt.Errorf("invalid --invoice: %w", err)
			}

			return opts.withBackend(cmd.Context(), func(b *Backend) error {
				a, err := b.Attribution.EvaluateAttribution(cmd.Context(), patientID, invoiceID)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), a, func(w io.Writer) { printAttribution(w, a) })
			})
		},
	}

	cmd.Flags().StringVar(&patient, "patient", "", "patient id")
	cmd.Flags().StringVar(&invoice, "invoice", "", "paid invoice id")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("invoice")

	return cmd
}

// NewOverrideCommand creates the override command.
func NewOverrideCommand(opts *RootOptions) *cobra.Command {
	var actor, sourceKind, sourceID, reason string

	cmd := &cobra.Command{
		Use:   "override <attribution-id>",
		Short: "Manually correct an attribution",
		Long: `Manually correct an attribution. The previous values are kept in the
attribution's history and later evaluations leave the correction in place.

Omit --source-kind to keep the current source; "none" clears it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attributionID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid attribution id: %w", err)
			}
			actorID, err := uuid.Parse(actor)
			if err != nil {
				return fmt.Errorf("invalid --actor: %w", err)
			}

			var source *domain.SourceRef
			if sourceKind != "" {
				var id *uuid.UUID
				if sourceID != "" {
					parsed, err := uuid.Parse(sourceID)
					if err != nil {
						return fmt.Errorf("invalid --source-id: %w", err)
					}
					id = &parsed
				}
				ref, err := domain.ParseSourceRef(sourceKind, id)
				if err != nil {
					return err
				}
				source = &ref
			}

			return opts.withBackend(cmd.Context(), func(b *Backend) error {
				a, err := b.Attribution.OverrideAttribution(cmd.Context(), attributionID, actorID, source, reason)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), a, func(w io.Writer) { printAttribution(w, a) })
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "id of the staff member making the correction")
	cmd.Flags().StringVar(&sourceKind, "source-kind", "", "new source kind (call|touch|none)")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "id of the call event or marketing touch")
	cmd.Flags().StringVar(&reason, "reason", "", "why the attribution is being corrected")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	var clinic string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evaluate paid patients that have no attribution yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clinicID, err := parseClinicFlag(clinic)
			if err != nil {
				return err
			}

			return opts.withBackend(cmd.Context(), func(b *Backend) error {
				result, err := b.Attribution.SweepPendingAttributions(cmd.Context(), clinicID)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), result, func(w io.Writer) {
					fmt.Fprintf(w, "scanned=%d evaluated=%d skipped=%d failed=%d\n",
						result.Scanned, result.Evaluated, result.Skipped, result.Failed)
				})
			})
		},
	}

	cmd.Flags().StringVar(&clinic, "clinic", "", "limit to one clinic id")

	return cmd
}

func printAttribution(w io.Writer, a *domain.Attribution) {
	fmt.Fprintf(w, "Attribution %s\n", a.ID)
	fmt.Fprintf(w, "  Patient:  %s\n", a.PatientID)
	fmt.Fprintf(w, "  Type:     %s (%s)\n", a.Type, a.Status)
	fmt.Fprintf(w, "  Source:   %s\n", a.Source)
	if a.CampaignName != "" || a.CampaignSource != "" {
		fmt.Fprintf(w, "  Campaign: %s [%s/%s]\n", a.CampaignName, a.CampaignSource, a.CampaignMedium)
	}
	if a.Evidence.AttributionReason != "" {
		fmt.Fprintf(w, "  Reason:   %s\n", a.Evidence.AttributionReason)
	}
	if n := len(a.Evidence.PreviousAttributions); n > 0 {
		fmt.Fprintf(w, "  History:  %d previous\n", n)
	}
}

func parseClinicFlag(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --clinic: %w", err)
	}
	return &id, nil
}
