// Package cli implements the operator command line for the engine.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	actionsservice "clinic_engine/internal/actions/service"
	attributionservice "clinic_engine/internal/attribution/service"

	"github.com/spf13/cobra"
)

// Backend is what the commands operate on.
type Backend struct {
	Attribution *attributionservice.Service
	Actions     *actionsservice.Service
	// Migrate applies pending migrations; Status prints their state.
	Migrate func(ctx context.Context) error
	Status  func(ctx context.Context) error
	Close   func()
}

// BackendFactory opens a Backend. It is called once per command.
type BackendFactory func(ctx context.Context) (*Backend, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
	open   BackendFactory
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the engine CLI.
func NewRootCommand(open BackendFactory) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Clinic attribution and action engine",
		Long:  "Operator tooling for attribution evaluation, manual corrections and action generators.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))
	cmd.AddCommand(NewOverrideCommand(opts))
	cmd.AddCommand(NewGenerateCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

// withBackend opens the backend for the duration of fn.
func (o *RootOptions) withBackend(ctx context.Context, fn func(b *Backend) error) error {
	b, err := o.open(ctx)
	if err != nil {
		return err
	}
	if b.Close != nil {
		defer b.Close()
	}
	return fn(b)
}

// print writes v as indented JSON, or text via the fallback.
func (o *RootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
