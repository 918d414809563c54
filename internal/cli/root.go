// Package cli implements the quakectl operator commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/quake-data-etl/internal/observability"
	"github.com/couchcryptid/quake-data-etl/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	StoreDSN string
	Format   string // "text" | "json" | "yaml"
	LogLevel string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for quakectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "quakectl",
		Short: "Inspect and drive the seismic event store",
		Long: `quakectl queries the reconciled seismic event store, runs one-off poll
cycles against the feed, backfills event-time ranges, and replays saved feed
payloads.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.StoreDSN, "store", os.Getenv("STORE_DSN"),
		"store connection string (sqlite://path, postgres://..., memory://)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewBackfillCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func (o *RootOptions) logger() *slog.Logger {
	return observability.NewCLILogger(o.LogLevel)
}

// metrics registers collectors on a private registry; nothing scrapes a CLI run.
func (o *RootOptions) metrics() *observability.Metrics {
	return observability.NewMetricsWith(prometheus.NewRegistry())
}

func (o *RootOptions) openStore(ctx context.Context) (store.Store, error) {
	if o.StoreDSN == "" {
		return nil, NewExitError(ExitCommandError, "no store configured: pass --store or set STORE_DSN")
	}
	st, err := store.Open(ctx, o.StoreDSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, nil
}
