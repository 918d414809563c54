package cli

import (
	"github.com/spf13/cobra"

	"github.com/couchcryptid/quake-data-etl/internal/query"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <event-id>",
		Short: "Show one stored event, retracted events included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(rootOpts, cmd, args[0])
		},
	}
}

func runGet(opts *RootOptions, cmd *cobra.Command, id string) error {
	ctx := cmd.Context()

	st, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, found, err := query.NewService(st, opts.metrics(), opts.logger()).Get(ctx, id)
	if err != nil {
		return classify("get failed", err)
	}
	if !found {
		return NewExitError(ExitFailure, "event "+id+" not found")
	}
	return render(cmd.OutOrStdout(), opts.Format, eventDetail{EventRecord: rec})
}
