package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Cursor string
}

type statusResult struct {
	Cursor    string     `json:"cursor" yaml:"cursor"`
	Watermark *time.Time `json:"watermark" yaml:"watermark"`
}

func (s statusResult) renderText(w io.Writer) error {
	if s.Watermark == nil {
		_, err := fmt.Fprintf(w, "cursor %s: no watermark yet (first poll fetches the initial lookback window)\n", s.Cursor)
		return err
	}
	_, err := fmt.Fprintf(w, "cursor %s: watermark %s\n", s.Cursor, formatTime(*s.Watermark))
	return err
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted ingestion watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "usgs", "watermark cursor name")
	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	st, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	wm, found, err := st.LoadWatermark(ctx, opts.Cursor)
	if err != nil {
		return classify("load watermark", err)
	}
	res := statusResult{Cursor: opts.Cursor}
	if found {
		res.Watermark = &wm
	}
	return render(cmd.OutOrStdout(), opts.Format, res)
}
