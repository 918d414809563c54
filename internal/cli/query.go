package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
	"github.com/couchcryptid/quake-data-etl/internal/query"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Start          string
	End            string
	MinMagnitude   string
	BBox           string
	IncludeDeleted bool
	Limit          int
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List stored events, newest first",
		Long: `List stored events matching every given filter, newest first.

Examples:
  quakectl query --store sqlite://quake.db --min-magnitude 4.5
  quakectl query --start 2024-04-01 --end 2024-04-02T12:00:00Z
  quakectl query --bbox 170,-30,-170,0 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Start, "start", "", "earliest event time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.End, "end", "", "latest event time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.MinMagnitude, "min-magnitude", "", "minimum magnitude")
	cmd.Flags().StringVar(&opts.BBox, "bbox", "", "region as minLon,minLat,maxLon,maxLat")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "include retracted events")
	cmd.Flags().IntVar(&opts.Limit, "limit", query.DefaultLimit, "maximum number of events")

	return cmd
}

func (o *QueryOptions) filter() (domain.Filter, error) {
	f := domain.Filter{IncludeDeleted: o.IncludeDeleted, Limit: o.Limit}
	var err error
	if o.Start != "" {
		if f.Start, err = domain.ParseTime(o.Start); err != nil {
			return f, err
		}
	}
	if o.End != "" {
		if f.End, err = domain.ParseTime(o.End); err != nil {
			return f, err
		}
	}
	if o.MinMagnitude != "" {
		mag, err := strconv.ParseFloat(o.MinMagnitude, 64)
		if err != nil {
			return f, fmt.Errorf("%w: --min-magnitude %q", domain.ErrInvalidQuery, o.MinMagnitude)
		}
		f.MinMagnitude = &mag
	}
	if o.BBox != "" {
		box, err := domain.ParseBoundingBox(o.BBox)
		if err != nil {
			return f, err
		}
		f.Region = &box
	}
	return f, nil
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	f, err := opts.filter()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	st, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := query.NewService(st, opts.metrics(), opts.logger())
	records, err := svc.Query(ctx, f)
	if err != nil {
		return classify("query failed", err)
	}
	return render(cmd.OutOrStdout(), opts.Format, eventList{Events: records, Count: len(records)})
}
