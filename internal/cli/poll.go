package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/quake-data-etl/internal/adapter/kafka"
	"github.com/couchcryptid/quake-data-etl/internal/adapter/mapbox"
	"github.com/couchcryptid/quake-data-etl/internal/adapter/usgs"
	"github.com/couchcryptid/quake-data-etl/internal/config"
	"github.com/couchcryptid/quake-data-etl/internal/observability"
	"github.com/couchcryptid/quake-data-etl/internal/pipeline"
	"github.com/couchcryptid/quake-data-etl/internal/store"
)

type cycleResult struct {
	pipeline.CycleReport `yaml:",inline"`
}

func (r cycleResult) renderText(w io.Writer) error {
	advanced := "held"
	if r.Advanced {
		advanced = "advanced"
	}
	_, err := fmt.Fprintf(w,
		"cycle %s: fetched %d since %s, inserted %d, updated %d, stale %d, rejected %d; watermark %s %s\n",
		r.CycleID, r.Fetched, formatTime(r.Since), r.Inserted, r.Updated, r.Stale, r.Rejected,
		advanced, formatTime(r.Watermark))
	return err
}

// NewPollCommand creates the poll command.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle against the feed",
		Long: `Run exactly one fetch and reconcile cycle using the service environment
configuration (FEED_*, POLL_*, KAFKA_*, MAPBOX_*) against --store.

The watermark advances only if the whole cycle succeeds.

Exit codes:
  0 - Cycle succeeded
  1 - Cycle failed; the watermark was not moved
  2 - Command error (configuration, store not reachable)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(rootOpts, cmd)
		},
	}
}

func runPoll(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.StoreDSN == "" {
		opts.StoreDSN = cfg.StoreDSN
	}

	st, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := opts.logger()
	metrics := opts.metrics()
	poller, _, closeFn := newPoller(cfg, st, metrics, logger)
	defer closeFn()

	report, err := poller.RunCycle(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "poll cycle failed", err)
	}
	return render(cmd.OutOrStdout(), opts.Format, cycleResult{CycleReport: report})
}

// newPoller wires the feed client and the optional publisher and geocoder the
// same way the service does. The returned func releases them.
func newPoller(cfg *config.Config, st store.Store, metrics *observability.Metrics, logger *slog.Logger) (*pipeline.Poller, *usgs.Client, func()) {
	feed := usgs.NewClient(usgs.OptionsFromConfig(cfg), metrics, logger)

	var options []pipeline.Option
	closeFn := func() {}
	if cfg.PublishChanges() {
		pub := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaChangesTopic, logger)
		options = append(options, pipeline.WithPublisher(pub))
		closeFn = func() {
			if err := pub.Close(); err != nil {
				logger.Error("kafka publisher close", "error", err)
			}
		}
	}
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		options = append(options, pipeline.WithGeocoder(mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)))
	}
	return pipeline.New(feed, st, pipeline.OptionsFromConfig(cfg), logger, metrics, options...), feed, closeFn
}
