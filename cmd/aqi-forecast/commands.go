package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/i474232898/aqi-forecast/internal/dataset"
	"github.com/i474232898/aqi-forecast/internal/evaluation"
	"github.com/i474232898/aqi-forecast/internal/ingest"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aqi-forecast",
		Short:         "Daily AQI feature ingestion, training and 1-3 day forecasts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newIngestCmd(),
		newDatasetCmd(),
		newTrainCmd(),
		newInferCmd(),
		newEvaluateCmd(),
		newDailyCmd(),
		newServeCmd(),
	)
	return root
}

// withComponents runs fn with a signal-aware context and closes the components afterwards.
func withComponents(fn func(ctx context.Context, c *components) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newComponents(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- ingest ---

func addIngestFlags(cmd *cobra.Command) {
	cmd.Flags().Int("days", 0, "number of days to fetch, ending yesterday (default INGEST_DAYS)")
	cmd.Flags().Float64("lat", 0, "latitude (default AQI_LATITUDE)")
	cmd.Flags().Float64("lon", 0, "longitude (default AQI_LONGITUDE)")
	cmd.Flags().Bool("online", false, "enable online serving for the feature group")
}

// ingestOptions overlays explicitly set flags on the configured defaults.
func ingestOptions(cmd *cobra.Command, base ingest.Options) ingest.Options {
	flags := cmd.Flags()
	if flags.Changed("days") {
		base.Days, _ = flags.GetInt("days")
	}
	if flags.Changed("lat") {
		base.Lat, _ = flags.GetFloat64("lat")
	}
	if flags.Changed("lon") {
		base.Lon, _ = flags.GetFloat64("lon")
	}
	base.OnlineEnabled, _ = flags.GetBool("online")
	return base
}

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch hourly air quality and upsert daily features",
		Long: `Fetch hourly air quality for the last N days, aggregate it per day and
upsert the rows into the daily feature group.

Examples:
  aqi-forecast ingest
  aqi-forecast ingest --days 30 --lat 24.8607 --lon 67.0011`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *components) error {
				res, err := c.uploader().Upload(ctx, ingestOptions(cmd, c.ingestOptions()))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	addIngestFlags(cmd)
	return cmd
}

// --- dataset ---

func newDatasetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dataset",
		Short: "Build the labelled training CSV from the feature group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *components) error {
				res, err := dataset.Build(ctx, c.conn, c.cfg.ArtifactDir)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

// --- train ---

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train, evaluate and register the forecast models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *components) error {
				report, err := c.trainer().Run(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
}

// --- infer ---

func newInferCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "infer",
		Short: "Predict AQI for the next 1, 2 and 3 days and store the predictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *components) error {
				res, err := c.engine().Run(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

// --- evaluate ---

func newEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Compare stored predictions with observed daily AQI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *components) error {
				report, err := evaluation.Run(ctx, c.conn)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
}

// --- daily ---

func newDailyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Run ingest, dataset, train and infer once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, c *components) error {
				p := c.daily(ingestOptions(cmd, c.ingestOptions()))
				if err := p.Run(ctx); err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, "daily pipeline completed")
				return nil
			})
		},
	}
	addIngestFlags(cmd)
	return cmd
}
