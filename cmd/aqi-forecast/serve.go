package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/i474232898/aqi-forecast/internal/api/http"
	"github.com/i474232898/aqi-forecast/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the daily pipeline on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			noSchedule, _ := cmd.Flags().GetBool("no-schedule")
			return withComponents(func(ctx context.Context, c *components) error {
				return serve(ctx, c, !noSchedule)
			})
		},
	}
	cmd.Flags().Bool("no-schedule", false, "serve the API without the daily scheduler")
	return cmd
}

func serve(ctx context.Context, c *components, schedule bool) error {
	engine := c.engine()

	if schedule {
		daily := c.daily(c.ingestOptions())
		sched := scheduler.New(c.cfg.DailyRunAt, 2*time.Hour, daily.Run)
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
	}

	app := httpapi.NewApp(httpapi.Deps{
		Conn:   c.conn,
		Engine: engine,
		Cache:  c.cache,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "port", c.cfg.Port)
		errCh <- app.Listen(":" + c.cfg.Port)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
		return errors.New("server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("error during shutdown", "error", err)
	}
	return nil
}
