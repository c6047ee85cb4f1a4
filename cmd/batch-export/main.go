// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netSkope/batch-export/internal/config"
	"github.com/netSkope/batch-export/internal/export"
	bexlog "github.com/netSkope/batch-export/internal/log"
	"github.com/netSkope/batch-export/internal/source"
	"github.com/netSkope/batch-export/internal/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// errNotCompleted makes the process exit 1 without printing a usage error.
var errNotCompleted = errors.New("run did not complete")

type rootFlags struct {
	configFile      string
	awsAccessKeyID  string
	awsSecretKey    string
	awsSessionToken string
	debug           bool
	stdout          bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errNotCompleted) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "batch-export",
		Short:         "Export analytics events to external destinations, one interval at a time",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config-file", "", "config file path (default: "+config.DefaultFile+" if present)")
	root.PersistentFlags().StringVar(&flags.awsAccessKeyID, "aws-access-key-id", "", "AWS access key ID")
	root.PersistentFlags().StringVar(&flags.awsSecretKey, "aws-secret-access-key", "", "AWS secret access key")
	root.PersistentFlags().StringVar(&flags.awsSessionToken, "aws-session-token", "", "AWS session token")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flags.stdout, "stdout", false, "log to stdout instead of a file")

	root.AddCommand(newRunCmd(flags), newBackfillCmd(flags), newStageCmd(flags), newServeCmd(flags))
	return root
}

// setup loads the configuration, applies CLI overrides and builds the app.
func setup(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.debug {
		cfg.Log.Debug = true
	}
	if flags.stdout {
		cfg.Log.Stdout = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	util.LoadAWSCredentials(flags.awsAccessKeyID, flags.awsSecretKey, flags.awsSessionToken)

	logger, err := bexlog.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", zap.Error(err))
		return nil, err
	}
	return a, nil
}

func parseTime(name, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC3339: %w", name, err)
	}
	return t, nil
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var exportID, start, end string
	var fromStaging bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one export run over [start, end)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseTime("start", start)
			if err != nil {
				return err
			}
			to, err := parseTime("end", end)
			if err != nil {
				return err
			}
			if !to.After(from) {
				return fmt.Errorf("--end must be after --start")
			}

			ctx := cmd.Context()
			a, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer a.close()

			def, err := a.store.GetExport(ctx, exportID)
			if err != nil {
				return err
			}
			src := a.dbSource()
			if fromStaging {
				objects, err := a.objectStore(ctx)
				if err != nil {
					return err
				}
				src = source.NewStagedSource(objects, a.stagingPrefix(def.ID, from, to), nil)
			}
			dest, err := a.destination(ctx, def, src)
			if err != nil {
				return err
			}

			run, err := a.executor.ExecuteRun(ctx, def, dest, export.Inputs{
				TeamID:            def.TeamID,
				Model:             def.Model,
				DataIntervalStart: from.UTC(),
				DataIntervalEnd:   to.UTC(),
				IncludeEvents:     def.IncludeEvents,
				ExcludeEvents:     def.ExcludeEvents,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s (%d records)\n", run.ID, run.Status, run.RecordsCompleted)
			if run.LatestError != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", run.LatestError)
			}
			if run.Status != export.RunCompleted {
				return errNotCompleted
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&exportID, "export-id", "", "export to run")
	cmd.Flags().StringVar(&start, "start", "", "data interval start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "data interval end (RFC3339)")
	cmd.Flags().BoolVar(&fromStaging, "from-staging", false, "read the interval staged by the stage command")
	_ = cmd.MarkFlagRequired("export-id")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newBackfillCmd(flags *rootFlags) *cobra.Command {
	var exportID, start, end string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run every interval of an export between start and end (or up to now)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseTime("start", start)
			if err != nil {
				return err
			}
			var to *time.Time
			if end != "" {
				t, err := parseTime("end", end)
				if err != nil {
					return err
				}
				to = &t
			}

			ctx := cmd.Context()
			a, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer a.close()

			def, err := a.store.GetExport(ctx, exportID)
			if err != nil {
				return err
			}
			dest, err := a.destination(ctx, def, a.dbSource())
			if err != nil {
				return err
			}
			bf, err := a.backfills().Start(ctx, def, dest, from, to)
			if bf != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "backfill %s: %s\n", bf.ID, bf.Status)
			}
			if err != nil {
				a.logger.Error("Backfill did not complete", zap.Error(err))
				return errNotCompleted
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&exportID, "export-id", "", "export to backfill")
	cmd.Flags().StringVar(&start, "start", "", "backfill start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "backfill end (RFC3339); omit to catch up to now")
	_ = cmd.MarkFlagRequired("export-id")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newStageCmd(flags *rootFlags) *cobra.Command {
	var exportID, start, end string
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Copy the source rows of one interval to the staging bucket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseTime("start", start)
			if err != nil {
				return err
			}
			to, err := parseTime("end", end)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer a.close()

			def, err := a.store.GetExport(ctx, exportID)
			if err != nil {
				return err
			}
			objects, err := a.objectStore(ctx)
			if err != nil {
				return err
			}
			prefix := a.stagingPrefix(def.ID, from, to)
			inputs := export.Inputs{
				TeamID:            def.TeamID,
				Model:             def.Model,
				DataIntervalStart: from.UTC(),
				DataIntervalEnd:   to.UTC(),
				IncludeEvents:     def.IncludeEvents,
				ExcludeEvents:     def.ExcludeEvents,
			}
			rows, err := source.NewStager(objects, a.cfg.Staging.PartBytes, a.logger).Stage(ctx, a.dbSource(), inputs.Query(), prefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staged %d rows to s3://%s/%s\n", rows, objects.Bucket(), prefix)
			return nil
		},
	}
	cmd.Flags().StringVar(&exportID, "export-id", "", "export to stage")
	cmd.Flags().StringVar(&start, "start", "", "data interval start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "data interval end (RFC3339)")
	_ = cmd.MarkFlagRequired("export-id")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every unpaused export on its schedule and serve metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer a.close()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("Metrics server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			a.logger.Info("Serving", zap.String("metrics_addr", a.cfg.Metrics.ListenAddr))
			return a.scheduler().Run(ctx)
		},
	}
}
