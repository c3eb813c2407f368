package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bryanwahyu/ecranner/internal/application/pipeline"
	"github.com/bryanwahyu/ecranner/internal/config"
	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

var (
	// Version is set at build time
	Version = "dev"
)

// errInterrupted is returned when a run is stopped by SIGINT or SIGTERM.
var errInterrupted = errors.New("interrupted")

type rootFlags struct {
	remove  bool
	file    string
	noCache bool
	slack   bool
	envFile string
	quiet   bool
	debug   bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "ecranner",
		Short: "Scan Docker images stored in AWS ECR",
		Long: `ECRanner pulls images from the AWS ECR accounts listed in ecranner.yml,
scans them with Trivy and optionally posts the results to Slack.

  ecranner                  # pull and scan
  ecranner --rm --slack     # remove images afterwards and notify Slack
  ecranner serve            # run the scan history API`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setLogLevel(f.debug, f.quiet); err != nil {
				return err
			}
			return config.LoadEnv(f.envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), f)
		},
	}

	cmd.Flags().BoolVar(&f.remove, "rm", false, "remove images after scan with Trivy")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "disable the Trivy cache")
	cmd.Flags().BoolVar(&f.slack, "slack", false, "send the scan result to Slack")
	cmd.PersistentFlags().StringVarP(&f.file, "file", "f", config.DefaultFile, "filepath to configuration in YAML")
	cmd.PersistentFlags().StringVar(&f.envFile, "env-file", "", "filepath to an env file (default .env when present)")
	cmd.PersistentFlags().BoolVarP(&f.quiet, "quiet", "q", false, "only log warnings and errors")
	cmd.PersistentFlags().BoolVar(&f.debug, "debug", false, "enable debug logging")
	cmd.MarkFlagsMutuallyExclusive("quiet", "debug")

	cmd.AddCommand(newServeCmd(f))
	return cmd
}

func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Error("ecranner failed")
		return 1
	}
	return 0
}

// setLogLevel reads LOGRUS_LEVEL; the flags win over the environment.
func setLogLevel(debug, quiet bool) error {
	logrus.SetLevel(logrus.InfoLevel)
	if v := os.Getenv("LOGRUS_LEVEL"); v != "" {
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("invalid log level %q (should be one of trace, debug, info, warning, error, fatal, panic): %w", v, err)
		}
		logrus.SetLevel(lvl)
	}
	switch {
	case debug:
		logrus.SetLevel(logrus.DebugLevel)
	case quiet:
		logrus.SetLevel(logrus.WarnLevel)
	}
	return nil
}

func runScan(parent context.Context, f *rootFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logrus.WithField("component", "pipeline")
	w, err := wire(ctx, wireOptions{ConfigPath: f.file, Slack: f.slack, NoCache: f.noCache}, log)
	if err != nil {
		return err
	}
	defer w.Close()

	accounts := w.cfg.Accounts()
	if len(accounts) == 0 {
		return &domain.ConfigError{Field: "aws", Err: errors.New("no accounts configured")}
	}

	sum, err := w.pipeline.Run(ctx, pipeline.Options{
		Accounts:        accounts,
		RemoveAfterScan: f.remove,
		Notify:          f.slack,
	})
	if ctx.Err() != nil {
		return fmt.Errorf("run %s: %w", sum.RunID, errInterrupted)
	}
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"run":       sum.RunID,
		"pulled":    sum.Pulled,
		"scanned":   sum.Scanned,
		"absent":    sum.Absent,
		"delivered": sum.Delivered,
		"failed":    sum.Failed,
		"took":      sum.Duration.String(),
	}).Info("run finished")
	return nil
}
