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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bryanwahyu/ecranner/internal/infra/httpserver"
	"github.com/bryanwahyu/ecranner/internal/middleware"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var port int
	var noCache bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve scan history and trigger runs over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), root, port, noCache)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default server.port or 8080)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the Trivy cache for triggered runs")
	return cmd
}

func serve(parent context.Context, f *rootFlags, port int, noCache bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logrus.WithField("component", "server")
	hasSlack := os.Getenv("SLACK_WEBHOOK") != ""
	w, err := wire(ctx, wireOptions{ConfigPath: f.file, Slack: hasSlack, NoCache: noCache}, logrus.WithField("component", "pipeline"))
	if err != nil {
		return err
	}
	defer w.Close()
	if w.scans.Repo == nil {
		return errors.New("serve needs a database: set database.host in the configuration")
	}

	cfg := w.cfg
	if port == 0 {
		port = cfg.Server.Port
	}

	checks := map[string]middleware.HealthChecker{
		"docker":   middleware.CheckFunc(w.images.Check),
		"database": &middleware.DatabaseHealthChecker{DB: w.db},
	}
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.RefillRate)
	defer limiter.Stop()

	router := httpserver.NewRouter(httpserver.Options{
		Scans:       w.scans,
		AI:          w.ai,
		Runner:      w.pipeline,
		Accounts:    cfg.Accounts(),
		Notify:      w.notify,
		Metrics:     middleware.NewMetrics(),
		RateLimiter: limiter,
		APIKeys:     cfg.Server.APIKeys,
		CORSOrigins: cfg.Server.CORSOrigins,
		Checks:      checks,
		Log:         logrus.WithField("component", "http"),
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down server...")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	// background run gets its own grace period to finish cleanup
	wctx, wcancel := context.WithTimeout(context.Background(), time.Minute)
	defer wcancel()
	if err := router.Wait(wctx); err != nil {
		log.WithError(err).Warn("background run still active at exit")
	}
	return nil
}
