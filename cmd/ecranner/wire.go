package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/ecranner/internal/application"
	appai "github.com/bryanwahyu/ecranner/internal/application/ai"
	"github.com/bryanwahyu/ecranner/internal/application/pipeline"
	appscans "github.com/bryanwahyu/ecranner/internal/application/scans"
	"github.com/bryanwahyu/ecranner/internal/config"
	"github.com/bryanwahyu/ecranner/internal/domain/analyst"
	"github.com/bryanwahyu/ecranner/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
	openaiClient "github.com/bryanwahyu/ecranner/internal/infra/ai/openai"
	mysqlp "github.com/bryanwahyu/ecranner/internal/infra/db/mysql"
	pgp "github.com/bryanwahyu/ecranner/internal/infra/db/postgres"
	"github.com/bryanwahyu/ecranner/internal/infra/docker"
	"github.com/bryanwahyu/ecranner/internal/infra/executor"
	"github.com/bryanwahyu/ecranner/internal/infra/notify/slack"
	"github.com/bryanwahyu/ecranner/internal/infra/registry/ecr"
	minioStore "github.com/bryanwahyu/ecranner/internal/infra/storage"
)

// wiring is everything a scan run or the API server needs.
type wiring struct {
	cfg      *config.Config
	images   *docker.Images
	pipeline *pipeline.Pipeline
	db       *sql.DB
	scans    *appscans.Service
	ai       *appai.Service
	notify   bool
}

func (w *wiring) Close() {
	if w.db != nil {
		_ = w.db.Close()
	}
	if w.images != nil {
		_ = w.images.Close()
	}
}

type wireOptions struct {
	ConfigPath string
	Slack      bool
	NoCache    bool
}

// wire builds the pipeline and, when configured, the history stack.
func wire(ctx context.Context, opts wireOptions, log logrus.FieldLogger) (*wiring, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	w := &wiring{cfg: cfg}

	images, err := docker.New()
	if err != nil {
		return nil, &domain.ConfigError{Field: "docker", Err: err}
	}
	w.images = images

	runner := executor.NewRunner()
	runner.Path = cfg.Trivy.Path
	runner.Runtime = cfg.Trivy.Runtime
	runner.Image = cfg.Trivy.Image
	runner.Severity = cfg.Trivy.Severity
	runner.Timeout = cfg.Trivy.Timeout
	runner.IgnoreUnfixed = cfg.Trivy.IgnoreUnfixed
	runner.NoCache = opts.NoCache

	w.pipeline = &pipeline.Pipeline{
		Source:  ecr.NewSource(images),
		Scanner: runner,
		Store:   images,
		Clock:   application.SystemClock{},
		Log:     log,
	}

	if opts.Slack {
		sc, err := config.SlackFromEnv(nil)
		if err != nil {
			w.Close()
			return nil, err
		}
		w.pipeline.Notifier = slack.New(sc)
		w.notify = true
	}

	if err := w.history(ctx, log); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// history connects the database and artifact store and installs the scan
// service as the pipeline recorder.
func (w *wiring) history(ctx context.Context, log logrus.FieldLogger) error {
	cfg := w.cfg
	svc := &appscans.Service{Clock: application.SystemClock{}, Log: log.WithField("component", "history")}

	var analyses analyst.Repository
	if cfg.HasDatabase() {
		var (
			repo domain.Repository
			errs scanerrors.Repository
		)
		switch strings.ToLower(cfg.Database.Driver) {
		case "postgres", "postgresql":
			db, err := pgp.Connect(ctx, cfg.DSN())
			if err != nil {
				return fmt.Errorf("postgres connect: %w", err)
			}
			w.db = db
			if err := pgp.Migrate(ctx, db); err != nil {
				return err
			}
			repo, errs, analyses = pgp.NewScanRepository(db), pgp.NewScanErrorRepository(db), pgp.NewAnalystRepository(db)
		case "mysql":
			db, err := mysqlp.Connect(ctx, cfg.DSN())
			if err != nil {
				return fmt.Errorf("mysql connect: %w", err)
			}
			w.db = db
			if err := mysqlp.Migrate(ctx, db); err != nil {
				return err
			}
			repo, errs, analyses = mysqlp.NewScanRepository(db), mysqlp.NewScanErrorRepository(db), mysqlp.NewAnalystRepository(db)
		default:
			return &domain.ConfigError{Field: "database.driver", Err: fmt.Errorf("unsupported driver %q", cfg.Database.Driver)}
		}
		svc.Repo, svc.Errors = repo, errs
	}

	if cfg.HasArtifacts() {
		store, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			return fmt.Errorf("minio init: %w", err)
		}
		svc.Artifacts = store
	}

	w.scans = svc
	if svc.Repo != nil {
		w.pipeline.Recorder = svc
	}

	if key := os.ExpandEnv(cfg.Analyst.APIKey); key != "" {
		w.ai = appai.NewService(openaiClient.NewClient(key, cfg.Analyst.Model), analyses, application.SystemClock{})
	}
	return nil
}
