package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/ecranner/internal/application"
	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

// PhasePullFailed tags the only error class Run reports as a *Error.
const PhasePullFailed = "pull-failed"

// Error is returned by Run when the pull phase fails.
type Error struct {
	Phase   string
	Account string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: account %s: %v", e.Phase, e.Account, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options selects what one run does.
type Options struct {
	Accounts        []domain.Account
	RemoveAfterScan bool
	Notify          bool
	// ForceRemove passes force to the image store during cleanup.
	ForceRemove bool
}

// Summary aggregates one run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Pulled    int           `json:"pulled"`
	Scanned   int           `json:"scanned"`
	Absent    int           `json:"absent"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Recorder receives results and per-image failures as the run progresses.
// Its errors are logged and never change the run outcome.
type Recorder interface {
	RecordScan(ctx context.Context, runID, account string, res domain.Result) error
	RecordFailure(ctx context.Context, f domain.Failure) error
}

// Pipeline sequences pull, scan, cleanup and notify for one run at a time.
// Pull and scan are sequential; only delivery fans out, inside Notifier.
type Pipeline struct {
	Source   domain.ImageSource
	Scanner  domain.Scanner
	Notifier domain.Notifier
	Store    domain.ImageStore
	Recorder Recorder
	Clock    application.Clock
	Log      logrus.FieldLogger
}

func (p *Pipeline) logger() logrus.FieldLogger {
	if p.Log != nil {
		return p.Log
	}
	return logrus.StandardLogger()
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock.Now()
	}
	return time.Now()
}

// Run drives one end-to-end run. Only pull failures are returned as *Error.
// A scanner that is unusable (tool not found) aborts the scan loop and its
// configuration error is returned after cleanup. Every other per-image
// failure is logged, recorded and absorbed into the Summary.
func (p *Pipeline) Run(ctx context.Context, opts Options) (sum Summary, err error) {
	start := p.now()
	sum.RunID = uuid.NewString()
	log := p.logger().WithField("run", sum.RunID)
	defer func() { sum.Duration = p.now().Sub(start) }()

	// 1. pull
	owner := map[domain.ImageRef]string{}
	var pulled []domain.ImageRef
	for _, acct := range opts.Accounts {
		refs, perr := p.Source.Pull(ctx, acct, acct.Images)
		for _, r := range refs {
			if _, dup := owner[r]; !dup {
				owner[r] = acct.Name
				pulled = append(pulled, r)
			}
		}
		sum.Pulled = len(pulled)
		if perr != nil {
			log.WithError(perr).WithField("account", acct.Name).Error("pull failed")
			p.record(ctx, log, domain.Failure{RunID: sum.RunID, Account: acct.Name, Phase: domain.PhasePull, Err: perr})
			if len(pulled) > 0 {
				p.cleanup(ctx, log, sum.RunID, owner, pulled, opts.ForceRemove)
			}
			return sum, &Error{Phase: PhasePullFailed, Account: acct.Name, Err: perr}
		}
	}

	// 2. nothing to do
	if len(pulled) == 0 {
		log.Info("There are no Docker images to scan")
		return sum, nil
	}

	// 3. scan
	results, err := p.scanAll(ctx, log, sum.RunID, owner, pulled, opts)
	sum.Scanned = len(results)
	sum.Absent = lo.CountBy(results, func(r domain.Result) bool { return r.Absent })
	if err != nil {
		return sum, err
	}

	// 4. notify
	if !opts.Notify {
		return sum, nil
	}
	if p.Notifier == nil {
		log.Warn("no notifier configured, skipping notifications")
		return sum, nil
	}
	sum.Delivered, sum.Failed = p.notify(ctx, log, sum.RunID, owner, results)
	return sum, nil
}

// scanAll scans every image exactly once. Post-scan cleanup is deferred so it
// runs whether the loop completes, returns early or panics.
func (p *Pipeline) scanAll(ctx context.Context, log logrus.FieldLogger, runID string, owner map[domain.ImageRef]string, images []domain.ImageRef, opts Options) (results []domain.Result, err error) {
	if opts.RemoveAfterScan {
		defer p.cleanup(ctx, log, runID, owner, images, opts.ForceRemove)
	}

	log.Infof("Scanning %d Docker images", len(images))
	for _, img := range images {
		res, serr := p.Scanner.Scan(ctx, img)
		if serr != nil {
			var cerr *domain.ConfigError
			if errors.As(serr, &cerr) || errors.Is(serr, domain.ErrToolNotFound) {
				log.WithError(serr).Error("scanner unavailable, aborting scan phase")
				return results, serr
			}
			// any other error is treated like a failed scan of this image only
			res = domain.AbsentResult(img, serr.Error(), 0)
		}
		res.Image = img
		results = append(results, res)

		ilog := log.WithField("image", img)
		if res.Absent {
			ilog.WithField("reason", res.Reason).Warn("scan produced no result")
			p.record(ctx, log, domain.Failure{RunID: runID, Account: owner[img], Image: img, Phase: domain.PhaseScan, Err: errors.New(res.Reason)})
		} else {
			ilog.WithField("findings", res.Counts().Total).Info("scanned")
		}
		if p.Recorder != nil {
			if rerr := p.Recorder.RecordScan(ctx, runID, owner[img], res); rerr != nil {
				ilog.WithError(rerr).Warn("could not record scan")
			}
		}
	}
	return results, nil
}

func (p *Pipeline) notify(ctx context.Context, log logrus.FieldLogger, runID string, owner map[domain.ImageRef]string, results []domain.Result) (delivered, failed int) {
	payloads := make([]domain.Payload, 0, len(results))
	for _, res := range results {
		if res.Absent {
			continue
		}
		pl, err := p.Notifier.Render(res)
		if err != nil {
			failed++
			log.WithError(err).WithField("image", res.Image).Error("could not render notification")
			p.record(ctx, log, domain.Failure{RunID: runID, Account: owner[res.Image], Image: res.Image, Phase: domain.PhaseNotify, Err: err})
			continue
		}
		payloads = append(payloads, pl)
	}
	if len(payloads) == 0 {
		return delivered, failed
	}

	for _, o := range p.Notifier.Deliver(ctx, payloads) {
		if o.Delivered() {
			delivered++
			continue
		}
		failed++
		log.WithError(o.Err).WithField("image", o.Payload.Image).Error("notification not delivered")
		p.record(ctx, log, domain.Failure{RunID: runID, Account: owner[o.Payload.Image], Image: o.Payload.Image, Phase: domain.PhaseNotify, Err: o.Err})
	}
	log.WithFields(logrus.Fields{"delivered": delivered, "failed": failed}).Info("notifications sent")
	return delivered, failed
}

// cleanup ignores cancellation of ctx so an interrupted run still releases
// its images.
func (p *Pipeline) cleanup(ctx context.Context, log logrus.FieldLogger, runID string, owner map[domain.ImageRef]string, images []domain.ImageRef, force bool) {
	ctx = context.WithoutCancel(ctx)
	if p.Store == nil {
		log.Warn("no image store configured, skipping cleanup")
		return
	}
	ok, failed := Cleaner{Store: p.Store, Force: force, Log: log}.RemoveAll(ctx, images)
	if ok {
		log.Infof("Removed %d Docker images", len(images))
		return
	}
	for _, img := range failed {
		p.record(ctx, log, domain.Failure{RunID: runID, Account: owner[img], Image: img, Phase: domain.PhaseCleanup, Err: errors.New("image could not be removed")})
	}
}

func (p *Pipeline) record(ctx context.Context, log logrus.FieldLogger, f domain.Failure) {
	if p.Recorder == nil {
		return
	}
	if err := p.Recorder.RecordFailure(ctx, f); err != nil {
		log.WithError(err).Warn("could not record failure")
	}
}
