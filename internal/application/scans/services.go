package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/ecranner/internal/application"
	"github.com/bryanwahyu/ecranner/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

// Service records pipeline results and serves scan history.
// Service is safe for concurrent use when its repositories are.
type Service struct {
	Repo      domain.Repository
	Errors    scanerrors.Repository
	Artifacts domain.ArtifactStore // optional
	Clock     application.Clock
	Log       logrus.FieldLogger
}

func (s *Service) logger() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

//
// ==== RECORDING ====
//

// RecordScan stores one scan result. The raw report is uploaded first when an
// artifact store is configured; an upload failure is logged and the scan is
// stored without a URL.
func (s *Service) RecordScan(ctx context.Context, runID, account string, res domain.Result) error {
	if s.Repo == nil {
		return nil
	}
	scan := &domain.Scan{
		ID:          domain.ScanID(uuid.NewString()),
		RunID:       runID,
		Account:     account,
		TriggeredAt: s.Clock.Now(),
		Image:       res.Image,
		Status:      domain.StatusSuccess,
		DurationMS:  res.Duration.Milliseconds(),
	}
	if res.Absent {
		scan.Status = domain.StatusAbsent
		scan.Reason = res.Reason
	} else {
		scan.Counts = res.Counts()
	}

	if s.Artifacts != nil && len(res.Raw) > 0 {
		key := ArtifactKey(account, runID, res.Image)
		url, err := s.Artifacts.Upload(ctx, key, res.Raw)
		if err != nil {
			s.logger().WithError(err).WithField("key", key).Warn("artifact upload failed")
		} else {
			scan.ArtifactURL = url
			scan.RawFormat = "json"
		}
	}

	if err := s.Repo.Save(ctx, scan); err != nil {
		return fmt.Errorf("saving scan of %s: %w", res.Image, err)
	}
	return nil
}

// RecordFailure stores one per-image failure.
func (s *Service) RecordFailure(ctx context.Context, f domain.Failure) error {
	if s.Errors == nil {
		return nil
	}
	msg := "-"
	details := map[string]string{}
	if f.Err != nil {
		msg = f.Err.Error()
		details["type"] = fmt.Sprintf("%T", f.Err)
		var pe *domain.PullError
		if errors.As(f.Err, &pe) && pe.Image != "" {
			details["image"] = pe.Image
		}
	}
	b, _ := json.Marshal(details)

	return s.Errors.Save(ctx, &scanerrors.ScanError{
		RunID:       f.RunID,
		Account:     f.Account,
		Image:       f.Image.String(),
		Phase:       string(f.Phase),
		Message:     msg,
		DetailsJSON: string(b),
		CreatedAt:   s.Clock.Now(),
	})
}

// ArtifactKey is the object key of a raw report: account/run/image.json with
// path separators in the image flattened.
func ArtifactKey(account, runID string, image domain.ImageRef) string {
	flat := strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(image.String())
	return fmt.Sprintf("%s/%s/%s.json", account, runID, flat)
}

//
// ==== QUERIES ====
//

// Latest ambil N scan terakhir
func (s *Service) Latest(ctx context.Context, account string, limit int) ([]*domain.Scan, error) {
	return s.Repo.Latest(ctx, account, limit)
}

// Get ambil 1 scan by id
func (s *Service) Get(ctx context.Context, account string, id domain.ScanID) (*domain.Scan, error) {
	return s.Repo.Get(ctx, account, id)
}

func (s *Service) Paginate(ctx context.Context, account string, page, pageSize int, filters map[string]interface{}) (domain.PaginatedResult, error) {
	return s.Repo.Paginate(ctx, account, page, pageSize, filters)
}

// Summary rekap hasil scan N hari terakhir
func (s *Service) Summary(ctx context.Context, account string, sinceDays int) (map[string]any, error) {
	total, critical, high, medium, err := s.Repo.Summary(ctx, account, sinceDays)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"total_scans": total,
		"critical":    critical,
		"high":        high,
		"medium":      medium,
	}, nil
}

// RunErrors lists the failures recorded for one run.
func (s *Service) RunErrors(ctx context.Context, account, runID string, limit int) ([]*scanerrors.ScanError, error) {
	if s.Errors == nil {
		return nil, nil
	}
	return s.Errors.ListByRun(ctx, account, runID, limit)
}
