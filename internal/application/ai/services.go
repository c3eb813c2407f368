package ai

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/bryanwahyu/ecranner/internal/application"
	"github.com/bryanwahyu/ecranner/internal/domain/ai"
	"github.com/bryanwahyu/ecranner/internal/domain/analyst"
	"github.com/bryanwahyu/ecranner/internal/domain/scans"
	"github.com/bryanwahyu/ecranner/internal/infra/ai/prompt"
)

// ErrNotConfigured is returned when no model client is set up.
var ErrNotConfigured = errors.New("ai analyst is not configured")

type Service struct {
	client ai.Client
	repo   analyst.Repository
	clock  application.Clock
}

func NewService(client ai.Client, repo analyst.Repository, clock application.Clock) *Service {
	if clock == nil {
		clock = application.SystemClock{}
	}
	return &Service{client: client, repo: repo, clock: clock}
}

// AnalyzeAndStore asks the model to triage one stored scan and persists the
// answer. The answer must be a JSON object.
func (s *Service) AnalyzeAndStore(ctx context.Context, account string, scan *scans.Scan, targets []scans.Target) (*analyst.Analysis, error) {
	if s.client == nil {
		return nil, ErrNotConfigured
	}
	out, err := s.client.Analyze(ctx, ai.NewReport(scan, targets))
	if err != nil {
		return nil, err
	}
	if _, err := prompt.ParseSuggestion(out); err != nil {
		return nil, err
	}

	a := &analyst.Analysis{
		ID:        analyst.AnalysisID(uuid.NewString()),
		Account:   account,
		ScanID:    string(scan.ID),
		Image:     scan.Image.String(),
		FileURL:   scan.ArtifactURL,
		Result:    out,
		CreatedAt: s.clock.Now(),
	}
	if s.repo != nil {
		if err := s.repo.Save(ctx, a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (s *Service) ListAnalyses(ctx context.Context, account string, page, pageSize int) ([]*analyst.Analysis, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.Paginate(ctx, account, page, pageSize)
}

func (s *Service) LatestForScan(ctx context.Context, account, scanID string) (*analyst.Analysis, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.LatestByScan(ctx, account, scanID)
}
