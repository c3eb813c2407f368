package scanerrors

import (
	"context"
)

// Repository defines persistence for scan errors
type Repository interface {
	Save(ctx context.Context, e *ScanError) error
	ListByRun(ctx context.Context, account string, runID string, limit int) ([]*ScanError, error)
}
