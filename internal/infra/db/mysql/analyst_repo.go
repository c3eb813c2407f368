package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	domain "github.com/bryanwahyu/ecranner/internal/domain/analyst"
)

type AnalystRepository struct {
	db *sql.DB
}

func NewAnalystRepository(db *sql.DB) *AnalystRepository {
	return &AnalystRepository{db: db}
}

// Save inserts an analysis record
func (r *AnalystRepository) Save(ctx context.Context, a *domain.Analysis) error {
	const q = `
INSERT INTO ecranner_analyses
  (id, account, scan_id, image, file_url, result_json, created_at)
VALUES (?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
  scan_id=VALUES(scan_id), image=VALUES(image), file_url=VALUES(file_url), result_json=VALUES(result_json);
`
	result := a.Result
	if strings.TrimSpace(result) == "" {
		// result_json column requires valid JSON
		result = "{}"
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, q, a.ID, stringOrDash(a.Account), stringOrDash(a.ScanID),
		stringOrDash(a.Image), stringOrDash(a.FileURL), result, createdAt)
	return err
}

// Paginate returns a page of analysis records ordered by created_at desc
func (r *AnalystRepository) Paginate(ctx context.Context, account string, page, pageSize int) ([]*domain.Analysis, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	const q = `
SELECT id, account, scan_id, image, file_url, result_json, created_at
FROM ecranner_analyses
WHERE account=?
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?;
`
	rows, err := r.db.QueryContext(ctx, q, account, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Analysis
	for rows.Next() {
		var a domain.Analysis
		if err := rows.Scan(&a.ID, &a.Account, &a.ScanID, &a.Image, &a.FileURL, &a.Result, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// LatestByScan returns the newest analysis of a scan, or nil when none exists
func (r *AnalystRepository) LatestByScan(ctx context.Context, account string, scanID string) (*domain.Analysis, error) {
	const q = `
SELECT id, account, scan_id, image, file_url, result_json, created_at
FROM ecranner_analyses
WHERE account=? AND scan_id=?
ORDER BY created_at DESC LIMIT 1;
`
	var a domain.Analysis
	err := r.db.QueryRowContext(ctx, q, account, scanID).
		Scan(&a.ID, &a.Account, &a.ScanID, &a.Image, &a.FileURL, &a.Result, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
