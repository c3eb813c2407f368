package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

const scanColumns = `id, run_id, account, triggered_at, image, status, reason,
       critical, high, medium, low, unknown, findings_total,
       artifact_url, raw_format, duration_ms`

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*domain.Scan, error) {
	var s domain.Scan
	c := &s.Counts
	if err := row.Scan(
		&s.ID, &s.RunID, &s.Account, &s.TriggeredAt, &s.Image, &s.Status, &s.Reason,
		&c.Critical, &c.High, &c.Medium, &c.Low, &c.Unknown, &c.Total,
		&s.ArtifactURL, &s.RawFormat, &s.DurationMS,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanRows(rows *sql.Rows) ([]*domain.Scan, error) {
	defer rows.Close()
	var out []*domain.Scan
	for rows.Next() {
		s, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Save insert/update Scan record
func (r *ScanRepository) Save(ctx context.Context, s *domain.Scan) error {
	const q = `
INSERT INTO ecranner_scans
(id, run_id, account, triggered_at, image, status, reason,
 critical, high, medium, low, unknown, findings_total,
 artifact_url, raw_format, duration_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 status=VALUES(status), reason=VALUES(reason),
 critical=VALUES(critical), high=VALUES(high), medium=VALUES(medium), low=VALUES(low),
 unknown=VALUES(unknown), findings_total=VALUES(findings_total),
 artifact_url=VALUES(artifact_url), raw_format=VALUES(raw_format), duration_ms=VALUES(duration_ms);
`
	triggered := s.TriggeredAt
	if triggered.IsZero() {
		triggered = time.Now()
	}
	c := s.Counts
	_, err := r.db.ExecContext(ctx, q,
		s.ID, stringOrDash(s.RunID), stringOrDash(s.Account), triggered, s.Image,
		stringOrDash(string(s.Status)), s.Reason,
		c.Critical, c.High, c.Medium, c.Low, c.Unknown, c.Total,
		s.ArtifactURL, s.RawFormat, s.DurationMS,
	)
	return err
}

// Get by ID + account
func (r *ScanRepository) Get(ctx context.Context, account string, id domain.ScanID) (*domain.Scan, error) {
	q := `SELECT ` + scanColumns + ` FROM ecranner_scans WHERE account=? AND id=? LIMIT 1;`
	return scanRow(r.db.QueryRowContext(ctx, q, account, id))
}

// Latest scans per account
func (r *ScanRepository) Latest(ctx context.Context, account string, limit int) ([]*domain.Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + scanColumns + ` FROM ecranner_scans WHERE account=? ORDER BY triggered_at DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, account, limit)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

// Summary counts scan results since N days
func (r *ScanRepository) Summary(ctx context.Context, account string, sinceDays int) (int, int, int, int, error) {
	if sinceDays <= 0 {
		sinceDays = 7
	}
	cut := time.Now().AddDate(0, 0, -sinceDays)

	const q = `
SELECT COUNT(*) AS total_scans,
       COALESCE(SUM(critical),0) AS critical,
       COALESCE(SUM(high),0)     AS high,
       COALESCE(SUM(medium),0)   AS medium
FROM ecranner_scans
WHERE account=? AND triggered_at >= ?;
`
	var t, c, h, m int
	if err := r.db.QueryRowContext(ctx, q, account, cut).Scan(&t, &c, &h, &m); err != nil {
		return 0, 0, 0, 0, err
	}
	return t, c, h, m, nil
}

// where builds the filter clause shared by Paginate and Count
func where(account string, filters map[string]interface{}) (string, []interface{}) {
	clause := " WHERE account=?"
	args := []interface{}{account}
	// fixed order keeps the generated SQL stable
	for _, key := range []string{domain.FilterImage, domain.FilterStatus, domain.FilterRun} {
		value, ok := filters[key]
		if !ok {
			continue
		}
		switch key {
		case domain.FilterImage:
			clause += " AND image LIKE ?"
			args = append(args, "%"+escapeLikePattern(fmt.Sprint(value))+"%")
		case domain.FilterStatus:
			clause += " AND status = ?"
			args = append(args, value)
		case domain.FilterRun:
			clause += " AND run_id = ?"
			args = append(args, value)
		}
	}
	return clause, args
}

// Paginate with offset + limit (classic pagination)
func (r *ScanRepository) Paginate(ctx context.Context, account string, page, pageSize int, filters map[string]interface{}) (domain.PaginatedResult, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	clause, args := where(account, filters)
	query := `SELECT ` + scanColumns + ` FROM ecranner_scans` + clause +
		"\n ORDER BY triggered_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, pageSize, offset)...)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("querying scans: %w", err)
	}
	scans, err := scanRows(rows)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("iterating rows: %w", err)
	}

	total, err := r.Count(ctx, account, filters)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("counting scans: %w", err)
	}

	return domain.PaginatedResult{
		Data:       scans,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}, nil
}

// Count returns the total number of records matching the given filters
func (r *ScanRepository) Count(ctx context.Context, account string, filters map[string]interface{}) (int64, error) {
	clause, args := where(account, filters)
	var count int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ecranner_scans"+clause, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
