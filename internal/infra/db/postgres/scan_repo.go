package postgres

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

type ScanRepository struct{ db *sql.DB }

func NewScanRepository(db *sql.DB) *ScanRepository { return &ScanRepository{db: db} }

func scanRow(row interface{ Scan(...any) error }) (*domain.Scan, error) {
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
			return nil, err
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
VALUES ($1,$2,$3,$4,$5,$6,$7,
        $8,$9,$10,$11,$12,$13,
        $14,$15,$16)
ON CONFLICT (id) DO UPDATE SET
 status = EXCLUDED.status,
 reason = EXCLUDED.reason,
 critical = EXCLUDED.critical,
 high = EXCLUDED.high,
 medium = EXCLUDED.medium,
 low = EXCLUDED.low,
 unknown = EXCLUDED.unknown,
 findings_total = EXCLUDED.findings_total,
 artifact_url = EXCLUDED.artifact_url,
 raw_format = EXCLUDED.raw_format,
 duration_ms = EXCLUDED.duration_ms;`

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
	q := `SELECT ` + scanColumns + ` FROM ecranner_scans WHERE account=$1 AND id=$2 LIMIT 1;`
	return scanRow(r.db.QueryRowContext(ctx, q, account, id))
}

// Latest scans per account
func (r *ScanRepository) Latest(ctx context.Context, account string, limit int) ([]*domain.Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + scanColumns + ` FROM ecranner_scans WHERE account=$1 ORDER BY triggered_at DESC LIMIT $2;`
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
SELECT COUNT(*),
       COALESCE(SUM(critical),0),
       COALESCE(SUM(high),0),
       COALESCE(SUM(medium),0)
FROM ecranner_scans
WHERE account=$1 AND triggered_at >= $2;`
	var t, c, h, m int
	if err := r.db.QueryRowContext(ctx, q, account, cut).Scan(&t, &c, &h, &m); err != nil {
		return 0, 0, 0, 0, err
	}
	return t, c, h, m, nil
}

// where numbers placeholders from $1; the caller continues from len(args)+1
func where(account string, filters map[string]interface{}) (string, []interface{}) {
	clause := " WHERE account=$1"
	args := []interface{}{account}
	for _, key := range []string{domain.FilterImage, domain.FilterStatus, domain.FilterRun} {
		value, ok := filters[key]
		if !ok {
			continue
		}
		n := len(args) + 1
		switch key {
		case domain.FilterImage:
			clause += fmt.Sprintf(" AND image ILIKE $%d", n)
			args = append(args, "%"+escapeLike(fmt.Sprint(value))+"%")
		case domain.FilterStatus:
			clause += fmt.Sprintf(" AND status = $%d", n)
			args = append(args, value)
		case domain.FilterRun:
			clause += fmt.Sprintf(" AND run_id = $%d", n)
			args = append(args, value)
		}
	}
	return clause, args
}

// Paginate with offset + limit
func (r *ScanRepository) Paginate(ctx context.Context, account string, page, pageSize int, filters map[string]interface{}) (domain.PaginatedResult, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	clause, args := where(account, filters)
	n := len(args)
	query := `SELECT ` + scanColumns + ` FROM ecranner_scans` + clause +
		fmt.Sprintf("\n ORDER BY triggered_at DESC, id DESC LIMIT $%d OFFSET $%d", n+1, n+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, pageSize, offset)...)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("querying scans: %w", err)
	}
	scans, err := scanRows(rows)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("scanning rows: %w", err)
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
