package records

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/yourusername/doc-forge/internal/job"
)

// PageRepo は pages テーブルへのアクセスを提供します。
// レコードの同一性は (job_id, page_number) で、PAGEジョブIDはリトライで差し替わります。
type PageRepo struct {
	pool *pgxpool.Pool
}

// NewPageRepo は PageRepo を作成します。
func NewPageRepo(pool *pgxpool.Pool) *PageRepo {
	return &PageRepo{pool: pool}
}

// Insert は新規ページレコードを作成します。
func (r *PageRepo) Insert(ctx context.Context, p *job.Page) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO pages (id, job_id, page_number, status, page_job_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (job_id, page_number) DO NOTHING;`

	_, err := r.pool.Exec(ctx, q,
		p.ID, p.JobID, p.PageNumber, string(p.Status), p.PageJobID, p.CreatedAt)
	return err
}

// GetByNumber は (job_id, page_number) でページを取得します。
func (r *PageRepo) GetByNumber(ctx context.Context, jobID string, pageNumber int) (*job.Page, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, job_id, page_number, status, page_job_id, char_count, error_message, created_at, completed_at
FROM pages WHERE job_id = $1 AND page_number = $2`, jobID, pageNumber)
	return scanPage(row)
}

// ListByJob は親ジョブの全ページをページ番号順に返します。
func (r *PageRepo) ListByJob(ctx context.Context, jobID string) ([]*job.Page, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, job_id, page_number, status, page_job_id, char_count, error_message, created_at, completed_at
FROM pages WHERE job_id = $1 ORDER BY page_number`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkProcessing はページを処理中にします。
func (r *PageRepo) MarkProcessing(ctx context.Context, jobID string, pageNumber int) error {
	_, err := r.pool.Exec(ctx, `
UPDATE pages SET status = 'processing'
WHERE job_id = $1 AND page_number = $2 AND status IN ('pending', 'processing')`,
		jobID, pageNumber)
	return err
}

// MarkCompleted はページを完了にします。既に終端なら no-op です。
func (r *PageRepo) MarkCompleted(ctx context.Context, jobID string, pageNumber, charCount int) error {
	_, err := r.pool.Exec(ctx, `
UPDATE pages SET status = 'completed', char_count = $3, error_message = NULL, completed_at = $4
WHERE job_id = $1 AND page_number = $2 AND status NOT IN ('completed')`,
		jobID, pageNumber, charCount, time.Now().UTC())
	return err
}

// MarkFailed はページを失敗にします。完了済みページは上書きしません。
func (r *PageRepo) MarkFailed(ctx context.Context, jobID string, pageNumber int, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE pages SET status = 'failed', error_message = $3, completed_at = $4
WHERE job_id = $1 AND page_number = $2 AND status NOT IN ('completed')`,
		jobID, pageNumber, errMsg, time.Now().UTC())
	return err
}

// ResetForRetry は失敗ページを新しいPAGEジョブIDで処理中に戻します。
// 状態が failed のときだけ成功し、それ以外では false を返します（前提条件の強制）。
func (r *PageRepo) ResetForRetry(ctx context.Context, jobID string, pageNumber int, newPageJobID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE pages SET page_job_id = $3, status = 'processing', error_message = NULL, completed_at = NULL
WHERE job_id = $1 AND page_number = $2 AND status = 'failed'`,
		jobID, pageNumber, newPageJobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanPage(row rowScanner) (*job.Page, error) {
	var (
		p           job.Page
		status      string
		errMsg      sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.JobID, &p.PageNumber, &status, &p.PageJobID,
		&p.CharCount, &errMsg, &p.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = job.PageStatus(status)
	p.ErrorMessage = errMsg.String
	if completedAt.Valid {
		p.CompletedAt = completedAt.Time
	}
	return &p, nil
}
