package records

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/yourusername/doc-forge/internal/job"
)

// JobRepo は jobs テーブルへのアクセスを提供します。
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo は JobRepo を作成します。
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `
id, kind, status, progress, parent_id, page_number, owner_id,
filename, source_type, source_ref,
total_pages, pages_completed, pages_failed,
split_job_id, merge_job_id, char_count, error_message,
created_at, started_at, completed_at`

// Insert は新規ジョブ行を作成します。
func (r *JobRepo) Insert(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO jobs (id, kind, status, progress, parent_id, page_number, owner_id,
	filename, source_type, source_ref, total_pages, split_job_id, merge_job_id,
	error_message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO NOTHING;`

	_, err := r.pool.Exec(ctx, q,
		j.ID, string(j.Kind), string(j.Status), j.Progress,
		nullString(j.ParentID), nullInt(j.PageNumber), nullString(j.OwnerID),
		nullString(j.Filename), nullString(j.SourceType), nullString(j.SourceRef),
		j.TotalPages, nullString(j.SplitJobID), nullString(j.MergeJobID),
		nullString(j.Error), j.CreatedAt)
	if err != nil {
		// 親ジョブが削除済みで外部キー違反になった場合は not found として扱う。
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Get は1件のジョブを取得します。ページジョブID一覧は含みません。
func (r *JobRepo) Get(ctx context.Context, id string) (*job.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// SetStatus は状態遷移を保存します。遷移が無効な場合は現状維持で no-op です。
// 非終端遷移では progress を後退させません。failed / cancelled への遷移は
// キャッシュ側と同じく指定値で確定させます。
func (r *JobRepo) SetStatus(ctx context.Context, id string, status job.Status, progress int, errMsg string) error {
	now := time.Now().UTC()

	const q = `
UPDATE jobs SET
	status   = $2,
	progress = CASE WHEN $2 IN ('failed', 'cancelled') THEN $3 ELSE GREATEST(progress, $3) END,
	error_message = CASE WHEN $4 = '' THEN error_message ELSE $4 END,
	started_at    = CASE WHEN $2 = 'processing' AND started_at IS NULL THEN $5 ELSE started_at END,
	completed_at  = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') AND completed_at IS NULL THEN $5 ELSE completed_at END
WHERE id = $1
  AND status NOT IN ('completed', 'failed', 'cancelled');`

	tag, err := r.pool.Exec(ctx, q, id, string(status), progress, errMsg, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// 既に終端、または行が無い。重複配信では正常系として握りつぶす。
		return nil
	}
	return nil
}

// SetProgress は進捗のみを単調非減少で更新します。
func (r *JobRepo) SetProgress(ctx context.Context, id string, progress int) error {
	const q = `
UPDATE jobs SET progress = GREATEST(progress, $2)
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled');`
	_, err := r.pool.Exec(ctx, q, id, progress)
	return err
}

// SetTotalPages は親ジョブの総ページ数を設定します。
func (r *JobRepo) SetTotalPages(ctx context.Context, id string, total int) error {
	_, err := r.pool.Exec(ctx, `UPDATE jobs SET total_pages = $2 WHERE id = $1`, id, total)
	return err
}

// SetCharCount は結果の文字数を保存します。
func (r *JobRepo) SetCharCount(ctx context.Context, id string, count int) error {
	_, err := r.pool.Exec(ctx, `UPDATE jobs SET char_count = $2 WHERE id = $1`, id, count)
	return err
}

// SetSplitJob は親ジョブの SPLIT 子枠を記録します。
func (r *JobRepo) SetSplitJob(ctx context.Context, parentID, splitJobID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET split_job_id = $2 WHERE id = $1 AND split_job_id IS NULL`,
		parentID, splitJobID)
	return err
}

// ClaimMerge は MERGE 子枠の獲得を試みます。枠が空だった場合のみ true を返すため、
// 複数の PAGE ワーカーが同時に「全ページ終端」を観測しても MERGE は1つしか作られません。
func (r *JobRepo) ClaimMerge(ctx context.Context, parentID, mergeJobID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET merge_job_id = $2 WHERE id = $1 AND merge_job_id IS NULL`,
		parentID, mergeJobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseMerge は MERGE 子枠を解放します。ページの手動再試行で結果の
// 再結合が必要になったとき、以前の MERGE を stale 扱いにするために使います。
func (r *JobRepo) ReleaseMerge(ctx context.Context, parentID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET merge_job_id = NULL WHERE id = $1`, parentID)
	return err
}

// PageCounters は RefreshPageCounters の結果を表します。
type PageCounters struct {
	Completed int
	Failed    int
	Total     int
}

// AllTerminal は全ページが終端状態に達したかを返します。
func (c PageCounters) AllTerminal() bool {
	return c.Total > 0 && c.Completed+c.Failed == c.Total
}

// RefreshPageCounters は pages テーブルの実行数から親の集計列を再計算します。
// 1文のアトミックな更新なので、重複配信でも二重加算は起きません。
func (r *JobRepo) RefreshPageCounters(ctx context.Context, parentID string) (PageCounters, error) {
	const q = `
UPDATE jobs SET
	pages_completed = (SELECT count(*) FROM pages WHERE job_id = $1 AND status = 'completed'),
	pages_failed    = (SELECT count(*) FROM pages WHERE job_id = $1 AND status = 'failed')
WHERE id = $1
RETURNING pages_completed, pages_failed, total_pages;`

	var c PageCounters
	err := r.pool.QueryRow(ctx, q, parentID).Scan(&c.Completed, &c.Failed, &c.Total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, err
	}
	return c, nil
}

// CountPagesByStatus は指定状態のページ数を返します。
func (r *JobRepo) CountPagesByStatus(ctx context.Context, parentID string, status job.PageStatus) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM pages WHERE job_id = $1 AND status = $2`,
		parentID, string(status)).Scan(&count)
	return count, err
}

// ChildIDs は親に属する全子ジョブのIDを返します（カスケード削除用）。
func (r *JobRepo) ChildIDs(ctx context.Context, parentID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM jobs WHERE parent_id = $1`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PageJobIDs は親に属する PAGE ジョブのIDをページ番号順に返します。
func (r *JobRepo) PageJobIDs(ctx context.Context, parentID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM jobs WHERE parent_id = $1 AND kind = 'page' ORDER BY page_number`,
		parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByOwner は所有者のMAINジョブを新しい順に返します。
func (r *JobRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE owner_id = $1 AND kind = 'main'
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Delete はジョブ行を削除します。子ジョブと pages は外部キーでカスケードします。
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                               job.Job
		kind, status                    string
		parentID, ownerID               sql.NullString
		filename, sourceType, sourceRef sql.NullString
		splitJobID, mergeJobID, errMsg  sql.NullString
		pageNumber                      sql.NullInt32
		startedAt, completedAt          sql.NullTime
	)

	err := row.Scan(
		&j.ID, &kind, &status, &j.Progress, &parentID, &pageNumber, &ownerID,
		&filename, &sourceType, &sourceRef,
		&j.TotalPages, &j.PagesCompleted, &j.PagesFailed,
		&splitJobID, &mergeJobID, &j.CharCount, &errMsg,
		&j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	j.Kind = job.Kind(kind)
	j.Status = job.Status(status)
	j.ParentID = parentID.String
	j.PageNumber = int(pageNumber.Int32)
	j.OwnerID = ownerID.String
	j.Filename = filename.String
	j.SourceType = sourceType.String
	j.SourceRef = sourceRef.String
	j.SplitJobID = splitJobID.String
	j.MergeJobID = mergeJobID.String
	j.Error = errMsg.String
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = completedAt.Time
	}
	return &j, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}
