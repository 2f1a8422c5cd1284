package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// ErrNotFound はコンテンツが存在しないことを表します。
var ErrNotFound = errors.New("content: not found")

// PostgresStore は Postgres の全文検索（tsvector）を使う Store 実装です。
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore は PostgresStore を作成します。
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema は contents テーブルと全文検索インデックスを作成します。
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS contents (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	page_number INT  NOT NULL DEFAULT 0,
	owner_id    TEXT,
	filename    TEXT,
	markdown    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	tsv         tsvector GENERATED ALWAYS AS (to_tsvector('simple', markdown)) STORED,
	UNIQUE (job_id, page_number)
);
CREATE INDEX IF NOT EXISTS idx_contents_tsv   ON contents USING GIN (tsv);
CREATE INDEX IF NOT EXISTS idx_contents_owner ON contents (owner_id);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("contents schema init failed: %w", err)
	}
	return nil
}

// Put は結果テキストを保存します。
func (s *PostgresStore) Put(ctx context.Context, doc *Document) error {
	if doc == nil || doc.JobID == "" {
		return fmt.Errorf("document jobID is required")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO contents (id, job_id, page_number, owner_id, filename, markdown, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (job_id, page_number) DO UPDATE SET
	markdown   = EXCLUDED.markdown,
	owner_id   = EXCLUDED.owner_id,
	filename   = EXCLUDED.filename,
	created_at = EXCLUDED.created_at;`

	_, err := s.pool.Exec(ctx, q,
		uuid.NewString(), doc.JobID, doc.PageNumber,
		emptyToNil(doc.OwnerID), emptyToNil(doc.Filename),
		doc.Markdown, doc.CreatedAt)
	return err
}

// Fetch は保存済みテキストを返します。
func (s *PostgresStore) Fetch(ctx context.Context, jobID string, pageNumber int) (string, error) {
	var markdown string
	err := s.pool.QueryRow(ctx,
		`SELECT markdown FROM contents WHERE job_id = $1 AND page_number = $2`,
		jobID, pageNumber).Scan(&markdown)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return markdown, nil
}

// Search は所有者スコープでマージ済み結果を全文検索します。
func (s *PostgresStore) Search(ctx context.Context, query, ownerID string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}

	const q = `
SELECT job_id, filename,
	ts_headline('simple', markdown, websearch_to_tsquery('simple', $1)),
	ts_rank(tsv, websearch_to_tsquery('simple', $1))
FROM contents
WHERE owner_id = $2 AND page_number = 0
  AND tsv @@ websearch_to_tsquery('simple', $1)
ORDER BY 4 DESC
LIMIT $3;`

	rows, err := s.pool.Query(ctx, q, query, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var (
			hit      SearchHit
			filename sql.NullString
		)
		if err := rows.Scan(&hit.JobID, &filename, &hit.Snippet, &hit.Rank); err != nil {
			return nil, err
		}
		hit.Filename = filename.String
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// DeleteJob はジョブに属する全テキストを削除します。
func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM contents WHERE job_id = $1`, jobID)
	return err
}

func emptyToNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
