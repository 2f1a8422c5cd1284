// Package records はジョブ/ページの履歴を保持する永続レコードストアです。
// 一覧・集計・監査の正はここにあり、ライブ進捗の正はキャッシュ側にあります。
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// ErrNotFound はレコードが存在しないことを表します。
var ErrNotFound = errors.New("records: not found")

// NewPool は Postgres 接続プールを作成します。
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.Connect(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.Connect failed: %w", err)
	}
	return pool, nil
}

// InitSchema は必要なテーブルを作成します（存在すればそのまま）。
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL,
	progress        INT  NOT NULL DEFAULT 0,
	parent_id       TEXT REFERENCES jobs(id) ON DELETE CASCADE,
	page_number     INT,
	owner_id        TEXT,
	filename        TEXT,
	source_type     TEXT,
	source_ref      TEXT,
	total_pages     INT NOT NULL DEFAULT 0,
	pages_completed INT NOT NULL DEFAULT 0,
	pages_failed    INT NOT NULL DEFAULT 0,
	split_job_id    TEXT,
	merge_job_id    TEXT,
	char_count      INT NOT NULL DEFAULT 0,
	error_message   TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner   ON jobs (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_parent  ON jobs (parent_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status  ON jobs (status);

CREATE TABLE IF NOT EXISTS pages (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	page_number   INT  NOT NULL,
	status        TEXT NOT NULL,
	page_job_id   TEXT NOT NULL,
	char_count    INT  NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ,
	UNIQUE (job_id, page_number)
);

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	name         TEXT,
	secret_hash  TEXT NOT NULL,
	is_active    BOOLEAN NOT NULL DEFAULT true,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at TIMESTAMPTZ
);
`
	_, err := pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("schema init failed: %w", err)
	}
	return nil
}
