// Package cache はジョブのライブ状態を保持する低レイテンシキャッシュ層です。
// ポーリングに対する正であり、履歴の正は永続ストア側にあります。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/doc-forge/internal/job"
)

const (
	statusKeySuffix = ":status"
	resultKeySuffix = ":result"
	pagesKeySuffix  = ":pages:total"
	jobKeyPrefix    = "job:"
)

// ErrNotFound はキャッシュに対象が存在しないことを表します。
var ErrNotFound = errors.New("cache: job not found")

// Store はジョブ状態を Redis に保存します。
type Store struct {
	rdb       *redis.Client
	statusTTL time.Duration
	resultTTL time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, statusTTL, resultTTL time.Duration) *Store {
	return &Store{
		rdb:       rdb,
		statusTTL: statusTTL,
		resultTTL: resultTTL,
	}
}

// Ping は接続確認を行います。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// GetJob はジョブ状態を取得します。存在しない場合は ErrNotFound を返します。
func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, statusKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record job.Job
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// PutJob はジョブ状態を保存します（存在しない場合は作成）。
func (s *Store) PutJob(ctx context.Context, record *job.Job) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, statusKey(record.ID), payload, s.statusTTL).Err()
}

// UpdateJob は楽観ロック付きでジョブ状態を部分更新します。
func (s *Store) UpdateJob(ctx context.Context, jobID string, mutate func(*job.Job)) error {
	key := statusKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var record job.Job
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.statusTTL)
			return nil
		})
		return err
	}

	for {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

// SetResult は変換結果のペイロードを結果TTL付きで保存します。
func (s *Store) SetResult(ctx context.Context, jobID string, payload []byte) error {
	return s.rdb.Set(ctx, resultKey(jobID), payload, s.resultTTL).Err()
}

// GetResult は変換結果を取得します。存在しない場合は ErrNotFound を返します。
func (s *Store) GetResult(ctx context.Context, jobID string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, resultKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// SetTotalPages は親ジョブの総ページ数を保存します。
func (s *Store) SetTotalPages(ctx context.Context, jobID string, total int) error {
	return s.rdb.Set(ctx, pagesKey(jobID), total, s.statusTTL).Err()
}

// DeleteJobs は複数ジョブのキャッシュエントリをまとめて削除します。
func (s *Store) DeleteJobs(ctx context.Context, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(jobIDs)*3)
	for _, id := range jobIDs {
		keys = append(keys, statusKey(id), resultKey(id), pagesKey(id))
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func statusKey(id string) string {
	return jobKeyPrefix + id + statusKeySuffix
}

func resultKey(id string) string {
	return jobKeyPrefix + id + resultKeySuffix
}

func pagesKey(id string) string {
	return jobKeyPrefix + id + pagesKeySuffix
}
