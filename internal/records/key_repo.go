package records

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// APIKey は api_keys テーブルの1行です。SecretHash には平文の秘密部は
// 保存されず、bcrypt ハッシュのみが入ります。
type APIKey struct {
	ID         string
	OwnerID    string
	Name       string
	SecretHash string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// KeyRepo は api_keys テーブルへのアクセスを提供します。
type KeyRepo struct {
	pool *pgxpool.Pool
}

// NewKeyRepo は KeyRepo を作成します。
func NewKeyRepo(pool *pgxpool.Pool) *KeyRepo {
	return &KeyRepo{pool: pool}
}

// Insert は新規キー行を作成します。
func (r *KeyRepo) Insert(ctx context.Context, k *APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO api_keys (id, owner_id, name, secret_hash, is_active, created_at)
VALUES ($1, $2, $3, $4, $5, $6);`

	_, err := r.pool.Exec(ctx, q,
		k.ID, k.OwnerID, nullString(k.Name), k.SecretHash, k.IsActive, k.CreatedAt)
	return err
}

// Get は1件のキーを取得します。
func (r *KeyRepo) Get(ctx context.Context, id string) (*APIKey, error) {
	const q = `
SELECT id, owner_id, name, secret_hash, is_active, created_at, last_used_at
FROM api_keys WHERE id = $1`

	var (
		k        APIKey
		name     *string
		lastUsed *time.Time
	)
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&k.ID, &k.OwnerID, &name, &k.SecretHash, &k.IsActive, &k.CreatedAt, &lastUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if name != nil {
		k.Name = *name
	}
	if lastUsed != nil {
		k.LastUsedAt = *lastUsed
	}
	return &k, nil
}

// ListByOwner は所有者のキー一覧を新しい順に返します。
func (r *KeyRepo) ListByOwner(ctx context.Context, ownerID string) ([]*APIKey, error) {
	const q = `
SELECT id, owner_id, name, secret_hash, is_active, created_at, last_used_at
FROM api_keys WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var (
			k        APIKey
			name     *string
			lastUsed *time.Time
		)
		if err := rows.Scan(&k.ID, &k.OwnerID, &name, &k.SecretHash,
			&k.IsActive, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if name != nil {
			k.Name = *name
		}
		if lastUsed != nil {
			k.LastUsedAt = *lastUsed
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// TouchLastUsed は最終利用時刻を更新します。
func (r *KeyRepo) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, time.Now().UTC())
	return err
}

// Deactivate はキーを無効化します。行が存在したかを返します。
func (r *KeyRepo) Deactivate(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE api_keys SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
