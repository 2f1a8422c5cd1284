// Package content は変換結果の大きなテキストを保持・検索するコンテンツストアです。
package content

import (
	"context"
	"time"
)

// Document は保存するテキストとそのメタデータです。
// PageNumber 0 はジョブ全体のマージ済み結果を表します。
type Document struct {
	JobID      string
	PageNumber int
	OwnerID    string
	Filename   string
	Markdown   string
	CreatedAt  time.Time
}

// SearchHit は全文検索の1件のヒットです。
type SearchHit struct {
	JobID    string  `json:"jobId"`
	Filename string  `json:"filename,omitempty"`
	Snippet  string  `json:"snippet"`
	Rank     float32 `json:"rank"`
}

// Store はコンテンツストアの契約です。実装は外部コラボレーターとして扱い、
// テストではインメモリのフェイクに差し替えます。
type Store interface {
	// Put は結果テキストを保存します（同一 (jobID, pageNumber) は上書き）。
	Put(ctx context.Context, doc *Document) error
	// Fetch は保存済みテキストを返します。未保存なら ErrNotFound です。
	Fetch(ctx context.Context, jobID string, pageNumber int) (string, error)
	// Search は所有者スコープの全文検索を行います。
	Search(ctx context.Context, query, ownerID string, limit int) ([]SearchHit, error)
	// DeleteJob はジョブに属する全テキスト（全体結果とページ結果）を削除します。
	DeleteJob(ctx context.Context, jobID string) error
}
