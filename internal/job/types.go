// Package job はジョブ/ページのデータモデルと状態遷移を提供します。
package job

import (
	"fmt"
	"time"
)

// Kind はジョブの種別を表します。
type Kind string

const (
	KindMain  Kind = "main"
	KindSplit Kind = "split"
	KindPage  Kind = "page"
	KindMerge Kind = "merge"
)

// Valid は既知の種別かどうかを返します。
func (k Kind) Valid() bool {
	switch k {
	case KindMain, KindSplit, KindPage, KindMerge:
		return true
	default:
		return false
	}
}

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition は s から to への遷移が許されるかを返します。
// 同一状態への再適用（at-least-once配信による重複）は常に許可します。
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	if s.Terminal() {
		return false
	}
	switch to {
	case StatusProcessing:
		return s == StatusQueued
	case StatusCompleted, StatusFailed:
		return s == StatusQueued || s == StatusProcessing
	case StatusCancelled:
		// 非終端状態からはいつでもキャンセル可能（現行フローでは未使用）
		return true
	default:
		return false
	}
}

// PageStatus はページレコードの状態を表します。
type PageStatus string

const (
	PagePending    PageStatus = "pending"
	PageProcessing PageStatus = "processing"
	PageCompleted  PageStatus = "completed"
	PageFailed     PageStatus = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s PageStatus) Terminal() bool {
	return s == PageCompleted || s == PageFailed
}

// ChildSlot は親ジョブに登録する子ジョブの枠を表します。
type ChildSlot string

const (
	SlotSplit ChildSlot = "split"
	SlotPage  ChildSlot = "page"
	SlotMerge ChildSlot = "merge"
)

// Job は1件のオーケストレーション単位を表します。
type Job struct {
	ID         string `json:"jobId"`
	Kind       Kind   `json:"kind"`
	Status     Status `json:"status"`
	Progress   int    `json:"progress"`
	ParentID   string `json:"parentJobId,omitempty"`
	PageNumber int    `json:"pageNumber,omitempty"` // PAGE のみ、1始まり
	OwnerID    string `json:"ownerId,omitempty"`

	Filename   string `json:"filename,omitempty"`
	SourceType string `json:"sourceType,omitempty"`
	SourceRef  string `json:"sourceRef,omitempty"`

	// MAIN に非正規化されるページ集計（PAGE ワーカーが更新）
	TotalPages     int `json:"totalPages,omitempty"`
	PagesCompleted int `json:"pagesCompleted,omitempty"`
	PagesFailed    int `json:"pagesFailed,omitempty"`

	// MAIN の子ジョブ参照（作成され次第埋まる）
	SplitJobID string   `json:"splitJobId,omitempty"`
	PageJobIDs []string `json:"pageJobIds,omitempty"`
	MergeJobID string   `json:"mergeJobId,omitempty"`

	CharCount int    `json:"charCount,omitempty"`
	Error     string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Validate はモデル不変条件を検証します。
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if !j.Kind.Valid() {
		return fmt.Errorf("unknown job kind: %s", j.Kind)
	}
	if j.Kind != KindMain && j.ParentID == "" {
		return fmt.Errorf("%s job requires a parent", j.Kind)
	}
	if j.Kind == KindMain && j.ParentID != "" {
		return fmt.Errorf("main job must not have a parent")
	}
	if j.Kind == KindPage && j.PageNumber < 1 {
		return fmt.Errorf("page job requires a 1-based page number")
	}
	if j.Kind != KindPage && j.PageNumber != 0 {
		return fmt.Errorf("page number is only valid on page jobs")
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("progress out of range: %d", j.Progress)
	}
	if j.PagesCompleted+j.PagesFailed > j.TotalPages && j.TotalPages > 0 {
		return fmt.Errorf("page counters exceed total: %d+%d > %d",
			j.PagesCompleted, j.PagesFailed, j.TotalPages)
	}
	return nil
}

// Page はPAGEジョブのライフサイクルを写す永続レコードです。
// リトライで新しいジョブIDに差し替わっても (JobID, PageNumber) の同一性は保たれます。
type Page struct {
	ID           string     `json:"id"`
	JobID        string     `json:"jobId"` // 親MAINジョブのID
	PageNumber   int        `json:"pageNumber"`
	Status       PageStatus `json:"status"`
	PageJobID    string     `json:"pageJobId"` // 現在のPAGEジョブID（リトライで更新）
	CharCount    int        `json:"charCount,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  time.Time  `json:"completedAt,omitempty"`
}

// Validate はページレコードの不変条件を検証します。
func (p *Page) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("page record requires a parent job id")
	}
	if p.PageNumber < 1 {
		return fmt.Errorf("page number must be 1-based: %d", p.PageNumber)
	}
	return nil
}
