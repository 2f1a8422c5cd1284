// Package state はキャッシュ層と永続レコードストアをまたぐ二重書き込み規律を実装します。
//
// 書き込みはまずキャッシュに反映し（ここが失敗したらタスク失敗）、永続ストアへの
// ミラーはベストエフォートでログに残すだけに留めます。読み取りはキャッシュ優先で、
// 期限切れなら永続ストアにフォールバックします。
package state

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/cache"
	"github.com/yourusername/doc-forge/internal/content"
	"github.com/yourusername/doc-forge/internal/job"
	"github.com/yourusername/doc-forge/internal/records"
)

// ErrNotFound はどちらのストアにもジョブが存在しないことを表します。
var ErrNotFound = errors.New("state: job not found")

// Cache はキャッシュ層の契約です（*cache.Store が満たします）。
type Cache interface {
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	PutJob(ctx context.Context, record *job.Job) error
	UpdateJob(ctx context.Context, jobID string, mutate func(*job.Job)) error
	SetResult(ctx context.Context, jobID string, payload []byte) error
	GetResult(ctx context.Context, jobID string) ([]byte, error)
	SetTotalPages(ctx context.Context, jobID string, total int) error
	DeleteJobs(ctx context.Context, jobIDs ...string) error
}

// JobRecords は jobs テーブルの契約です（*records.JobRepo が満たします）。
type JobRecords interface {
	Insert(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
	SetStatus(ctx context.Context, id string, status job.Status, progress int, errMsg string) error
	SetProgress(ctx context.Context, id string, progress int) error
	SetTotalPages(ctx context.Context, id string, total int) error
	SetCharCount(ctx context.Context, id string, count int) error
	SetSplitJob(ctx context.Context, parentID, splitJobID string) error
	ClaimMerge(ctx context.Context, parentID, mergeJobID string) (bool, error)
	ReleaseMerge(ctx context.Context, parentID string) error
	RefreshPageCounters(ctx context.Context, parentID string) (records.PageCounters, error)
	CountPagesByStatus(ctx context.Context, parentID string, status job.PageStatus) (int, error)
	ChildIDs(ctx context.Context, parentID string) ([]string, error)
	PageJobIDs(ctx context.Context, parentID string) ([]string, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*job.Job, error)
	Delete(ctx context.Context, id string) error
}

// PageRecords は pages テーブルの契約です（*records.PageRepo が満たします）。
type PageRecords interface {
	Insert(ctx context.Context, p *job.Page) error
	GetByNumber(ctx context.Context, jobID string, pageNumber int) (*job.Page, error)
	ListByJob(ctx context.Context, jobID string) ([]*job.Page, error)
	MarkProcessing(ctx context.Context, jobID string, pageNumber int) error
	MarkCompleted(ctx context.Context, jobID string, pageNumber, charCount int) error
	MarkFailed(ctx context.Context, jobID string, pageNumber int, errMsg string) error
	ResetForRetry(ctx context.Context, jobID string, pageNumber int, newPageJobID string) (bool, error)
}

// Adapter は二層ストアへの一貫したアクセスを提供します。
type Adapter struct {
	cache       Cache
	jobs        JobRecords
	pages       PageRecords
	contents    content.Store
	inlineLimit int
	logger      zerolog.Logger
}

// NewAdapter は Adapter を作成します。
func NewAdapter(c Cache, jobs JobRecords, pages PageRecords, contents content.Store, inlineLimit int, logger zerolog.Logger) *Adapter {
	return &Adapter{
		cache:       c,
		jobs:        jobs,
		pages:       pages,
		contents:    contents,
		inlineLimit: inlineLimit,
		logger:      logger.With().Str("component", "state").Logger(),
	}
}

// mirror は永続ストア側の失敗をログに残します。キャッシュが生きている限り
// ジョブ自体は失敗させません。
func (a *Adapter) mirror(err error, op, jobID string) {
	if err != nil {
		a.logger.Warn().Err(err).Str("op", op).Str("jobId", jobID).
			Msg("durable store mirror failed")
	}
}

// CreateJob は両ストアに新規ジョブを登録します。
// 作成は同期操作なので、ここでは永続ストアの失敗も呼び出し元に返します。
func (a *Adapter) CreateJob(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if err := a.jobs.Insert(ctx, j); err != nil {
		return err
	}
	return a.cache.PutJob(ctx, j)
}

// Get はジョブの現在状態を返します。キャッシュ優先、期限切れなら永続ストアです。
func (a *Adapter) Get(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := a.cache.GetJob(ctx, jobID)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	j, err = a.fetchDurable(ctx, jobID)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// fetchDurable は永続ストアからジョブを読み直します。jobs 行には子の
// ページジョブID一覧が載らないため、MAIN ジョブでは別途復元します。
func (a *Adapter) fetchDurable(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := a.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Kind == job.KindMain {
		ids, err := a.jobs.PageJobIDs(ctx, jobID)
		if err != nil {
			return nil, err
		}
		j.PageJobIDs = ids
	}
	return j, nil
}

// SetStatus は状態遷移を適用します。キャッシュ書き込みが成功条件で、
// 永続ストアへのミラーはベストエフォートです。重複配信（既に終端）は no-op です。
func (a *Adapter) SetStatus(ctx context.Context, jobID string, status job.Status, progress int, errMsg string) error {
	now := time.Now().UTC()
	mutate := func(record *job.Job) {
		if !record.Status.CanTransition(status) {
			return
		}
		if record.Status == status && record.Status.Terminal() {
			return
		}
		record.Status = status
		if progress > record.Progress || status.Terminal() {
			record.Progress = clampProgress(progress, status)
		}
		if errMsg != "" {
			record.Error = errMsg
		}
		if status == job.StatusProcessing && record.StartedAt.IsZero() {
			record.StartedAt = now
		}
		if status.Terminal() && record.CompletedAt.IsZero() {
			record.CompletedAt = now
		}
	}

	err := a.cache.UpdateJob(ctx, jobID, mutate)
	if errors.Is(err, cache.ErrNotFound) {
		// キャッシュ期限切れ。永続ストアから再構築してから適用する。
		var fromDurable *job.Job
		fromDurable, err = a.fetchDurable(ctx, jobID)
		if err != nil {
			if errors.Is(err, records.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		mutate(fromDurable)
		err = a.cache.PutJob(ctx, fromDurable)
	}
	if err != nil {
		return err
	}

	a.mirror(a.jobs.SetStatus(ctx, jobID, status, progress, errMsg), "setStatus", jobID)
	return nil
}

// SetProgress は進捗のみを単調非減少で更新します。
func (a *Adapter) SetProgress(ctx context.Context, jobID string, progress int) error {
	err := a.cache.UpdateJob(ctx, jobID, func(record *job.Job) {
		if record.Status.Terminal() {
			return
		}
		if progress > record.Progress {
			record.Progress = clampProgress(progress, record.Status)
		}
	})
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	a.mirror(a.jobs.SetProgress(ctx, jobID, progress), "setProgress", jobID)
	return nil
}

// SetTotalPages は総ページ数を両ストアに記録します。
// PAGE ワーカーが「全ページ終端」を誤判定しないよう、永続ストア側を先に書きます。
func (a *Adapter) SetTotalPages(ctx context.Context, parentID string, total int) error {
	if err := a.jobs.SetTotalPages(ctx, parentID, total); err != nil {
		return err
	}
	if err := a.cache.SetTotalPages(ctx, parentID, total); err != nil {
		return err
	}
	err := a.cache.UpdateJob(ctx, parentID, func(record *job.Job) {
		record.TotalPages = total
	})
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return nil
}

// SetCharCount は結果の文字数を記録します。
func (a *Adapter) SetCharCount(ctx context.Context, jobID string, count int) error {
	err := a.cache.UpdateJob(ctx, jobID, func(record *job.Job) {
		record.CharCount = count
	})
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	a.mirror(a.jobs.SetCharCount(ctx, jobID, count), "setCharCount", jobID)
	return nil
}

// AddChild は親ジョブに子ジョブIDを登録します。
func (a *Adapter) AddChild(ctx context.Context, parentID string, slot job.ChildSlot, childID string) error {
	err := a.cache.UpdateJob(ctx, parentID, func(record *job.Job) {
		switch slot {
		case job.SlotSplit:
			record.SplitJobID = childID
		case job.SlotPage:
			for _, id := range record.PageJobIDs {
				if id == childID {
					return
				}
			}
			record.PageJobIDs = append(record.PageJobIDs, childID)
		case job.SlotMerge:
			record.MergeJobID = childID
		}
	})
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	if slot == job.SlotSplit {
		a.mirror(a.jobs.SetSplitJob(ctx, parentID, childID), "setSplitJob", parentID)
	}
	// PAGE は jobs テーブルの親子行で、MERGE は ClaimMerge で永続化済み。
	return nil
}

// ClaimMerge は MERGE 子枠の獲得を試みます。獲得できるのは1回だけです。
// 正しさは永続ストアの条件付き更新に依存するため、ここはミラーではなく本体です。
func (a *Adapter) ClaimMerge(ctx context.Context, parentID, mergeJobID string) (bool, error) {
	claimed, err := a.jobs.ClaimMerge(ctx, parentID, mergeJobID)
	if err != nil || !claimed {
		return claimed, err
	}
	if err := a.AddChild(ctx, parentID, job.SlotMerge, mergeJobID); err != nil {
		a.logger.Warn().Err(err).Str("jobId", parentID).Msg("merge child cache update failed")
	}
	return true, nil
}

// ReleaseMerge は MERGE 子枠を解放し、以前の MERGE を stale 扱いにします。
// ページの手動再試行後に結果を再結合できるようにするための操作です。
func (a *Adapter) ReleaseMerge(ctx context.Context, parentID string) error {
	if err := a.jobs.ReleaseMerge(ctx, parentID); err != nil {
		return err
	}
	err := a.cache.UpdateJob(ctx, parentID, func(record *job.Job) {
		record.MergeJobID = ""
	})
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return nil
}

// RefreshPageCounters は永続ストアの実行数から親の集計を再計算し、
// キャッシュ側へ非正規化ミラーとして書き戻します。
func (a *Adapter) RefreshPageCounters(ctx context.Context, parentID string) (records.PageCounters, error) {
	counters, err := a.jobs.RefreshPageCounters(ctx, parentID)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return counters, ErrNotFound
		}
		return counters, err
	}

	cacheErr := a.cache.UpdateJob(ctx, parentID, func(record *job.Job) {
		record.PagesCompleted = counters.Completed
		record.PagesFailed = counters.Failed
		if counters.Total > 0 {
			record.TotalPages = counters.Total
		}
	})
	if cacheErr != nil && !errors.Is(cacheErr, cache.ErrNotFound) {
		return counters, cacheErr
	}
	return counters, nil
}

// AllPagesTerminal は親の全ページが終端状態に達したかを返します。
func (a *Adapter) AllPagesTerminal(ctx context.Context, parentID string) (bool, error) {
	counters, err := a.RefreshPageCounters(ctx, parentID)
	if err != nil {
		return false, err
	}
	return counters.AllTerminal(), nil
}

// CountPagesByStatus は指定状態のページ数を返します（永続ストアが正）。
func (a *Adapter) CountPagesByStatus(ctx context.Context, parentID string, status job.PageStatus) (int, error) {
	return a.jobs.CountPagesByStatus(ctx, parentID, status)
}

// SetResult は変換結果を保存します。本文はコンテンツストアに置き、
// 閾値以下の小さな結果だけキャッシュにも複製してポーリングを安くします。
func (a *Adapter) SetResult(ctx context.Context, doc *content.Document) error {
	if err := a.contents.Put(ctx, doc); err != nil {
		return err
	}
	if len(doc.Markdown) <= a.inlineLimit && doc.PageNumber == 0 {
		if err := a.cache.SetResult(ctx, doc.JobID, []byte(doc.Markdown)); err != nil {
			a.logger.Warn().Err(err).Str("jobId", doc.JobID).Msg("result cache mirror failed")
		}
	}
	return nil
}

// GetResult は変換結果を返します。キャッシュ優先、コンテンツストアにフォールバックします。
func (a *Adapter) GetResult(ctx context.Context, jobID string, pageNumber int) (string, error) {
	if pageNumber == 0 {
		data, err := a.cache.GetResult(ctx, jobID)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return "", err
		}
	}
	markdown, err := a.contents.Fetch(ctx, jobID, pageNumber)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return markdown, nil
}

// Search は所有者スコープの全文検索です。
func (a *Adapter) Search(ctx context.Context, query, ownerID string, limit int) ([]content.SearchHit, error) {
	return a.contents.Search(ctx, query, ownerID, limit)
}

// CreatePage はページレコードを作成します（同期操作なので失敗は返します）。
func (a *Adapter) CreatePage(ctx context.Context, p *job.Page) error {
	return a.pages.Insert(ctx, p)
}

// GetPage は (jobID, pageNumber) でページレコードを返します。
func (a *Adapter) GetPage(ctx context.Context, jobID string, pageNumber int) (*job.Page, error) {
	p, err := a.pages.GetByNumber(ctx, jobID, pageNumber)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListPages は親ジョブの全ページレコードをページ番号順に返します。
func (a *Adapter) ListPages(ctx context.Context, jobID string) ([]*job.Page, error) {
	return a.pages.ListByJob(ctx, jobID)
}

// PageProcessing はページを処理中に遷移させます。
func (a *Adapter) PageProcessing(ctx context.Context, jobID string, pageNumber int) error {
	return a.pages.MarkProcessing(ctx, jobID, pageNumber)
}

// PageCompleted はページを完了に遷移させます。
func (a *Adapter) PageCompleted(ctx context.Context, jobID string, pageNumber, charCount int) error {
	return a.pages.MarkCompleted(ctx, jobID, pageNumber, charCount)
}

// PageFailed はページを失敗に遷移させます。
func (a *Adapter) PageFailed(ctx context.Context, jobID string, pageNumber int, errMsg string) error {
	return a.pages.MarkFailed(ctx, jobID, pageNumber, errMsg)
}

// ResetPageForRetry は失敗ページを新しいPAGEジョブIDで処理中に戻します。
// 状態が failed 以外なら false を返します。
func (a *Adapter) ResetPageForRetry(ctx context.Context, jobID string, pageNumber int, newPageJobID string) (bool, error) {
	return a.pages.ResetForRetry(ctx, jobID, pageNumber, newPageJobID)
}

// ListByOwner は所有者のMAINジョブ一覧を返します（永続ストアが正）。
func (a *Adapter) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*job.Job, error) {
	return a.jobs.ListByOwner(ctx, ownerID, limit, offset)
}

// Delete はジョブと子孫・ページ・コンテンツを3ストアすべてから削除します。
func (a *Adapter) Delete(ctx context.Context, jobID string) error {
	childIDs, err := a.jobs.ChildIDs(ctx, jobID)
	if err != nil {
		return err
	}

	if err := a.jobs.Delete(ctx, jobID); err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := a.contents.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	return a.cache.DeleteJobs(ctx, append(childIDs, jobID)...)
}

func clampProgress(p int, status job.Status) int {
	if status == job.StatusCompleted {
		return 100
	}
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
