// Package jobs は文書変換の4段タスクグラフ（MAIN → SPLIT → N×PAGE → MERGE）を
// 実装します。タスクは at-least-once 配送のキューで実行されるため、
// すべてのハンドラは重複配信に対して冪等であることが求められます。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/content"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/job"
	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/records"
	"github.com/yourusername/doc-forge/internal/source"
	"github.com/yourusername/doc-forge/internal/state"
	"github.com/yourusername/doc-forge/internal/storage"
)

// pageSeparator は結合結果でページを区切る文字列です。
const pageSeparator = "\n\n---\n\n"

// State は二層ストアの契約です（*state.Adapter が満たします）。
type State interface {
	CreateJob(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, jobID string) (*job.Job, error)
	SetStatus(ctx context.Context, jobID string, status job.Status, progress int, errMsg string) error
	SetProgress(ctx context.Context, jobID string, progress int) error
	SetTotalPages(ctx context.Context, parentID string, total int) error
	SetCharCount(ctx context.Context, jobID string, count int) error
	AddChild(ctx context.Context, parentID string, slot job.ChildSlot, childID string) error
	ClaimMerge(ctx context.Context, parentID, mergeJobID string) (bool, error)
	ReleaseMerge(ctx context.Context, parentID string) error
	RefreshPageCounters(ctx context.Context, parentID string) (records.PageCounters, error)
	SetResult(ctx context.Context, doc *content.Document) error
	GetResult(ctx context.Context, jobID string, pageNumber int) (string, error)
	Search(ctx context.Context, query, ownerID string, limit int) ([]content.SearchHit, error)
	CreatePage(ctx context.Context, p *job.Page) error
	GetPage(ctx context.Context, jobID string, pageNumber int) (*job.Page, error)
	ListPages(ctx context.Context, jobID string) ([]*job.Page, error)
	PageProcessing(ctx context.Context, jobID string, pageNumber int) error
	PageCompleted(ctx context.Context, jobID string, pageNumber, charCount int) error
	PageFailed(ctx context.Context, jobID string, pageNumber int, errMsg string) error
	ResetPageForRetry(ctx context.Context, jobID string, pageNumber int, newPageJobID string) (bool, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*job.Job, error)
	Delete(ctx context.Context, jobID string) error
}

// Dispatcher はタスクのキュー投入の契約です（*Manager が満たします）。
type Dispatcher interface {
	DispatchSplit(ctx context.Context, p *SplitPayload) error
	DispatchPage(ctx context.Context, p *PagePayload) error
	DispatchRetryPage(ctx context.Context, p *RetryPagePayload) error
	DispatchMerge(ctx context.Context, p *MergePayload) error
}

// Splitter はPDF分割処理の契約です（*pdf.Splitter が満たします）。
type Splitter interface {
	ShouldSplit(path string) (bool, int, error)
	SplitPages(ctx context.Context, path, destDir string) ([]pdf.PageFile, error)
	ExtractPage(ctx context.Context, path, destDir string, pageNumber int) (string, error)
}

// URLFetcher はURL取得元からのダウンロードの契約です。
type URLFetcher interface {
	FetchURL(ctx context.Context, jobID, rawURL string) (*source.Saved, error)
}

// Notifier はジョブ完了のWebhook通知の契約です。
type Notifier interface {
	Notify(ctx context.Context, callbackURL, jobID string, status job.Status)
}

// Processor はタスクハンドラ本体です。キュー層（Manager）から呼ばれます。
type Processor struct {
	state      State
	splitter   Splitter
	converter  convert.Converter
	fetcher    URLFetcher
	workspaces *storage.Workspaces
	dispatch   Dispatcher
	notifier   Notifier
	logger     zerolog.Logger
}

// NewProcessor は Processor を作成します。notifier は nil でも構いません。
func NewProcessor(st State, splitter Splitter, converter convert.Converter,
	fetcher URLFetcher, workspaces *storage.Workspaces, dispatch Dispatcher,
	notifier Notifier, logger zerolog.Logger) *Processor {
	return &Processor{
		state:      st,
		splitter:   splitter,
		converter:  converter,
		fetcher:    fetcher,
		workspaces: workspaces,
		dispatch:   dispatch,
		notifier:   notifier,
		logger:     logger.With().Str("component", "jobs").Logger(),
	}
}

// HandleMain は MAIN タスクを処理します。取得元からファイルを確保し、
// 複数ページPDFなら SPLIT を生成、それ以外は直接変換します。
func (pr *Processor) HandleMain(ctx context.Context, p *MainPayload) error {
	log := pr.logger.With().Str("jobId", p.JobID).Logger()

	parent, err := pr.state.Get(ctx, p.JobID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			// 削除済みジョブのタスクは捨てる。
			return skipRetry(err)
		}
		return err
	}
	if parent.Status.Terminal() {
		log.Debug().Msg("duplicate delivery for a finished job, skipping")
		return nil
	}

	if err := pr.state.SetStatus(ctx, p.JobID, job.StatusProcessing,
		job.SingleProgress(job.StatusProcessing, job.StageAccepted), ""); err != nil {
		return err
	}

	filePath, err := pr.resolveSource(ctx, p)
	if err != nil {
		return pr.failMain(ctx, p, err)
	}
	if err := pr.state.SetProgress(ctx, p.JobID,
		job.SingleProgress(job.StatusProcessing, job.StageFetched)); err != nil {
		return err
	}

	shouldSplit := false
	if pdf.IsPDF(filePath) {
		split, pages, err := pr.splitter.ShouldSplit(filePath)
		if err != nil {
			return pr.failMain(ctx, p, err)
		}
		shouldSplit = split
		log.Info().Int("pages", pages).Bool("split", split).Msg("source inspected")
	}

	if shouldSplit {
		return pr.spawnSplit(ctx, p, parent, filePath)
	}
	return pr.convertDirect(ctx, p, parent, filePath)
}

func (pr *Processor) resolveSource(ctx context.Context, p *MainPayload) (string, error) {
	switch source.Type(p.SourceType) {
	case source.TypeFile:
		return p.Source, nil
	case source.TypeURL:
		saved, err := pr.fetcher.FetchURL(ctx, p.JobID, p.Source)
		if err != nil {
			return "", err
		}
		return saved.Path, nil
	default:
		return "", &source.Error{Code: "INVALID_INPUT",
			Message: fmt.Sprintf("不明な取得元です: %s", p.SourceType)}
	}
}

func (pr *Processor) spawnSplit(ctx context.Context, p *MainPayload, parent *job.Job, filePath string) error {
	if parent.SplitJobID != "" {
		// 重複配信。SPLIT は既に走っている。
		return nil
	}

	splitID := uuid.NewString()
	child := &job.Job{
		ID:        splitID,
		Kind:      job.KindSplit,
		Status:    job.StatusQueued,
		ParentID:  p.JobID,
		OwnerID:   parent.OwnerID,
		CreatedAt: time.Now().UTC(),
	}
	if err := pr.state.CreateJob(ctx, child); err != nil {
		return err
	}
	if err := pr.dispatch.DispatchSplit(ctx, &SplitPayload{
		SplitJobID:  splitID,
		ParentJobID: p.JobID,
		FilePath:    filePath,
		Options:     p.Options,
	}); err != nil {
		return err
	}
	return pr.state.AddChild(ctx, p.JobID, job.SlotSplit, splitID)
}

func (pr *Processor) convertDirect(ctx context.Context, p *MainPayload, parent *job.Job, filePath string) error {
	result, err := pr.converter.Convert(ctx, filePath, p.Options)
	if err != nil {
		return pr.failMain(ctx, p, err)
	}
	if err := pr.state.SetProgress(ctx, p.JobID,
		job.SingleProgress(job.StatusProcessing, job.StageConverted)); err != nil {
		return err
	}

	doc := &content.Document{
		JobID:    p.JobID,
		OwnerID:  parent.OwnerID,
		Filename: parent.Filename,
		Markdown: result.Markdown,
	}
	if err := pr.state.SetResult(ctx, doc); err != nil {
		return pr.failMain(ctx, p, err)
	}
	if err := pr.state.SetProgress(ctx, p.JobID,
		job.SingleProgress(job.StatusProcessing, job.StageStored)); err != nil {
		return err
	}
	if err := pr.state.SetCharCount(ctx, p.JobID, utf8.RuneCountInString(result.Markdown)); err != nil {
		return err
	}
	if err := pr.state.SetStatus(ctx, p.JobID, job.StatusCompleted,
		job.SingleProgress(job.StatusCompleted, 0), ""); err != nil {
		return err
	}

	pr.notify(ctx, p.CallbackURL, p.JobID, job.StatusCompleted)
	return nil
}

// failMain は MAIN タスクの失敗を処理します。再試行で解決しないエラー、
// または最後の試行なら failed を確定させます。それ以外は状態を変えずに
// エラーを返し、キュー層のバックオフ再試行に任せます。
func (pr *Processor) failMain(ctx context.Context, p *MainPayload, cause error) error {
	if !isTerminalError(cause) && !lastAttempt(ctx) {
		return cause
	}
	pr.logger.Error().Err(cause).Str("jobId", p.JobID).Msg("main job failed")
	if err := pr.state.SetStatus(ctx, p.JobID, job.StatusFailed, 0, userMessage(cause)); err != nil {
		pr.logger.Error().Err(err).Str("jobId", p.JobID).Msg("failed status write failed")
	}
	pr.notify(ctx, p.CallbackURL, p.JobID, job.StatusFailed)
	return skipRetry(cause)
}

// HandleSplit は SPLIT タスクを処理します。PDFを1ページずつに分割し、
// 総ページ数を親に記録してから各 PAGE タスクを投入します。
// 総ページ数の記録は投入より先です。PAGE ワーカーの「全ページ終端」判定が
// 早すぎる MERGE を起こさないための順序です。
func (pr *Processor) HandleSplit(ctx context.Context, p *SplitPayload) error {
	log := pr.logger.With().Str("jobId", p.SplitJobID).Str("parentId", p.ParentJobID).Logger()

	parent, err := pr.state.Get(ctx, p.ParentJobID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return skipRetry(err)
		}
		return err
	}

	if err := pr.state.SetStatus(ctx, p.SplitJobID, job.StatusProcessing, 0, ""); err != nil {
		return err
	}

	pages, err := pr.splitter.SplitPages(ctx, p.FilePath, pr.workspaces.PagesDir(p.ParentJobID))
	if err != nil {
		return pr.failSplit(ctx, p, err)
	}
	total := len(pages)
	log.Info().Int("pages", total).Msg("pdf split finished")

	if err := pr.state.SetTotalPages(ctx, p.ParentJobID, total); err != nil {
		return pr.failSplit(ctx, p, err)
	}

	for _, pf := range pages {
		if err := pr.spawnPage(ctx, p, parent, pf); err != nil {
			return pr.failSplit(ctx, p, err)
		}
	}

	return pr.state.SetStatus(ctx, p.SplitJobID, job.StatusCompleted, 100, "")
}

// spawnPage は1ページ分の Page レコードと PAGE ジョブを作成して投入します。
// 重複配信で再実行された場合は既存レコードを尊重し、未処理ページだけ再投入します。
func (pr *Processor) spawnPage(ctx context.Context, p *SplitPayload, parent *job.Job, pf pdf.PageFile) error {
	pageJobID := uuid.NewString()

	existing, err := pr.state.GetPage(ctx, p.ParentJobID, pf.Number)
	switch {
	case err == nil:
		if existing.Status != job.PagePending {
			return nil
		}
		pageJobID = existing.PageJobID
	case errors.Is(err, state.ErrNotFound):
		if err := pr.state.CreatePage(ctx, &job.Page{
			ID:         uuid.NewString(),
			JobID:      p.ParentJobID,
			PageNumber: pf.Number,
			Status:     job.PagePending,
			PageJobID:  pageJobID,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := pr.state.CreateJob(ctx, &job.Job{
			ID:         pageJobID,
			Kind:       job.KindPage,
			Status:     job.StatusQueued,
			ParentID:   p.ParentJobID,
			PageNumber: pf.Number,
			OwnerID:    parent.OwnerID,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}
	default:
		return err
	}

	if err := pr.dispatch.DispatchPage(ctx, &PagePayload{
		PageJobID:    pageJobID,
		ParentJobID:  p.ParentJobID,
		PageNumber:   pf.Number,
		PageFilePath: pf.Path,
		Options:      p.Options,
	}); err != nil {
		return err
	}
	return pr.state.AddChild(ctx, p.ParentJobID, job.SlotPage, pageJobID)
}

// failSplit は SPLIT の失敗を処理します。確定時は親も failed にします。
// 分割できなければページ処理は始まらないため、親を生かしておく意味がありません。
func (pr *Processor) failSplit(ctx context.Context, p *SplitPayload, cause error) error {
	if !isTerminalError(cause) && !lastAttempt(ctx) {
		return cause
	}
	msg := userMessage(cause)
	pr.logger.Error().Err(cause).Str("jobId", p.SplitJobID).Msg("split job failed")
	if err := pr.state.SetStatus(ctx, p.SplitJobID, job.StatusFailed, 0, msg); err != nil {
		pr.logger.Error().Err(err).Str("jobId", p.SplitJobID).Msg("failed status write failed")
	}
	if err := pr.state.SetStatus(ctx, p.ParentJobID, job.StatusFailed, 0,
		"ページ分割に失敗しました: "+msg); err != nil {
		pr.logger.Error().Err(err).Str("jobId", p.ParentJobID).Msg("failed status write failed")
	}
	return skipRetry(cause)
}

// HandlePage は PAGE タスクを処理します。1ページを変換し、親の集計を更新して
// 全ページ終端なら MERGE を起動します。
func (pr *Processor) HandlePage(ctx context.Context, p *PagePayload) error {
	page, err := pr.state.GetPage(ctx, p.ParentJobID, p.PageNumber)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return skipRetry(err)
		}
		return err
	}
	if page.PageJobID != p.PageJobID {
		// 手動再試行で新しい PAGE ジョブに置き換えられた stale タスク。
		pr.logger.Debug().Str("jobId", p.PageJobID).Int("page", p.PageNumber).
			Msg("stale page task, skipping")
		return nil
	}
	if page.Status == job.PageCompleted {
		return nil
	}

	return pr.convertPage(ctx, p.PageJobID, p.ParentJobID, p.PageNumber, p.PageFilePath, p.Options)
}

// HandleRetryPage はページ手動再試行タスクを処理します。元文書から対象ページを
// 抽出し直してから、通常の PAGE 処理と同じ経路で変換します。
func (pr *Processor) HandleRetryPage(ctx context.Context, p *RetryPagePayload) error {
	page, err := pr.state.GetPage(ctx, p.ParentJobID, p.PageNumber)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return skipRetry(err)
		}
		return err
	}
	if page.PageJobID != p.PageJobID {
		return nil
	}

	pagePath, err := pr.splitter.ExtractPage(ctx, p.SourcePath,
		pr.workspaces.RetryDir(p.ParentJobID), p.PageNumber)
	if err != nil {
		return pr.failPage(ctx, p.PageJobID, p.ParentJobID, p.PageNumber, err)
	}

	return pr.convertPage(ctx, p.PageJobID, p.ParentJobID, p.PageNumber, pagePath, p.Options)
}

func (pr *Processor) convertPage(ctx context.Context, pageJobID, parentID string, pageNumber int, filePath string, opts convert.Options) error {
	if err := pr.state.PageProcessing(ctx, parentID, pageNumber); err != nil {
		return err
	}
	if err := pr.state.SetStatus(ctx, pageJobID, job.StatusProcessing, 0, ""); err != nil {
		return err
	}

	result, err := pr.converter.Convert(ctx, filePath, opts)
	if err != nil {
		return pr.failPage(ctx, pageJobID, parentID, pageNumber, err)
	}

	parent, err := pr.state.Get(ctx, parentID)
	if err != nil {
		return err
	}
	doc := &content.Document{
		JobID:      parentID,
		PageNumber: pageNumber,
		OwnerID:    parent.OwnerID,
		Filename:   parent.Filename,
		Markdown:   result.Markdown,
	}
	if err := pr.state.SetResult(ctx, doc); err != nil {
		return pr.failPage(ctx, pageJobID, parentID, pageNumber, err)
	}

	chars := utf8.RuneCountInString(result.Markdown)
	if err := pr.state.PageCompleted(ctx, parentID, pageNumber, chars); err != nil {
		return err
	}
	if err := pr.state.SetStatus(ctx, pageJobID, job.StatusCompleted, 100, ""); err != nil {
		return err
	}

	return pr.finalizeParent(ctx, parentID)
}

// failPage はページの失敗を処理します。失敗確定でも「全ページ終端」の判定は
// 行います。失敗ページを抱えたままでも MERGE には到達させ、部分結果の扱いは
// MERGE と呼び出し側に委ねます。
func (pr *Processor) failPage(ctx context.Context, pageJobID, parentID string, pageNumber int, cause error) error {
	if !isTerminalError(cause) && !lastAttempt(ctx) {
		return cause
	}
	msg := userMessage(cause)
	pr.logger.Error().Err(cause).Str("jobId", pageJobID).Int("page", pageNumber).
		Msg("page job failed")
	if err := pr.state.PageFailed(ctx, parentID, pageNumber, msg); err != nil {
		pr.logger.Error().Err(err).Str("jobId", parentID).Msg("page failure write failed")
	}
	if err := pr.state.SetStatus(ctx, pageJobID, job.StatusFailed, 0, msg); err != nil {
		pr.logger.Error().Err(err).Str("jobId", pageJobID).Msg("failed status write failed")
	}
	if err := pr.finalizeParent(ctx, parentID); err != nil {
		pr.logger.Error().Err(err).Str("jobId", parentID).Msg("finalize after page failure failed")
	}
	return skipRetry(cause)
}

// finalizeParent は親の集計と進捗を更新し、全ページが終端に達していれば
// MERGE をちょうど1つ起動します。集計は永続ストアの行数からの再計算で、
// 獲得は条件付き更新なので、複数の PAGE ワーカーが同時に呼んでも安全です。
func (pr *Processor) finalizeParent(ctx context.Context, parentID string) error {
	counters, err := pr.state.RefreshPageCounters(ctx, parentID)
	if err != nil {
		return err
	}

	progress := job.MultiPageProgress(true, counters.Completed, counters.Total, false)
	if err := pr.state.SetProgress(ctx, parentID, progress); err != nil {
		return err
	}

	if !counters.AllTerminal() {
		return nil
	}

	mergeID := uuid.NewString()
	claimed, err := pr.state.ClaimMerge(ctx, parentID, mergeID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	parent, err := pr.state.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if err := pr.state.CreateJob(ctx, &job.Job{
		ID:        mergeID,
		Kind:      job.KindMerge,
		Status:    job.StatusQueued,
		ParentID:  parentID,
		OwnerID:   parent.OwnerID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return pr.dispatch.DispatchMerge(ctx, &MergePayload{
		MergeJobID:  mergeID,
		ParentJobID: parentID,
	})
}

// HandleMerge は MERGE タスクを処理します。完了ページの結果をページ番号順に
// 結合して親の最終結果として保存します。失敗ページは飛ばします。
func (pr *Processor) HandleMerge(ctx context.Context, p *MergePayload) error {
	log := pr.logger.With().Str("jobId", p.MergeJobID).Str("parentId", p.ParentJobID).Logger()

	parent, err := pr.state.Get(ctx, p.ParentJobID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return skipRetry(err)
		}
		return err
	}

	if err := pr.state.SetStatus(ctx, p.MergeJobID, job.StatusProcessing, 0, ""); err != nil {
		return err
	}

	pages, err := pr.state.ListPages(ctx, p.ParentJobID)
	if err != nil {
		return pr.failMerge(ctx, p, err)
	}

	parts := make([]string, 0, len(pages))
	merged := 0
	for _, page := range pages {
		if page.Status != job.PageCompleted {
			continue
		}
		markdown, err := pr.state.GetResult(ctx, p.ParentJobID, page.PageNumber)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				log.Warn().Int("page", page.PageNumber).Msg("completed page has no stored result, skipping")
				continue
			}
			return pr.failMerge(ctx, p, err)
		}
		parts = append(parts, markdown)
		merged++
	}

	combined := strings.Join(parts, pageSeparator)
	doc := &content.Document{
		JobID:    p.ParentJobID,
		OwnerID:  parent.OwnerID,
		Filename: parent.Filename,
		Markdown: combined,
	}
	if err := pr.state.SetResult(ctx, doc); err != nil {
		return pr.failMerge(ctx, p, err)
	}
	if err := pr.state.SetCharCount(ctx, p.ParentJobID, utf8.RuneCountInString(combined)); err != nil {
		return err
	}

	if err := pr.state.SetStatus(ctx, p.MergeJobID, job.StatusCompleted, 100, ""); err != nil {
		return err
	}
	if err := pr.state.SetStatus(ctx, p.ParentJobID, job.StatusCompleted, 100, ""); err != nil {
		return err
	}

	// ページ単位の中間ファイルを片付ける。元文書は手動再試行のために残す。
	if err := pr.workspaces.RemovePages(p.ParentJobID); err != nil {
		log.Warn().Err(err).Msg("page file cleanup failed")
	}

	log.Info().Int("pages", merged).Msg("merge finished")
	return nil
}

// failMerge は MERGE の失敗を処理します。確定時は親も failed にします。
func (pr *Processor) failMerge(ctx context.Context, p *MergePayload, cause error) error {
	if !isTerminalError(cause) && !lastAttempt(ctx) {
		return cause
	}
	msg := userMessage(cause)
	pr.logger.Error().Err(cause).Str("jobId", p.MergeJobID).Msg("merge job failed")
	if err := pr.state.SetStatus(ctx, p.MergeJobID, job.StatusFailed, 0, msg); err != nil {
		pr.logger.Error().Err(err).Str("jobId", p.MergeJobID).Msg("failed status write failed")
	}
	if err := pr.state.SetStatus(ctx, p.ParentJobID, job.StatusFailed, 0,
		"結果の結合に失敗しました: "+msg); err != nil {
		pr.logger.Error().Err(err).Str("jobId", p.ParentJobID).Msg("failed status write failed")
	}
	return skipRetry(cause)
}

func (pr *Processor) notify(ctx context.Context, callbackURL, jobID string, status job.Status) {
	if pr.notifier == nil || callbackURL == "" {
		return
	}
	pr.notifier.Notify(ctx, callbackURL, jobID, status)
}
