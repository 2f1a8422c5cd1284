package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/content"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/job"
	"github.com/yourusername/doc-forge/internal/source"
	"github.com/yourusername/doc-forge/internal/state"
	"github.com/yourusername/doc-forge/internal/storage"
)

// Error はAPI操作のエラー情報を保持します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Submitter は投入操作に必要なディスパッチの契約です（*Manager が満たします）。
type Submitter interface {
	DispatchMain(ctx context.Context, p *MainPayload) error
	DispatchRetryPage(ctx context.Context, p *RetryPagePayload) error
}

// Uploader はアップロード保存の契約です（*source.Fetcher が満たします）。
type Uploader interface {
	SaveUpload(jobID, filename string, r io.Reader) (*source.Saved, error)
}

// Service は変換ジョブのAPI操作を提供します。
type Service struct {
	state      State
	submit     Submitter
	uploader   Uploader
	workspaces *storage.Workspaces
	logger     zerolog.Logger
}

// NewService は Service を作成します。
func NewService(st State, submit Submitter, uploader Uploader, workspaces *storage.Workspaces, logger zerolog.Logger) *Service {
	return &Service{
		state:      st,
		submit:     submit,
		uploader:   uploader,
		workspaces: workspaces,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// SubmitRequest は変換ジョブの投入パラメータです。
type SubmitRequest struct {
	OwnerID     string
	SourceType  source.Type
	Filename    string    // SourceType=file のとき必須
	File        io.Reader // SourceType=file のとき必須
	URL         string    // SourceType=url のとき必須
	Options     convert.Options
	CallbackURL string
}

// SubmitConversion は変換ジョブを作成してキューに投入します。
// 入力の検証はここで同期的に行い、不正な投入はキューに載せません。
func (s *Service) SubmitConversion(ctx context.Context, req *SubmitRequest) (*job.Job, error) {
	if !req.SourceType.Valid() {
		return nil, newError("VALIDATION",
			fmt.Sprintf("不明な取得元です: %s", req.SourceType), nil)
	}

	jobID := uuid.NewString()
	var filename, sourceRef string

	switch req.SourceType {
	case source.TypeFile:
		if req.File == nil || req.Filename == "" {
			return nil, newError("VALIDATION", "ファイルが指定されていません", nil)
		}
		if !convert.IsSupported(req.Filename) {
			return nil, newError("VALIDATION", "この形式のファイルは変換できません", nil)
		}
		saved, err := s.uploader.SaveUpload(jobID, req.Filename, req.File)
		if err != nil {
			var srcErr *source.Error
			if errors.As(err, &srcErr) {
				return nil, newError(srcErr.Code, srcErr.Message, err)
			}
			return nil, newError("VALIDATION", "ファイルの保存に失敗しました", err)
		}
		filename = saved.Filename
		sourceRef = saved.Path
	case source.TypeURL:
		if req.URL == "" {
			return nil, newError("VALIDATION", "URLが指定されていません", nil)
		}
		filename = req.URL
		sourceRef = req.URL
	}

	mainJob := &job.Job{
		ID:         jobID,
		Kind:       job.KindMain,
		Status:     job.StatusQueued,
		OwnerID:    req.OwnerID,
		Filename:   filename,
		SourceType: string(req.SourceType),
		SourceRef:  sourceRef,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.state.CreateJob(ctx, mainJob); err != nil {
		return nil, newError("INTERNAL_ERROR", "ジョブの作成に失敗しました", err)
	}

	if err := s.submit.DispatchMain(ctx, &MainPayload{
		JobID:       jobID,
		SourceType:  string(req.SourceType),
		Source:      sourceRef,
		Options:     req.Options,
		CallbackURL: req.CallbackURL,
	}); err != nil {
		return nil, newError("INTERNAL_ERROR", "ジョブの投入に失敗しました", err)
	}

	s.logger.Info().Str("jobId", jobID).Str("sourceType", string(req.SourceType)).
		Str("owner", req.OwnerID).Msg("conversion job submitted")
	return mainJob, nil
}

// PageView はステータス応答のページ要素です。
type PageView struct {
	PageNumber   int    `json:"pageNumber"`
	Status       string `json:"status"`
	PageJobID    string `json:"pageJobId"`
	CharCount    int    `json:"charCount,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// StatusView はステータス応答です。
type StatusView struct {
	JobID          string     `json:"jobId"`
	Kind           job.Kind   `json:"kind"`
	Status         job.Status `json:"status"`
	Progress       int        `json:"progress"`
	Filename       string     `json:"filename,omitempty"`
	TotalPages     int        `json:"totalPages,omitempty"`
	PagesCompleted int        `json:"pagesCompleted,omitempty"`
	PagesFailed    int        `json:"pagesFailed,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Pages          []PageView `json:"pages,omitempty"`
}

// GetStatus はジョブの現在状態を返します。ページ分割されたジョブでは
// ページごとの内訳も含めます。
func (s *Service) GetStatus(ctx context.Context, jobID, ownerID string) (*StatusView, error) {
	j, err := s.getOwned(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		JobID:          j.ID,
		Kind:           j.Kind,
		Status:         j.Status,
		Progress:       j.Progress,
		Filename:       j.Filename,
		TotalPages:     j.TotalPages,
		PagesCompleted: j.PagesCompleted,
		PagesFailed:    j.PagesFailed,
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		view.CompletedAt = &completed
	}

	if j.Kind == job.KindMain && j.TotalPages > 0 {
		pages, err := s.state.ListPages(ctx, j.ID)
		if err != nil {
			return nil, newError("INTERNAL_ERROR", "ページ情報の取得に失敗しました", err)
		}
		view.Pages = make([]PageView, 0, len(pages))
		for _, p := range pages {
			view.Pages = append(view.Pages, PageView{
				PageNumber:   p.PageNumber,
				Status:       string(p.Status),
				PageJobID:    p.PageJobID,
				CharCount:    p.CharCount,
				ErrorMessage: p.ErrorMessage,
			})
		}
	}
	return view, nil
}

// ResultView は変換結果の応答です。
type ResultView struct {
	JobID    string `json:"jobId"`
	Markdown string `json:"markdown"`
	Metadata struct {
		Filename  string `json:"filename,omitempty"`
		Pages     int    `json:"pages,omitempty"`
		CharCount int    `json:"charCount"`
	} `json:"metadata"`
}

// GetResult は完了したジョブの変換結果を返します。未完了なら拒否します。
func (s *Service) GetResult(ctx context.Context, jobID, ownerID string) (*ResultView, error) {
	j, err := s.getOwned(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusCompleted {
		return nil, newError("NOT_READY",
			fmt.Sprintf("ジョブはまだ完了していません (現在: %s)", j.Status), nil)
	}

	markdown, err := s.state.GetResult(ctx, jobID, 0)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, newError("NOT_FOUND", "変換結果が見つかりません", err)
		}
		return nil, newError("INTERNAL_ERROR", "変換結果の取得に失敗しました", err)
	}

	view := &ResultView{JobID: jobID, Markdown: markdown}
	view.Metadata.Filename = j.Filename
	view.Metadata.Pages = j.TotalPages
	view.Metadata.CharCount = j.CharCount
	return view, nil
}

// GetPageResult は個別ページの変換結果を返します。
func (s *Service) GetPageResult(ctx context.Context, jobID, ownerID string, pageNumber int) (string, error) {
	if _, err := s.getOwned(ctx, jobID, ownerID); err != nil {
		return "", err
	}
	page, err := s.state.GetPage(ctx, jobID, pageNumber)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return "", newError("NOT_FOUND", "ページが見つかりません", err)
		}
		return "", newError("INTERNAL_ERROR", "ページ情報の取得に失敗しました", err)
	}
	if page.Status != job.PageCompleted {
		return "", newError("NOT_READY",
			fmt.Sprintf("ページはまだ完了していません (現在: %s)", page.Status), nil)
	}

	markdown, err := s.state.GetResult(ctx, jobID, pageNumber)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return "", newError("NOT_FOUND", "ページの変換結果が見つかりません", err)
		}
		return "", newError("INTERNAL_ERROR", "ページの変換結果の取得に失敗しました", err)
	}
	return markdown, nil
}

// ListPages は親ジョブの全ページ状態を返します。
func (s *Service) ListPages(ctx context.Context, jobID, ownerID string) ([]PageView, error) {
	if _, err := s.getOwned(ctx, jobID, ownerID); err != nil {
		return nil, err
	}
	pages, err := s.state.ListPages(ctx, jobID)
	if err != nil {
		return nil, newError("INTERNAL_ERROR", "ページ情報の取得に失敗しました", err)
	}
	views := make([]PageView, 0, len(pages))
	for _, p := range pages {
		views = append(views, PageView{
			PageNumber:   p.PageNumber,
			Status:       string(p.Status),
			PageJobID:    p.PageJobID,
			CharCount:    p.CharCount,
			ErrorMessage: p.ErrorMessage,
		})
	}
	return views, nil
}

// RetryPage は失敗したページの手動再試行を開始します。対象ページの状態が
// failed 以外なら前提条件違反として拒否し、新しいジョブは作りません。
func (s *Service) RetryPage(ctx context.Context, jobID, ownerID string, pageNumber int) (string, error) {
	parent, err := s.getOwned(ctx, jobID, ownerID)
	if err != nil {
		return "", err
	}
	if parent.Kind != job.KindMain {
		return "", newError("VALIDATION", "ページ再試行はMAINジョブに対してのみ行えます", nil)
	}

	// ページ状態に触る前に元ファイルを確認する。ここで失敗しても
	// ページは failed のまま残り、あとから再試行し直せる。
	sourcePath, err := s.workspaces.SourcePath(jobID)
	if err != nil {
		return "", newError("NOT_FOUND", "元ファイルが見つからないため再試行できません", err)
	}

	newPageJobID := uuid.NewString()
	ok, err := s.state.ResetPageForRetry(ctx, jobID, pageNumber, newPageJobID)
	if err != nil {
		return "", newError("INTERNAL_ERROR", "ページ再試行の開始に失敗しました", err)
	}
	if !ok {
		return "", newError("PRECONDITION",
			"失敗状態のページのみ再試行できます", nil)
	}

	// reset 後に投入へ失敗した場合はページを failed に戻し、解放済みの
	// merge 枠も復元する。processing のまま残すと再試行の余地が消える。
	rollback := func() {
		if err := s.state.PageFailed(ctx, jobID, pageNumber, "再試行の投入に失敗しました"); err != nil {
			s.logger.Error().Err(err).Str("jobId", jobID).Int("page", pageNumber).
				Msg("page retry rollback failed")
		}
		if parent.MergeJobID != "" {
			if _, err := s.state.ClaimMerge(ctx, jobID, parent.MergeJobID); err != nil {
				s.logger.Error().Err(err).Str("jobId", jobID).Msg("merge slot restore failed")
			}
		}
	}

	// 以前の MERGE を stale 扱いにする。再試行したページが完了したとき、
	// 改めて全ページ終端の判定と結果の再結合が走る。
	if err := s.state.ReleaseMerge(ctx, jobID); err != nil {
		rollback()
		return "", newError("INTERNAL_ERROR", "ページ再試行の開始に失敗しました", err)
	}

	if err := s.state.CreateJob(ctx, &job.Job{
		ID:         newPageJobID,
		Kind:       job.KindPage,
		Status:     job.StatusQueued,
		ParentID:   jobID,
		PageNumber: pageNumber,
		OwnerID:    ownerID,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		rollback()
		return "", newError("INTERNAL_ERROR", "ページ再試行の開始に失敗しました", err)
	}

	if err := s.submit.DispatchRetryPage(ctx, &RetryPagePayload{
		PageJobID:   newPageJobID,
		ParentJobID: jobID,
		PageNumber:  pageNumber,
		SourcePath:  sourcePath,
	}); err != nil {
		rollback()
		return "", newError("INTERNAL_ERROR", "ページ再試行の投入に失敗しました", err)
	}
	if err := s.state.AddChild(ctx, jobID, job.SlotPage, newPageJobID); err != nil {
		s.logger.Warn().Err(err).Str("jobId", jobID).Msg("child id update failed")
	}

	s.logger.Info().Str("jobId", jobID).Int("page", pageNumber).
		Str("pageJobId", newPageJobID).Msg("page retry submitted")
	return newPageJobID, nil
}

// DeleteJob はジョブと子孫・ページ・結果・作業ファイルをすべて削除します。
func (s *Service) DeleteJob(ctx context.Context, jobID, ownerID string) error {
	if _, err := s.getOwned(ctx, jobID, ownerID); err != nil {
		return err
	}
	if err := s.state.Delete(ctx, jobID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return newError("NOT_FOUND", "ジョブが見つかりません", err)
		}
		return newError("INTERNAL_ERROR", "ジョブの削除に失敗しました", err)
	}
	if err := s.workspaces.Remove(jobID); err != nil {
		s.logger.Warn().Err(err).Str("jobId", jobID).Msg("workspace cleanup failed")
	}
	s.logger.Info().Str("jobId", jobID).Msg("job deleted")
	return nil
}

// ListJobs は所有者のMAINジョブ一覧を返します。
func (s *Service) ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]StatusView, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	list, err := s.state.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, newError("INTERNAL_ERROR", "ジョブ一覧の取得に失敗しました", err)
	}
	views := make([]StatusView, 0, len(list))
	for _, j := range list {
		v := StatusView{
			JobID:          j.ID,
			Kind:           j.Kind,
			Status:         j.Status,
			Progress:       j.Progress,
			Filename:       j.Filename,
			TotalPages:     j.TotalPages,
			PagesCompleted: j.PagesCompleted,
			PagesFailed:    j.PagesFailed,
			Error:          j.Error,
			CreatedAt:      j.CreatedAt,
		}
		if !j.CompletedAt.IsZero() {
			completed := j.CompletedAt
			v.CompletedAt = &completed
		}
		views = append(views, v)
	}
	return views, nil
}

// SearchJobs は所有者の変換結果を全文検索します。
func (s *Service) SearchJobs(ctx context.Context, ownerID, query string, limit int) ([]content.SearchHit, error) {
	if query == "" {
		return nil, newError("VALIDATION", "検索キーワードが指定されていません", nil)
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	hits, err := s.state.Search(ctx, query, ownerID, limit)
	if err != nil {
		return nil, newError("INTERNAL_ERROR", "検索に失敗しました", err)
	}
	return hits, nil
}

// getOwned はジョブを取得し、所有者が一致することを確認します。
// 他人のジョブは存在を漏らさないよう NOT_FOUND として扱います。
func (s *Service) getOwned(ctx context.Context, jobID, ownerID string) (*job.Job, error) {
	j, err := s.state.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, newError("NOT_FOUND", "ジョブが見つかりません", err)
		}
		return nil, newError("INTERNAL_ERROR", "ジョブ情報の取得に失敗しました", err)
	}
	if ownerID != "" && j.OwnerID != ownerID {
		return nil, newError("NOT_FOUND", "ジョブが見つかりません", nil)
	}
	return j, nil
}
