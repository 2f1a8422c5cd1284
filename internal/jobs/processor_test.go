package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
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

// fakeState は State のインメモリ実装です。二層ストアの意味論
// （終端状態の凍結、単調進捗、行数からの集計再計算）を再現します。
type fakeState struct {
	jobs    map[string]*job.Job
	pages   map[string]map[int]*job.Page
	results map[string]map[int]string
	// progressLog はジョブごとに適用された進捗値を順に記録します。
	progressLog map[string][]int
}

func newFakeState() *fakeState {
	return &fakeState{
		jobs:        make(map[string]*job.Job),
		pages:       make(map[string]map[int]*job.Page),
		results:     make(map[string]map[int]string),
		progressLog: make(map[string][]int),
	}
}

func (f *fakeState) CreateJob(_ context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if _, ok := f.jobs[j.ID]; ok {
		return nil
	}
	copied := *j
	f.jobs[j.ID] = &copied
	return nil
}

func (f *fakeState) Get(_ context.Context, jobID string) (*job.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, state.ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (f *fakeState) SetStatus(_ context.Context, jobID string, status job.Status, progress int, errMsg string) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return state.ErrNotFound
	}
	if !j.Status.CanTransition(status) {
		return nil
	}
	if j.Status == status && j.Status.Terminal() {
		return nil
	}
	j.Status = status
	prev := j.Progress
	switch {
	case status == job.StatusCompleted:
		j.Progress = 100
	case status == job.StatusFailed || status == job.StatusCancelled:
		j.Progress = progress
	case progress > j.Progress:
		j.Progress = progress
	}
	if j.Progress != prev {
		f.progressLog[jobID] = append(f.progressLog[jobID], j.Progress)
	}
	if errMsg != "" {
		j.Error = errMsg
	}
	if status.Terminal() && j.CompletedAt.IsZero() {
		j.CompletedAt = time.Now().UTC()
	}
	return nil
}

func (f *fakeState) SetProgress(_ context.Context, jobID string, progress int) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return state.ErrNotFound
	}
	if !j.Status.Terminal() && progress > j.Progress {
		j.Progress = progress
		f.progressLog[jobID] = append(f.progressLog[jobID], progress)
	}
	return nil
}

func (f *fakeState) SetTotalPages(_ context.Context, parentID string, total int) error {
	j, ok := f.jobs[parentID]
	if !ok {
		return state.ErrNotFound
	}
	j.TotalPages = total
	return nil
}

func (f *fakeState) SetCharCount(_ context.Context, jobID string, count int) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return state.ErrNotFound
	}
	j.CharCount = count
	return nil
}

func (f *fakeState) AddChild(_ context.Context, parentID string, slot job.ChildSlot, childID string) error {
	j, ok := f.jobs[parentID]
	if !ok {
		return state.ErrNotFound
	}
	switch slot {
	case job.SlotSplit:
		j.SplitJobID = childID
	case job.SlotPage:
		for _, id := range j.PageJobIDs {
			if id == childID {
				return nil
			}
		}
		j.PageJobIDs = append(j.PageJobIDs, childID)
	case job.SlotMerge:
		j.MergeJobID = childID
	}
	return nil
}

func (f *fakeState) ClaimMerge(_ context.Context, parentID, mergeJobID string) (bool, error) {
	j, ok := f.jobs[parentID]
	if !ok {
		return false, state.ErrNotFound
	}
	if j.MergeJobID != "" {
		return false, nil
	}
	j.MergeJobID = mergeJobID
	return true, nil
}

func (f *fakeState) ReleaseMerge(_ context.Context, parentID string) error {
	j, ok := f.jobs[parentID]
	if !ok {
		return state.ErrNotFound
	}
	j.MergeJobID = ""
	return nil
}

func (f *fakeState) RefreshPageCounters(_ context.Context, parentID string) (records.PageCounters, error) {
	j, ok := f.jobs[parentID]
	if !ok {
		return records.PageCounters{}, state.ErrNotFound
	}
	var c records.PageCounters
	c.Total = j.TotalPages
	for _, p := range f.pages[parentID] {
		switch p.Status {
		case job.PageCompleted:
			c.Completed++
		case job.PageFailed:
			c.Failed++
		}
	}
	j.PagesCompleted = c.Completed
	j.PagesFailed = c.Failed
	return c, nil
}

func (f *fakeState) SetResult(_ context.Context, doc *content.Document) error {
	if f.results[doc.JobID] == nil {
		f.results[doc.JobID] = make(map[int]string)
	}
	f.results[doc.JobID][doc.PageNumber] = doc.Markdown
	return nil
}

func (f *fakeState) GetResult(_ context.Context, jobID string, pageNumber int) (string, error) {
	markdown, ok := f.results[jobID][pageNumber]
	if !ok {
		return "", state.ErrNotFound
	}
	return markdown, nil
}

func (f *fakeState) Search(_ context.Context, query, ownerID string, _ int) ([]content.SearchHit, error) {
	var hits []content.SearchHit
	for jobID, byPage := range f.results {
		j, ok := f.jobs[jobID]
		if !ok || j.OwnerID != ownerID {
			continue
		}
		if strings.Contains(byPage[0], query) {
			hits = append(hits, content.SearchHit{JobID: jobID, Filename: j.Filename})
		}
	}
	return hits, nil
}

func (f *fakeState) CreatePage(_ context.Context, p *job.Page) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if f.pages[p.JobID] == nil {
		f.pages[p.JobID] = make(map[int]*job.Page)
	}
	if _, ok := f.pages[p.JobID][p.PageNumber]; ok {
		return nil
	}
	copied := *p
	f.pages[p.JobID][p.PageNumber] = &copied
	return nil
}

func (f *fakeState) GetPage(_ context.Context, jobID string, pageNumber int) (*job.Page, error) {
	p, ok := f.pages[jobID][pageNumber]
	if !ok {
		return nil, state.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeState) ListPages(_ context.Context, jobID string) ([]*job.Page, error) {
	var out []*job.Page
	for _, p := range f.pages[jobID] {
		copied := *p
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].PageNumber < out[k].PageNumber })
	return out, nil
}

func (f *fakeState) PageProcessing(_ context.Context, jobID string, pageNumber int) error {
	p, ok := f.pages[jobID][pageNumber]
	if !ok {
		return state.ErrNotFound
	}
	if p.Status == job.PagePending || p.Status == job.PageProcessing {
		p.Status = job.PageProcessing
	}
	return nil
}

func (f *fakeState) PageCompleted(_ context.Context, jobID string, pageNumber, charCount int) error {
	p, ok := f.pages[jobID][pageNumber]
	if !ok {
		return state.ErrNotFound
	}
	p.Status = job.PageCompleted
	p.CharCount = charCount
	p.ErrorMessage = ""
	p.CompletedAt = time.Now().UTC()
	return nil
}

func (f *fakeState) PageFailed(_ context.Context, jobID string, pageNumber int, errMsg string) error {
	p, ok := f.pages[jobID][pageNumber]
	if !ok {
		return state.ErrNotFound
	}
	if p.Status != job.PageCompleted {
		p.Status = job.PageFailed
		p.ErrorMessage = errMsg
	}
	return nil
}

func (f *fakeState) ResetPageForRetry(_ context.Context, jobID string, pageNumber int, newPageJobID string) (bool, error) {
	p, ok := f.pages[jobID][pageNumber]
	if !ok || p.Status != job.PageFailed {
		return false, nil
	}
	p.Status = job.PageProcessing
	p.PageJobID = newPageJobID
	p.ErrorMessage = ""
	return true, nil
}

func (f *fakeState) ListByOwner(_ context.Context, ownerID string, _, _ int) ([]*job.Job, error) {
	var out []*job.Job
	for _, j := range f.jobs {
		if j.OwnerID == ownerID && j.Kind == job.KindMain {
			copied := *j
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeState) Delete(_ context.Context, jobID string) error {
	if _, ok := f.jobs[jobID]; !ok {
		return state.ErrNotFound
	}
	for id, j := range f.jobs {
		if j.ParentID == jobID {
			delete(f.jobs, id)
		}
	}
	delete(f.jobs, jobID)
	delete(f.pages, jobID)
	delete(f.results, jobID)
	return nil
}

// fakeQueue は Dispatcher/Submitter のインメモリ実装です。投入された
// ペイロードを保持し、drain でハンドラを同期実行します。
type fakeQueue struct {
	items         []any
	mergeCount    int
	failRetryPage bool
}

func (q *fakeQueue) DispatchMain(_ context.Context, p *MainPayload) error {
	q.items = append(q.items, p)
	return nil
}

func (q *fakeQueue) DispatchSplit(_ context.Context, p *SplitPayload) error {
	q.items = append(q.items, p)
	return nil
}

func (q *fakeQueue) DispatchPage(_ context.Context, p *PagePayload) error {
	q.items = append(q.items, p)
	return nil
}

func (q *fakeQueue) DispatchRetryPage(_ context.Context, p *RetryPagePayload) error {
	if q.failRetryPage {
		return errors.New("queue unavailable")
	}
	q.items = append(q.items, p)
	return nil
}

func (q *fakeQueue) DispatchMerge(_ context.Context, p *MergePayload) error {
	q.mergeCount++
	q.items = append(q.items, p)
	return nil
}

// drain は溜まったタスクを順に処理します。テスト内では asynq の文脈が
// ないため、失敗はすべて最終試行扱い（SkipRetry）になります。
func (q *fakeQueue) drain(t *testing.T, pr *Processor) {
	t.Helper()
	ctx := context.Background()
	for len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]

		var err error
		switch p := item.(type) {
		case *MainPayload:
			err = pr.HandleMain(ctx, p)
		case *SplitPayload:
			err = pr.HandleSplit(ctx, p)
		case *PagePayload:
			err = pr.HandlePage(ctx, p)
		case *RetryPagePayload:
			err = pr.HandleRetryPage(ctx, p)
		case *MergePayload:
			err = pr.HandleMerge(ctx, p)
		default:
			t.Fatalf("unknown payload type %T", item)
		}
		if err != nil && !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("handler for %T returned retryable error: %v", item, err)
		}
	}
}

// fakeSplitter は Splitter の偽実装です。実ファイルには触りません。
type fakeSplitter struct {
	pages int
}

func (s *fakeSplitter) ShouldSplit(_ string) (bool, int, error) {
	return s.pages >= pdf.MinSplitPages, s.pages, nil
}

func (s *fakeSplitter) SplitPages(_ context.Context, _, destDir string) ([]pdf.PageFile, error) {
	files := make([]pdf.PageFile, 0, s.pages)
	for n := 1; n <= s.pages; n++ {
		files = append(files, pdf.PageFile{
			Number: n,
			Path:   filepath.Join(destDir, fmt.Sprintf("page_%04d.pdf", n)),
		})
	}
	return files, nil
}

func (s *fakeSplitter) ExtractPage(_ context.Context, _, destDir string, pageNumber int) (string, error) {
	return filepath.Join(destDir, fmt.Sprintf("page_%04d.pdf", pageNumber)), nil
}

var pageFilePattern = regexp.MustCompile(`page_(\d{4})\.pdf$`)

// fakeConverter はページ番号ごとに決まったMarkdownを返す偽の変換エンジンです。
// failPages に入っているページは変換に失敗します。
type fakeConverter struct {
	failPages map[int]bool
}

func (c *fakeConverter) Convert(_ context.Context, filePath string, _ convert.Options) (*convert.Result, error) {
	pageNumber := 0
	if m := pageFilePattern.FindStringSubmatch(filePath); m != nil {
		pageNumber, _ = strconv.Atoi(m[1])
	}
	if c.failPages[pageNumber] {
		return nil, &convert.Error{Code: "CONVERT_FAILED", Message: "文書の変換に失敗しました", Retryable: false}
	}

	markdown := "# Document\n\nbody"
	if pageNumber > 0 {
		markdown = fmt.Sprintf("# Page %d", pageNumber)
	}
	return &convert.Result{
		Markdown: markdown,
		Metadata: convert.Metadata{Words: convert.CountWords(markdown)},
	}, nil
}

type testEnv struct {
	state     *fakeState
	queue     *fakeQueue
	splitter  *fakeSplitter
	converter *fakeConverter
	processor *Processor
	service   *Service
	ws        *storage.Workspaces
}

func newTestEnv(t *testing.T, pages int) *testEnv {
	t.Helper()
	ws, err := storage.NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspaces failed: %v", err)
	}

	st := newFakeState()
	queue := &fakeQueue{}
	splitter := &fakeSplitter{pages: pages}
	converter := &fakeConverter{failPages: make(map[int]bool)}
	fetcher := source.NewFetcher(ws, 1<<20, zerolog.Nop())

	pr := NewProcessor(st, splitter, converter, fetcher, ws, queue, nil, zerolog.Nop())
	svc := NewService(st, queue, fetcher, ws, zerolog.Nop())

	return &testEnv{
		state:     st,
		queue:     queue,
		splitter:  splitter,
		converter: converter,
		processor: pr,
		service:   svc,
		ws:        ws,
	}
}

func (e *testEnv) submitFile(t *testing.T, name string) *job.Job {
	t.Helper()
	created, err := e.service.SubmitConversion(context.Background(), &SubmitRequest{
		OwnerID:    "owner-1",
		SourceType: source.TypeFile,
		Filename:   name,
		File:       strings.NewReader("%PDF-1.7 test content"),
	})
	if err != nil {
		t.Fatalf("SubmitConversion failed: %v", err)
	}
	return created
}

func TestDirectConversionFlow(t *testing.T) {
	env := newTestEnv(t, 1) // 1ページは分割しない

	created := env.submitFile(t, "doc.pdf")
	env.queue.drain(t, env.processor)

	j, err := env.state.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed", j.Status)
	}
	if j.Progress != 100 {
		t.Fatalf("progress = %d, want 100", j.Progress)
	}
	if j.TotalPages != 0 {
		t.Fatalf("direct conversion must not set totalPages, got %d", j.TotalPages)
	}

	// 分割しないジョブの進捗は定義済みマイルストーンを昇順に刻む。
	want := []int{job.StageAccepted, job.StageFetched, job.StageConverted, job.StageStored, 100}
	got := env.state.progressLog[created.ID]
	if len(got) != len(want) {
		t.Fatalf("progress history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress history = %v, want %v", got, want)
		}
	}

	markdown, err := env.state.GetResult(context.Background(), created.ID, 0)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if !strings.HasPrefix(markdown, "# Document") {
		t.Fatalf("unexpected result: %q", markdown)
	}
	if j.CharCount == 0 {
		t.Fatal("charCount not recorded")
	}
}

func TestMultiPageFlow(t *testing.T) {
	env := newTestEnv(t, 5)

	created := env.submitFile(t, "doc.pdf")
	env.queue.drain(t, env.processor)

	j, _ := env.state.Get(context.Background(), created.ID)
	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed", j.Status)
	}
	if j.TotalPages != 5 || j.PagesCompleted != 5 || j.PagesFailed != 0 {
		t.Fatalf("counters: total=%d completed=%d failed=%d", j.TotalPages, j.PagesCompleted, j.PagesFailed)
	}
	if j.SplitJobID == "" || j.MergeJobID == "" || len(j.PageJobIDs) != 5 {
		t.Fatalf("child ids incomplete: split=%q merge=%q pages=%d", j.SplitJobID, j.MergeJobID, len(j.PageJobIDs))
	}
	if env.queue.mergeCount != 1 {
		t.Fatalf("merge dispatched %d times, want 1", env.queue.mergeCount)
	}

	markdown, err := env.state.GetResult(context.Background(), created.ID, 0)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	want := "# Page 1" + pageSeparator + "# Page 2" + pageSeparator + "# Page 3" +
		pageSeparator + "# Page 4" + pageSeparator + "# Page 5"
	if markdown != want {
		t.Fatalf("merged output = %q", markdown)
	}
}

func TestDuplicatePageDeliveryDoesNotDoubleCount(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()

	created := env.submitFile(t, "doc.pdf")

	// MAIN と SPLIT だけ処理して PAGE ペイロードを取り出す。
	for i := 0; i < 2; i++ {
		item := env.queue.items[0]
		env.queue.items = env.queue.items[1:]
		switch p := item.(type) {
		case *MainPayload:
			if err := env.processor.HandleMain(ctx, p); err != nil {
				t.Fatalf("HandleMain failed: %v", err)
			}
		case *SplitPayload:
			if err := env.processor.HandleSplit(ctx, p); err != nil {
				t.Fatalf("HandleSplit failed: %v", err)
			}
		}
	}

	pagePayloads := make([]*PagePayload, 0, 3)
	for _, item := range env.queue.items {
		pagePayloads = append(pagePayloads, item.(*PagePayload))
	}
	env.queue.items = nil

	// 全ページを処理した後、最後のページを重複配信する。
	for _, p := range pagePayloads {
		if err := env.processor.HandlePage(ctx, p); err != nil {
			t.Fatalf("HandlePage failed: %v", err)
		}
	}
	if err := env.processor.HandlePage(ctx, pagePayloads[2]); err != nil {
		t.Fatalf("duplicate HandlePage failed: %v", err)
	}

	j, _ := env.state.Get(ctx, created.ID)
	if j.PagesCompleted != 3 {
		t.Fatalf("pagesCompleted = %d, want 3 (no double count)", j.PagesCompleted)
	}
	if env.queue.mergeCount != 1 {
		t.Fatalf("merge dispatched %d times, want exactly 1", env.queue.mergeCount)
	}
}

func TestPageFailureStillReachesMerge(t *testing.T) {
	env := newTestEnv(t, 3)
	env.converter.failPages[2] = true

	created := env.submitFile(t, "doc.pdf")
	env.queue.drain(t, env.processor)

	ctx := context.Background()
	j, _ := env.state.Get(ctx, created.ID)
	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed (partial merge)", j.Status)
	}
	if j.PagesCompleted != 2 || j.PagesFailed != 1 {
		t.Fatalf("counters: completed=%d failed=%d", j.PagesCompleted, j.PagesFailed)
	}

	markdown, err := env.state.GetResult(ctx, created.ID, 0)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	want := "# Page 1" + pageSeparator + "# Page 3"
	if markdown != want {
		t.Fatalf("partial merge output = %q", markdown)
	}

	page, err := env.state.GetPage(ctx, created.ID, 2)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if page.Status != job.PageFailed || page.ErrorMessage == "" {
		t.Fatalf("failed page record: status=%q error=%q", page.Status, page.ErrorMessage)
	}
}

func TestRetryFailedPageRebuildsResult(t *testing.T) {
	env := newTestEnv(t, 3)
	env.converter.failPages[2] = true

	created := env.submitFile(t, "doc.pdf")
	env.queue.drain(t, env.processor)
	ctx := context.Background()

	// 部分結合で完了している状態から、失敗ページを手動再試行する。
	env.converter.failPages[2] = false
	newPageJobID, err := env.service.RetryPage(ctx, created.ID, "owner-1", 2)
	if err != nil {
		t.Fatalf("RetryPage failed: %v", err)
	}
	if newPageJobID == "" {
		t.Fatal("retry did not return a new page job id")
	}
	env.queue.drain(t, env.processor)

	j, _ := env.state.Get(ctx, created.ID)
	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed", j.Status)
	}
	if j.PagesCompleted != 3 || j.PagesFailed != 0 {
		t.Fatalf("counters after retry: completed=%d failed=%d", j.PagesCompleted, j.PagesFailed)
	}

	markdown, err := env.state.GetResult(ctx, created.ID, 0)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	want := "# Page 1" + pageSeparator + "# Page 2" + pageSeparator + "# Page 3"
	if markdown != want {
		t.Fatalf("rebuilt output = %q", markdown)
	}

	page, _ := env.state.GetPage(ctx, created.ID, 2)
	if page.PageJobID != newPageJobID {
		t.Fatalf("page record not repointed: %q != %q", page.PageJobID, newPageJobID)
	}
}

func TestRetryRequiresFailedPage(t *testing.T) {
	env := newTestEnv(t, 3)

	created := env.submitFile(t, "doc.pdf")
	env.queue.drain(t, env.processor)
	ctx := context.Background()

	_, err := env.service.RetryPage(ctx, created.ID, "owner-1", 1)
	if err == nil {
		t.Fatal("retry on a completed page must be rejected")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != "PRECONDITION" {
		t.Fatalf("got %v, want PRECONDITION error", err)
	}

	// 拒否された再試行は新しいジョブを作らない。
	j, _ := env.state.Get(ctx, created.ID)
	if len(j.PageJobIDs) != 3 {
		t.Fatalf("pageJobIds = %d, want 3 (no new job)", len(j.PageJobIDs))
	}
}

func TestRetryWithMissingSourceLeavesPageRetryable(t *testing.T) {
	env := newTestEnv(t, 3)
	env.converter.failPages[2] = true

	created := env.submitFile(t, "doc.pdf")
	env.queue.drain(t, env.processor)
	ctx := context.Background()

	before, _ := env.state.Get(ctx, created.ID)
	if before.MergeJobID == "" {
		t.Fatal("merge job id not recorded before retry")
	}

	// 作業ディレクトリごと元ファイルが失われた状況。
	if err := env.ws.Remove(created.ID); err != nil {
		t.Fatalf("workspace remove failed: %v", err)
	}

	_, err := env.service.RetryPage(ctx, created.ID, "owner-1", 2)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("got %v, want NOT_FOUND error", err)
	}

	// 失敗した再試行はページ状態にも merge 枠にも触らない。
	page, _ := env.state.GetPage(ctx, created.ID, 2)
	if page.Status != job.PageFailed {
		t.Fatalf("page status = %q, want failed (still retryable)", page.Status)
	}
	j, _ := env.state.Get(ctx, created.ID)
	if j.MergeJobID != before.MergeJobID {
		t.Fatalf("merge job id changed: %q -> %q", before.MergeJobID, j.MergeJobID)
	}
	if len(env.queue.items) != 0 {
		t.Fatalf("rejected retry enqueued %d tasks", len(env.queue.items))
	}
}

func TestRetryDispatchFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, 3)
	env.converter.failPages[2] = true

	created := env.submitFile(t, "doc.pdf")
	env.queue.drain(t, env.processor)
	ctx := context.Background()

	before, _ := env.state.Get(ctx, created.ID)

	env.converter.failPages[2] = false
	env.queue.failRetryPage = true
	_, err := env.service.RetryPage(ctx, created.ID, "owner-1", 2)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != "INTERNAL_ERROR" {
		t.Fatalf("got %v, want INTERNAL_ERROR error", err)
	}

	// 投入に失敗したらページは failed に戻り、merge 枠も復元される。
	page, _ := env.state.GetPage(ctx, created.ID, 2)
	if page.Status != job.PageFailed {
		t.Fatalf("page status = %q, want failed after rollback", page.Status)
	}
	j, _ := env.state.Get(ctx, created.ID)
	if j.MergeJobID != before.MergeJobID {
		t.Fatalf("merge slot not restored: %q -> %q", before.MergeJobID, j.MergeJobID)
	}

	// キューが復旧すれば同じページをもう一度再試行できる。
	env.queue.failRetryPage = false
	if _, err := env.service.RetryPage(ctx, created.ID, "owner-1", 2); err != nil {
		t.Fatalf("retry after rollback failed: %v", err)
	}
	env.queue.drain(t, env.processor)

	markdown, err := env.state.GetResult(ctx, created.ID, 0)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	want := "# Page 1" + pageSeparator + "# Page 2" + pageSeparator + "# Page 3"
	if markdown != want {
		t.Fatalf("rebuilt output = %q", markdown)
	}
}

func TestStalePageTaskIgnored(t *testing.T) {
	env := newTestEnv(t, 2)
	env.converter.failPages[1] = true

	created := env.submitFile(t, "doc.pdf")

	// ページタスクを横取りして保持しておく。
	var stale *PagePayload
	ctx := context.Background()
	for len(env.queue.items) > 0 {
		item := env.queue.items[0]
		env.queue.items = env.queue.items[1:]
		if p, ok := item.(*PagePayload); ok && p.PageNumber == 1 && stale == nil {
			stale = p
			if err := env.processor.HandlePage(ctx, p); !errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("expected final failure, got %v", err)
			}
			continue
		}
		env.queue.drainOne(t, env.processor, item)
	}

	// 手動再試行でページジョブIDが差し替わる。
	env.converter.failPages[1] = false
	if _, err := env.service.RetryPage(ctx, created.ID, "owner-1", 1); err != nil {
		t.Fatalf("RetryPage failed: %v", err)
	}
	env.queue.drain(t, env.processor)

	// 差し替え前の stale タスクの再配信は無視される。
	if err := env.processor.HandlePage(ctx, stale); err != nil {
		t.Fatalf("stale delivery must be a no-op, got %v", err)
	}
	j, _ := env.state.Get(ctx, created.ID)
	if j.PagesCompleted != 2 || j.PagesFailed != 0 {
		t.Fatalf("counters disturbed by stale task: completed=%d failed=%d", j.PagesCompleted, j.PagesFailed)
	}
}

func TestSubmitRejectsUnsupportedFormat(t *testing.T) {
	env := newTestEnv(t, 1)

	_, err := env.service.SubmitConversion(context.Background(), &SubmitRequest{
		OwnerID:    "owner-1",
		SourceType: source.TypeFile,
		Filename:   "archive.zip",
		File:       strings.NewReader("zip bytes"),
	})
	if err == nil {
		t.Fatal("unsupported format must be rejected synchronously")
	}
	if len(env.queue.items) != 0 {
		t.Fatal("rejected submission must not be enqueued")
	}
}

func TestDeleteJobCascades(t *testing.T) {
	env := newTestEnv(t, 3)

	created := env.submitFile(t, "doc.pdf")
	env.queue.drain(t, env.processor)
	ctx := context.Background()

	if err := env.service.DeleteJob(ctx, created.ID, "owner-1"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}

	if _, err := env.state.Get(ctx, created.ID); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("job still present after delete: %v", err)
	}
	if len(env.state.jobs) != 0 {
		t.Fatalf("descendant jobs remain: %d", len(env.state.jobs))
	}
	if _, err := env.state.GetResult(ctx, created.ID, 0); !errors.Is(err, state.ErrNotFound) {
		t.Fatal("result still present after delete")
	}

	if err := env.service.DeleteJob(ctx, created.ID, "owner-1"); err == nil {
		t.Fatal("second delete must report not found")
	}
}

func TestGetResultRequiresCompletion(t *testing.T) {
	env := newTestEnv(t, 3)

	created := env.submitFile(t, "doc.pdf")
	// まだ何も処理していない。

	_, err := env.service.GetResult(context.Background(), created.ID, "owner-1")
	if err == nil {
		t.Fatal("result of a queued job must be rejected")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != "NOT_READY" {
		t.Fatalf("got %v, want NOT_READY error", err)
	}
}

func TestOwnershipHidesForeignJobs(t *testing.T) {
	env := newTestEnv(t, 1)

	created := env.submitFile(t, "doc.pdf")
	env.queue.drain(t, env.processor)

	_, err := env.service.GetStatus(context.Background(), created.ID, "someone-else")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("foreign job must look like not found, got %v", err)
	}
}

// drainOne は1件だけハンドラを実行します。
func (q *fakeQueue) drainOne(t *testing.T, pr *Processor, item any) {
	t.Helper()
	ctx := context.Background()
	var err error
	switch p := item.(type) {
	case *MainPayload:
		err = pr.HandleMain(ctx, p)
	case *SplitPayload:
		err = pr.HandleSplit(ctx, p)
	case *PagePayload:
		err = pr.HandlePage(ctx, p)
	case *RetryPagePayload:
		err = pr.HandleRetryPage(ctx, p)
	case *MergePayload:
		err = pr.HandleMerge(ctx, p)
	}
	if err != nil && !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("handler for %T returned retryable error: %v", item, err)
	}
}
