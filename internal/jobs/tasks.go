package jobs

import (
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/doc-forge/internal/convert"
)

const (
	taskTypeMain      = "convert:main"
	taskTypeSplit     = "convert:split"
	taskTypePage      = "convert:page"
	taskTypeRetryPage = "convert:retry_page"
	taskTypeMerge     = "convert:merge"

	queueConvert = "convert"
)

// 自動再試行の上限。手動のページ再試行とは別物で、こちらは配送層の
// 一時障害（ネットワーク・変換サービス停止など）向けです。
const (
	maxRetryMain  = 3
	maxRetrySplit = 2
	maxRetryPage  = 3
	maxRetryMerge = 2
)

// MainPayload は MAIN タスクのペイロードです。
type MainPayload struct {
	JobID       string          `json:"jobId"`
	SourceType  string          `json:"sourceType"`
	Source      string          `json:"source"`
	Options     convert.Options `json:"options"`
	CallbackURL string          `json:"callbackUrl,omitempty"`
}

// SplitPayload は SPLIT タスクのペイロードです。
type SplitPayload struct {
	SplitJobID  string          `json:"splitJobId"`
	ParentJobID string          `json:"parentJobId"`
	FilePath    string          `json:"filePath"`
	Options     convert.Options `json:"options"`
}

// PagePayload は PAGE タスクのペイロードです。
type PagePayload struct {
	PageJobID    string          `json:"pageJobId"`
	ParentJobID  string          `json:"parentJobId"`
	PageNumber   int             `json:"pageNumber"`
	PageFilePath string          `json:"pageFilePath"`
	Options      convert.Options `json:"options"`
}

// RetryPagePayload はページ手動再試行タスクのペイロードです。
// ページファイルは元文書から抽出し直すため、元PDFのパスを持ちます。
type RetryPagePayload struct {
	PageJobID   string          `json:"pageJobId"`
	ParentJobID string          `json:"parentJobId"`
	PageNumber  int             `json:"pageNumber"`
	SourcePath  string          `json:"sourcePath"`
	Options     convert.Options `json:"options"`
}

// MergePayload は MERGE タスクのペイロードです。
type MergePayload struct {
	MergeJobID  string `json:"mergeJobId"`
	ParentJobID string `json:"parentJobId"`
}

// retryDelay は再試行までの待ち時間を返します。
// MAIN は 60s、それ以外は 30s を基準に指数的に伸ばします。
func retryDelay(n int, _ error, task *asynq.Task) time.Duration {
	base := 30 * time.Second
	if task.Type() == taskTypeMain {
		base = 60 * time.Second
	}
	return base * (1 << n)
}

func maxRetryFor(taskType string) int {
	switch taskType {
	case taskTypeMain:
		return maxRetryMain
	case taskTypeSplit:
		return maxRetrySplit
	case taskTypeMerge:
		return maxRetryMerge
	default:
		return maxRetryPage
	}
}
