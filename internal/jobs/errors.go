package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/source"
)

// isTerminalError は再試行しても解決しないエラーかを判定します。
// 入力不正系（PDF破損・非対応形式など）は終端、それ以外は一時障害扱いです。
func isTerminalError(err error) bool {
	var pdfErr *pdf.Error
	if errors.As(err, &pdfErr) {
		return true
	}
	var srcErr *source.Error
	if errors.As(err, &srcErr) {
		return srcErr.Code != "SOURCE_UNAVAILABLE"
	}
	var convErr *convert.Error
	if errors.As(err, &convErr) {
		return !convErr.Retryable
	}
	return false
}

// userMessage はエラーから利用者向けメッセージを取り出します。
func userMessage(err error) string {
	var pdfErr *pdf.Error
	if errors.As(err, &pdfErr) {
		return pdfErr.Message
	}
	var srcErr *source.Error
	if errors.As(err, &srcErr) {
		return srcErr.Message
	}
	var convErr *convert.Error
	if errors.As(err, &convErr) {
		return convErr.Message
	}
	return "内部エラーが発生しました"
}

// skipRetry はエラーを asynq.SkipRetry でラップし、配送層の再試行を止めます。
func skipRetry(err error) error {
	return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
}

// lastAttempt はこの配信が最後の試行かを返します。asynq のタスク
// コンテキスト外（テストなど）では true 扱いにします。
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= max
}
