// Package convert は文書からMarkdownへの変換エンジンとの境界を定義します。
package convert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Error は変換処理のエラー情報を保持します。
type Error struct {
	// Code はエラーの種類を表すコードです。
	Code string
	// Message は利用者向けのエラーメッセージです。
	Message string
	// Retryable は再試行で解決しうるエラーかを表します。
	Retryable bool
	// Err は原因となった内部エラーです。
	Err error
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

func newError(code, message string, retryable bool, err error) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable, Err: err}
}

// Retryable はエラーが再試行対象かを判定します。変換エンジン由来でない
// エラー（I/O など）は再試行対象とみなします。
func Retryable(err error) bool {
	var convErr *Error
	if errors.As(err, &convErr) {
		return convErr.Retryable
	}
	return true
}

// Metadata は変換結果の付随情報です。
type Metadata struct {
	Format    string `json:"format"`
	SizeBytes int64  `json:"size_bytes"`
	Words     int    `json:"words"`
	Pages     int    `json:"pages,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Result は変換結果です。
type Result struct {
	Markdown string   `json:"markdown"`
	Metadata Metadata `json:"metadata"`
}

// Options は変換時のオプションです。
type Options struct {
	EnableOCR      bool `json:"enable_ocr"`
	TableStructure bool `json:"table_structure"`
}

// Converter は文書ファイルをMarkdownに変換します。
type Converter interface {
	Convert(ctx context.Context, filePath string, opts Options) (*Result, error)
}

var formatByExt = map[string]string{
	".pdf":  "pdf",
	".docx": "docx",
	".doc":  "doc",
	".html": "html",
	".htm":  "html",
	".pptx": "pptx",
	".ppt":  "ppt",
	".xlsx": "xlsx",
	".xls":  "xls",
	".rtf":  "rtf",
	".odt":  "odt",
	".md":   "md",
	".txt":  "txt",
}

// DetectFormat はファイルの形式識別子を返します。拡張子を優先し、
// 不明な場合は内容のMIME判定にフォールバックします。
func DetectFormat(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if format, ok := formatByExt[ext]; ok {
		return format
	}
	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return "unknown"
	}
	if e := mtype.Extension(); e != "" {
		if format, ok := formatByExt[e]; ok {
			return format
		}
	}
	return "unknown"
}

// IsSupported は変換対象として受け付ける形式かを判定します。
func IsSupported(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	_, ok := formatByExt[ext]
	return ok
}

// CountWords は空白区切りの語数を数えます。
func CountWords(markdown string) int {
	return len(strings.Fields(markdown))
}
