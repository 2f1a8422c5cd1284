// Package source は変換対象ファイルの取得元（アップロード・URL）を扱います。
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/storage"
)

// Type は取得元の種類です。
type Type string

const (
	TypeFile Type = "file"
	TypeURL  Type = "url"
)

// Valid は既知の取得元種類かを判定します。
func (t Type) Valid() bool {
	return t == TypeFile || t == TypeURL
}

// Error は取得処理のエラー情報を保持します。
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

// Saved は保存済みの取得結果です。
type Saved struct {
	Path     string
	Filename string
	Size     int64
}

// Fetcher はジョブの作業領域に取得元の内容を保存します。
type Fetcher struct {
	workspaces  *storage.Workspaces
	client      *http.Client
	maxFileSize int64
	logger      zerolog.Logger
}

// NewFetcher は Fetcher を作成します。
func NewFetcher(workspaces *storage.Workspaces, maxFileSize int64, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		workspaces:  workspaces,
		client:      &http.Client{Timeout: 2 * time.Minute},
		maxFileSize: maxFileSize,
		logger:      logger.With().Str("component", "source").Logger(),
	}
}

// SaveUpload はアップロードされたファイルをジョブの作業領域に保存します。
func (f *Fetcher) SaveUpload(jobID, filename string, r io.Reader) (*Saved, error) {
	clean := sanitizeFilename(filename)
	if clean == "" {
		return nil, newError("INVALID_INPUT", "ファイル名が不正です", nil)
	}
	savedPath, size, err := f.workspaces.SaveSource(jobID, clean, r, f.maxFileSize)
	if err != nil {
		if errors.Is(err, storage.ErrSizeLimit) {
			return nil, newError("LIMIT_EXCEEDED", "ファイルサイズが上限を超えています", err)
		}
		return nil, newError("INVALID_INPUT", "ファイルの保存に失敗しました", err)
	}
	return &Saved{Path: savedPath, Filename: clean, Size: size}, nil
}

// FetchURL は公開URLから文書をダウンロードして作業領域に保存します。
// サイズ上限を超えた場合は保存を中止します。
func (f *Fetcher) FetchURL(ctx context.Context, jobID, rawURL string) (*Saved, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, newError("INVALID_INPUT", "URLが不正です", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, newError("INVALID_INPUT", "URLが不正です", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, newError("SOURCE_UNAVAILABLE", "URLからのダウンロードに失敗しました", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newError("SOURCE_UNAVAILABLE",
			"URLからのダウンロードに失敗しました", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.ContentLength > 0 && resp.ContentLength > f.maxFileSize {
		return nil, newError("LIMIT_EXCEEDED", "ファイルサイズが上限を超えています", nil)
	}

	filename := filenameFromResponse(parsed, resp)
	savedPath, size, err := f.workspaces.SaveSource(jobID, filename, resp.Body, f.maxFileSize)
	if err != nil {
		if errors.Is(err, storage.ErrSizeLimit) {
			return nil, newError("LIMIT_EXCEEDED", "ファイルサイズが上限を超えています", err)
		}
		return nil, newError("SOURCE_UNAVAILABLE", "ダウンロードしたファイルの保存に失敗しました", err)
	}

	f.logger.Debug().Str("jobId", jobID).Str("url", parsed.Host).
		Int64("size", size).Msg("source downloaded")
	return &Saved{Path: savedPath, Filename: filename, Size: size}, nil
}

// filenameFromResponse は Content-Disposition、URLパスの順でファイル名を決めます。
func filenameFromResponse(parsed *url.URL, resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := sanitizeFilename(params["filename"]); name != "" {
				return name
			}
		}
	}
	if name := sanitizeFilename(path.Base(parsed.Path)); name != "" && name != "." && name != "/" {
		return name
	}
	return "download.pdf"
}

// sanitizeFilename はパス区切りを除去した安全なベース名を返します。
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
