// Package storage はジョブ作業領域のストレージ抽象化レイヤーを提供します。
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrSizeLimit はサイズ上限超過を表します。
var ErrSizeLimit = errors.New("size limit exceeded")

// Workspaces はジョブ単位の作業ディレクトリを管理します。
// 元ドキュメントはジョブ削除までここに保持されます（ページリトライで再抽出するため）。
type Workspaces struct {
	root string
}

// NewWorkspaces は root 配下に作業領域を用意します。
func NewWorkspaces(root string) (*Workspaces, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}
	return &Workspaces{root: root}, nil
}

// JobDir はジョブの作業ディレクトリを返します。
func (w *Workspaces) JobDir(jobID string) string {
	return filepath.Join(w.root, jobID)
}

// SourceDir は元ドキュメントの保存先を返します。
func (w *Workspaces) SourceDir(jobID string) string {
	return filepath.Join(w.JobDir(jobID), "source")
}

// PagesDir は分割後のページPDFの保存先を返します。
func (w *Workspaces) PagesDir(jobID string) string {
	return filepath.Join(w.JobDir(jobID), "pages")
}

// RetryDir はリトライで再抽出したページの保存先を返します。
func (w *Workspaces) RetryDir(jobID string) string {
	return filepath.Join(w.JobDir(jobID), "retry")
}

// SaveSource は元ドキュメントを保存し、保存先パスと書き込んだバイト数を返します。
// limit が正の値なら超過時にエラーを返します。
func (w *Workspaces) SaveSource(jobID, filename string, r io.Reader, limit int64) (string, int64, error) {
	dir := w.SourceDir(jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("ソース保存先の作成に失敗しました: %w", err)
	}

	name := filepath.Base(filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "document"
	}
	path := filepath.Join(dir, name)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("ソースファイルの作成に失敗しました: %w", err)
	}
	defer out.Close()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	written, err := io.Copy(out, src)
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("ソースファイルの書き込みに失敗しました: %w", err)
	}
	if limit > 0 && written > limit {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("ファイルサイズが上限（%dバイト）を超えています: %w", limit, ErrSizeLimit)
	}

	return path, written, nil
}

// SourcePath は保持している元ドキュメントのパスを返します。
func (w *Workspaces) SourcePath(jobID string) (string, error) {
	dir := w.SourceDir(jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("ソースディレクトリの読み取りに失敗しました: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("ソースファイルが見つかりません: %s", jobID)
}

// RemovePages は分割ページの一時ファイルを削除します（マージ完了後の解放）。
func (w *Workspaces) RemovePages(jobID string) error {
	if err := os.RemoveAll(w.PagesDir(jobID)); err != nil {
		return err
	}
	return os.RemoveAll(w.RetryDir(jobID))
}

// Remove はジョブの作業領域を丸ごと削除します。
func (w *Workspaces) Remove(jobID string) error {
	return os.RemoveAll(w.JobDir(jobID))
}
