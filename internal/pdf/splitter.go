// Package pdf はページ単位の分割などPDF操作機能を提供します。
package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// MinSplitPages はこのページ数以上のPDFを分割対象とします。
const MinSplitPages = 2

// PageFile は分割で生成された1ページ分のPDFを表します。
type PageFile struct {
	Number int    // 1始まりのページ番号
	Path   string // ページPDFの保存先
}

// Splitter はPDFをページ単位に分割します。
type Splitter struct {
	maxPages int
}

// NewSplitter は Splitter を作成します。maxPages が0以下なら上限なしです。
func NewSplitter(maxPages int) *Splitter {
	return &Splitter{maxPages: maxPages}
}

// IsPDF は拡張子からPDFかどうかを判定します。
func IsPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

// PageCount はPDFのページ数を返します。
func (s *Splitter) PageCount(path string) (int, error) {
	count, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, newError("UNSUPPORTED_PDF", "PDFのページ数を取得できませんでした。", err)
	}
	if s.maxPages > 0 && count > s.maxPages {
		return 0, newError("LIMIT_EXCEEDED",
			fmt.Sprintf("ページ数が上限（%dページ）を超えています。", s.maxPages), nil)
	}
	return count, nil
}

// ShouldSplit は分割対象かどうかとページ数を返します。
// PDF以外のドキュメントは常に分割しません。
func (s *Splitter) ShouldSplit(path string) (bool, int, error) {
	if !IsPDF(path) {
		return false, 0, nil
	}
	count, err := s.PageCount(path)
	if err != nil {
		return false, 0, err
	}
	return count >= MinSplitPages, count, nil
}

// SplitPages はPDFの全ページを destDir に1ページずつ書き出します。
// 戻り値はページ番号順です。
func (s *Splitter) SplitPages(ctx context.Context, path, destDir string) ([]PageFile, error) {
	count, err := s.PageCount(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("ページ出力ディレクトリの作成に失敗しました: %w", err)
	}

	pages := make([]PageFile, 0, count)
	for num := 1; num <= count; num++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		pagePath := filepath.Join(destDir, pageFilename(num))
		if err := pdfapi.CollectFile(path, pagePath, []string{strconv.Itoa(num)}, nil); err != nil {
			return nil, newError("UNSUPPORTED_PDF",
				fmt.Sprintf("ページ %d の切り出しに失敗しました。", num), err)
		}
		pages = append(pages, PageFile{Number: num, Path: pagePath})
	}

	return pages, nil
}

// ExtractPage はPDFから指定の1ページのみを destDir に書き出します。
// ページリトライで元ドキュメントから再抽出するために使います。
func (s *Splitter) ExtractPage(ctx context.Context, path, destDir string, pageNumber int) (string, error) {
	if pageNumber < 1 {
		return "", newError("INVALID_INPUT", "ページ番号は1以上で指定してください。", nil)
	}
	count, err := s.PageCount(path)
	if err != nil {
		return "", err
	}
	if pageNumber > count {
		return "", newError("INVALID_INPUT",
			fmt.Sprintf("ページ番号がページ数（%d）の範囲外です。", count), nil)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("ページ出力ディレクトリの作成に失敗しました: %w", err)
	}

	pagePath := filepath.Join(destDir, pageFilename(pageNumber))
	if err := pdfapi.CollectFile(path, pagePath, []string{strconv.Itoa(pageNumber)}, nil); err != nil {
		return "", newError("UNSUPPORTED_PDF",
			fmt.Sprintf("ページ %d の切り出しに失敗しました。", pageNumber), err)
	}
	return pagePath, nil
}

func pageFilename(num int) string {
	return fmt.Sprintf("page_%04d.pdf", num)
}
