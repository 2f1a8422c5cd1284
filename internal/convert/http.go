package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// HTTPConverter は外部の変換サービス（docling-serve 互換）を呼び出す
// Converter 実装です。
type HTTPConverter struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPConverter は HTTPConverter を作成します。
func NewHTTPConverter(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPConverter {
	return &HTTPConverter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "converter").Logger(),
	}
}

type convertResponse struct {
	Status   string `json:"status"`
	Document struct {
		Filename  string `json:"filename"`
		MDContent string `json:"md_content"`
	} `json:"document"`
	Errors []struct {
		Message string `json:"error_message"`
	} `json:"errors"`
}

// Convert はファイルを変換サービスに送信し、Markdownと付随情報を返します。
func (c *HTTPConverter) Convert(ctx context.Context, filePath string, opts Options) (*Result, error) {
	if !IsSupported(filePath) {
		return nil, newError("UNSUPPORTED_FORMAT",
			"この形式のファイルは変換できません", false, nil)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, newError("INVALID_INPUT", "入力ファイルが見つかりません", false, err)
	}

	body, contentType, err := c.buildRequestBody(filePath, opts)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/convert/file", body)
	if err != nil {
		return nil, newError("CONVERTER_UNAVAILABLE", "変換リクエストの作成に失敗しました", true, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, newError("CONVERTER_UNAVAILABLE", "変換サービスに接続できません", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, newError("CONVERTER_UNAVAILABLE",
			"変換サービスが一時的に利用できません", true,
			fmt.Errorf("converter returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newError("CONVERT_FAILED",
			"文書の変換に失敗しました", false,
			fmt.Errorf("converter returned status %d", resp.StatusCode))
	}

	var decoded convertResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, newError("CONVERTER_UNAVAILABLE", "変換サービスの応答を解析できません", true, err)
	}
	if decoded.Status != "" && decoded.Status != "success" {
		msg := "文書の変換に失敗しました"
		var cause error
		if len(decoded.Errors) > 0 {
			cause = fmt.Errorf("%s", decoded.Errors[0].Message)
		}
		return nil, newError("CONVERT_FAILED", msg, false, cause)
	}

	markdown := decoded.Document.MDContent
	result := &Result{
		Markdown: markdown,
		Metadata: Metadata{
			Format:    DetectFormat(filePath),
			SizeBytes: info.Size(),
			Words:     CountWords(markdown),
			Title:     strippedName(filePath),
		},
	}

	c.logger.Debug().
		Str("file", filepath.Base(filePath)).
		Int("chars", len(markdown)).
		Int("words", result.Metadata.Words).
		Dur("elapsed", time.Since(start)).
		Msg("conversion finished")

	return result, nil
}

func (c *HTTPConverter) buildRequestBody(filePath string, opts Options) (io.Reader, string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, "", newError("INVALID_INPUT", "入力ファイルを開けません", false, err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("files", filepath.Base(filePath))
	if err != nil {
		return nil, "", newError("CONVERTER_UNAVAILABLE", "変換リクエストの作成に失敗しました", true, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", newError("INVALID_INPUT", "入力ファイルを読み取れません", false, err)
	}

	fields := map[string]string{
		"to_formats":         "md",
		"do_ocr":             strconv.FormatBool(opts.EnableOCR),
		"do_table_structure": strconv.FormatBool(opts.TableStructure),
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", newError("CONVERTER_UNAVAILABLE", "変換リクエストの作成に失敗しました", true, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", newError("CONVERTER_UNAVAILABLE", "変換リクエストの作成に失敗しました", true, err)
	}

	return &buf, writer.FormDataContentType(), nil
}

func strippedName(filePath string) string {
	base := filepath.Base(filePath)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}
