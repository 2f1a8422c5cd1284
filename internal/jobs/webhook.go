package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/job"
)

// WebhookNotifier はジョブ完了をコールバックURLへPOSTで通知します。
// 通知の失敗はログに残すだけで、ジョブ自体には影響させません。
type WebhookNotifier struct {
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier は WebhookNotifier を作成します。
func NewWebhookNotifier(logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

// Notify はコールバックURLへ完了通知を送信します。
func (n *WebhookNotifier) Notify(ctx context.Context, callbackURL, jobID string, status job.Status) {
	payload := map[string]any{
		"job_id":       jobID,
		"status":       status,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
		"result_url":   fmt.Sprintf("/api/jobs/%s/result", jobID),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error().Err(err).Str("jobId", jobID).Msg("callback payload marshal failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn().Err(err).Str("jobId", jobID).Msg("callback request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn().Err(err).Str("jobId", jobID).Msg("callback delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		n.logger.Warn().Int("status", resp.StatusCode).Str("jobId", jobID).
			Msg("callback rejected by receiver")
		return
	}
	n.logger.Debug().Str("jobId", jobID).Msg("callback delivered")
}
