package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pubflow/internal/domain"
)

// Uploader hands the task to an external publish endpoint as JSON. The
// endpoint owns the actual platform submission and replies 2xx on success.
type Uploader struct {
	URL     string
	Client  *http.Client
	Headers map[string]string
}

type payload struct {
	TaskID        int64    `json:"task_id"`
	VideoPath     string   `json:"video_path"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Tags          []string `json:"tags"`
	Platform      string   `json:"platform"`
	AccountID     *int64   `json:"account_id,omitempty"`
	ScheduledTime string   `json:"scheduled_time"`
}

func (u Uploader) Upload(ctx context.Context, task domain.Task) error {
	if u.URL == "" {
		return fmt.Errorf("URL is required")
	}

	body, err := json.Marshal(payload{
		TaskID:        task.ID,
		VideoPath:     task.VideoPath,
		Title:         task.Title,
		Description:   task.Description,
		Tags:          task.Tags,
		Platform:      task.Platform,
		AccountID:     task.AccountID,
		ScheduledTime: task.ScheduledTime.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range u.Headers {
		req.Header.Set(k, v)
	}

	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("publish endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
