// Package notify implements best-effort outbound delivery of terminal task
// states. The task record in the store stays the durable outcome; a failed
// delivery is logged and never retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"comfytask/internal/config"
	"comfytask/internal/domain"
	"comfytask/internal/ports"

	"github.com/rs/zerolog/log"
)

var _ ports.Notifier = (*Webhook)(nil)

type Webhook struct {
	url    string
	secret string
	httpc  *http.Client
}

func NewWebhook(cfg config.Webhook) *Webhook {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    cfg.URL,
		secret: cfg.Secret,
		httpc:  &http.Client{Timeout: timeout},
	}
}

type payload struct {
	TaskID       string         `json:"task_id"`
	Status       string         `json:"status"`
	WorkflowName string         `json:"workflow_name"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	Result       map[string]any `json:"result"`
}

// Notify delivers one webhook for the task's terminal state. It is a no-op
// when no destination is configured.
func (w *Webhook) Notify(ctx context.Context, task *domain.Task) error {
	if w.url == "" {
		return nil
	}

	b, err := json.Marshal(payload{
		TaskID:       task.ID,
		Status:       string(task.Status),
		WorkflowName: task.WorkflowName,
		CreatedAt:    task.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    task.UpdatedAt.Format(time.RFC3339Nano),
		Result:       task.Result,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.secret)
	}

	resp, err := w.httpc.Do(req)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", task.ID).Msg("webhook delivery failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned %d", resp.StatusCode)
		log.Ctx(ctx).Error().Err(err).Str("task_id", task.ID).Msg("webhook delivery failed")
		return err
	}

	log.Ctx(ctx).Info().Str("task_id", task.ID).Str("status", string(task.Status)).Msg("webhook delivered")
	return nil
}
