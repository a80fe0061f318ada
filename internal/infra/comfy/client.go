// Package comfy is the HTTP client for the ComfyUI rendering engine: job
// submission, execution history, and output artifact discovery. The event
// stream lives in internal/relay.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"comfytask/internal/config"
	"comfytask/internal/domain"
	"comfytask/internal/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var _ ports.EngineClient = (*Client)(nil)

type Client struct {
	baseURL  string
	clientID string
	httpc    *http.Client
}

func New(cfg config.Comfy) *Client {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Client{
		baseURL:  cfg.BaseURL(),
		clientID: clientID,
		httpc:    &http.Client{Timeout: cfg.SubmitTimeout},
	}
}

// ClientID identifies this process to the engine; events on the websocket
// stream are scoped to it.
func (c *Client) ClientID() string { return c.clientID }

// SubmitJob queues a job payload and returns the engine-assigned job id.
func (c *Client) SubmitJob(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    payload,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("submit job: engine returned %d: %s", resp.StatusCode, b)
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("submit job: engine returned no job id")
	}

	log.Ctx(ctx).Info().Str("job_id", out.PromptID).Msg("job queued with engine")
	return out.PromptID, nil
}

// GetHistory returns the execution record for jobID, or
// domain.ErrHistoryNotFound when the engine has none yet.
func (c *Client) GetHistory(ctx context.Context, jobID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get history: engine returned %d", resp.StatusCode)
	}

	var history map[string]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	record, ok := history[jobID]
	if !ok {
		return nil, domain.ErrHistoryNotFound
	}
	return record, nil
}

// ListOutputArtifacts walks the execution history's outputs and builds view
// and download URLs for every image the job produced, keyed by node id.
func (c *Client) ListOutputArtifacts(ctx context.Context, jobID string) (map[string][]domain.Artifact, error) {
	record, err := c.GetHistory(ctx, jobID)
	if err != nil {
		return nil, err
	}

	outputs, _ := record["outputs"].(map[string]any)
	artifacts := make(map[string][]domain.Artifact)
	for nodeID, raw := range outputs {
		nodeOutput, _ := raw.(map[string]any)
		images, _ := nodeOutput["images"].([]any)

		var list []domain.Artifact
		for _, img := range images {
			m, _ := img.(map[string]any)
			filename, _ := m["filename"].(string)
			if filename == "" {
				continue
			}
			subfolder, _ := m["subfolder"].(string)
			filetype, _ := m["type"].(string)
			list = append(list, c.artifact(filename, subfolder, filetype))
		}
		if len(list) > 0 {
			artifacts[nodeID] = list
		}
	}

	log.Ctx(ctx).Debug().Str("job_id", jobID).Int("nodes", len(artifacts)).Msg("collected output artifacts")
	return artifacts, nil
}

func (c *Client) artifact(filename, subfolder, filetype string) domain.Artifact {
	params := url.Values{}
	params.Set("filename", filename)
	params.Set("subfolder", subfolder)
	params.Set("type", filetype)
	view := c.baseURL + "/view?" + params.Encode()

	params.Set("download", "true")
	download := c.baseURL + "/view?" + params.Encode()

	return domain.Artifact{
		Filename:    filename,
		Subfolder:   subfolder,
		Type:        filetype,
		URL:         view,
		DownloadURL: download,
	}
}
