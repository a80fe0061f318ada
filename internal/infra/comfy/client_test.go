package comfy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"comfytask/internal/config"
	"comfytask/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return New(config.Comfy{
		Host:     u.Hostname(),
		Port:     port,
		ClientID: "test-client",
	})
}

func TestSubmitJob(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/prompt", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "job-1"})
	}))

	jobID, err := client.SubmitJob(context.Background(), map[string]any{"3": map[string]any{"inputs": map[string]any{"seed": 42}}})
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
	assert.Equal(t, "test-client", gotBody["client_id"])
	assert.Contains(t, gotBody["prompt"], "3")
}

func TestSubmitJobEngineError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node validation failed", http.StatusBadRequest)
	}))

	_, err := client.SubmitJob(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestGetHistory(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/history/"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job-1": map[string]any{
				"outputs": map[string]any{"9": map[string]any{}},
			},
		})
	}))

	record, err := client.GetHistory(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Contains(t, record, "outputs")

	_, err = client.GetHistory(context.Background(), "job-2")
	assert.ErrorIs(t, err, domain.ErrHistoryNotFound)
}

func TestListOutputArtifacts(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job-1": map[string]any{
				"outputs": map[string]any{
					"9": map[string]any{
						"images": []any{
							map[string]any{"filename": "out_0001.png", "subfolder": "", "type": "output"},
							map[string]any{"filename": "out_0002.png", "subfolder": "batch", "type": "output"},
						},
					},
					"12": map[string]any{
						"text": []any{"no images here"},
					},
				},
			},
		})
	}))

	artifacts, err := client.ListOutputArtifacts(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Len(t, artifacts["9"], 2)

	first := artifacts["9"][0]
	assert.Equal(t, "out_0001.png", first.Filename)
	assert.Contains(t, first.URL, "/view?")
	assert.Contains(t, first.URL, "filename=out_0001.png")
	assert.Contains(t, first.DownloadURL, "download=true")
}

func TestListOutputArtifactsNoHistory(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))

	_, err := client.ListOutputArtifacts(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrHistoryNotFound)
}
