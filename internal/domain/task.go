package domain

import "time"

type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusUnknown    TaskStatus = "unknown"
)

// Terminal reports whether no further status transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Modifications maps a workflow node id to field overrides for that node's
// inputs, e.g. {"3": {"seed": 42}}.
type Modifications map[string]map[string]any

// Task is the unit of tracked work. It is distinct from the rendering
// engine's own job identifier: EngineJobID is assigned by the engine on
// submission and is the correlation key for incoming events.
type Task struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	Parameters   map[string]any `json:"parameters"`
	Status       TaskStatus     `json:"status"`
	Progress     int            `json:"progress"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Result       map[string]any `json:"result,omitempty"`
	EngineJobID  string         `json:"engine_job_id,omitempty"`
}

// Artifact is one output file produced by the engine for a finished job,
// addressed by the engine's transient view endpoint.
type Artifact struct {
	Filename    string `json:"filename"`
	Subfolder   string `json:"subfolder"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	DownloadURL string `json:"download_url"`
}

// WorkflowNode is the inspectable view of one node in a workflow template:
// its class and the tunable input fields a modification may override.
type WorkflowNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// StoredArtifact is the durable location of an artifact after upload to
// object storage.
type StoredArtifact struct {
	PublicURL  string `json:"public_url"`
	StorageKey string `json:"storage_key"`
}

// ClampProgress bounds a progress value to [0,100]. Inputs outside the range
// are expected from the engine and must never be stored as-is.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
