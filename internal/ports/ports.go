package ports

import (
	"context"

	"comfytask/internal/domain"
)

// TaskStore is the single source of truth for task state. Every record is
// TTL-bounded; mutating operations refresh the TTL so an active task cannot
// expire mid-flight. Mutations report success as a bool: false means the
// record was not found (or the update was rejected), never an error the
// caller must handle.
type TaskStore interface {
	// Create allocates a new task in the queued state. It never fails the
	// caller: if the backing store is unavailable the in-memory task is
	// still returned and the failure is logged.
	Create(ctx context.Context, workflowName string, parameters map[string]any) *domain.Task

	Get(ctx context.Context, taskID string) (*domain.Task, error)

	// FindByEngineJobID resolves the engine's correlation key to a task.
	FindByEngineJobID(ctx context.Context, jobID string) (*domain.Task, error)

	// UpdateProgress clamps progress to [0,100] before storing.
	UpdateProgress(ctx context.Context, taskID string, progress int) bool

	// SetStatus applies a status transition, optionally attaching a result.
	// Transitions out of a terminal status are rejected.
	SetStatus(ctx context.Context, taskID string, status domain.TaskStatus, result map[string]any) bool

	SetEngineJobID(ctx context.Context, taskID, jobID string) bool

	// MergeParameters merges new parameters into the task's existing ones.
	MergeParameters(ctx context.Context, taskID string, parameters map[string]any) bool

	// ListAll is for the listing endpoint only, not the hot path.
	ListAll(ctx context.Context) ([]domain.Task, error)
}

// EngineClient talks to the rendering engine's HTTP surface.
type EngineClient interface {
	// SubmitJob queues a concrete job payload and returns the engine's job
	// id for it.
	SubmitJob(ctx context.Context, payload map[string]any) (string, error)

	// GetHistory returns the execution record for a job, or
	// domain.ErrHistoryNotFound if the engine has none.
	GetHistory(ctx context.Context, jobID string) (map[string]any, error)

	// ListOutputArtifacts maps output node ids to the artifacts they
	// produced, per the execution history.
	ListOutputArtifacts(ctx context.Context, jobID string) (map[string][]domain.Artifact, error)
}

// WorkflowTemplate is a resolved job template ready to be specialized.
type WorkflowTemplate interface {
	// Apply produces a concrete job payload with the given node overrides
	// merged in. The template itself is not mutated.
	Apply(mods domain.Modifications) (map[string]any, error)
}

// WorkflowResolver loads job templates by name.
type WorkflowResolver interface {
	Resolve(name string) (WorkflowTemplate, error)
}

// WorkflowCatalog exposes the loaded templates for inspection.
type WorkflowCatalog interface {
	// Names lists the available template names.
	Names() []string

	// Nodes returns the node graph of the named template, or
	// domain.ErrWorkflowNotFound.
	Nodes(name string) (map[string]domain.WorkflowNode, error)
}

// ArtifactUploader converts a transient engine artifact into a durable one.
// Callers degrade to the original engine reference on error.
type ArtifactUploader interface {
	Upload(ctx context.Context, artifact domain.Artifact) (*domain.StoredArtifact, error)
}

// Notifier delivers a best-effort outbound notification for a task that
// reached a terminal status. Implementations log delivery failures; callers
// never retry.
type Notifier interface {
	Notify(ctx context.Context, task *domain.Task) error
}
