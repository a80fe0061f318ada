package domain

import "errors"

var (
	// ErrTaskNotFound covers both tasks that never existed and tasks whose
	// record expired.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWorkflowNotFound means the requested workflow template does not
	// exist in the registry.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInvalidModification means a modification payload references a node
	// the workflow template does not contain, or is otherwise malformed.
	ErrInvalidModification = errors.New("invalid workflow modification")

	// ErrHistoryNotFound means the engine has no execution record for a
	// job id.
	ErrHistoryNotFound = errors.New("execution history not found")
)
