// Package usecase holds the synchronous half of job submission: create a
// task, specialize the workflow, hand the job to the engine, and return.
// Completion is observed later through the event relay.
package usecase

import (
	"context"
	"fmt"
	"time"

	"comfytask/internal/domain"
	"comfytask/internal/ports"

	"github.com/rs/zerolog/log"
)

type Dispatcher struct {
	Store     ports.TaskStore
	Workflows ports.WorkflowResolver
	Engine    ports.EngineClient
	Notifier  ports.Notifier

	// SubmitTimeout bounds the engine round-trip; on timeout the task is
	// marked failed.
	SubmitTimeout time.Duration
}

// Submit creates and queues a task. On success the returned task is in the
// processing state with its engine job id recorded. On failure the task is
// marked failed with the error in its result, and a typed error is
// returned: domain.ErrWorkflowNotFound, domain.ErrInvalidModification, or a
// generic submission failure.
func (d *Dispatcher) Submit(ctx context.Context, workflowName string, mods domain.Modifications) (*domain.Task, error) {
	params := make(map[string]any, len(mods))
	for nodeID, overrides := range mods {
		params[nodeID] = overrides
	}
	task := d.Store.Create(ctx, workflowName, params)
	log.Ctx(ctx).Info().Str("task_id", task.ID).Str("workflow", workflowName).Msg("task created")

	tpl, err := d.Workflows.Resolve(workflowName)
	if err != nil {
		return task, d.fail(ctx, task, err)
	}

	payload, err := tpl.Apply(mods)
	if err != nil {
		return task, d.fail(ctx, task, err)
	}

	submitCtx := ctx
	if d.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, d.SubmitTimeout)
		defer cancel()
	}
	jobID, err := d.Engine.SubmitJob(submitCtx, payload)
	if err != nil {
		return task, d.fail(ctx, task, fmt.Errorf("submit to engine: %w", err))
	}

	d.Store.SetEngineJobID(ctx, task.ID, jobID)
	d.Store.SetStatus(ctx, task.ID, domain.StatusProcessing, nil)
	task.EngineJobID = jobID
	task.Status = domain.StatusProcessing

	log.Ctx(ctx).Info().Str("task_id", task.ID).Str("job_id", jobID).Msg("task submitted to engine")
	return task, nil
}

// fail records the error on the task, notifies, and passes the error back
// to the caller.
func (d *Dispatcher) fail(ctx context.Context, task *domain.Task, cause error) error {
	log.Ctx(ctx).Error().Err(cause).Str("task_id", task.ID).Msg("task submission failed")

	if d.Store.SetStatus(ctx, task.ID, domain.StatusFailed, map[string]any{"error": cause.Error()}) {
		task.Status = domain.StatusFailed
		if d.Notifier != nil {
			go d.notifyFailed(context.WithoutCancel(ctx), task.ID)
		}
	}
	return cause
}

func (d *Dispatcher) notifyFailed(ctx context.Context, taskID string) {
	task, err := d.Store.Get(ctx, taskID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("cannot notify, task unavailable")
		return
	}
	_ = d.Notifier.Notify(ctx, task)
}
