package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"comfytask/internal/config"
	"comfytask/internal/domain"
	"comfytask/internal/ports"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.TaskStore = (*Store)(nil)

const keyPrefix = "task:"

// Store keeps one Redis hash per task under "task:<id>" with a TTL that is
// refreshed on every mutation. Mutations touch only the fields they change,
// so concurrent updates to different fields of the same record never
// overwrite each other.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(cfg config.Redis, ttl time.Duration) *Store {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{rdb: c, ttl: ttl}
}

// NewWithClient is for tests and callers that manage the client themselves.
func NewWithClient(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to redis")
	return nil
}

func taskKey(id string) string { return keyPrefix + id }

func (s *Store) Create(ctx context.Context, workflowName string, parameters map[string]any) *domain.Task {
	now := time.Now()
	t := &domain.Task{
		ID:           uuid.NewString(),
		WorkflowName: workflowName,
		Parameters:   parameters,
		Status:       domain.StatusQueued,
		Progress:     0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Task submission stays available even when Redis is down: the caller
	// gets a valid task either way and the persistence failure is logged.
	if err := s.writeAll(ctx, t); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", t.ID).Msg("failed to persist new task")
	}
	return t
}

func (s *Store) writeAll(ctx context.Context, t *domain.Task) error {
	fields, err := encodeTask(t)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(t.ID), fields)
	pipe.Expire(ctx, taskKey(t.ID), s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	h, err := s.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if len(h) == 0 {
		return nil, domain.ErrTaskNotFound
	}
	return decodeTask(h)
}

func (s *Store) FindByEngineJobID(ctx context.Context, jobID string) (*domain.Task, error) {
	// O(n) over live tasks; acceptable at this scale (see DESIGN.md).
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		got, err := s.rdb.HGet(ctx, key, "engine_job_id").Result()
		if err != nil {
			continue
		}
		if got != "" && got == jobID {
			h, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(h) == 0 {
				continue
			}
			return decodeTask(h)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	return nil, domain.ErrTaskNotFound
}

func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress int) bool {
	return s.setFields(ctx, taskID, map[string]any{
		"progress": strconv.Itoa(domain.ClampProgress(progress)),
	})
}

func (s *Store) SetStatus(ctx context.Context, taskID string, status domain.TaskStatus, result map[string]any) bool {
	cur, err := s.rdb.HGet(ctx, taskKey(taskID), "status").Result()
	if err == redis.Nil {
		log.Ctx(ctx).Warn().Str("task_id", taskID).Msg("task not found for status update")
		return false
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("redis error reading task status")
		return false
	}
	if domain.TaskStatus(cur).Terminal() {
		log.Ctx(ctx).Debug().Str("task_id", taskID).Str("status", cur).Msg("task already terminal, status update dropped")
		return false
	}

	fields := map[string]any{"status": string(status)}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("failed to encode task result")
			return false
		}
		fields["result"] = string(b)
	}
	return s.setFields(ctx, taskID, fields)
}

func (s *Store) SetEngineJobID(ctx context.Context, taskID, jobID string) bool {
	return s.setFields(ctx, taskID, map[string]any{"engine_job_id": jobID})
}

func (s *Store) MergeParameters(ctx context.Context, taskID string, parameters map[string]any) bool {
	raw, err := s.rdb.HGet(ctx, taskKey(taskID), "parameters").Result()
	if err == redis.Nil {
		log.Ctx(ctx).Warn().Str("task_id", taskID).Msg("task not found for parameters update")
		return false
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("redis error reading task parameters")
		return false
	}

	merged := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("corrupt parameters field")
			return false
		}
	}
	for k, v := range parameters {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return false
	}
	return s.setFields(ctx, taskID, map[string]any{"parameters": string(b)})
}

func (s *Store) ListAll(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		h, err := s.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil || len(h) == 0 {
			continue
		}
		t, err := decodeTask(h)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("key", iter.Val()).Msg("skipping corrupt task record")
			continue
		}
		tasks = append(tasks, *t)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	return tasks, nil
}

// setFields writes the given fields plus a fresh updated_at, refreshing the
// record TTL. Returns false when the task does not exist.
func (s *Store) setFields(ctx context.Context, taskID string, fields map[string]any) bool {
	key := taskKey(taskID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("redis error checking task existence")
		return false
	}
	if exists == 0 {
		log.Ctx(ctx).Debug().Str("task_id", taskID).Msg("task not found, nothing to update")
		return false
	}

	fields["updated_at"] = time.Now().Format(time.RFC3339Nano)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("redis error updating task")
		return false
	}
	return true
}

func encodeTask(t *domain.Task) (map[string]any, error) {
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	result := ""
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		result = string(b)
	}
	return map[string]any{
		"id":            t.ID,
		"workflow_name": t.WorkflowName,
		"parameters":    string(params),
		"status":        string(t.Status),
		"progress":      strconv.Itoa(t.Progress),
		"created_at":    t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    t.UpdatedAt.Format(time.RFC3339Nano),
		"result":        result,
		"engine_job_id": t.EngineJobID,
	}, nil
}

func decodeTask(h map[string]string) (*domain.Task, error) {
	t := &domain.Task{
		ID:           h["id"],
		WorkflowName: h["workflow_name"],
		Status:       domain.TaskStatus(h["status"]),
		EngineJobID:  h["engine_job_id"],
	}
	if t.Status == "" {
		t.Status = domain.StatusUnknown
	}
	if raw := h["parameters"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if raw := h["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if raw := h["progress"]; raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decode progress: %w", err)
		}
		t.Progress = p
	}
	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, h["created_at"]); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, h["updated_at"]); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return t, nil
}
