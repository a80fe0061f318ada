// Package relay owns the single persistent websocket connection to the
// rendering engine and translates its event stream into task store
// mutations. It runs for the lifetime of the process; every failure routes
// through a reconnect state machine with multiplicative backoff.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"comfytask/internal/domain"
	"comfytask/internal/ports"
	"comfytask/pkg/backoff"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is the subset of a websocket connection the relay needs. Tests
// inject fakes; production wiring uses Dial.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type DialFunc func(ctx context.Context) (Conn, error)

// Dial returns the production dialer for the engine's event stream URL.
func Dial(wsURL string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Options struct {
	// PingInterval is how often a liveness probe is sent while connected.
	PingInterval time.Duration
	// PongWait is how long past the ping a response may take before the
	// connection is treated as dead.
	PongWait time.Duration
	// Backoff drives the reconnect delay. Defaults to 5s floor, 60s
	// ceiling, factor 1.5.
	Backoff *backoff.Policy
}

type Relay struct {
	dial     DialFunc
	store    ports.TaskStore
	engine   ports.EngineClient
	uploader ports.ArtifactUploader
	notifier ports.Notifier

	policy       *backoff.Policy
	pingInterval time.Duration
	pongWait     time.Duration

	state atomic.Int32
}

// New builds a relay. uploader may be nil, in which case completed tasks
// keep the engine's transient artifact URLs.
func New(dial DialFunc, store ports.TaskStore, engine ports.EngineClient, uploader ports.ArtifactUploader, notifier ports.Notifier, opts Options) *Relay {
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait == 0 {
		opts.PongWait = 10 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewPolicy(5*time.Second, 60*time.Second, 1.5)
	}
	return &Relay{
		dial:         dial,
		store:        store,
		engine:       engine,
		uploader:     uploader,
		notifier:     notifier,
		policy:       opts.Backoff,
		pingInterval: opts.PingInterval,
		pongWait:     opts.PongWait,
	}
}

func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) transition(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev != s {
		log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("relay state change")
	}
}

// Run owns the connection until ctx is cancelled. Retries are unbounded:
// there is no terminal failure state.
func (r *Relay) Run(ctx context.Context) {
	defer r.transition(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return
		}

		r.transition(StateConnecting)
		conn, err := r.dial(ctx)
		if err != nil {
			r.transition(StateDisconnected)
			delay := r.policy.Next()
			log.Warn().Err(err).Dur("retry_in", delay).Msg("engine event stream connect failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		r.transition(StateConnected)
		r.policy.Reset()
		log.Info().Msg("connected to engine event stream")

		err = r.serve(ctx, conn)
		_ = conn.Close()
		r.transition(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		delay := r.policy.Next()
		log.Warn().Err(err).Dur("retry_in", delay).Msg("engine event stream closed, reconnecting")
		if !sleep(ctx, delay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve subscribes, keeps the connection alive with pings, and pumps events
// until the first connection-level error.
func (r *Relay) serve(ctx context.Context, conn Conn) error {
	if err := conn.WriteJSON(newSubscribeRequest()); err != nil {
		return err
	}

	deadline := r.pingInterval + r.pongWait
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	done := make(chan struct{})
	defer close(done)
	go r.keepalive(ctx, conn, done)

	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			// Raw image bytes share the channel with control-plane events.
			log.Debug().Int("message_type", messageType).Msg("ignoring binary frame")
			continue
		}
		r.handleMessage(ctx, msg)
	}
}

// keepalive pings on a ticker and force-closes the connection when ctx ends,
// which unblocks the read loop.
func (r *Relay) keepalive(ctx context.Context, conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.pongWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// handleMessage dispatches one event. Parse failures and correlation misses
// are logged and dropped; nothing here may take the connection down.
func (r *Relay) handleMessage(ctx context.Context, msg []byte) {
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("dropping unparsable event")
		return
	}

	switch ev.Type {
	case EventProgress:
		var data progressEvent
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("dropping malformed progress event")
			return
		}
		r.handleProgress(ctx, data)
	case EventExecuting:
		var data executingEvent
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("dropping malformed executing event")
			return
		}
		r.handleExecuting(ctx, data)
	case EventExecutionCached, EventStatus:
		log.Ctx(ctx).Debug().Str("type", ev.Type).Msg("informational event")
	default:
		log.Ctx(ctx).Debug().Str("type", ev.Type).Msg("ignoring event type")
	}
}

func (r *Relay) handleProgress(ctx context.Context, data progressEvent) {
	if data.JobID == "" {
		return
	}
	if data.Max <= 0 {
		// No progress information in this event.
		log.Ctx(ctx).Debug().Str("job_id", data.JobID).Msg("progress event without max, skipped")
		return
	}

	task, err := r.store.FindByEngineJobID(ctx, data.JobID)
	if err != nil {
		// Normal race: expired record or a job owned by another instance.
		log.Ctx(ctx).Debug().Str("job_id", data.JobID).Msg("no task for progress event")
		return
	}

	progress := data.Value * 100 / data.Max
	r.store.UpdateProgress(ctx, task.ID, progress)
}

func (r *Relay) handleExecuting(ctx context.Context, data executingEvent) {
	if data.JobID == "" {
		return
	}
	task, err := r.store.FindByEngineJobID(ctx, data.JobID)
	if err != nil {
		log.Ctx(ctx).Debug().Str("job_id", data.JobID).Msg("no task for executing event")
		return
	}

	if data.Node != nil {
		log.Ctx(ctx).Debug().Str("task_id", task.ID).Str("node", *data.Node).Msg("node executing")
		return
	}

	// Null node marks the job as done with every execution step.
	r.completeTask(ctx, task)
}

func (r *Relay) completeTask(ctx context.Context, task *domain.Task) {
	if _, err := r.engine.GetHistory(ctx, task.EngineJobID); err != nil {
		if errors.Is(err, domain.ErrHistoryNotFound) {
			log.Ctx(ctx).Warn().Str("task_id", task.ID).Msg("completion signalled but no execution history yet")
		} else {
			log.Ctx(ctx).Error().Err(err).Str("task_id", task.ID).Msg("history lookup failed")
		}
		return
	}

	artifacts, err := r.engine.ListOutputArtifacts(ctx, task.EngineJobID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", task.ID).Msg("artifact listing failed")
		artifacts = nil
	}
	result := r.buildResult(ctx, artifacts)

	if !r.store.SetStatus(ctx, task.ID, domain.StatusCompleted, result) {
		return
	}
	log.Ctx(ctx).Info().Str("task_id", task.ID).Str("job_id", task.EngineJobID).Msg("task completed")

	go r.notifyTerminal(context.WithoutCancel(ctx), task.ID)
}

// buildResult maps output node ids to artifact descriptors, replacing the
// transient engine URL with a durable one where upload succeeds.
func (r *Relay) buildResult(ctx context.Context, artifacts map[string][]domain.Artifact) map[string]any {
	result := map[string]any{}
	for nodeID, list := range artifacts {
		entries := make([]any, 0, len(list))
		for _, a := range list {
			entry := map[string]any{
				"filename":     a.Filename,
				"subfolder":    a.Subfolder,
				"type":         a.Type,
				"url":          a.URL,
				"download_url": a.DownloadURL,
			}
			if r.uploader != nil {
				stored, err := r.uploader.Upload(ctx, a)
				if err != nil {
					// Degrade to the engine's own URL.
					log.Ctx(ctx).Warn().Err(err).Str("filename", a.Filename).Msg("artifact upload failed, keeping engine url")
				} else {
					entry["url"] = stored.PublicURL
					entry["storage_key"] = stored.StorageKey
					entry["engine_url"] = a.URL
				}
			}
			entries = append(entries, entry)
		}
		result[nodeID] = entries
	}
	return result
}

func (r *Relay) notifyTerminal(ctx context.Context, taskID string) {
	if r.notifier == nil {
		return
	}
	task, err := r.store.Get(ctx, taskID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("cannot notify, task unavailable")
		return
	}
	_ = r.notifier.Notify(ctx, task)
}
