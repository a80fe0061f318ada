package relay

import "encoding/json"

// Event vocabulary of the engine's websocket stream. Everything outside
// these types is informational and ignored.
const (
	EventProgress        = "progress"
	EventExecuting       = "executing"
	EventExecutionCached = "execution_cached"
	EventStatus          = "status"
)

// Event is the envelope of every text frame on the stream. Data is decoded
// lazily per event type so one malformed payload never affects the others.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type progressEvent struct {
	JobID string `json:"prompt_id"`
	Value int    `json:"value"`
	Max   int    `json:"max"`
}

type executingEvent struct {
	JobID string `json:"prompt_id"`
	// Node is the node currently executing; null marks the job as having
	// finished all execution steps.
	Node *string `json:"node"`
}

type subscribeRequest struct {
	Type string        `json:"type"`
	Data subscribeData `json:"data"`
}

type subscribeData struct {
	Events []string `json:"events"`
}

func newSubscribeRequest() subscribeRequest {
	return subscribeRequest{
		Type: "subscribe",
		Data: subscribeData{
			Events: []string{EventProgress, EventExecuting, EventExecutionCached},
		},
	}
}
