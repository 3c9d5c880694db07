package comfy

import (
	"context"
	"encoding/json"
	"fmt"

	"nhooyr.io/websocket"
)

// EventType tags the decoded variant of an engine push message.
type EventType string

const (
	// EventProgress reports sampler progress for one execution.
	EventProgress EventType = "progress"
	// EventExecuting reports the node the engine is currently running.
	// An empty Stage marks the engine leaving execution for that prompt.
	EventExecuting EventType = "executing"
	// EventStatus carries queue bookkeeping with no correlation id.
	EventStatus EventType = "status"
	// EventUnknown covers frames we could not decode or do not model.
	// They are surfaced rather than dropped so consumers can count them.
	EventUnknown EventType = "unknown"
)

// Event is one decoded push message from the engine.
type Event struct {
	Type          EventType
	CorrelationID string
	Value         int
	Max           int
	Stage         string
}

// Engines interleave JSON lifecycle frames with binary preview images on
// the same socket. Previews can run to a few megabytes, so the read limit
// must accommodate them even though they are skipped.
const maxFrameSize = 16 << 20

// EventStream is a live websocket subscription to the engine's push
// channel. It is not safe for concurrent readers.
type EventStream struct {
	conn *websocket.Conn
}

// DialEvents opens the engine's websocket channel subscribed under this
// client's id. The context bounds the handshake only; reads are bounded
// by the context given to Next.
func (c *Client) DialEvents(ctx context.Context) (*EventStream, error) {
	wsURL := "ws://" + c.hostPort + eventsPath + "?clientId=" + c.clientID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &EventStream{conn: conn}, nil
}

// Next blocks until the engine pushes the next lifecycle event. Binary
// preview frames are skipped. A returned error means the stream is dead
// and must be re-dialed.
func (s *EventStream) Next(ctx context.Context) (Event, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return Event{}, fmt.Errorf("read event: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		return ParseEvent(data), nil
	}
}

// Close tears the subscription down.
func (s *EventStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

type wireEvent struct {
	Type string `json:"type"`
	Data struct {
		PromptID    string  `json:"prompt_id"`
		Value       int     `json:"value"`
		Max         int     `json:"max"`
		Node        *string `json:"node"`
		DisplayNode string  `json:"display_node"`
	} `json:"data"`
}

// ParseEvent decodes one text frame into its tagged variant. It is total:
// malformed or unmodeled frames come back as EventUnknown instead of an
// error, because a stray frame must not kill the stream.
func ParseEvent(data []byte) Event {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return Event{Type: EventUnknown}
	}

	switch we.Type {
	case "progress":
		return Event{
			Type:          EventProgress,
			CorrelationID: we.Data.PromptID,
			Value:         we.Data.Value,
			Max:           we.Data.Max,
		}
	case "executing":
		stage := ""
		if we.Data.Node != nil {
			stage = *we.Data.Node
			if we.Data.DisplayNode != "" {
				stage = we.Data.DisplayNode
			}
		}
		return Event{
			Type:          EventExecuting,
			CorrelationID: we.Data.PromptID,
			Stage:         stage,
		}
	case "status":
		return Event{Type: EventStatus}
	default:
		return Event{Type: EventUnknown}
	}
}
