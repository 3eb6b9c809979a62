package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wolfeidau/pwa-cache/telemetry"
)

// MessageType discriminates control-channel messages.
type MessageType string

const (
	// MessageSkipWaiting promotes the waiting worker to active.
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	// MessageClearCache deletes every namespace regardless of version.
	MessageClearCache MessageType = "CLEAR_CACHE"
)

// Message is a command posted by the foreground application.
type Message struct {
	Type MessageType `json:"type"`
}

// ParseMessage decodes a JSON control message. Unknown types decode fine and
// are ignored on dispatch.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return m, nil
}

// Recognised reports whether the message type has a handler.
func (m Message) Recognised() bool {
	return m.Type == MessageSkipWaiting || m.Type == MessageClearCache
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) error {
	msg := ev.(*MessageEvent).Message
	telemetry.RecordControlMessage(ctx, string(msg.Type), msg.Recognised())

	switch msg.Type {
	case MessageSkipWaiting:
		return w.currentScope().SkipWaiting(ctx)
	case MessageClearCache:
		return w.clearAll(ctx)
	default:
		w.logger.DebugContext(ctx, "ignoring message", "component", "message", "type", msg.Type)
		return nil
	}
}
