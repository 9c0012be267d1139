package chat

import "time"

// EventType names an event in the per-message stream.
type EventType string

const (
	EventMessageStarted    EventType = "message.started"
	EventTokenDelta        EventType = "token.delta"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventMessageCompleted  EventType = "message.completed"
	EventMessageError      EventType = "message.error"
	EventMessageSnapshot   EventType = "message.snapshot"
)

// Terminal reports whether the event closes the stream.
func (t EventType) Terminal() bool {
	return t == EventMessageCompleted || t == EventMessageError
}

// ToolCall is the metadata an external tool orchestrator attaches to tool events.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
}

// Event is one entry of the stream written to a delivery channel. ID is the
// resume cursor a client echoes back as last_event_id.
type Event struct {
	ID        int64        `json:"id"`
	Type      EventType    `json:"type"`
	MessageID string       `json:"message_id"`
	Seq       *int64       `json:"seq,omitempty"`
	Delta     string       `json:"delta,omitempty"`
	Content   string       `json:"content,omitempty"`
	Status    Status       `json:"status,omitempty"`
	Tokens    *TokenCounts `json:"tokens,omitempty"`
	ErrorKind ErrorKind    `json:"error_kind,omitempty"`
	Partial   bool         `json:"partial,omitempty"`
	Tool      *ToolCall    `json:"tool,omitempty"`
	Timestamp time.Time    `json:"ts"`
}

// DeltaEvent wraps a chunk.
func DeltaEvent(messageID string, c Chunk) Event {
	seq := c.Seq
	return Event{
		ID:        c.Seq,
		Type:      EventTokenDelta,
		MessageID: messageID,
		Seq:       &seq,
		Delta:     c.Delta,
		Timestamp: c.Timestamp,
	}
}

// TerminalEvent describes a finalized message. Its id sits one past the last
// chunk so that resuming from it replays nothing.
func TerminalEvent(m Message) Event {
	ev := Event{
		ID:        m.LastSeq + 1,
		MessageID: m.ID,
		Status:    m.Status,
		Timestamp: m.UpdatedAt,
	}
	tokens := m.Tokens
	switch m.Status {
	case StatusCompleted:
		ev.Type = EventMessageCompleted
		ev.Content = m.Content
		ev.Tokens = &tokens
	default:
		ev.Type = EventMessageError
		ev.ErrorKind = m.ErrorKind
		ev.Partial = m.Status == StatusPartial
		if ev.Partial {
			ev.Content = m.Content
			ev.Tokens = &tokens
		}
	}
	return ev
}
