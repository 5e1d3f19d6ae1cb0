// Package types: raw JSONL event definitions for transcript files.
// Each line in a transcript is one JSON object whose `type` field acts as
// the discriminator for the concrete event shape.
package types

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// EVENT TYPE CONSTANTS
// =============================================================================

// JSONL event type discriminators.
const (
	EventTypeUser                = "user"
	EventTypeAssistant           = "assistant"
	EventTypeSystem              = "system"
	EventTypeSummary             = "summary"
	EventTypeFileHistorySnapshot = "file-history-snapshot"
	EventTypeQueueOperation      = "queue-operation"
)

// =============================================================================
// BASE EVENT TYPE
// =============================================================================

// JSONLEvent contains common fields present across most JSONL events.
type JSONLEvent struct {
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"` // accepted alias for type
	UUID        string `json:"uuid,omitempty"`
	ID          string `json:"id,omitempty"` // accepted alias for uuid
	ParentID    string `json:"parentId,omitempty"`
	Timestamp   any    `json:"timestamp"` // ISO-8601 string or epoch number
	SessionID   string `json:"sessionId,omitempty"`
	ParentUUID  string `json:"parentUuid,omitempty"`
	Version     string `json:"version,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	GitBranch   string `json:"gitBranch,omitempty"`
	IsSidechain bool   `json:"isSidechain,omitempty"`
}

// EventID returns the line's identifier, preferring uuid over the id alias.
func (e *JSONLEvent) EventID() string {
	if e.UUID != "" {
		return e.UUID
	}
	return e.ID
}

// Parent returns the parent message ID, preferring parentUuid over the
// parentId alias.
func (e *JSONLEvent) Parent() string {
	if e.ParentUUID != "" {
		return e.ParentUUID
	}
	return e.ParentID
}

// =============================================================================
// USER EVENT
// =============================================================================

// UserEvent represents a user input message in the transcript.
type UserEvent struct {
	JSONLEvent
	Message                   UserMessage `json:"message"`
	IsMeta                    bool        `json:"isMeta,omitempty"`
	IsVisibleInTranscriptOnly bool        `json:"isVisibleInTranscriptOnly,omitempty"`
	IsCompactSummary          bool        `json:"isCompactSummary,omitempty"`
}

// UserMessage carries the message content of a user event. Content is a
// plain string or an array of content blocks (for tool results).
type UserMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// =============================================================================
// ASSISTANT EVENT
// =============================================================================

// AssistantEvent represents an assistant response in the transcript.
type AssistantEvent struct {
	JSONLEvent
	RequestID         string           `json:"requestId,omitempty"`
	Message           AssistantMessage `json:"message"`
	IsAPIErrorMessage bool             `json:"isApiErrorMessage,omitempty"`
}

// AssistantMessage carries the structured content of an assistant event.
type AssistantMessage struct {
	Model      string         `json:"model"`
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      TokenUsage     `json:"usage"`
}

// TokenUsage contains token consumption statistics.
type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Total returns the token count attributed to the message itself.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// =============================================================================
// SYSTEM EVENT
// =============================================================================

// SystemEvent represents system metadata events in the transcript.
type SystemEvent struct {
	JSONLEvent
	Subtype    string `json:"subtype,omitempty"`
	Content    string `json:"content,omitempty"`
	DurationMs int    `json:"durationMs,omitempty"`
	IsMeta     bool   `json:"isMeta,omitempty"`
}

// =============================================================================
// SUMMARY EVENT
// =============================================================================

// SummaryEvent represents a context compaction summary line. It carries no
// session ID or timestamp and never becomes a Message.
type SummaryEvent struct {
	Type     string `json:"type"`
	Summary  string `json:"summary"`
	LeafUUID string `json:"leafUuid"`
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// JSONLEventKind represents the classified kind of a JSONL event.
type JSONLEventKind int

const (
	JSONLEventUnknown JSONLEventKind = iota
	JSONLEventUser
	JSONLEventAssistant
	JSONLEventSystem
	JSONLEventSummary
	JSONLEventMetadata // file-history-snapshot, queue-operation
)

// String returns a human-readable name for the event kind.
func (k JSONLEventKind) String() string {
	switch k {
	case JSONLEventUser:
		return "user"
	case JSONLEventAssistant:
		return "assistant"
	case JSONLEventSystem:
		return "system"
	case JSONLEventSummary:
		return "summary"
	case JSONLEventMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// ClassifiedEvent holds a parsed JSONL event with its classified kind.
// Only ONE of the event pointers will be non-nil based on Kind.
type ClassifiedEvent struct {
	Kind JSONLEventKind
	Raw  json.RawMessage // preserved for re-parsing if needed

	User      *UserEvent
	Assistant *AssistantEvent
	System    *SystemEvent
	Summary   *SummaryEvent
}

// ClassifyEvent parses a JSONL line and returns a classified event. It uses
// two-pass parsing: first extracting the discriminator, then parsing into
// the correct concrete type.
func ClassifyEvent(line []byte) (*ClassifiedEvent, error) {
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var discriminator struct {
		Type string `json:"type"`
		Role string `json:"role"`
	}
	if err := json.Unmarshal(line, &discriminator); err != nil {
		return nil, fmt.Errorf("parse discriminator: %w", err)
	}

	// Some producers put the role at the top level instead of a type field.
	kind := discriminator.Type
	if kind == "" {
		kind = discriminator.Role
	}

	result := &ClassifiedEvent{Raw: json.RawMessage(line)}

	switch kind {
	case EventTypeUser:
		result.Kind = JSONLEventUser
		var event UserEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse user event: %w", err)
		}
		result.User = &event

	case EventTypeAssistant:
		result.Kind = JSONLEventAssistant
		var event AssistantEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse assistant event: %w", err)
		}
		result.Assistant = &event

	case EventTypeSystem:
		result.Kind = JSONLEventSystem
		var event SystemEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse system event: %w", err)
		}
		result.System = &event

	case EventTypeSummary:
		result.Kind = JSONLEventSummary
		var event SummaryEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse summary event: %w", err)
		}
		result.Summary = &event

	case EventTypeFileHistorySnapshot, EventTypeQueueOperation:
		result.Kind = JSONLEventMetadata

	default:
		result.Kind = JSONLEventUnknown
	}

	return result, nil
}

// SessionID extracts the session ID from any classified event.
func (c *ClassifiedEvent) SessionID() string {
	switch c.Kind {
	case JSONLEventUser:
		if c.User != nil {
			return c.User.JSONLEvent.SessionID
		}
	case JSONLEventAssistant:
		if c.Assistant != nil {
			return c.Assistant.JSONLEvent.SessionID
		}
	case JSONLEventSystem:
		if c.System != nil {
			return c.System.JSONLEvent.SessionID
		}
	}
	return ""
}
