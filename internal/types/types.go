// Package types provides shared type definitions for transcriptd.
// These types are used across the watcher, parser, ingest, persistence,
// and broker packages.
package types

import (
	"time"
)

// =============================================================================
// ROLES AND STATUSES
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidRole reports whether r is one of the allowed message roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ConversationStatus tracks the lifecycle of a conversation.
// active -> completed and active -> error are the only transitions;
// completed and error are terminal.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationError     ConversationStatus = "error"
)

// Terminal reports whether the status permits no further transitions.
func (s ConversationStatus) Terminal() bool {
	return s == ConversationCompleted || s == ConversationError
}

// FileStatus tracks the lifecycle of a watched transcript file.
type FileStatus string

const (
	FileActive  FileStatus = "active"
	FileError   FileStatus = "error"
	FileRemoved FileStatus = "removed"
)

// ToolStatus tracks a tool invocation through its two-phase lifecycle.
type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
	ToolTimeout ToolStatus = "timeout"
)

// =============================================================================
// DOMAIN MODEL
// =============================================================================

// WatchedFile is the durable per-file read position. Offset only moves
// forward by the byte length of complete lines handed to the parser; a
// truncated or replaced file resets it to zero.
type WatchedFile struct {
	Path     string     `json:"path"`
	Offset   int64      `json:"offset"`
	Checksum string     `json:"checksum"`
	ModTime  time.Time  `json:"modTime"`
	Status   FileStatus `json:"status"`
}

// Conversation aggregates the messages of one session within one project.
// The ID is derived deterministically from the project path and session ID
// so restarts and re-reads resolve to the same row.
type Conversation struct {
	ID           string             `json:"id"`
	ProjectID    string             `json:"projectId"`
	SessionID    string             `json:"sessionId"`
	StartedAt    time.Time          `json:"startedAt"`
	EndedAt      time.Time          `json:"endedAt,omitzero"`
	MessageCount int                `json:"messageCount"`
	ToolUseCount int                `json:"toolUseCount"`
	TokenCount   int                `json:"tokenCount"`
	Status       ConversationStatus `json:"status"`
}

// Message is one normalized transcript line. Immutable once created;
// idempotent upserts key on ID so redelivery never duplicates rows.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SessionID      string         `json:"sessionId"`
	ProjectID      string         `json:"projectId"`
	ParentID       string         `json:"parentId,omitempty"`
	Depth          int            `json:"depth"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Blocks         []ContentBlock `json:"blocks,omitempty"`
	TokenCount     int            `json:"tokenCount"`
	Timestamp      time.Time      `json:"timestamp"`
	ToolUses       []ToolUsage    `json:"toolUses,omitempty"`
	ToolResults    []ToolResult   `json:"toolResults,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ToolUsage is a paired invocation/result record. A tool_use block creates
// it in pending; a later tool_result block for the same invocation ID merges
// into it rather than appending a second record.
type ToolUsage struct {
	ID        string     `json:"id"`
	MessageID string     `json:"messageId"`
	Name      string     `json:"name"`
	Input     string     `json:"input,omitempty"`
	Output    string     `json:"output,omitempty"`
	Status    ToolStatus `json:"status"`
}

// ToolResult carries the second phase of a tool invocation: the output for
// a previously seen tool_use ID. It is merged into the pending ToolUsage and
// never stored as its own record.
type ToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError"`
}

// =============================================================================
// CONTENT BLOCKS
// =============================================================================

// BlockType discriminates the closed set of content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// ContentBlock is a single typed block within a message. Only one variant's
// fields are populated based on Type. Field names align with the transcript
// schema for direct parsing.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text block fields
	Text string `json:"text,omitempty"`

	// Tool use block fields (type: "tool_use")
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// Tool result block fields (type: "tool_result")
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error"` // must not use omitempty

	// Thinking block fields (type: "thinking")
	Thinking string `json:"thinking,omitempty"`
}

// =============================================================================
// BROADCAST EVENTS
// =============================================================================

// EventType names the broadcast event kinds delivered to subscribers.
type EventType string

const (
	EventMessageAdded        EventType = "message_added"
	EventConversationStarted EventType = "conversation_started"
	EventConversationEnded   EventType = "conversation_ended"
)

// BroadcastEvent is an ephemeral projection of a message or conversation
// change. It is never persisted by the pipeline.
type BroadcastEvent struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"projectId"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter selects which broadcast events a subscriber receives. An event
// matches only if every populated dimension matches; an empty dimension
// matches everything.
type Filter struct {
	ProjectIDs []string    `json:"projectIds,omitempty"`
	SessionIDs []string    `json:"sessionIds,omitempty"`
	EventTypes []EventType `json:"eventTypes,omitempty"`
}

// Matches reports whether the event passes every populated filter dimension.
func (f Filter) Matches(ev BroadcastEvent) bool {
	if len(f.ProjectIDs) > 0 && !containsString(f.ProjectIDs, ev.ProjectID) {
		return false
	}
	if len(f.SessionIDs) > 0 && !containsString(f.SessionIDs, ev.SessionID) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
