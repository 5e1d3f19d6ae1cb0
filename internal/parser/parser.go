// Package parser turns raw transcript lines into normalized messages.
// It is the single source of truth for event -> Message conversion: the
// dispatcher hands it complete lines and receives either a message, a set
// of tool-result merges, a skip, or a typed rejection.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"transcriptd/internal/types"
)

// =============================================================================
// REJECTION
// =============================================================================

// RejectReason classifies why a line was rejected.
type RejectReason string

const (
	ReasonSyntax       RejectReason = "invalid_syntax"
	ReasonMissingField RejectReason = "missing_field"
	ReasonBadRole      RejectReason = "bad_role"
	ReasonBadTimestamp RejectReason = "bad_timestamp"
)

// RejectError reports a single rejected line. Rejections are per-line and
// never abort the pipeline; the caller still advances past the line's bytes.
type RejectError struct {
	Reason RejectReason
	Field  string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("line rejected (%s: %s)", e.Reason, e.Field)
	}
	return fmt.Sprintf("line rejected (%s)", e.Reason)
}

func (e *RejectError) Unwrap() error { return e.Err }

// =============================================================================
// OUTCOME
// =============================================================================

// Outcome is the result of parsing one valid line. A line yields a message,
// tool-result merges, or nothing (a recognized non-message event).
type Outcome struct {
	// Message is non-nil when the line produced a displayable message.
	Message *types.Message

	// ToolResults carries tool_result merges for previously seen tool_use
	// IDs. They may be present with or without a Message.
	ToolResults []types.ToolResult

	// Skipped is true for valid lines that produce neither: summaries,
	// metadata events, meta-user lines, API error placeholders.
	Skipped bool
}

// =============================================================================
// PARSER
// =============================================================================

// Parser converts raw JSONL lines into Outcomes and tracks counters for
// health reporting. Safe for concurrent use.
type Parser struct {
	parsed   atomic.Uint64
	rejected atomic.Uint64
	skipped  atomic.Uint64
}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// Stats is a snapshot of parse counters.
type Stats struct {
	Parsed   uint64
	Rejected uint64
	Skipped  uint64
}

// Stats returns the current counter snapshot.
func (p *Parser) Stats() Stats {
	return Stats{
		Parsed:   p.parsed.Load(),
		Rejected: p.rejected.Load(),
		Skipped:  p.skipped.Load(),
	}
}

// Parse converts one raw line. It returns a *RejectError for invalid lines;
// any other error shape is never returned. Rejected lines still count as
// consumed bytes at the caller.
func (p *Parser) Parse(line []byte) (*Outcome, error) {
	classified, err := types.ClassifyEvent(line)
	if err != nil {
		p.rejected.Add(1)
		return nil, &RejectError{Reason: ReasonSyntax, Err: err}
	}

	var outcome *Outcome
	switch classified.Kind {
	case types.JSONLEventUser:
		outcome, err = p.parseUser(classified.User, line)
	case types.JSONLEventAssistant:
		outcome, err = p.parseAssistant(classified.Assistant, line)
	case types.JSONLEventSystem:
		outcome, err = p.parseSystem(classified.System, line)
	case types.JSONLEventSummary, types.JSONLEventMetadata:
		outcome = &Outcome{Skipped: true}
	default:
		// The discriminator names a role outside the allowed set.
		err = &RejectError{Reason: ReasonBadRole}
	}

	if err != nil {
		p.rejected.Add(1)
		return nil, err
	}
	if outcome.Skipped && outcome.Message == nil && len(outcome.ToolResults) == 0 {
		p.skipped.Add(1)
	} else {
		p.parsed.Add(1)
	}
	return outcome, nil
}

// =============================================================================
// USER EVENTS
// =============================================================================

func (p *Parser) parseUser(event *types.UserEvent, raw []byte) (*Outcome, error) {
	if err := requireCommon(&event.JSONLEvent); err != nil {
		return nil, err
	}
	if event.Message.Content == nil {
		return nil, &RejectError{Reason: ReasonMissingField, Field: "message.content"}
	}

	timestamp, err := parseTimestamp(event.JSONLEvent.Timestamp)
	if err != nil {
		return nil, err
	}

	content, blocks := extractContent(event.Message.Content)
	toolResults := collectToolResults(blocks)

	// Meta lines and transcript-only context are valid but not messages.
	// Any tool results they carry still merge.
	if event.IsMeta || event.IsVisibleInTranscriptOnly {
		return &Outcome{ToolResults: toolResults, Skipped: true}, nil
	}

	// Tool-result-only lines carry the second phase of a tool invocation
	// without being a user message themselves.
	if !hasDisplayableContent(content, blocks) {
		return &Outcome{ToolResults: toolResults, Skipped: true}, nil
	}

	msg := &types.Message{
		ID:          messageID(event.EventID(), raw),
		SessionID:   event.JSONLEvent.SessionID,
		ParentID:    event.Parent(),
		Role:        types.RoleUser,
		Content:     content,
		Blocks:      blocks,
		Timestamp:   timestamp,
		ToolResults: toolResults,
		Metadata:    commonMetadata(&event.JSONLEvent),
	}
	return &Outcome{Message: msg, ToolResults: toolResults}, nil
}

// =============================================================================
// ASSISTANT EVENTS
// =============================================================================

func (p *Parser) parseAssistant(event *types.AssistantEvent, raw []byte) (*Outcome, error) {
	if err := requireCommon(&event.JSONLEvent); err != nil {
		return nil, err
	}

	timestamp, err := parseTimestamp(event.JSONLEvent.Timestamp)
	if err != nil {
		return nil, err
	}

	// API error placeholders are valid lines that never become messages.
	if event.IsAPIErrorMessage {
		return &Outcome{Skipped: true}, nil
	}
	if event.Message.Content == nil {
		return nil, &RejectError{Reason: ReasonMissingField, Field: "message.content"}
	}

	var textParts []string
	blocks := make([]types.ContentBlock, 0, len(event.Message.Content))
	var toolUses []types.ToolUsage

	msgID := messageID(event.EventID(), raw)
	for _, block := range event.Message.Content {
		blocks = append(blocks, block)
		switch block.Type {
		case types.BlockText:
			textParts = append(textParts, block.Text)
		case types.BlockToolUse:
			toolUses = append(toolUses, types.ToolUsage{
				ID:        block.ID,
				MessageID: msgID,
				Name:      block.Name,
				Input:     marshalInput(block.Input),
				Status:    types.ToolPending,
			})
		}
	}

	metadata := commonMetadata(&event.JSONLEvent)
	if event.Message.Model != "" {
		metadata["model"] = event.Message.Model
	}

	msg := &types.Message{
		ID:         msgID,
		SessionID:  event.JSONLEvent.SessionID,
		ParentID:   event.Parent(),
		Role:       types.RoleAssistant,
		Content:    strings.Join(textParts, "\n"),
		Blocks:     blocks,
		TokenCount: event.Message.Usage.Total(),
		Timestamp:  timestamp,
		ToolUses:   toolUses,
		Metadata:   metadata,
	}
	return &Outcome{Message: msg}, nil
}

// =============================================================================
// SYSTEM EVENTS
// =============================================================================

func (p *Parser) parseSystem(event *types.SystemEvent, raw []byte) (*Outcome, error) {
	if err := requireCommon(&event.JSONLEvent); err != nil {
		return nil, err
	}

	timestamp, err := parseTimestamp(event.JSONLEvent.Timestamp)
	if err != nil {
		return nil, err
	}

	// Subtype-only system lines (turn_duration, compact_boundary) carry no
	// message content.
	if event.IsMeta || event.Content == "" {
		return &Outcome{Skipped: true}, nil
	}

	msg := &types.Message{
		ID:        messageID(event.EventID(), raw),
		SessionID: event.JSONLEvent.SessionID,
		ParentID:  event.Parent(),
		Role:      types.RoleSystem,
		Content:   event.Content,
		Timestamp: timestamp,
		Metadata:  commonMetadata(&event.JSONLEvent),
	}
	return &Outcome{Message: msg}, nil
}

// =============================================================================
// FIELD VALIDATION
// =============================================================================

func requireCommon(event *types.JSONLEvent) error {
	if event.SessionID == "" {
		return &RejectError{Reason: ReasonMissingField, Field: "sessionId"}
	}
	if event.Timestamp == nil {
		return &RejectError{Reason: ReasonMissingField, Field: "timestamp"}
	}
	return nil
}

// messageID returns the line's own UUID, or a content hash when the line
// carries none, so redelivery of the same bytes maps to the same row.
func messageID(uuid string, raw []byte) string {
	if uuid != "" {
		return uuid
	}
	sum := blake3.Sum256(raw)
	return fmt.Sprintf("sha-%x", sum[:16])
}

// parseTimestamp accepts ISO-8601 strings and epoch numbers (seconds or
// milliseconds).
func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, nil
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, nil
		}
		return time.Time{}, &RejectError{Reason: ReasonBadTimestamp, Field: "timestamp"}
	case float64:
		// Values past the year 33658 in seconds are epoch milliseconds.
		if v > 1e12 {
			return time.UnixMilli(int64(v)).UTC(), nil
		}
		return time.Unix(int64(v), 0).UTC(), nil
	default:
		return time.Time{}, &RejectError{Reason: ReasonBadTimestamp, Field: "timestamp"}
	}
}

func commonMetadata(event *types.JSONLEvent) map[string]any {
	metadata := make(map[string]any)
	if event.Cwd != "" {
		metadata["cwd"] = event.Cwd
	}
	if event.GitBranch != "" {
		metadata["gitBranch"] = event.GitBranch
	}
	if event.Version != "" {
		metadata["version"] = event.Version
	}
	return metadata
}

// =============================================================================
// CONTENT EXTRACTION
// =============================================================================

// extractContent normalizes user message content, which is either a plain
// string or an array of typed blocks. Only text blocks contribute to the
// flat content, in source order, joined by newline.
func extractContent(rawContent any) (string, []types.ContentBlock) {
	switch c := rawContent.(type) {
	case string:
		return c, []types.ContentBlock{{Type: types.BlockText, Text: c}}

	case []any:
		var textParts []string
		var blocks []types.ContentBlock
		for _, item := range c {
			blockMap, ok := item.(map[string]any)
			if !ok {
				continue
			}
			block := extractBlock(blockMap)
			if block == nil {
				continue
			}
			blocks = append(blocks, *block)
			if block.Type == types.BlockText {
				textParts = append(textParts, block.Text)
			}
		}
		return strings.Join(textParts, "\n"), blocks
	}
	return "", nil
}

// extractBlock converts one raw block map into the closed ContentBlock set.
// Unrecognized block types are dropped.
func extractBlock(blockMap map[string]any) *types.ContentBlock {
	blockType, _ := blockMap["type"].(string)

	switch types.BlockType(blockType) {
	case types.BlockText:
		text, _ := blockMap["text"].(string)
		return &types.ContentBlock{Type: types.BlockText, Text: text}

	case types.BlockToolUse:
		return &types.ContentBlock{
			Type:  types.BlockToolUse,
			ID:    getString(blockMap, "id"),
			Name:  getString(blockMap, "name"),
			Input: blockMap["input"],
		}

	case types.BlockToolResult:
		isError, _ := blockMap["is_error"].(bool)
		return &types.ContentBlock{
			Type:      types.BlockToolResult,
			ToolUseID: getString(blockMap, "tool_use_id"),
			Content:   blockMap["content"],
			IsError:   isError,
		}

	case types.BlockThinking:
		thinking, _ := blockMap["thinking"].(string)
		return &types.ContentBlock{Type: types.BlockThinking, Thinking: thinking}
	}

	return nil
}

// collectToolResults extracts tool_result merges from parsed blocks.
func collectToolResults(blocks []types.ContentBlock) []types.ToolResult {
	var results []types.ToolResult
	for _, block := range blocks {
		if block.Type != types.BlockToolResult || block.ToolUseID == "" {
			continue
		}
		results = append(results, types.ToolResult{
			ToolUseID: block.ToolUseID,
			Content:   flattenResultContent(block.Content),
			IsError:   block.IsError,
		})
	}
	return results
}

// flattenResultContent extracts text from a tool result's content, which
// is either a string or an array of text blocks.
func flattenResultContent(rawContent any) string {
	switch c := rawContent.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			itemMap, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if itemMap["type"] == "text" {
				if text, ok := itemMap["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// hasDisplayableContent reports whether the line carries actual user
// content rather than only tool results.
func hasDisplayableContent(content string, blocks []types.ContentBlock) bool {
	if content != "" {
		return true
	}
	for _, block := range blocks {
		if block.Type == types.BlockText && block.Text != "" {
			return true
		}
	}
	return false
}

func marshalInput(input any) string {
	if input == nil {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}

func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
