package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"transcriptd/internal/types"
)

func mustParse(t *testing.T, p *Parser, line string) *Outcome {
	t.Helper()
	outcome, err := p.Parse([]byte(line))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	return outcome
}

func TestParse_UserMessage(t *testing.T) {
	p := New()
	outcome := mustParse(t, p, `{"type":"user","uuid":"u1","parentUuid":"p1","sessionId":"s1","cwd":"/tmp/proj","gitBranch":"main","timestamp":"2026-01-02T03:04:05Z","message":{"role":"user","content":"hello there"}}`)

	msg := outcome.Message
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.ID != "u1" {
		t.Fatalf("unexpected id: %s", msg.ID)
	}
	if msg.SessionID != "s1" {
		t.Fatalf("unexpected session: %s", msg.SessionID)
	}
	if msg.ParentID != "p1" {
		t.Fatalf("unexpected parent: %s", msg.ParentID)
	}
	if msg.Role != types.RoleUser {
		t.Fatalf("unexpected role: %s", msg.Role)
	}
	if msg.Content != "hello there" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
	if got := msg.Timestamp.Format(time.RFC3339); got != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected timestamp: %s", got)
	}
	if msg.Metadata["cwd"] != "/tmp/proj" || msg.Metadata["gitBranch"] != "main" {
		t.Fatalf("unexpected metadata: %v", msg.Metadata)
	}
}

func TestParse_TopLevelRoleAndIDAliases(t *testing.T) {
	p := New()
	outcome := mustParse(t, p, `{"role":"user","id":"m1","sessionId":"s1","timestamp":"2026-01-02T03:04:05Z","message":{"role":"user","content":"aliased"}}`)

	if outcome.Message == nil {
		t.Fatal("expected a message")
	}
	if outcome.Message.ID != "m1" {
		t.Fatalf("unexpected id: %s", outcome.Message.ID)
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		reason RejectReason
		field  string
	}{
		{
			name:   "invalid json",
			line:   `{"type":"user","sessionId"`,
			reason: ReasonSyntax,
		},
		{
			name:   "missing session id",
			line:   `{"type":"user","uuid":"u1","timestamp":"2026-01-02T03:04:05Z","message":{"role":"user","content":"x"}}`,
			reason: ReasonMissingField,
			field:  "sessionId",
		},
		{
			name:   "missing timestamp",
			line:   `{"type":"user","uuid":"u1","sessionId":"s1","message":{"role":"user","content":"x"}}`,
			reason: ReasonMissingField,
			field:  "timestamp",
		},
		{
			name:   "missing content",
			line:   `{"type":"user","uuid":"u1","sessionId":"s1","timestamp":"2026-01-02T03:04:05Z","message":{"role":"user"}}`,
			reason: ReasonMissingField,
			field:  "message.content",
		},
		{
			name:   "unparseable timestamp",
			line:   `{"type":"user","uuid":"u1","sessionId":"s1","timestamp":"yesterday","message":{"role":"user","content":"x"}}`,
			reason: ReasonBadTimestamp,
		},
		{
			name:   "unknown role",
			line:   `{"type":"oracle","uuid":"u1","sessionId":"s1","timestamp":"2026-01-02T03:04:05Z"}`,
			reason: ReasonBadRole,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			_, err := p.Parse([]byte(tt.line))
			if err == nil {
				t.Fatal("expected rejection")
			}
			var reject *RejectError
			if !errors.As(err, &reject) {
				t.Fatalf("expected RejectError, got %T", err)
			}
			if reject.Reason != tt.reason {
				t.Fatalf("reason = %s, want %s", reject.Reason, tt.reason)
			}
			if tt.field != "" && reject.Field != tt.field {
				t.Fatalf("field = %s, want %s", reject.Field, tt.field)
			}
			if p.Stats().Rejected != 1 {
				t.Fatalf("rejected counter = %d", p.Stats().Rejected)
			}
		})
	}
}

func TestParse_SkippedLines(t *testing.T) {
	lines := []string{
		`{"type":"summary","summary":"compacted context","leafUuid":"l1"}`,
		`{"type":"file-history-snapshot","messageId":"m1","snapshot":{}}`,
		`{"type":"queue-operation","operation":"enqueue"}`,
		`{"type":"user","uuid":"u1","sessionId":"s1","timestamp":"2026-01-02T03:04:05Z","isMeta":true,"message":{"role":"user","content":"<local-command>"}}`,
		`{"type":"assistant","uuid":"a1","sessionId":"s1","timestamp":"2026-01-02T03:04:05Z","isApiErrorMessage":true,"message":{"role":"assistant","content":[]}}`,
		`{"type":"system","uuid":"sys1","sessionId":"s1","timestamp":"2026-01-02T03:04:05Z","subtype":"turn_duration","durationMs":1200}`,
	}

	p := New()
	for _, line := range lines {
		outcome := mustParse(t, p, line)
		if !outcome.Skipped {
			t.Fatalf("line not skipped: %s", line)
		}
		if outcome.Message != nil {
			t.Fatalf("skipped line produced a message: %s", line)
		}
	}
	if got := p.Stats().Skipped; got != uint64(len(lines)) {
		t.Fatalf("skipped counter = %d, want %d", got, len(lines))
	}
}

func TestParse_ToolResultOnlyLine(t *testing.T) {
	p := New()
	outcome := mustParse(t, p, `{"type":"user","uuid":"u2","sessionId":"s1","timestamp":"2026-01-02T03:04:06Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok","is_error":false}]}}`)

	if !outcome.Skipped {
		t.Fatal("tool-result-only line should not become a message")
	}
	if outcome.Message != nil {
		t.Fatal("unexpected message")
	}
	if len(outcome.ToolResults) != 1 {
		t.Fatalf("tool results = %d, want 1", len(outcome.ToolResults))
	}
	res := outcome.ToolResults[0]
	if res.ToolUseID != "t1" || res.Content != "ok" || res.IsError {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Carries data, so it counts as parsed rather than skipped.
	if p.Stats().Parsed != 1 {
		t.Fatalf("parsed counter = %d", p.Stats().Parsed)
	}
}

func TestParse_ToolResultErrorWithBlockContent(t *testing.T) {
	p := New()
	outcome := mustParse(t, p, `{"type":"user","uuid":"u3","sessionId":"s1","timestamp":"2026-01-02T03:04:06Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t2","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}],"is_error":true}]}}`)

	if len(outcome.ToolResults) != 1 {
		t.Fatalf("tool results = %d, want 1", len(outcome.ToolResults))
	}
	res := outcome.ToolResults[0]
	if res.Content != "line one\nline two" {
		t.Fatalf("unexpected flattened content: %q", res.Content)
	}
	if !res.IsError {
		t.Fatal("is_error not carried")
	}
}

func TestParse_AssistantWithToolUse(t *testing.T) {
	p := New()
	outcome := mustParse(t, p, `{"type":"assistant","uuid":"a1","sessionId":"s1","timestamp":"2026-01-02T03:04:07Z","message":{"model":"opus","role":"assistant","content":[{"type":"text","text":"running it"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}},{"type":"thinking","thinking":"hm"}],"usage":{"input_tokens":120,"output_tokens":30,"cache_read_input_tokens":999}}}`)

	msg := outcome.Message
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Role != types.RoleAssistant {
		t.Fatalf("unexpected role: %s", msg.Role)
	}
	if msg.Content != "running it" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
	if msg.TokenCount != 150 {
		t.Fatalf("token count = %d, want 150", msg.TokenCount)
	}
	if len(msg.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(msg.Blocks))
	}
	if msg.Metadata["model"] != "opus" {
		t.Fatalf("model not in metadata: %v", msg.Metadata)
	}

	if len(msg.ToolUses) != 1 {
		t.Fatalf("tool uses = %d, want 1", len(msg.ToolUses))
	}
	use := msg.ToolUses[0]
	if use.ID != "t1" || use.Name != "Bash" || use.MessageID != "a1" {
		t.Fatalf("unexpected tool use: %+v", use)
	}
	if use.Status != types.ToolPending {
		t.Fatalf("status = %s, want pending", use.Status)
	}
	if use.Input != `{"command":"ls"}` {
		t.Fatalf("unexpected input: %s", use.Input)
	}
}

func TestParse_SystemMessage(t *testing.T) {
	p := New()
	outcome := mustParse(t, p, `{"type":"system","uuid":"sys2","sessionId":"s1","timestamp":"2026-01-02T03:04:08Z","content":"Stop hook executed"}`)

	msg := outcome.Message
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Role != types.RoleSystem {
		t.Fatalf("unexpected role: %s", msg.Role)
	}
	if msg.Content != "Stop hook executed" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
}

func TestParse_ContentHashFallbackID(t *testing.T) {
	p := New()
	line := `{"type":"user","sessionId":"s1","timestamp":"2026-01-02T03:04:05Z","message":{"role":"user","content":"no uuid"}}`

	first := mustParse(t, p, line)
	second := mustParse(t, p, line)
	if !strings.HasPrefix(first.Message.ID, "sha-") {
		t.Fatalf("expected content-hash id, got %s", first.Message.ID)
	}
	if first.Message.ID != second.Message.ID {
		t.Fatal("same bytes must map to the same id")
	}

	other := mustParse(t, p, `{"type":"user","sessionId":"s1","timestamp":"2026-01-02T03:04:05Z","message":{"role":"user","content":"different"}}`)
	if other.Message.ID == first.Message.ID {
		t.Fatal("different bytes must map to different ids")
	}
}

func TestParse_EpochTimestamps(t *testing.T) {
	p := New()

	secs := mustParse(t, p, `{"type":"user","uuid":"u1","sessionId":"s1","timestamp":1767323045,"message":{"role":"user","content":"x"}}`)
	if got := secs.Message.Timestamp.Unix(); got != 1767323045 {
		t.Fatalf("seconds timestamp = %d", got)
	}

	millis := mustParse(t, p, `{"type":"user","uuid":"u2","sessionId":"s1","timestamp":1767323045123,"message":{"role":"user","content":"x"}}`)
	if got := millis.Message.Timestamp.UnixMilli(); got != 1767323045123 {
		t.Fatalf("millis timestamp = %d", got)
	}
}

func TestParse_UnknownBlockTypesDropped(t *testing.T) {
	p := New()
	outcome := mustParse(t, p, `{"type":"user","uuid":"u1","sessionId":"s1","timestamp":"2026-01-02T03:04:05Z","message":{"role":"user","content":[{"type":"image","source":{}},{"type":"text","text":"kept"}]}}`)

	if len(outcome.Message.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(outcome.Message.Blocks))
	}
	if outcome.Message.Content != "kept" {
		t.Fatalf("unexpected content: %q", outcome.Message.Content)
	}
}
