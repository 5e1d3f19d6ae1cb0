package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"transcriptd/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testMessage(id, convID string, tokens int) types.Message {
	return types.Message{
		ID:             id,
		ConversationID: convID,
		SessionID:      "s1",
		ProjectID:      "p1",
		Role:           types.RoleUser,
		Content:        "content of " + id,
		TokenCount:     tokens,
		Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestUpsertBatch_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	batch := []types.Message{
		testMessage("m1", "c1", 10),
		testMessage("m2", "c1", 20),
	}
	if err := st.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	// Redelivery of the same batch must not duplicate rows.
	if err := st.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("UpsertBatch redelivery: %v", err)
	}

	n, err := st.MessageCount(ctx, "c1")
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("messages = %d, want 2", n)
	}

	msg, err := st.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg == nil || msg.Content != "content of m1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestUpsertBatch_ToolLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	request := testMessage("m1", "c1", 0)
	request.ToolUses = []types.ToolUsage{{ID: "t1", Name: "Bash", Input: `{"command":"ls"}`}}
	if err := st.UpsertBatch(ctx, []types.Message{request}); err != nil {
		t.Fatalf("UpsertBatch request: %v", err)
	}

	use, err := st.GetToolUsage(ctx, "t1")
	if err != nil {
		t.Fatalf("GetToolUsage: %v", err)
	}
	if use == nil || use.Status != types.ToolPending {
		t.Fatalf("expected pending usage, got %+v", use)
	}

	// The result arrives on a later carrier line.
	carrier := types.Message{ToolResults: []types.ToolResult{{ToolUseID: "t1", Content: "files listed"}}}
	if err := st.UpsertBatch(ctx, []types.Message{carrier}); err != nil {
		t.Fatalf("UpsertBatch carrier: %v", err)
	}

	use, _ = st.GetToolUsage(ctx, "t1")
	if use.Status != types.ToolSuccess {
		t.Fatalf("status = %s, want success", use.Status)
	}
	if use.Output != "files listed" {
		t.Fatalf("output = %q", use.Output)
	}
	if use.Name != "Bash" {
		t.Fatal("request fields lost on merge")
	}

	n, _ := st.ToolUsageCount(ctx, "t1")
	if n != 1 {
		t.Fatalf("tool usage rows = %d, want exactly 1", n)
	}
}

func TestUpsertBatch_ResultBeforeRequest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// The result lands first.
	carrier := types.Message{ToolResults: []types.ToolResult{{ToolUseID: "t1", Content: "early", IsError: true}}}
	if err := st.UpsertBatch(ctx, []types.Message{carrier}); err != nil {
		t.Fatalf("UpsertBatch result: %v", err)
	}

	request := testMessage("m1", "c1", 0)
	request.ToolUses = []types.ToolUsage{{ID: "t1", Name: "Bash", Input: `{}`}}
	if err := st.UpsertBatch(ctx, []types.Message{request}); err != nil {
		t.Fatalf("UpsertBatch request: %v", err)
	}

	use, _ := st.GetToolUsage(ctx, "t1")
	if use.Name != "Bash" {
		t.Fatalf("name = %q, want Bash", use.Name)
	}
	if use.Output != "early" || use.Status != types.ToolError {
		t.Fatalf("result phase lost: %+v", use)
	}
	n, _ := st.ToolUsageCount(ctx, "t1")
	if n != 1 {
		t.Fatalf("tool usage rows = %d, want exactly 1", n)
	}
}

func TestUpsertConversation_TerminalStatusSticks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv := types.Conversation{
		ID:        "c1",
		ProjectID: "p1",
		SessionID: "s1",
		StartedAt: time.Now(),
		Status:    types.ConversationActive,
	}
	if err := st.UpsertConversation(ctx, conv); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}

	if err := st.EndConversation(ctx, "c1", types.ConversationCompleted, time.Now()); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}

	// A late active upsert must not resurrect the conversation.
	conv.MessageCount = 5
	if err := st.UpsertConversation(ctx, conv); err != nil {
		t.Fatalf("UpsertConversation again: %v", err)
	}

	got, err := st.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Status != types.ConversationCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.MessageCount != 5 {
		t.Fatalf("count update lost: %d", got.MessageCount)
	}

	// A second end on a terminal row is a no-op.
	if err := st.EndConversation(ctx, "c1", types.ConversationError, time.Now()); err != nil {
		t.Fatalf("EndConversation terminal: %v", err)
	}
	got, _ = st.GetConversation(ctx, "c1")
	if got.Status != types.ConversationCompleted {
		t.Fatalf("terminal status overwritten: %s", got.Status)
	}
}

func TestReconcileConversation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv := types.Conversation{
		ID: "c1", ProjectID: "p1", SessionID: "s1",
		StartedAt: time.Now(), Status: types.ConversationActive,
		MessageCount: 99, TokenCount: 99,
	}
	st.UpsertConversation(ctx, conv)

	msg := testMessage("m1", "c1", 40)
	msg.ToolUses = []types.ToolUsage{{ID: "t1", Name: "Read"}}
	st.UpsertBatch(ctx, []types.Message{msg, testMessage("m2", "c1", 2)})

	if err := st.ReconcileConversation(ctx, "c1"); err != nil {
		t.Fatalf("ReconcileConversation: %v", err)
	}

	got, _ := st.GetConversation(ctx, "c1")
	if got.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", got.MessageCount)
	}
	if got.TokenCount != 42 {
		t.Fatalf("token count = %d, want 42", got.TokenCount)
	}
	if got.ToolUseCount != 1 {
		t.Fatalf("tool use count = %d, want 1", got.ToolUseCount)
	}
}

func TestDeadLetters_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	batch := []types.Message{testMessage("m1", "c1", 10)}
	id, err := st.AddDeadLetter(ctx, batch, 5, "database is locked")
	if err != nil {
		t.Fatalf("AddDeadLetter: %v", err)
	}

	letters, err := st.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("letters = %d, want 1", len(letters))
	}
	dl := letters[0]
	if dl.ID != id || dl.Attempts != 5 || dl.LastError != "database is locked" {
		t.Fatalf("unexpected letter: %+v", dl)
	}
	if len(dl.Batch) != 1 || dl.Batch[0].ID != "m1" {
		t.Fatalf("payload not preserved: %+v", dl.Batch)
	}

	if err := st.RemoveDeadLetter(ctx, id); err != nil {
		t.Fatalf("RemoveDeadLetter: %v", err)
	}
	letters, _ = st.DeadLetters(ctx)
	if len(letters) != 0 {
		t.Fatal("letter not removed")
	}
}

func TestActiveConversations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.UpsertConversation(ctx, types.Conversation{
		ID: "c1", ProjectID: "p1", SessionID: "s1",
		StartedAt: time.Now(), Status: types.ConversationActive,
	})
	st.UpsertConversation(ctx, types.Conversation{
		ID: "c2", ProjectID: "p1", SessionID: "s2",
		StartedAt: time.Now(), Status: types.ConversationActive,
	})
	st.EndConversation(ctx, "c2", types.ConversationCompleted, time.Now())

	active, err := st.ActiveConversations(ctx)
	if err != nil {
		t.Fatalf("ActiveConversations: %v", err)
	}
	if len(active) != 1 || active[0].ID != "c1" {
		t.Fatalf("unexpected active set: %+v", active)
	}
}
