// Package store is the durable SQLite layer: message and conversation rows,
// two-phase tool usage records, and the dead-letter table for batches that
// exhausted their retries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"transcriptd/internal/types"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS conversations (
    id             TEXT PRIMARY KEY,
    project_id     TEXT NOT NULL,
    session_id     TEXT NOT NULL,
    started_at     INTEGER NOT NULL,
    ended_at       INTEGER NOT NULL DEFAULT 0,
    message_count  INTEGER NOT NULL DEFAULT 0,
    tool_use_count INTEGER NOT NULL DEFAULT 0,
    token_count    INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'active'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conv_session ON conversations(project_id, session_id);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    session_id      TEXT NOT NULL,
    project_id      TEXT NOT NULL,
    parent_id       TEXT NOT NULL DEFAULT '',
    depth           INTEGER NOT NULL DEFAULT 0,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    token_count     INTEGER NOT NULL DEFAULT 0,
    ts              INTEGER NOT NULL,
    metadata        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_msg_conv ON messages(conversation_id, ts);

CREATE TABLE IF NOT EXISTS tool_usages (
    id              TEXT PRIMARY KEY,
    message_id      TEXT NOT NULL DEFAULT '',
    conversation_id TEXT NOT NULL DEFAULT '',
    name            TEXT NOT NULL DEFAULT '',
    input           TEXT NOT NULL DEFAULT '',
    output          TEXT,
    status          TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_tool_conv ON tool_usages(conversation_id);

CREATE TABLE IF NOT EXISTS dead_letters (
    id         TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    attempts   INTEGER NOT NULL,
    last_error TEXT NOT NULL,
    payload    TEXT NOT NULL
);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath and initializes the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle so the position store can share the database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// =============================================================================
// MESSAGE BATCH UPSERT
// =============================================================================

// UpsertBatch writes a batch of messages and their tool usage records in
// one transaction. Upserts key on message ID, so redelivery after a crash
// or a retried batch never duplicates rows. Tool results merge into the
// pending record for the same invocation ID rather than appending.
func (s *Store) UpsertBatch(ctx context.Context, batch []types.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	msgStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, session_id, project_id, parent_id, depth, role, content, token_count, ts, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer msgStmt.Close()

	useStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tool_usages (id, message_id, conversation_id, name, input, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message_id = excluded.message_id,
			conversation_id = excluded.conversation_id,
			name = excluded.name,
			input = excluded.input
	`)
	if err != nil {
		return err
	}
	defer useStmt.Close()

	resultStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tool_usages (id, output, status)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			output = excluded.output,
			status = excluded.status
	`)
	if err != nil {
		return err
	}
	defer resultStmt.Close()

	for _, msg := range batch {
		// Carrier items hold tool results from lines that produced no
		// message of their own; there is no row to insert for them.
		if msg.ID == "" {
			for _, result := range msg.ToolResults {
				status := types.ToolSuccess
				if result.IsError {
					status = types.ToolError
				}
				if _, err := resultStmt.ExecContext(ctx,
					result.ToolUseID, result.Content, status,
				); err != nil {
					return fmt.Errorf("merge tool result %s: %w", result.ToolUseID, err)
				}
			}
			continue
		}

		metadata := ""
		if len(msg.Metadata) > 0 {
			if data, err := json.Marshal(msg.Metadata); err == nil {
				metadata = string(data)
			}
		}
		if _, err := msgStmt.ExecContext(ctx,
			msg.ID, msg.ConversationID, msg.SessionID, msg.ProjectID, msg.ParentID,
			msg.Depth, msg.Role, msg.Content, msg.TokenCount,
			msg.Timestamp.UnixNano(), metadata,
		); err != nil {
			return fmt.Errorf("upsert message %s: %w", msg.ID, err)
		}

		for _, use := range msg.ToolUses {
			if _, err := useStmt.ExecContext(ctx,
				use.ID, msg.ID, msg.ConversationID, use.Name, use.Input, types.ToolPending,
			); err != nil {
				return fmt.Errorf("upsert tool usage %s: %w", use.ID, err)
			}
		}

		for _, result := range msg.ToolResults {
			status := types.ToolSuccess
			if result.IsError {
				status = types.ToolError
			}
			if _, err := resultStmt.ExecContext(ctx,
				result.ToolUseID, result.Content, status,
			); err != nil {
				return fmt.Errorf("merge tool result %s: %w", result.ToolUseID, err)
			}
		}
	}

	return tx.Commit()
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// UpsertConversation creates or refreshes a conversation row. Terminal
// status is never overwritten by an active update.
func (s *Store) UpsertConversation(ctx context.Context, conv types.Conversation) error {
	var endedAt int64
	if !conv.EndedAt.IsZero() {
		endedAt = conv.EndedAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, project_id, session_id, started_at, ended_at, message_count, tool_use_count, token_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message_count = excluded.message_count,
			tool_use_count = excluded.tool_use_count,
			token_count = excluded.token_count,
			ended_at = CASE WHEN conversations.status = 'active' THEN excluded.ended_at ELSE conversations.ended_at END,
			status = CASE WHEN conversations.status = 'active' THEN excluded.status ELSE conversations.status END
	`, conv.ID, conv.ProjectID, conv.SessionID, conv.StartedAt.UnixNano(), endedAt,
		conv.MessageCount, conv.ToolUseCount, conv.TokenCount, conv.Status)
	return err
}

// EndConversation marks an active conversation completed or errored.
// Terminal rows are left untouched.
func (s *Store) EndConversation(ctx context.Context, id string, status types.ConversationStatus, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, ended_at = ?
		WHERE id = ? AND status = 'active'
	`, status, endedAt.UnixNano(), id)
	return err
}

// ReconcileConversation recomputes a conversation's aggregates from its
// committed message rows. Counts are healed, not merely incremented, so a
// crash or retried batch cannot leave them divergent.
func (s *Store) ReconcileConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = ?),
			token_count = (SELECT COALESCE(SUM(token_count), 0) FROM messages WHERE conversation_id = ?),
			tool_use_count = (SELECT COUNT(*) FROM tool_usages WHERE conversation_id = ?)
		WHERE id = ?
	`, id, id, id, id)
	return err
}

// GetConversation returns a conversation row, or nil if absent.
func (s *Store) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var conv types.Conversation
	var startedAt, endedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, session_id, started_at, ended_at, message_count, tool_use_count, token_count, status
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.ProjectID, &conv.SessionID, &startedAt, &endedAt,
		&conv.MessageCount, &conv.ToolUseCount, &conv.TokenCount, &conv.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.StartedAt = time.Unix(0, startedAt)
	if endedAt != 0 {
		conv.EndedAt = time.Unix(0, endedAt)
	}
	return &conv, nil
}

// ActiveConversations returns the IDs of conversations still marked active,
// for startup sweep reconciliation.
func (s *Store) ActiveConversations(ctx context.Context) ([]types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, started_at, message_count, tool_use_count, token_count, status
		FROM conversations WHERE status = 'active'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []types.Conversation
	for rows.Next() {
		var conv types.Conversation
		var startedAt int64
		if err := rows.Scan(&conv.ID, &conv.ProjectID, &conv.SessionID, &startedAt,
			&conv.MessageCount, &conv.ToolUseCount, &conv.TokenCount, &conv.Status); err != nil {
			return nil, err
		}
		conv.StartedAt = time.Unix(0, startedAt)
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// =============================================================================
// QUERIES
// =============================================================================

// GetMessage returns a message row by ID, or nil if absent.
func (s *Store) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	var msg types.Message
	var ts int64
	var metadata string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, session_id, project_id, parent_id, depth, role, content, token_count, ts, metadata
		FROM messages WHERE id = ?
	`, id).Scan(&msg.ID, &msg.ConversationID, &msg.SessionID, &msg.ProjectID, &msg.ParentID,
		&msg.Depth, &msg.Role, &msg.Content, &msg.TokenCount, &ts, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg.Timestamp = time.Unix(0, ts)
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &msg.Metadata)
	}
	return &msg, nil
}

// MessageCount returns the committed row count for a conversation.
func (s *Store) MessageCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID,
	).Scan(&n)
	return n, err
}

// GetToolUsage returns a tool usage record by invocation ID, or nil.
func (s *Store) GetToolUsage(ctx context.Context, id string) (*types.ToolUsage, error) {
	var use types.ToolUsage
	var output sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, name, input, output, status FROM tool_usages WHERE id = ?
	`, id).Scan(&use.ID, &use.MessageID, &use.Name, &use.Input, &output, &use.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	use.Output = output.String
	return &use, nil
}

// ToolUsageCount returns the number of tool usage rows for an invocation
// ID. Exists for tests asserting the merge-not-append invariant.
func (s *Store) ToolUsageCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tool_usages WHERE id = ?", id,
	).Scan(&n)
	return n, err
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

// DeadLetter is a batch that exhausted its write retries, held for replay.
type DeadLetter struct {
	ID        string
	CreatedAt time.Time
	Attempts  int
	LastError string
	Batch     []types.Message
}

// AddDeadLetter records a failed batch. Data is deferred here, never
// silently dropped.
func (s *Store) AddDeadLetter(ctx context.Context, batch []types.Message, attempts int, lastErr string) (string, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("encode dead letter: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, created_at, attempts, last_error, payload)
		VALUES (?, ?, ?, ?, ?)
	`, id, time.Now().UnixNano(), attempts, lastErr, string(payload))
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeadLetters returns all held batches, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, attempts, last_error, payload
		FROM dead_letters ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var createdAt int64
		var payload string
		if err := rows.Scan(&dl.ID, &createdAt, &dl.Attempts, &dl.LastError, &payload); err != nil {
			return nil, err
		}
		dl.CreatedAt = time.Unix(0, createdAt)
		if err := json.Unmarshal([]byte(payload), &dl.Batch); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", dl.ID, err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// RemoveDeadLetter deletes a replayed batch.
func (s *Store) RemoveDeadLetter(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id)
	return err
}
