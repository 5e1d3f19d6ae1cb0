package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"transcriptd/internal/store"
	"transcriptd/internal/types"
)

// conversationNamespace seeds the deterministic conversation IDs so the
// same project and session always resolve to the same conversation row,
// across restarts and re-reads.
var conversationNamespace = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

// ConversationID derives the stable ID for a project/session pair.
func ConversationID(projectID, sessionID string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(projectID+"/"+sessionID)).String()
}

// convState is the in-memory view of one active conversation.
type convState struct {
	conv         types.Conversation
	path         string
	lastActivity time.Time

	// depths maps message ID to thread depth so children can be placed
	// one level below their parent. Unknown parents resolve to depth 0.
	depths map[string]int
}

// Tracker maintains conversation lifecycle: it opens conversations on
// first sight of a session, assigns thread depth, accumulates counters,
// and closes conversations on inactivity or file loss.
type Tracker struct {
	store     *store.Store
	broadcast func(types.BroadcastEvent)
	logger    *slog.Logger

	mu    sync.Mutex
	convs map[string]*convState
}

// NewTracker returns an empty Tracker. broadcast may be nil.
func NewTracker(st *store.Store, broadcast func(types.BroadcastEvent), logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcast == nil {
		broadcast = func(types.BroadcastEvent) {}
	}
	return &Tracker{
		store:     st,
		broadcast: broadcast,
		logger:    logger.With("component", "tracker"),
		convs:     make(map[string]*convState),
	}
}

// Resume reloads conversations a previous process left active so the
// inactivity sweep can finish them even if their files never change
// again. The idle clock restarts at resume time.
func (t *Tracker) Resume(ctx context.Context) error {
	convs, err := t.store.ActiveConversations(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	t.mu.Lock()
	for _, conv := range convs {
		if _, ok := t.convs[conv.ID]; ok {
			continue
		}
		t.convs[conv.ID] = &convState{
			conv:         conv,
			lastActivity: now,
			depths:       make(map[string]int),
		}
	}
	t.mu.Unlock()

	if len(convs) > 0 {
		t.logger.Info("resumed active conversations", "count", len(convs))
	}
	return nil
}

// Observe folds one parsed message into its conversation, creating the
// conversation on first sight. It fills the message's ConversationID and
// Depth and returns whether this message opened the conversation.
func (t *Tracker) Observe(ctx context.Context, msg *types.Message, path string) (started bool) {
	id := ConversationID(msg.ProjectID, msg.SessionID)
	msg.ConversationID = id

	t.mu.Lock()
	state, ok := t.convs[id]
	if !ok {
		state = &convState{
			conv: types.Conversation{
				ID:        id,
				ProjectID: msg.ProjectID,
				SessionID: msg.SessionID,
				StartedAt: msg.Timestamp,
				Status:    types.ConversationActive,
			},
			path:   path,
			depths: make(map[string]int),
		}
		t.convs[id] = state
		started = true
	}

	if msg.ParentID != "" {
		if parentDepth, ok := state.depths[msg.ParentID]; ok {
			msg.Depth = parentDepth + 1
		}
	}
	state.depths[msg.ID] = msg.Depth

	state.lastActivity = time.Now()
	state.path = path
	state.conv.MessageCount++
	state.conv.ToolUseCount += len(msg.ToolUses)
	state.conv.TokenCount += msg.TokenCount
	conv := state.conv
	t.mu.Unlock()

	if started {
		// The conversation row exists before any message references it.
		// A prior terminal row for the same session is left untouched.
		if err := t.store.UpsertConversation(ctx, conv); err != nil {
			t.logger.Warn("conversation upsert failed", "conversation", id, "error", err)
		}
		t.broadcast(types.BroadcastEvent{
			Type:      types.EventConversationStarted,
			ProjectID: conv.ProjectID,
			SessionID: conv.SessionID,
			Payload:   conv,
			Timestamp: time.Now(),
		})
	}
	return started
}

// Healed is the persistence commit hook. Committed aggregates are
// authoritative, so the in-memory counters resync to them.
func (t *Tracker) Healed(conversationID string) {
	conv, err := t.store.GetConversation(context.Background(), conversationID)
	if err != nil || conv == nil {
		return
	}

	t.mu.Lock()
	if state, ok := t.convs[conversationID]; ok {
		state.conv.MessageCount = conv.MessageCount
		state.conv.ToolUseCount = conv.ToolUseCount
		state.conv.TokenCount = conv.TokenCount
	}
	t.mu.Unlock()
}

// Sweep completes every conversation idle past the timeout.
func (t *Tracker) Sweep(ctx context.Context, timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)

	t.mu.Lock()
	var expired []*convState
	for id, state := range t.convs {
		if state.lastActivity.Before(cutoff) {
			expired = append(expired, state)
			delete(t.convs, id)
		}
	}
	t.mu.Unlock()

	for _, state := range expired {
		t.end(ctx, state, types.ConversationCompleted)
	}
}

// FileRemoved ends, with error status, every active conversation fed by
// the given path.
func (t *Tracker) FileRemoved(ctx context.Context, path string) {
	t.mu.Lock()
	var orphaned []*convState
	for id, state := range t.convs {
		if state.path == path {
			orphaned = append(orphaned, state)
			delete(t.convs, id)
		}
	}
	t.mu.Unlock()

	for _, state := range orphaned {
		t.logger.Warn("transcript removed mid-conversation",
			"conversation", state.conv.ID,
			"path", path,
		)
		t.end(ctx, state, types.ConversationError)
	}
}

// ActiveCount returns the number of conversations currently open.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.convs)
}

func (t *Tracker) end(ctx context.Context, state *convState, status types.ConversationStatus) {
	endedAt := time.Now()
	if err := t.store.EndConversation(ctx, state.conv.ID, status, endedAt); err != nil {
		t.logger.Warn("conversation close failed",
			"conversation", state.conv.ID,
			"status", status,
			"error", err,
		)
	}

	conv := state.conv
	conv.Status = status
	conv.EndedAt = endedAt
	t.broadcast(types.BroadcastEvent{
		Type:      types.EventConversationEnded,
		ProjectID: conv.ProjectID,
		SessionID: conv.SessionID,
		Payload:   conv,
		Timestamp: endedAt,
	})
}
