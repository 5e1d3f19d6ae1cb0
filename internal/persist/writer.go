// Package persist is the durable write stage. It consumes messages from a
// bounded queue in batches, upserts them idempotently, retries transient
// failures with exponential backoff, and dead-letters batches that exhaust
// their attempts. A stalled database never blocks file reading: the queue
// sheds its oldest entry when full.
package persist

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"transcriptd/internal/store"
	"transcriptd/internal/types"
)

// Sink is the durable store the writer flushes into.
type Sink interface {
	UpsertBatch(ctx context.Context, batch []types.Message) error
	ReconcileConversation(ctx context.Context, id string) error
	AddDeadLetter(ctx context.Context, batch []types.Message, attempts int, lastErr string) (string, error)
	DeadLetters(ctx context.Context) ([]store.DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, id string) error
}

// Options configures a Writer.
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	RetryBase     time.Duration
	WriteTimeout  time.Duration // per attempt, distinct from the retry policy
	Logger        *slog.Logger
}

// Writer batches and durably stores messages.
type Writer struct {
	store  Sink
	opts   Options
	logger *slog.Logger

	queue chan types.Message
	stop  chan struct{}
	done  chan struct{}

	// commitHook is called with each conversation ID present in a batch
	// after the batch commits, so in-memory aggregates can be healed from
	// the committed rows.
	commitHook func(conversationID string)

	written     atomic.Uint64
	dropped     atomic.Uint64
	retries     atomic.Uint64
	deadLetters atomic.Uint64
}

// NewWriter returns an unstarted Writer.
func NewWriter(st Sink, opts Options) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 250 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:  st,
		opts:   opts,
		logger: logger.With("component", "persist"),
		queue:  make(chan types.Message, opts.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetCommitHook registers the post-commit callback. Must be called before
// Start.
func (w *Writer) SetCommitHook(hook func(conversationID string)) {
	w.commitHook = hook
}

// Start launches the write loop.
func (w *Writer) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop flushes any buffered batch with a bounded wait and returns once the
// write loop has exited. Queued messages are drained into a final batch so
// a clean shutdown never loses an already-read line.
func (w *Writer) Stop(ctx context.Context) {
	close(w.stop)
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("persistence writer shutdown wait expired")
	}
}

// Enqueue offers a message without blocking. When the queue is full the
// oldest entry is shed and counted; the caller (file reading) never stalls
// on a slow database.
func (w *Writer) Enqueue(msg types.Message) bool {
	select {
	case w.queue <- msg:
		return true
	default:
	}

	// Full: drop the oldest entry to make room.
	select {
	case <-w.queue:
		w.dropped.Add(1)
	default:
	}

	select {
	case w.queue <- msg:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Stats is a snapshot of writer counters for health sampling.
type Stats struct {
	QueueDepth  int
	Written     uint64
	Dropped     uint64
	Retries     uint64
	DeadLetters uint64
}

// Stats returns the current counter snapshot.
func (w *Writer) Stats() Stats {
	return Stats{
		QueueDepth:  len(w.queue),
		Written:     w.written.Load(),
		Dropped:     w.dropped.Load(),
		Retries:     w.retries.Load(),
		DeadLetters: w.deadLetters.Load(),
	}
}

// =============================================================================
// WRITE LOOP
// =============================================================================

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]types.Message, 0, w.opts.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.writeBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-w.stop:
			// Drain whatever is queued, then flush once.
			for {
				select {
				case msg := <-w.queue:
					batch = append(batch, msg)
					if len(batch) >= w.opts.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}

		case msg := <-w.queue:
			batch = append(batch, msg)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// writeBatch attempts the batch with bounded retry and exponential backoff.
// Each attempt gets its own timeout. On exhaustion the batch moves to the
// dead-letter table; it is deferred, never discarded.
func (w *Writer) writeBatch(ctx context.Context, batch []types.Message) {
	var lastErr error
	for attempt := 0; attempt < w.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			w.retries.Add(1)
			backoff := w.opts.RetryBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				// Shutdown during retry: one final immediate attempt below.
			}
		}

		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.WriteTimeout)
		err := w.store.UpsertBatch(attemptCtx, batch)
		cancel()
		if err == nil {
			w.written.Add(uint64(len(batch)))
			w.reconcile(ctx, batch)
			return
		}
		lastErr = err
		w.logger.Warn("batch write failed",
			"size", len(batch),
			"attempt", attempt+1,
			"error", err,
		)

		if ctx.Err() != nil && attempt > 0 {
			break
		}
	}

	dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.WriteTimeout)
	defer cancel()
	id, err := w.store.AddDeadLetter(dlCtx, batch, w.opts.MaxAttempts, lastErr.Error())
	if err != nil {
		w.logger.Error("dead-letter write failed, batch lost",
			"size", len(batch),
			"error", err,
		)
		return
	}
	w.deadLetters.Add(1)
	w.logger.Error("batch dead-lettered",
		"id", id,
		"size", len(batch),
		"last_error", lastErr,
	)
}

// reconcile recomputes aggregates for every conversation touched by the
// committed batch and notifies the dispatcher.
func (w *Writer) reconcile(ctx context.Context, batch []types.Message) {
	seen := make(map[string]struct{})
	for _, msg := range batch {
		if msg.ConversationID == "" {
			continue
		}
		if _, ok := seen[msg.ConversationID]; ok {
			continue
		}
		seen[msg.ConversationID] = struct{}{}

		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.WriteTimeout)
		err := w.store.ReconcileConversation(recCtx, msg.ConversationID)
		cancel()
		if err != nil {
			w.logger.Warn("aggregate reconciliation failed",
				"conversation", msg.ConversationID,
				"error", err,
			)
			continue
		}
		if w.commitHook != nil {
			w.commitHook(msg.ConversationID)
		}
	}
}

// =============================================================================
// DEAD-LETTER REPLAY
// =============================================================================

// ReplayDeadLetters re-attempts every dead-lettered batch once. Batches
// that succeed are removed; failures stay for the next replay.
func (w *Writer) ReplayDeadLetters(ctx context.Context) (replayed int, err error) {
	letters, err := w.store.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}

	for _, letter := range letters {
		attemptCtx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
		writeErr := w.store.UpsertBatch(attemptCtx, letter.Batch)
		cancel()
		if writeErr != nil {
			w.logger.Warn("dead-letter replay failed", "id", letter.ID, "error", writeErr)
			continue
		}
		if err := w.store.RemoveDeadLetter(ctx, letter.ID); err != nil {
			w.logger.Warn("dead-letter cleanup failed", "id", letter.ID, "error", err)
		}
		w.reconcile(ctx, letter.Batch)
		replayed++
	}
	return replayed, nil
}
