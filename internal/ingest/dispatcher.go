// Package ingest connects watching to persistence: it routes file change
// notifications to a worker pool, reads newly appended lines, parses them,
// tracks conversation lifecycle, and hands normalized messages to the
// durable writer and the broadcaster.
//
// Routing is sharded by path hash so all work for one file lands on one
// worker. That preserves per-file ordering while distinct files proceed in
// parallel.
package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"transcriptd/internal/parser"
	"transcriptd/internal/persist"
	"transcriptd/internal/position"
	"transcriptd/internal/reader"
	"transcriptd/internal/types"
	"transcriptd/internal/watcher"
)

// Options configures a Dispatcher.
type Options struct {
	Workers           int
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	Logger            *slog.Logger
}

// Dispatcher is the pipeline coordinator between the watcher and the
// durable writer.
type Dispatcher struct {
	opts      Options
	positions *position.Store
	reader    *reader.Reader
	parser    *parser.Parser
	writer    *persist.Writer
	tracker   *Tracker
	broadcast func(types.BroadcastEvent)
	logger    *slog.Logger

	shards []chan string
	wg     sync.WaitGroup

	// pending holds paths parked after their shard was full. The retry
	// tick requeues them so a dropped notification cannot strand a file
	// tail until its next write.
	pendingMu sync.Mutex
	pending   map[string]struct{}

	// latencyHook receives the change-to-enqueue latency of each
	// processing pass, for health sampling. May be nil.
	latencyHook func(time.Duration)

	filesProcessed atomic.Uint64
	linesIngested  atomic.Uint64
	linesDropped   atomic.Uint64
}

// NewDispatcher returns an unstarted Dispatcher.
func NewDispatcher(
	opts Options,
	positions *position.Store,
	rd *reader.Reader,
	ps *parser.Parser,
	writer *persist.Writer,
	tracker *Tracker,
	broadcast func(types.BroadcastEvent),
) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if broadcast == nil {
		broadcast = func(types.BroadcastEvent) {}
	}

	shards := make([]chan string, opts.Workers)
	for i := range shards {
		shards[i] = make(chan string, 256)
	}

	return &Dispatcher{
		opts:      opts,
		positions: positions,
		reader:    rd,
		parser:    ps,
		writer:    writer,
		tracker:   tracker,
		broadcast: broadcast,
		logger:    logger.With("component", "ingest"),
		shards:    shards,
		pending:   make(map[string]struct{}),
	}
}

// routeRetryInterval is how often parked paths are requeued.
const routeRetryInterval = time.Second

// SetLatencyHook registers the per-pass latency callback. Must be called
// before Run.
func (d *Dispatcher) SetLatencyHook(hook func(time.Duration)) {
	d.latencyHook = hook
}

// Run consumes watcher events until the channel closes or the context is
// cancelled, then waits for the workers to drain. Change notifications for
// the same path always reach the same worker.
func (d *Dispatcher) Run(ctx context.Context, events <-chan watcher.Event) {
	for i, shard := range d.shards {
		d.wg.Add(1)
		go d.worker(ctx, i, shard)
	}

	d.wg.Add(1)
	go d.sweepLoop(ctx)

	retry := time.NewTicker(routeRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			d.closeShards()
			d.wg.Wait()
			return

		case <-retry.C:
			d.flushPending(ctx)

		case ev, ok := <-events:
			if !ok {
				d.flushPending(ctx)
				d.closeShards()
				d.wg.Wait()
				return
			}
			d.handleEvent(ctx, ev)
		}
	}
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	FilesProcessed      uint64
	LinesIngested       uint64
	LinesDropped        uint64
	ActiveConversations int
}

// Stats returns the current counter snapshot.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		FilesProcessed:      d.filesProcessed.Load(),
		LinesIngested:       d.linesIngested.Load(),
		LinesDropped:        d.linesDropped.Load(),
		ActiveConversations: d.tracker.ActiveCount(),
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Kind {
	case watcher.Added, watcher.Changed:
		d.route(ctx, ev.Path)

	case watcher.Removed:
		// Position state is kept so a restored file resumes where it
		// left off; the conversation cannot survive losing its source.
		if err := d.positions.SetStatus(ev.Path, types.FileRemoved); err != nil {
			d.logger.Warn("position status update failed", "path", ev.Path, "error", err)
		}
		d.tracker.FileRemoved(ctx, ev.Path)

	case watcher.WatchError:
		d.logger.Warn("watch error", "path", ev.Path, "error", ev.Err)
	}
}

// route queues a path on its shard. A full shard parks the path instead;
// reading is offset-driven, so the retried notification picks up exactly
// where the dropped one would have.
func (d *Dispatcher) route(ctx context.Context, path string) {
	h := fnv.New32a()
	h.Write([]byte(path))
	shard := d.shards[h.Sum32()%uint32(len(d.shards))]

	select {
	case shard <- path:
	case <-ctx.Done():
	default:
		d.pendingMu.Lock()
		d.pending[path] = struct{}{}
		d.pendingMu.Unlock()
		d.logger.Debug("shard full, path parked for retry", "path", path)
	}
}

// flushPending requeues every parked path. Paths whose shard is still full
// are simply parked again.
func (d *Dispatcher) flushPending(ctx context.Context) {
	d.pendingMu.Lock()
	if len(d.pending) == 0 {
		d.pendingMu.Unlock()
		return
	}
	parked := d.pending
	d.pending = make(map[string]struct{})
	d.pendingMu.Unlock()

	for path := range parked {
		d.route(ctx, path)
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int, shard <-chan string) {
	defer d.wg.Done()
	for path := range shard {
		if ctx.Err() != nil {
			continue
		}
		d.processFile(ctx, path)
	}
}

func (d *Dispatcher) closeShards() {
	for _, shard := range d.shards {
		close(shard)
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tracker.Sweep(ctx, d.opts.InactivityTimeout)
		}
	}
}

// =============================================================================
// FILE PROCESSING
// =============================================================================

// processFile reads everything appended to a file past its recorded
// offset, parses line by line, and advances the offset only after the
// parsed messages are enqueued. The per-path lock keeps the
// read-parse-advance sequence atomic against concurrent passes.
func (d *Dispatcher) processFile(ctx context.Context, path string) {
	start := time.Now()

	unlock := d.positions.Lock(path)
	defer unlock()

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.positions.SetStatus(path, types.FileRemoved)
			d.tracker.FileRemoved(ctx, path)
			return
		}
		// Unreadable file: record, skip, keep serving the others.
		d.logger.Warn("transcript stat failed", "path", path, "error", err)
		d.positions.SetStatus(path, types.FileError)
		return
	}

	offset, err := d.positions.Resolve(path, info.Size())
	if err != nil {
		d.logger.Warn("position resolve failed", "path", path, "error", err)
		return
	}

	projectID := projectIDFromPath(path)

	for {
		res, err := d.reader.ReadNew(path, offset)
		if err != nil {
			d.logger.Warn("transcript read failed", "path", path, "error", err)
			d.positions.SetStatus(path, types.FileError)
			return
		}
		if res.LinesDropped > 0 {
			// Treated like any rejected line: counted, logged, bytes
			// advanced past, the rest of the file keeps flowing.
			d.linesDropped.Add(uint64(res.LinesDropped))
			d.logger.Warn("oversized lines dropped", "path", path, "count", res.LinesDropped)
		}

		for _, line := range res.Lines {
			d.ingestLine(ctx, path, projectID, line)
		}

		offset += res.BytesConsumed
		checksum, err := position.ChecksumPrefix(path, offset)
		if err != nil {
			d.logger.Warn("checksum failed", "path", path, "error", err)
			checksum = ""
		}
		if err := d.positions.Advance(path, offset, checksum, info.ModTime()); err != nil {
			d.logger.Warn("position advance failed", "path", path, "error", err)
			return
		}

		if !res.More {
			break
		}
	}

	d.filesProcessed.Add(1)
	if d.latencyHook != nil {
		d.latencyHook(time.Since(start))
	}
}

// ingestLine parses one line and forwards the outcome. Rejected lines are
// counted and passed over; the offset advances regardless so one bad line
// never wedges the file.
func (d *Dispatcher) ingestLine(ctx context.Context, path, projectID string, line []byte) {
	outcome, err := d.parser.Parse(line)
	if err != nil {
		var reject *parser.RejectError
		if errors.As(err, &reject) {
			d.logger.Debug("line rejected",
				"path", path,
				"reason", reject.Reason,
				"field", reject.Field,
			)
		} else {
			d.logger.Debug("line rejected", "path", path, "error", err)
		}
		return
	}

	if outcome.Skipped {
		if len(outcome.ToolResults) > 0 {
			// Result-only line: carry the tool results through the same
			// queue so they commit in order with the surrounding batch.
			d.writer.Enqueue(types.Message{ToolResults: outcome.ToolResults})
		}
		return
	}

	msg := outcome.Message
	msg.ProjectID = projectID
	// A cwd recorded on the event is more authoritative than the directory
	// the transcript happens to sit in.
	if cwd, ok := msg.Metadata["cwd"].(string); ok && cwd != "" {
		msg.ProjectID = encodeProjectPath(cwd)
	}
	msg.ToolResults = outcome.ToolResults

	d.tracker.Observe(ctx, msg, path)
	d.writer.Enqueue(*msg)
	d.linesIngested.Add(1)

	d.broadcast(types.BroadcastEvent{
		Type:      types.EventMessageAdded,
		ProjectID: msg.ProjectID,
		SessionID: msg.SessionID,
		Payload:   msg,
		Timestamp: time.Now(),
	})
}

// projectIDFromPath derives the project ID from the encoded directory the
// transcript sits in, e.g. ~/.claude/projects/-home-user-src-app/x.jsonl
// yields "-home-user-src-app".
func projectIDFromPath(path string) string {
	return filepath.Base(filepath.Dir(path))
}

// encodeProjectPath converts a working directory into the encoded project
// folder form used under the watch root.
func encodeProjectPath(cwd string) string {
	var b strings.Builder
	b.Grow(len(cwd))
	for _, r := range cwd {
		switch r {
		case '/', '\\', '.', '_', ' ':
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
