// Package daemon assembles the pipeline stages and runs them as one
// process with ordered startup and shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"transcriptd/internal/broker"
	"transcriptd/internal/config"
	"transcriptd/internal/health"
	"transcriptd/internal/ingest"
	"transcriptd/internal/parser"
	"transcriptd/internal/persist"
	"transcriptd/internal/position"
	"transcriptd/internal/reader"
	"transcriptd/internal/store"
	"transcriptd/internal/watcher"
)

// shutdownGrace bounds how long shutdown waits for the final flush and
// the WebSocket close handshakes.
const shutdownGrace = 10 * time.Second

// Run builds the pipeline from config and blocks until ctx is cancelled.
// Shutdown drains in dependency order: stop discovering changes, finish
// queued reads, flush the writer, then close the subscriber connections.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Persist.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	positions, err := position.NewStore(st.DB())
	if err != nil {
		return fmt.Errorf("open position store: %w", err)
	}

	registry := broker.NewRegistry()
	broadcaster := broker.NewBroadcaster(registry, logger)
	server := broker.NewServer(broker.ServerOptions{
		Listen:              cfg.Server.Listen,
		ClientBuffer:        cfg.Server.ClientBuffer,
		HeartbeatInterval:   cfg.Server.HeartbeatInterval.Std(),
		MaxMissedHeartbeats: cfg.Server.MaxMissedHeartbeats,
		PushTimeout:         cfg.Server.PushTimeout.Std(),
		Logger:              logger,
	}, registry, broadcaster)

	writer := persist.NewWriter(st, persist.Options{
		QueueSize:     cfg.Persist.QueueSize,
		BatchSize:     cfg.Persist.BatchSize,
		FlushInterval: cfg.Persist.FlushInterval.Std(),
		MaxAttempts:   cfg.Persist.MaxAttempts,
		RetryBase:     cfg.Persist.RetryBase.Std(),
		WriteTimeout:  cfg.Persist.WriteTimeout.Std(),
		Logger:        logger,
	})

	tracker := ingest.NewTracker(st, broadcaster.Broadcast, logger)
	writer.SetCommitHook(tracker.Healed)

	// Conversations left active by the previous process come back under
	// the sweep's watch; idle ones get completed instead of lingering.
	if err := tracker.Resume(ctx); err != nil {
		logger.Warn("conversation resume failed", "error", err)
	}

	ps := parser.New()
	rd := reader.New(cfg.Read.ChunkSize, cfg.Read.MaxLines, cfg.Read.MaxLineBytes)

	dispatcher := ingest.NewDispatcher(ingest.Options{
		Workers:           cfg.Ingest.Workers,
		InactivityTimeout: cfg.Ingest.InactivityTimeout.Std(),
		SweepInterval:     cfg.Ingest.SweepInterval.Std(),
		Logger:            logger,
	}, positions, rd, ps, writer, tracker, broadcaster.Broadcast)

	latency := &health.LatencyWindow{}
	dispatcher.SetLatencyHook(latency.Record)
	monitor := health.NewMonitor(health.Options{
		SampleInterval: cfg.Health.SampleInterval.Std(),
		QueueCapacity:  cfg.Persist.QueueSize,
		Logger:         logger,
	}, latency, ps.Stats, writer.Stats, broadcaster.Stats, dispatcher.Stats)

	fw := watcher.New(watcher.Options{
		Root:         cfg.Watch.Root,
		Extension:    cfg.Watch.Extension,
		Debounce:     cfg.Watch.Debounce.Std(),
		PollInterval: cfg.Watch.PollInterval.Std(),
		ForcePoll:    cfg.Watch.ForcePoll,
		Logger:       logger,
	})

	// Startup order: durable stages first, discovery last, so the first
	// change notification finds a complete pipeline behind it.
	writer.Start(context.WithoutCancel(ctx))

	if replayed, err := writer.ReplayDeadLetters(ctx); err != nil {
		logger.Warn("dead-letter replay failed", "error", err)
	} else if replayed > 0 {
		logger.Info("dead-letter batches replayed", "count", replayed)
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(context.WithoutCancel(ctx), fw.Events())
	}()

	if err := fw.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	if err := server.Start(); err != nil {
		fw.Stop()
		return fmt.Errorf("start server: %w", err)
	}

	go monitor.Run(ctx)

	logger.Info("pipeline running",
		"root", cfg.Watch.Root,
		"db", cfg.Persist.DBPath,
		"listen", server.Addr(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// 1. Stop producing change events; the closed channel lets the
	//    dispatcher drain its shards to completion.
	fw.Stop()
	select {
	case <-dispatchDone:
	case <-graceCtx.Done():
		logger.Warn("dispatcher drain expired")
	}

	// 2. Flush everything already read. Positions were advanced
	//    synchronously during processing, so nothing else to persist.
	writer.Stop(graceCtx)

	// 3. Disconnect subscribers last so they observe the final events.
	server.Stop(graceCtx)

	logger.Info("shutdown complete")
	return nil
}
