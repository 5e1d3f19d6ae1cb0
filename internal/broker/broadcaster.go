package broker

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"transcriptd/internal/types"
)

// Broadcaster fans events out to connected clients. Delivery is best
// effort: each connection sits behind its own bounded outbound buffer, and
// a client that cannot drain it is dropped rather than allowed to delay
// anyone else.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client

	delivered atomic.Uint64
	dropped   atomic.Uint64 // connections dropped for slow consumption
}

// NewBroadcaster returns a Broadcaster bound to a registry.
func NewBroadcaster(registry *Registry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry: registry,
		logger:   logger.With("component", "broadcaster"),
		clients:  make(map[string]*client),
	}
}

// Broadcast pushes an event to every client whose filter matches. Each
// push is independent; a full buffer drops that one connection and the
// loop continues.
func (b *Broadcaster) Broadcast(ev types.BroadcastEvent) {
	matched := b.registry.Match(ev)
	if len(matched) == 0 {
		return
	}

	msg := ServerMessage{
		Type:      string(ev.Type),
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp.UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("event encode failed", "type", ev.Type, "error", err)
		return
	}

	for _, clientID := range matched {
		b.mu.RLock()
		c := b.clients[clientID]
		b.mu.RUnlock()
		if c == nil {
			continue
		}

		select {
		case c.send <- data:
			b.delivered.Add(1)
		default:
			// The buffer is full: this consumer is too slow to keep its
			// live feed. Drop it and let it reconnect and resubscribe.
			b.dropped.Add(1)
			b.logger.Warn("dropping slow consumer", "client", clientID)
			c.closeWithCode(CloseSlowConsumer, "outbound buffer full")
			b.remove(c)
		}
	}
}

// Stats is a snapshot of broadcaster counters for health sampling.
type Stats struct {
	Connections int
	Delivered   uint64
	Dropped     uint64
}

// Stats returns the current counter snapshot.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	connections := len(b.clients)
	b.mu.RUnlock()
	return Stats{
		Connections: connections,
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// CloseAll disconnects every client with the shutdown code.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[string]*client)
	b.mu.Unlock()

	for _, c := range clients {
		b.registry.Unsubscribe(c.id)
		c.closeWithCode(CloseShutdown, "server shutting down")
	}
}

func (b *Broadcaster) add(c *client) {
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
}

func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	if b.clients[c.id] == c {
		delete(b.clients, c.id)
	}
	b.mu.Unlock()
	b.registry.Unsubscribe(c.id)
	c.closeOnce.Do(func() { close(c.done) })
}

// expire is called by the connection pumps on read/write failure.
func (b *Broadcaster) expire(c *client, reason string) {
	b.logger.Debug("connection closed", "client", c.id, "reason", reason)
	b.remove(c)
}
