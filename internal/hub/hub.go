// Package hub fans server events out to topic subscribers. Topic
// broadcasts are best-effort and snapshot-replaceable: a missed presence or
// list-refresh event is corrected by the next one, unlike chat messages
// which go through the dispatcher's durable delivery path.
package hub

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/deskline/deskline/internal/registry"
)

// Topic names. Session-list topics are scoped per agent.
const (
	TopicPending  = "sessions:pending"
	TopicPresence = "presence"
)

// TopicMySessions is the per-agent active session list topic.
func TopicMySessions(agentID int64) string {
	return fmt.Sprintf("sessions:my:%d", agentID)
}

// Hub maps topics to subscribed connections.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*registry.Conn
	byConn map[string]map[string]bool

	logger zerolog.Logger
}

// New creates an empty hub and hooks it into the registry so eviction
// unsubscribes automatically.
func New(reg *registry.Registry, logger zerolog.Logger) *Hub {
	h := &Hub{
		topics: make(map[string]map[string]*registry.Conn),
		byConn: make(map[string]map[string]bool),
		logger: logger.With().Str("component", "hub").Logger(),
	}
	if reg != nil {
		reg.OnEvict(func(c *registry.Conn, lastOfUser bool) {
			h.UnsubscribeAll(c.Info.ID)
		})
	}
	return h
}

// Subscribe binds a connection to a topic. One connection may hold many
// topics; re-subscribing is a no-op.
func (h *Hub) Subscribe(c *registry.Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]*registry.Conn)
	}
	h.topics[topic][c.Info.ID] = c

	if h.byConn[c.Info.ID] == nil {
		h.byConn[c.Info.ID] = make(map[string]bool)
	}
	h.byConn[c.Info.ID][topic] = true
}

// Unsubscribe removes one topic binding.
func (h *Hub) Unsubscribe(connectionID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(connectionID, topic)
}

// UnsubscribeAll removes every binding of a connection. Called by the
// registry eviction callback.
func (h *Hub) UnsubscribeAll(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic := range h.byConn[connectionID] {
		h.dropLocked(connectionID, topic)
	}
}

func (h *Hub) dropLocked(connectionID, topic string) {
	if conns, ok := h.topics[topic]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(h.topics, topic)
		}
	}
	if topics, ok := h.byConn[connectionID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(h.byConn, connectionID)
		}
	}
}

// Publish delivers an event to every connection subscribed to the topic,
// best-effort. Returns the number of connections the event was handed to.
func (h *Hub) Publish(topic, event string, payload any) int {
	h.mu.RLock()
	conns := make([]*registry.Conn, 0, len(h.topics[topic]))
	for _, c := range h.topics[topic] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Push(event, payload); err != nil {
			h.logger.Debug().
				Err(err).
				Str("topic", topic).
				Str("event", event).
				Str("connection_id", c.Info.ID).
				Msg("topic push failed")
			continue
		}
		sent++
	}
	return sent
}

// Subscribers returns the subscriber count for a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
