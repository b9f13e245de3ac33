package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/ops-gateway/internal/container"
)

// logSession fans one upstream log stream out to its subscribers. stream is
// nil while the upstream is being opened; ready is closed once that attempt
// finishes either way.
type logSession struct {
	containerID string
	subscribers map[string]*Conn
	stream      container.LogStream
	ready       chan struct{}
}

// LogMultiplexer keeps at most one upstream log stream per container, shared
// by every subscribed connection. The stream is opened on the first
// subscription and released when the last subscriber leaves.
type LogMultiplexer struct {
	ctx       context.Context
	provider  container.Provider
	telemetry *Telemetry
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*logSession
}

// NewLogMultiplexer creates a multiplexer. Upstream streams live until they
// are released or ctx is cancelled.
func NewLogMultiplexer(ctx context.Context, provider container.Provider, telemetry *Telemetry, log *slog.Logger) *LogMultiplexer {
	return &LogMultiplexer{
		ctx:       ctx,
		provider:  provider,
		telemetry: telemetry,
		log:       log,
		sessions:  make(map[string]*logSession),
	}
}

// Subscribe adds c to the session for containerID, opening the upstream
// stream for runtimeID if none exists. ack is queued to c before any log
// frame. An upstream open failure is returned and leaves no session behind.
func (m *LogMultiplexer) Subscribe(c *Conn, containerID, runtimeID string, ack Frame) error {
	for {
		m.mu.Lock()
		s, ok := m.sessions[containerID]
		if !ok {
			s = &logSession{
				containerID: containerID,
				subscribers: map[string]*Conn{c.ID(): c},
				ready:       make(chan struct{}),
			}
			m.sessions[containerID] = s
			m.mu.Unlock()
			return m.open(s, c, runtimeID, ack)
		}
		if s.stream != nil {
			s.subscribers[c.ID()] = c
			c.Send(ack)
			m.mu.Unlock()
			return nil
		}
		ready := s.ready
		m.mu.Unlock()

		// Another connection is opening the upstream; join once it settles.
		select {
		case <-ready:
		case <-c.Context().Done():
			return nil
		}
	}
}

func (m *LogMultiplexer) open(s *logSession, c *Conn, runtimeID string, ack Frame) error {
	stream, err := m.provider.StreamLogs(m.ctx, runtimeID)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, s.containerID)
		close(s.ready)
		m.mu.Unlock()
		m.telemetry.UpstreamErrors.WithLabelValues("logs").Inc()
		return err
	}
	s.stream = stream
	c.Send(ack)
	close(s.ready)
	m.mu.Unlock()

	m.telemetry.LogStreamsActive.Inc()
	m.log.Info("Log stream opened", "containerId", s.containerID, "runtimeId", runtimeID)
	go m.pump(s, stream)
	return nil
}

// Unsubscribe removes c from containerID's session. It reports whether c was
// subscribed.
func (m *LogMultiplexer) Unsubscribe(c *Conn, containerID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[containerID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, member := s.subscribers[c.ID()]; !member {
		m.mu.Unlock()
		return false
	}
	stream := m.leave(s, c)
	m.mu.Unlock()

	m.release(containerID, stream)
	return true
}

// Disconnect removes c from every session.
func (m *LogMultiplexer) Disconnect(c *Conn) {
	released := make(map[string]container.LogStream)
	m.mu.Lock()
	for id, s := range m.sessions {
		if _, member := s.subscribers[c.ID()]; !member {
			continue
		}
		if stream := m.leave(s, c); stream != nil {
			released[id] = stream
		}
	}
	m.mu.Unlock()

	for id, stream := range released {
		m.release(id, stream)
	}
}

// leave drops c from s and, if s is now empty, unregisters it and hands back
// its stream for release. Callers hold m.mu.
func (m *LogMultiplexer) leave(s *logSession, c *Conn) container.LogStream {
	delete(s.subscribers, c.ID())
	if len(s.subscribers) > 0 || s.stream == nil {
		return nil
	}
	delete(m.sessions, s.containerID)
	stream := s.stream
	s.stream = nil
	return stream
}

func (m *LogMultiplexer) release(containerID string, stream container.LogStream) {
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		m.log.Warn("Failed to close log stream", "containerId", containerID, "error", err)
	}
	m.telemetry.LogStreamsActive.Dec()
	m.log.Info("Log stream released", "containerId", containerID)
}

func (m *LogMultiplexer) subscribers(s *logSession) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(s.subscribers))
	for _, c := range s.subscribers {
		out = append(out, c)
	}
	return out
}

// pump broadcasts every upstream chunk to the session's current subscribers.
// When the upstream ends on its own, the session is torn down and its
// subscribers are told.
func (m *LogMultiplexer) pump(s *logSession, stream container.LogStream) {
	for chunk := range stream.Chunks() {
		data, err := json.Marshal(logFrame(s.containerID, chunk, time.Now()))
		if err != nil {
			m.log.Error("Failed to encode log frame", "containerId", s.containerID, "error", err)
			continue
		}
		for _, c := range m.subscribers(s) {
			c.sendRaw(data)
		}
	}

	m.mu.Lock()
	if m.sessions[s.containerID] != s || s.stream != stream {
		// Released by the last unsubscribe.
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.containerID)
	s.stream = nil
	subs := make([]*Conn, 0, len(s.subscribers))
	for _, c := range s.subscribers {
		subs = append(subs, c)
	}
	m.mu.Unlock()

	m.release(s.containerID, stream)

	message := "Log stream ended"
	if err := stream.Err(); err != nil {
		message = "Log stream failed"
		m.telemetry.UpstreamErrors.WithLabelValues("logs").Inc()
		m.log.Error("Log stream failed", "containerId", s.containerID, "error", err)
	}
	for _, c := range subs {
		c.Send(Frame{Type: MessageTypeError, ContainerID: s.containerID, Message: message})
	}
}

// Len returns the number of live upstream streams.
func (m *LogMultiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.stream != nil {
			n++
		}
	}
	return n
}

// Subscribers returns how many connections share containerID's stream.
func (m *LogMultiplexer) Subscribers(containerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[containerID]; ok {
		return len(s.subscribers)
	}
	return 0
}
