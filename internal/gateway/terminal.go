package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/workspace/ops-gateway/internal/container"
)

type terminalSession struct {
	conn        *Conn
	containerID string
	shell       string
	channel     container.ExecChannel
}

// TerminalManager owns at most one interactive exec session per connection.
// Whoever removes a session from the map closes its channel, so each channel
// is closed exactly once.
type TerminalManager struct {
	provider  container.Provider
	telemetry *Telemetry
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*terminalSession
}

// NewTerminalManager creates an empty manager.
func NewTerminalManager(provider container.Provider, telemetry *Telemetry, log *slog.Logger) *TerminalManager {
	return &TerminalManager{
		provider:  provider,
		telemetry: telemetry,
		log:       log,
		sessions:  make(map[string]*terminalSession),
	}
}

// Open starts a shell in runtimeID for c and streams its output back as
// output frames. A connection may hold only one session at a time.
func (m *TerminalManager) Open(ctx context.Context, c *Conn, containerID, runtimeID string, opts container.ExecOptions) error {
	if m.Has(c) {
		return errTerminalAlreadyOpen
	}

	channel, err := m.provider.OpenExec(ctx, runtimeID, opts)
	if err != nil {
		m.telemetry.UpstreamErrors.WithLabelValues("exec").Inc()
		if errors.Is(err, container.ErrNoSuchContainer) {
			return errContainerNotFound
		}
		return upstreamError("Failed to open terminal", err)
	}

	s := &terminalSession{conn: c, containerID: containerID, shell: opts.Shell, channel: channel}
	m.mu.Lock()
	m.sessions[c.ID()] = s
	m.mu.Unlock()

	m.telemetry.TerminalsActive.Inc()
	c.logger().Info("Terminal session opened", "containerId", containerID, "shell", opts.Shell)
	c.Send(Frame{Type: MessageTypeTerminalOpened, Shell: opts.Shell, Message: "Terminal session opened"})

	go m.pump(s)
	return nil
}

// Has reports whether c holds a session.
func (m *TerminalManager) Has(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[c.ID()]
	return ok
}

func (m *TerminalManager) get(c *Conn) *terminalSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[c.ID()]
}

// Input writes data verbatim to c's shell. Without a session it does nothing.
func (m *TerminalManager) Input(c *Conn, data string) {
	s := m.get(c)
	if s == nil {
		return
	}
	if _, err := s.channel.Write([]byte(data)); err != nil {
		c.logger().Debug("Terminal write failed", "error", err)
	}
}

// Resize changes the pty window of c's shell. Without a session it does
// nothing.
func (m *TerminalManager) Resize(c *Conn, rows, cols int) error {
	s := m.get(c)
	if s == nil {
		return nil
	}
	if err := s.channel.Resize(rows, cols); err != nil {
		return newError(KindProtocol, "Failed to resize terminal", err)
	}
	return nil
}

// Close ends c's session. It reports whether one was open.
func (m *TerminalManager) Close(c *Conn) bool {
	m.mu.Lock()
	s, ok := m.sessions[c.ID()]
	delete(m.sessions, c.ID())
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.release(s)
	return true
}

func (m *TerminalManager) release(s *terminalSession) {
	if err := s.channel.Close(); err != nil {
		m.log.Warn("Failed to close exec channel", "containerId", s.containerID, "error", err)
	}
	m.telemetry.TerminalsActive.Dec()
	s.conn.logger().Info("Terminal session closed", "containerId", s.containerID)
}

// pump forwards shell output. When the shell exits on its own the session is
// released and the client told.
func (m *TerminalManager) pump(s *terminalSession) {
	for chunk := range s.channel.Output() {
		s.conn.Send(outputFrame(chunk))
	}

	m.mu.Lock()
	owned := m.sessions[s.conn.ID()] == s
	if owned {
		delete(m.sessions, s.conn.ID())
	}
	m.mu.Unlock()

	if !owned {
		return
	}
	m.release(s)
	s.conn.Send(Frame{Type: MessageTypeTerminalClosed, Message: "Terminal session ended"})
}

// Len returns the number of open sessions.
func (m *TerminalManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
