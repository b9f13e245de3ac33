// Package gateway implements the real-time WebSocket gateways: connection
// registry, authentication gate, heartbeat, rate limiting and the session
// managers behind container logs, stats, terminals, daemon events and host
// metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/ops-gateway/internal/access"
	"github.com/workspace/ops-gateway/internal/auth"
	"github.com/workspace/ops-gateway/internal/config"
	"github.com/workspace/ops-gateway/internal/container"
	"github.com/workspace/ops-gateway/internal/hostmetrics"
	"github.com/workspace/ops-gateway/internal/logging"
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Identity, error)
}

// PermissionResolver decides whether a user may operate on a container and
// maps it to its runtime identity.
type PermissionResolver interface {
	Resolve(ctx context.Context, userID, containerID string) (access.Target, error)
}

// MetricsSource produces host metrics snapshots.
type MetricsSource interface {
	Collect() (*hostmetrics.Snapshot, error)
}

// Deps are the external collaborators shared by the gateways.
type Deps struct {
	Verifier    TokenVerifier
	Resolver    PermissionResolver
	Runtime     container.Provider
	HostMetrics MetricsSource
	Telemetry   *Telemetry
}

// Options are the tunable parameters of a gateway.
type Options struct {
	AuthTimeout           time.Duration
	AuthFailureCloseDelay time.Duration
	HeartbeatInterval     time.Duration
	RateLimitWindow       time.Duration
	RateLimitMaxMessages  int
	TerminalInputInterval time.Duration
	StatsDefaultInterval  time.Duration
	StatsMinInterval      time.Duration
	EventsRetryDelay      time.Duration
	DefaultShell          string
	TerminalRows          int
	TerminalCols          int
	ContainerUser         string
	SendQueueSize         int
	WriteTimeout          time.Duration
	MaxMessageSize        int64
	CloseTimeout          time.Duration
}

// DefaultOptions returns the production parameters.
func DefaultOptions() Options {
	return Options{
		AuthTimeout:           30 * time.Second,
		AuthFailureCloseDelay: time.Second,
		HeartbeatInterval:     30 * time.Second,
		RateLimitWindow:       60 * time.Second,
		RateLimitMaxMessages:  100,
		TerminalInputInterval: 100 * time.Millisecond,
		StatsDefaultInterval:  2 * time.Second,
		StatsMinInterval:      250 * time.Millisecond,
		EventsRetryDelay:      5 * time.Second,
		DefaultShell:          "/bin/sh",
		TerminalRows:          24,
		TerminalCols:          80,
		SendQueueSize:         256,
		WriteTimeout:          10 * time.Second,
		MaxMessageSize:        64 * 1024,
		CloseTimeout:          5 * time.Second,
	}
}

// OptionsFromConfig maps the process configuration onto gateway options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.AuthTimeout = cfg.AuthTimeout
	opts.AuthFailureCloseDelay = cfg.AuthFailureCloseDelay
	opts.HeartbeatInterval = cfg.HeartbeatInterval
	opts.RateLimitWindow = cfg.RateLimitWindow
	opts.RateLimitMaxMessages = cfg.RateLimitMaxMessages
	opts.TerminalInputInterval = cfg.TerminalInputInterval
	opts.StatsDefaultInterval = cfg.StatsDefaultInterval
	opts.StatsMinInterval = cfg.StatsMinInterval
	opts.EventsRetryDelay = cfg.EventsRetryDelay
	opts.DefaultShell = cfg.DefaultShell
	opts.TerminalRows = cfg.TerminalRows
	opts.TerminalCols = cfg.TerminalCols
	opts.ContainerUser = cfg.ContainerUser
	opts.SendQueueSize = cfg.SendQueueSize
	opts.WriteTimeout = cfg.WSWriteTimeout
	opts.MaxMessageSize = cfg.WSMaxMessageSize
	opts.CloseTimeout = cfg.ShutdownTimeout
	return opts
}

// Handler processes the authenticated messages of one gateway.
type Handler interface {
	// Handle serves one message. A returned error is reported to the client
	// as a single error frame.
	Handle(ctx context.Context, c *Conn, msg ClientMessage) error
	// Disconnect releases every session the connection owns.
	Disconnect(c *Conn)
}

// Stats is a point-in-time view of a gateway's sessions.
type Stats struct {
	Connections          int `json:"connections"`
	Authenticated        int `json:"authenticated"`
	LogStreams           int `json:"logStreams,omitempty"`
	StatsSubscriptions   int `json:"statsSubscriptions,omitempty"`
	TerminalSessions     int `json:"terminalSessions,omitempty"`
	MetricsSubscriptions int `json:"metricsSubscriptions,omitempty"`
}

// Gateway is the connection layer shared by every endpoint: it owns the
// registry, the authentication gate, the heartbeat and inbound throttling,
// and hands authenticated messages to its Handler.
type Gateway struct {
	name      string
	opts      Options
	verifier  TokenVerifier
	handler   Handler
	registry  *Registry
	heartbeat *Heartbeat
	limiter   RateLimiter
	throttle  *InputThrottle
	telemetry *Telemetry
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newGateway(name string, opts Options, deps Deps, handler Handler) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	log := logging.Component("gateway").With("gateway", name)
	registry := NewRegistry()
	if deps.Telemetry == nil {
		deps.Telemetry = NewTelemetry(nil)
	}
	return &Gateway{
		name:      name,
		opts:      opts,
		verifier:  deps.Verifier,
		handler:   handler,
		registry:  registry,
		heartbeat: NewHeartbeat(opts.HeartbeatInterval, registry, log),
		limiter:   RateLimiter{Window: opts.RateLimitWindow, Max: opts.RateLimitMaxMessages},
		telemetry: deps.Telemetry,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Name returns the gateway name used in logs and metrics.
func (g *Gateway) Name() string { return g.name }

// Registry exposes the gateway's connection registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Stats reports connection counts.
func (g *Gateway) Stats() Stats {
	return Stats{
		Connections:   g.registry.Len(),
		Authenticated: len(g.registry.Authenticated()),
	}
}

// Serve runs one upgraded connection until it closes. It blocks.
func (g *Gateway) Serve(ws *websocket.Conn) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	c := newConn(g.ctx, ws, g.log, g.opts)
	c.onSlow = func() { g.telemetry.SlowConsumersKilled.WithLabelValues(g.name).Inc() }
	g.registry.Add(c)
	g.telemetry.ConnectionsTotal.WithLabelValues(g.name).Inc()
	g.telemetry.ConnectionsActive.WithLabelValues(g.name).Inc()
	c.logger().Info("Client connected", "remoteAddr", ws.RemoteAddr().String())

	go c.writeLoop()

	authTimer := time.AfterFunc(g.opts.AuthTimeout, func() { g.expire(c) })
	defer func() {
		authTimer.Stop()
		c.Terminate()
		g.registry.Remove(c.ID())
		g.handler.Disconnect(c)
		g.telemetry.ConnectionsActive.WithLabelValues(g.name).Dec()
		c.logger().Info("Client disconnected")
	}()

	c.Send(connectedFrame(c.ID(), g.opts.AuthTimeout))

	if g.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(g.opts.MaxMessageSize)
	}
	ws.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger().Debug("WebSocket read ended", "error", err)
			}
			return
		}
		if !g.dispatch(c, data) {
			return
		}
	}
}

// expire closes a connection whose authentication grace period ran out.
func (g *Gateway) expire(c *Conn) {
	if !c.expire() {
		return
	}
	g.telemetry.AuthFailures.WithLabelValues(g.name).Inc()
	c.logger().Warn("Authentication timeout")
	c.Send(errorFrame(errAuthenticationTimeout.Message))
	c.Close(websocket.ClosePolicyViolation, errAuthenticationTimeout.Message)
}

// dispatch processes one inbound frame. It returns false once the connection
// must stop reading.
func (g *Gateway) dispatch(c *Conn, data []byte) bool {
	msg, decodeErr := DecodeClientMessage(data)
	if !g.admit(c, msg) {
		return true
	}
	if decodeErr != nil {
		return g.reply(c, decodeErr)
	}
	g.telemetry.MessagesReceived.WithLabelValues(g.name, string(msg.Type())).Inc()

	var err error
	switch m := msg.(type) {
	case *AuthMessage:
		err = g.authenticate(c, m)
	case *PingMessage:
		c.Send(pongFrame())
	default:
		if !c.Authenticated() {
			err = errAuthRequired
			break
		}
		err = g.handler.Handle(c.Context(), c, msg)
	}
	if err != nil {
		return g.reply(c, err)
	}
	return true
}

// admit applies inbound throttling. The handshake message of an
// unauthenticated connection is not counted: it either authenticates the
// connection or closes it.
func (g *Gateway) admit(c *Conn, msg ClientMessage) bool {
	if _, ok := msg.(*AuthMessage); ok && !c.Authenticated() {
		return true
	}
	now := time.Now()
	if g.throttle != nil {
		if !g.throttle.Allow(&c.lastMessage, now) {
			g.telemetry.MessagesRejected.WithLabelValues(g.name, "throttled").Inc()
			c.logger().Debug("Terminal input throttled")
			return false
		}
		return true
	}
	if !g.limiter.Allow(&c.window, now) {
		g.telemetry.MessagesRejected.WithLabelValues(g.name, KindRateLimit.String()).Inc()
		c.logger().Warn("Rate limit exceeded", "count", c.window.Count)
		c.Send(errorFrame(errRateLimited.Message))
		return false
	}
	return true
}

// reply sends the error frame for err. Fatal errors close the connection after
// a short delay that lets the frame reach the client.
func (g *Gateway) reply(c *Conn, err error) bool {
	gerr := asError(err)
	g.telemetry.MessagesRejected.WithLabelValues(g.name, gerr.Kind.String()).Inc()
	switch gerr.Kind {
	case KindUpstream:
		c.logger().Error("Request failed", "error", gerr)
	default:
		c.logger().Warn("Request rejected", "error", gerr)
	}
	c.Send(errorFrame(gerr.Message))
	if !gerr.Kind.Fatal() {
		return true
	}

	select {
	case <-time.After(g.opts.AuthFailureCloseDelay):
	case <-c.Context().Done():
		return false
	}
	c.Close(websocket.ClosePolicyViolation, gerr.Message)
	c.flush(g.opts.WriteTimeout)
	return false
}

func (g *Gateway) authenticate(c *Conn, m *AuthMessage) error {
	if c.Authenticated() {
		return errAlreadyAuthenticated
	}
	if m.Token == "" {
		g.telemetry.AuthFailures.WithLabelValues(g.name).Inc()
		return errTokenRequired
	}
	identity, err := g.verifier.Verify(c.Context(), m.Token)
	if err != nil {
		g.telemetry.AuthFailures.WithLabelValues(g.name).Inc()
		return authenticationFailed(err)
	}
	if err := c.authenticate(identity.UserID); err != nil {
		return err
	}
	c.logger().Info("Client authenticated")
	c.Send(Frame{Type: MessageTypeAuthenticated, UserID: identity.UserID})
	return nil
}

// authorize runs the permission check for containerID and maps its failures
// onto client errors. deniedMessage is the text sent when access is refused.
func authorize(ctx context.Context, resolver PermissionResolver, c *Conn, containerID, deniedMessage string) (access.Target, error) {
	if containerID == "" {
		return access.Target{}, errContainerIDRequired
	}
	target, err := resolver.Resolve(ctx, c.UserID(), containerID)
	switch {
	case err == nil:
		return target, nil
	case errors.Is(err, access.ErrContainerNotFound):
		return access.Target{}, errContainerNotFound
	case errors.Is(err, access.ErrAccessDenied):
		return access.Target{}, newError(KindAuthorization, deniedMessage, err)
	default:
		return access.Target{}, upstreamError("Permission check failed", err)
	}
}

// Run probes connections until ctx is cancelled, then closes the gateway.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("Gateway started", "heartbeatInterval", g.opts.HeartbeatInterval)
	g.heartbeat.Run(ctx)
	g.Close()
	return nil
}

// Close terminates every connection and waits, bounded, for their sessions to
// be released.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()

		g.cancel()
		for _, c := range g.registry.Snapshot() {
			c.Terminate()
		}

		done := make(chan struct{})
		go func() {
			g.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(g.opts.CloseTimeout):
			g.log.Warn("Timed out waiting for connections to close")
		}
		g.log.Info("Gateway closed")
	})
}
