package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// outbound is one queued write. A non-zero closeCode sends a close frame and
// ends the connection after everything queued before it has been written.
type outbound struct {
	data      []byte
	closeCode int
	closeText string
}

// Conn is one client connection. Frames are queued and written by a single
// writer goroutine; control frames go straight to the socket.
type Conn struct {
	id  string
	ws  *websocket.Conn
	log *slog.Logger

	send         chan outbound
	writerDone   chan struct{}
	writeTimeout time.Duration
	onSlow       func()

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu            sync.Mutex
	userID        string
	authenticated bool
	expired       bool
	alive         bool

	// Touched only by the read goroutine.
	window      RateWindow
	lastMessage time.Time
}

func newConn(parent context.Context, ws *websocket.Conn, log *slog.Logger, opts Options) *Conn {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.New().String()
	return &Conn{
		id:           id,
		ws:           ws,
		log:          log.With("clientId", id),
		send:         make(chan outbound, opts.SendQueueSize),
		writerDone:   make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		alive:        true,
	}
}

// ID returns the connection id assigned at accept time.
func (c *Conn) ID() string { return c.id }

// Context is cancelled when the connection is torn down.
func (c *Conn) Context() context.Context { return c.ctx }

// UserID returns the authenticated user, or "" before authentication.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Authenticated reports whether the connection passed the auth gate.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// authenticate records the verified identity. It fails if the connection is
// already authenticated or its grace period has run out.
func (c *Conn) authenticate(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authenticated {
		return errAlreadyAuthenticated
	}
	if c.expired {
		return errAuthenticationTimeout
	}
	c.authenticated = true
	c.userID = userID
	c.log = c.log.With("userId", userID)
	return nil
}

// expire ends the grace period. It reports false if the connection
// authenticated first.
func (c *Conn) expire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authenticated {
		return false
	}
	c.expired = true
	return true
}

func (c *Conn) logger() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

func (c *Conn) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// probe clears the liveness flag and reports whether it was set.
func (c *Conn) probe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

// Ping sends a liveness probe control frame.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Send queues a frame. It reports false if the connection is closed or its
// queue is full; a full queue terminates the connection.
func (c *Conn) Send(f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger().Error("Failed to encode frame", "type", f.Type, "error", err)
		return false
	}
	return c.sendRaw(data)
}

func (c *Conn) sendRaw(data []byte) bool {
	return c.enqueue(outbound{data: data})
}

func (c *Conn) enqueue(o outbound) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- o:
		return true
	default:
		c.logger().Warn("Send queue full, terminating slow consumer", "queueSize", cap(c.send))
		if c.onSlow != nil {
			c.onSlow()
		}
		c.Terminate()
		return false
	}
}

// Close queues a close frame behind any pending frames.
func (c *Conn) Close(code int, text string) {
	c.enqueue(outbound{closeCode: code, closeText: text})
}

// Terminate drops the connection immediately without flushing.
func (c *Conn) Terminate() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.ws.Close()
	})
}

// flush waits up to d for the writer to drain through a queued close.
func (c *Conn) flush(d time.Duration) {
	select {
	case <-c.writerDone:
	case <-time.After(d):
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case o := <-c.send:
			if c.writeTimeout > 0 {
				c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if o.closeCode != 0 {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(o.closeCode, o.closeText))
				c.Terminate()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, o.data); err != nil {
				c.logger().Debug("WebSocket write failed", "error", err)
				c.Terminate()
				return
			}
		}
	}
}
