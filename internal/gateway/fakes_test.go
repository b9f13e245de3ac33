package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/workspace/ops-gateway/internal/access"
	"github.com/workspace/ops-gateway/internal/auth"
	"github.com/workspace/ops-gateway/internal/container"
	"github.com/workspace/ops-gateway/internal/hostmetrics"
)

// fakeVerifier accepts tokens of the form "good-<userId>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	if user, ok := strings.CutPrefix(token, "good-"); ok && user != "" {
		return &auth.Identity{UserID: user}, nil
	}
	return nil, auth.ErrInvalidToken
}

// fakeResolver grants access to containers by id.
type fakeResolver struct {
	mu         sync.Mutex
	containers map[string]fakeContainer
}

type fakeContainer struct {
	runtimeID string
	users     []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{containers: map[string]fakeContainer{
		"c1": {runtimeID: "rt-c1", users: []string{"alice", "bob"}},
		"c2": {runtimeID: "rt-c2", users: []string{"alice"}},
	}}
}

func (r *fakeResolver) Resolve(_ context.Context, userID, containerID string) (access.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fc, ok := r.containers[containerID]
	if !ok {
		return access.Target{}, access.ErrContainerNotFound
	}
	for _, u := range fc.users {
		if u == userID {
			return access.Target{ContainerID: containerID, RuntimeID: fc.runtimeID}, nil
		}
	}
	return access.Target{}, access.ErrAccessDenied
}

// fakeLogStream is a log stream fed by the test.
type fakeLogStream struct {
	runtimeID string
	chunks    chan []byte

	mu     sync.Mutex
	ended  bool
	err    error
	closes atomic.Int32
}

func newFakeLogStream(runtimeID string) *fakeLogStream {
	return &fakeLogStream{runtimeID: runtimeID, chunks: make(chan []byte, 16)}
}

func (s *fakeLogStream) Chunks() <-chan []byte { return s.chunks }

func (s *fakeLogStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeLogStream) push(chunk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.chunks <- []byte(chunk)
	return true
}

func (s *fakeLogStream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.chunks)
}

func (s *fakeLogStream) Close() error {
	s.closes.Add(1)
	s.end(nil)
	return nil
}

// fakeEventStream is an event feed fed by the test.
type fakeEventStream struct {
	events chan container.Event
	once   sync.Once
	err    error
}

func (s *fakeEventStream) Events() <-chan container.Event { return s.events }
func (s *fakeEventStream) Err() error                     { return s.err }

func (s *fakeEventStream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.events)
	})
}

func (s *fakeEventStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

// fakeExec echoes everything written to it.
type fakeExec struct {
	opts   container.ExecOptions
	output chan []byte

	mu      sync.Mutex
	ended   bool
	written bytes.Buffer
	resizes [][2]int
	closes  atomic.Int32
}

func newFakeExec(opts container.ExecOptions) *fakeExec {
	return &fakeExec{opts: opts, output: make(chan []byte, 16)}
}

func (e *fakeExec) Output() <-chan []byte { return e.output }

func (e *fakeExec) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return 0, context.Canceled
	}
	e.written.Write(p)
	e.output <- append([]byte(nil), p...)
	return len(p), nil
}

func (e *fakeExec) Resize(rows, cols int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resizes = append(e.resizes, [2]int{rows, cols})
	return nil
}

// exit simulates the shell exiting on its own.
func (e *fakeExec) exit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ended {
		e.ended = true
		close(e.output)
	}
}

func (e *fakeExec) Close() error {
	e.closes.Add(1)
	e.exit()
	return nil
}

func (e *fakeExec) input() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.written.String()
}

// fakeRuntime records every upstream handle it hands out.
type fakeRuntime struct {
	mu           sync.Mutex
	logs         []*fakeLogStream
	logErr       error
	events       chan *fakeEventStream
	eventErr     error
	execs        []*fakeExec
	execErr      error
	statsErr     error
	statsCalls   atomic.Int32
	eventOpens   atomic.Int32
	logsOpenHook func()
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{events: make(chan *fakeEventStream, 8)}
}

func (r *fakeRuntime) StreamLogs(_ context.Context, runtimeID string) (container.LogStream, error) {
	r.mu.Lock()
	hook := r.logsOpenHook
	err := r.logErr
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	s := newFakeLogStream(runtimeID)
	r.mu.Lock()
	r.logs = append(r.logs, s)
	r.mu.Unlock()
	return s, nil
}

func (r *fakeRuntime) logStreams() []*fakeLogStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeLogStream(nil), r.logs...)
}

func (r *fakeRuntime) StatsSnapshot(_ context.Context, _ string) (*container.Stats, error) {
	r.statsCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statsErr != nil {
		return nil, r.statsErr
	}
	return &container.Stats{CPUPercent: 12.5, MemoryUsage: 1024, MemoryLimit: 4096, MemoryPercent: 25, PIDs: 3}, nil
}

func (r *fakeRuntime) StreamEvents(_ context.Context) (container.EventStream, error) {
	r.eventOpens.Add(1)
	r.mu.Lock()
	err := r.eventErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := &fakeEventStream{events: make(chan container.Event, 16)}
	r.events <- s
	return s, nil
}

func (r *fakeRuntime) OpenExec(_ context.Context, _ string, opts container.ExecOptions) (container.ExecChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.execErr != nil {
		return nil, r.execErr
	}
	e := newFakeExec(opts)
	r.execs = append(r.execs, e)
	return e, nil
}

func (r *fakeRuntime) execChannels() []*fakeExec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeExec(nil), r.execs...)
}

// fakeMetrics returns a fixed host snapshot.
type fakeMetrics struct {
	calls atomic.Int32
}

func (m *fakeMetrics) Collect() (*hostmetrics.Snapshot, error) {
	m.calls.Add(1)
	return &hostmetrics.Snapshot{
		CPU:    hostmetrics.CPU{Usage: 42.5, Cores: 4},
		Memory: hostmetrics.Memory{Total: 8192, Used: 4096, Free: 4096, Usage: 50},
	}, nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.AuthTimeout = 5 * time.Second
	opts.AuthFailureCloseDelay = 50 * time.Millisecond
	opts.HeartbeatInterval = time.Hour
	opts.TerminalInputInterval = 0
	opts.StatsMinInterval = 10 * time.Millisecond
	opts.EventsRetryDelay = 50 * time.Millisecond
	opts.CloseTimeout = 2 * time.Second
	return opts
}

func testDeps(rt *fakeRuntime) Deps {
	return Deps{
		Verifier:    fakeVerifier{},
		Resolver:    newFakeResolver(),
		Runtime:     rt,
		HostMetrics: &fakeMetrics{},
	}
}

type servable interface {
	Serve(ws *websocket.Conn)
	Close()
}

// serve exposes gw on a test HTTP server and returns its ws:// URL.
func serve(t *testing.T, gw servable) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gw.Serve(ws)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(gw.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type frame map[string]any

func (f frame) str(key string) string {
	s, _ := f[key].(string)
	return s
}

type testClient struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan frame

	mu       sync.Mutex
	closeErr error
}

// dial connects and consumes the connected frame.
func dial(t *testing.T, url string) *testClient {
	t.Helper()
	c := dialRaw(t, url, nil)
	f := c.expect("connected")
	require.NotEmpty(t, f.str("clientId"))
	return c
}

func dialRaw(t *testing.T, url string, setup func(ws *websocket.Conn)) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if setup != nil {
		setup(ws)
	}
	c := &testClient{t: t, ws: ws, frames: make(chan frame, 1024)}
	go c.readLoop()
	t.Cleanup(func() { ws.Close() })
	return c
}

func (c *testClient) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closeErr = err
			c.mu.Unlock()
			return
		}
		var f frame
		if json.Unmarshal(data, &f) == nil {
			c.frames <- f
		}
	}
}

func (c *testClient) send(msg map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(msg))
}

func (c *testClient) next() frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(c.t, ok, "connection closed while waiting for a frame")
		return f
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// expect reads the next frame and requires its type.
func (c *testClient) expect(typ string) frame {
	c.t.Helper()
	f := c.next()
	require.Equal(c.t, typ, f.str("type"), "frame: %v", f)
	return f
}

// expectError reads the next frame and requires an error with message.
func (c *testClient) expectError(message string) {
	c.t.Helper()
	f := c.expect("error")
	require.Equal(c.t, message, f.str("message"))
}

// waitFor skips frames until one of typ arrives.
func (c *testClient) waitFor(typ string) frame {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(c.t, ok, "connection closed while waiting for %s", typ)
			if f.str("type") == typ {
				return f
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", typ)
			return nil
		}
	}
}

// expectClosed waits for the server to close the connection.
func (c *testClient) expectClosed() error {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				c.mu.Lock()
				defer c.mu.Unlock()
				return c.closeErr
			}
		case <-deadline:
			c.t.Fatal("connection was not closed")
			return nil
		}
	}
}

// expectQuiet requires that no frame arrives for d.
func (c *testClient) expectQuiet(d time.Duration) {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		if ok {
			c.t.Fatalf("unexpected frame: %v", f)
		}
	case <-time.After(d):
	}
}

func (c *testClient) auth(user string) {
	c.t.Helper()
	c.send(map[string]any{"type": "auth", "token": "good-" + user})
	f := c.expect("authenticated")
	require.Equal(c.t, user, f.str("userId"))
}

func contextWithCancel(t *testing.T) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx, cancel
}
