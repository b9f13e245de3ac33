package gateway

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/ops-gateway/internal/container"
)

func subscribeLogs(c *testClient, containerID string) {
	c.t.Helper()
	c.send(map[string]any{"type": "subscribe_logs", "containerId": containerID})
	f := c.expect("subscribed_logs")
	require.Equal(c.t, containerID, f.str("containerId"))
}

func TestLogFanOutSharesOneUpstream(t *testing.T) {
	rt := newFakeRuntime()
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	url := serve(t, gw)

	alice := dial(t, url)
	alice.auth("alice")
	bob := dial(t, url)
	bob.auth("bob")

	subscribeLogs(alice, "c1")
	subscribeLogs(bob, "c1")

	streams := rt.logStreams()
	require.Len(t, streams, 1)
	assert.Equal(t, "rt-c1", streams[0].runtimeID)
	assert.Equal(t, 1, gw.Stats().LogStreams)
	assert.Equal(t, 2, gw.logs.Subscribers("c1"))

	require.True(t, streams[0].push("hello\n"))
	for _, c := range []*testClient{alice, bob} {
		f := c.expect("log")
		assert.Equal(t, "c1", f.str("containerId"))
		assert.Equal(t, "hello\n", f.str("data"))
		assert.NotEmpty(t, f.str("timestamp"))
	}

	for i := 0; i < 5; i++ {
		require.True(t, streams[0].push(fmt.Sprintf("line %d\n", i)))
	}
	for _, c := range []*testClient{alice, bob} {
		for i := 0; i < 5; i++ {
			assert.Equal(t, fmt.Sprintf("line %d\n", i), c.expect("log").str("data"))
		}
	}
}

func TestLogLastUnsubscribeReleasesUpstream(t *testing.T) {
	rt := newFakeRuntime()
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	url := serve(t, gw)

	alice := dial(t, url)
	alice.auth("alice")
	bob := dial(t, url)
	bob.auth("bob")
	subscribeLogs(alice, "c1")
	subscribeLogs(bob, "c1")
	first := rt.logStreams()[0]

	alice.send(map[string]any{"type": "unsubscribe_logs", "containerId": "c1"})
	assert.Equal(t, "c1", alice.expect("unsubscribed_logs").str("containerId"))
	assert.Equal(t, int32(0), first.closes.Load())

	require.True(t, first.push("only bob\n"))
	assert.Equal(t, "only bob\n", bob.expect("log").str("data"))
	alice.expectQuiet(100 * time.Millisecond)

	bob.send(map[string]any{"type": "unsubscribe_logs", "containerId": "c1"})
	bob.expect("unsubscribed_logs")
	assert.Equal(t, int32(1), first.closes.Load())
	assert.Equal(t, 0, gw.Stats().LogStreams)

	// A fresh subscription opens a new upstream handle.
	subscribeLogs(alice, "c1")
	streams := rt.logStreams()
	require.Len(t, streams, 2)
	require.True(t, streams[1].push("fresh\n"))
	assert.Equal(t, "fresh\n", alice.expect("log").str("data"))
	assert.False(t, first.push("stale\n"))
	assert.Equal(t, int32(1), first.closes.Load())
}

func TestLogSubscribeRejections(t *testing.T) {
	rt := newFakeRuntime()
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	c := dial(t, serve(t, gw))
	c.auth("bob")

	tests := []struct {
		containerID string
		message     string
	}{
		{"c2", "Permission denied"},
		{"nope", "Container not found"},
		{"", "Container ID is required"},
	}
	for _, tt := range tests {
		c.send(map[string]any{"type": "subscribe_logs", "containerId": tt.containerID})
		c.expectError(tt.message)
	}

	assert.Empty(t, rt.logStreams())
	assert.Equal(t, 0, gw.Stats().LogStreams)
}

func TestLogUpstreamOpenFailureReportedToRequesterOnly(t *testing.T) {
	rt := newFakeRuntime()
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	url := serve(t, gw)

	alice := dial(t, url)
	alice.auth("alice")
	bob := dial(t, url)
	bob.auth("bob")

	rt.mu.Lock()
	rt.logErr = fmt.Errorf("%w: daemon unreachable", container.ErrRuntime)
	rt.mu.Unlock()

	alice.send(map[string]any{"type": "subscribe_logs", "containerId": "c1"})
	alice.expectError("Failed to start log stream")
	bob.expectQuiet(100 * time.Millisecond)
	assert.Equal(t, 0, gw.logs.Subscribers("c1"))

	rt.mu.Lock()
	rt.logErr = fmt.Errorf("inspect: %w", container.ErrNoSuchContainer)
	rt.mu.Unlock()
	alice.send(map[string]any{"type": "subscribe_logs", "containerId": "c1"})
	alice.expectError("Container not found")

	rt.mu.Lock()
	rt.logErr = nil
	rt.mu.Unlock()
	subscribeLogs(bob, "c1")
	assert.Len(t, rt.logStreams(), 1)
}

func TestLogUpstreamFailureTearsDownSession(t *testing.T) {
	rt := newFakeRuntime()
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	url := serve(t, gw)

	alice := dial(t, url)
	alice.auth("alice")
	bob := dial(t, url)
	bob.auth("bob")
	subscribeLogs(alice, "c1")
	subscribeLogs(bob, "c1")

	stream := rt.logStreams()[0]
	stream.end(errors.New("daemon went away"))

	for _, c := range []*testClient{alice, bob} {
		f := c.expect("error")
		assert.Equal(t, "Log stream failed", f.str("message"))
		assert.Equal(t, "c1", f.str("containerId"))
	}
	assert.Equal(t, 0, gw.Stats().LogStreams)
	assert.Equal(t, int32(1), stream.closes.Load())

	// Not retried automatically; the next subscribe opens a new stream.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rt.logStreams(), 1)
	subscribeLogs(alice, "c1")
	assert.Len(t, rt.logStreams(), 2)
}

func TestLogUpstreamEndNotifiesSubscribers(t *testing.T) {
	rt := newFakeRuntime()
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	c := dial(t, serve(t, gw))
	c.auth("alice")
	subscribeLogs(c, "c1")

	rt.logStreams()[0].end(nil)
	c.expectError("Log stream ended")
	assert.Equal(t, 0, gw.Stats().LogStreams)
}

func TestLogDisconnectReleasesUpstream(t *testing.T) {
	rt := newFakeRuntime()
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	url := serve(t, gw)

	alice := dial(t, url)
	alice.auth("alice")
	subscribeLogs(alice, "c1")
	subscribeLogs(alice, "c2")
	require.Len(t, rt.logStreams(), 2)

	require.NoError(t, alice.ws.Close())

	require.Eventually(t, func() bool {
		return gw.Stats().LogStreams == 0 && gw.Registry().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	for _, s := range rt.logStreams() {
		assert.Equal(t, int32(1), s.closes.Load())
	}
}

func TestLogConcurrentSubscribeWhileOpening(t *testing.T) {
	rt := newFakeRuntime()
	entered := make(chan struct{}, 4)
	gate := make(chan struct{})
	rt.logsOpenHook = func() {
		entered <- struct{}{}
		<-gate
	}
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	url := serve(t, gw)

	alice := dial(t, url)
	alice.auth("alice")
	bob := dial(t, url)
	bob.auth("bob")

	alice.send(map[string]any{"type": "subscribe_logs", "containerId": "c1"})
	<-entered
	bob.send(map[string]any{"type": "subscribe_logs", "containerId": "c1"})
	time.Sleep(50 * time.Millisecond)
	close(gate)

	alice.expect("subscribed_logs")
	bob.expect("subscribed_logs")
	assert.Len(t, entered, 0)
	require.Len(t, rt.logStreams(), 1)
	assert.Equal(t, 2, gw.logs.Subscribers("c1"))
}

func TestStatsPollingStopsOnDisconnect(t *testing.T) {
	rt := newFakeRuntime()
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	c := dial(t, serve(t, gw))
	c.auth("alice")

	c.send(map[string]any{"type": "subscribe_stats", "containerId": "c1", "interval": 400})
	ack := c.expect("subscribed_stats")
	assert.Equal(t, "c1", ack.str("containerId"))
	assert.Equal(t, float64(400), ack["interval"])

	deadline := time.After(1400 * time.Millisecond)
	received := 0
collect:
	for {
		select {
		case f := <-c.frames:
			require.Equal(t, "stats", f.str("type"))
			assert.Equal(t, "c1", f.str("containerId"))
			data := f["data"].(map[string]any)
			assert.Equal(t, 12.5, data["cpuPercent"])
			assert.Equal(t, float64(3), data["pids"])
			received++
		case <-deadline:
			break collect
		}
	}
	assert.Equal(t, 3, received)

	require.NoError(t, c.ws.Close())
	require.Eventually(t, func() bool { return gw.Stats().StatsSubscriptions == 0 }, 2*time.Second, 10*time.Millisecond)

	calls := rt.statsCalls.Load()
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, calls, rt.statsCalls.Load())
}

func TestStatsResubscribeReplacesTimer(t *testing.T) {
	rt := newFakeRuntime()
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	c := dial(t, serve(t, gw))
	c.auth("alice")

	c.send(map[string]any{"type": "subscribe_stats", "containerId": "c1", "interval": 50})
	c.expect("subscribed_stats")
	c.send(map[string]any{"type": "subscribe_stats", "containerId": "c1", "interval": 60})
	assert.Equal(t, float64(60), c.waitFor("subscribed_stats")["interval"])
	assert.Equal(t, 1, gw.Stats().StatsSubscriptions)

	c.send(map[string]any{"type": "subscribe_stats", "containerId": "c2", "interval": 50})
	c.waitFor("subscribed_stats")
	assert.Equal(t, 2, gw.Stats().StatsSubscriptions)

	c.send(map[string]any{"type": "unsubscribe_stats", "containerId": "c1"})
	assert.Equal(t, "c1", c.waitFor("unsubscribed_stats").str("containerId"))
	c.send(map[string]any{"type": "unsubscribe_stats", "containerId": "c2"})
	c.waitFor("unsubscribed_stats")
	assert.Equal(t, 0, gw.Stats().StatsSubscriptions)

	c.expectQuiet(200 * time.Millisecond)
}

func TestStatsSnapshotFailuresAreSwallowed(t *testing.T) {
	rt := newFakeRuntime()
	rt.statsErr = fmt.Errorf("%w: timeout", container.ErrRuntime)
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	c := dial(t, serve(t, gw))
	c.auth("alice")

	c.send(map[string]any{"type": "subscribe_stats", "containerId": "c1", "interval": 30})
	c.expect("subscribed_stats")
	c.expectQuiet(200 * time.Millisecond)
	assert.Greater(t, rt.statsCalls.Load(), int32(1))

	c.send(map[string]any{"type": "ping"})
	c.expect("pong")
}

func TestStatsSubscribeChecksPermission(t *testing.T) {
	rt := newFakeRuntime()
	gw := NewContainerGateway(testOptions(), testDeps(rt))
	c := dial(t, serve(t, gw))
	c.auth("bob")

	c.send(map[string]any{"type": "subscribe_stats", "containerId": "c2"})
	c.expectError("Permission denied")
	c.send(map[string]any{"type": "subscribe_stats", "containerId": "missing"})
	c.expectError("Container not found")
	assert.Equal(t, 0, gw.Stats().StatsSubscriptions)
}

func TestPollInterval(t *testing.T) {
	ms := func(v int64) *int64 { return &v }
	def, floor := 2*time.Second, 250*time.Millisecond

	tests := []struct {
		name      string
		requested *int64
		want      time.Duration
	}{
		{"default", nil, def},
		{"zero uses default", ms(0), def},
		{"negative uses default", ms(-5), def},
		{"clamped", ms(10), floor},
		{"honoured", ms(1000), time.Second},
		{"capped", ms(int64(48 * time.Hour / time.Millisecond)), maxPollInterval},
		{"overflowing request capped", ms(9223372036855), maxPollInterval},
		{"huge request capped", ms(1 << 62), maxPollInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pollInterval(tt.requested, def, floor))
		})
	}
}

func TestPollIntervalNeverZero(t *testing.T) {
	huge := int64(9223372036855)
	tiny := int64(1)
	for _, floor := range []time.Duration{0, -time.Second} {
		assert.Equal(t, maxPollInterval, pollInterval(&huge, 2*time.Second, floor))
		assert.Equal(t, minPollInterval, pollInterval(&tiny, 2*time.Second, floor))
		assert.Equal(t, minPollInterval, pollInterval(nil, 0, floor))
	}
}
