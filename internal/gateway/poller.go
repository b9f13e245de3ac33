package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type pollKey struct {
	connID string
	topic  string
}

type poll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *poll) stop() {
	p.cancel()
	<-p.done
}

// Poller runs one timer per (connection, topic). Each tick runs independently
// for its subscriber; nothing is shared between connections.
type Poller struct {
	active prometheus.Gauge

	mu    sync.Mutex
	polls map[pollKey]*poll
}

// NewPoller creates a poller reporting its running timers on active.
func NewPoller(active prometheus.Gauge) *Poller {
	return &Poller{active: active, polls: make(map[pollKey]*poll)}
}

// Start calls tick every interval for (c, topic) until stopped or c closes.
// The first tick fires one interval after Start. An existing poll for the
// same key is stopped and replaced.
func (p *Poller) Start(c *Conn, topic string, interval time.Duration, tick func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(c.Context())
	next := &poll{cancel: cancel, done: make(chan struct{})}
	key := pollKey{connID: c.ID(), topic: topic}

	p.mu.Lock()
	prev := p.polls[key]
	p.polls[key] = next
	p.mu.Unlock()

	if prev != nil {
		prev.stop()
	} else {
		p.active.Inc()
	}

	go func() {
		defer close(next.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}

// Stop cancels the poll for (c, topic) and waits for its last tick to finish.
// It reports whether one was running.
func (p *Poller) Stop(c *Conn, topic string) bool {
	key := pollKey{connID: c.ID(), topic: topic}
	p.mu.Lock()
	running, ok := p.polls[key]
	delete(p.polls, key)
	p.mu.Unlock()

	if !ok {
		return false
	}
	running.stop()
	p.active.Dec()
	return true
}

// StopAll cancels every poll owned by c.
func (p *Poller) StopAll(c *Conn) {
	var stopped []*poll
	p.mu.Lock()
	for key, running := range p.polls {
		if key.connID == c.ID() {
			delete(p.polls, key)
			stopped = append(stopped, running)
		}
	}
	p.mu.Unlock()

	for _, running := range stopped {
		running.stop()
		p.active.Dec()
	}
}

// Len returns the number of running polls.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.polls)
}

// maxPollInterval caps client-requested periods.
const maxPollInterval = 24 * time.Hour

// minPollInterval is the floor applied when the configured one is not positive.
const minPollInterval = time.Millisecond

// pollInterval resolves a client-requested period in milliseconds. The result
// is always within [floor, maxPollInterval] and never zero.
func pollInterval(requested *int64, def, floor time.Duration) time.Duration {
	if floor < minPollInterval {
		floor = minPollInterval
	}
	d := def
	if requested != nil && *requested > 0 {
		if *requested > int64(maxPollInterval/time.Millisecond) {
			return maxPollInterval
		}
		d = time.Duration(*requested) * time.Millisecond
	}
	if d < floor {
		return floor
	}
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}
