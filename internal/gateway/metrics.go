package gateway

import (
	"context"
	"time"
)

const metricsTopic = "metrics"

// MetricsGateway pushes host metrics snapshots on a per-connection timer.
type MetricsGateway struct {
	*Gateway
	source MetricsSource
	polls  *Poller
}

// NewMetricsGateway creates the host metrics gateway.
func NewMetricsGateway(opts Options, deps Deps) *MetricsGateway {
	mg := &MetricsGateway{source: deps.HostMetrics}
	mg.Gateway = newGateway("metrics", opts, deps, mg)
	mg.polls = NewPoller(mg.telemetry.StatsPollsActive.WithLabelValues(mg.name))
	return mg
}

// Handle implements Handler.
func (mg *MetricsGateway) Handle(_ context.Context, c *Conn, msg ClientMessage) error {
	switch m := msg.(type) {
	case *SubscribeMetricsMessage:
		interval := pollInterval(m.Interval, mg.opts.StatsDefaultInterval, mg.opts.StatsMinInterval)
		c.Send(Frame{
			Type:     MessageTypeSubscribed,
			Interval: intervalMillis(interval),
			Message:  "Successfully subscribed to system metrics",
		})
		mg.polls.Start(c, metricsTopic, interval, mg.tick(c))
		return nil
	case *UnsubscribeMetricsMessage:
		mg.polls.Stop(c, metricsTopic)
		c.Send(Frame{Type: MessageTypeUnsubscribed, Message: "Successfully unsubscribed from system metrics"})
		return nil
	default:
		return unknownMessageType(msg.Type())
	}
}

// Disconnect implements Handler.
func (mg *MetricsGateway) Disconnect(c *Conn) {
	mg.polls.StopAll(c)
}

func (mg *MetricsGateway) tick(c *Conn) func(context.Context) {
	return func(ctx context.Context) {
		snapshot, err := mg.source.Collect()
		if err != nil {
			c.logger().Warn("Failed to collect host metrics", "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.Send(Frame{Type: MessageTypeMetrics, Data: snapshot, Timestamp: timestamp(time.Now())})
	}
}

// Stats reports connection and subscription counts.
func (mg *MetricsGateway) Stats() Stats {
	st := mg.Gateway.Stats()
	st.MetricsSubscriptions = mg.polls.Len()
	return st
}
