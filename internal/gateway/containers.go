package gateway

import (
	"context"
	"errors"

	"github.com/workspace/ops-gateway/internal/access"
	"github.com/workspace/ops-gateway/internal/container"
)

const statsTopic = "stats:"

// ContainerGateway serves log tailing and stats polling for containers.
type ContainerGateway struct {
	*Gateway
	resolver PermissionResolver
	runtime  container.Provider
	logs     *LogMultiplexer
	stats    *Poller
}

// NewContainerGateway creates the container operations gateway.
func NewContainerGateway(opts Options, deps Deps) *ContainerGateway {
	cg := &ContainerGateway{resolver: deps.Resolver, runtime: deps.Runtime}
	cg.Gateway = newGateway("containers", opts, deps, cg)
	cg.logs = NewLogMultiplexer(cg.ctx, deps.Runtime, cg.telemetry, cg.log)
	cg.stats = NewPoller(cg.telemetry.StatsPollsActive.WithLabelValues(cg.name))
	return cg
}

// Handle implements Handler.
func (cg *ContainerGateway) Handle(ctx context.Context, c *Conn, msg ClientMessage) error {
	switch m := msg.(type) {
	case *SubscribeLogsMessage:
		return cg.subscribeLogs(ctx, c, m.ContainerID)
	case *UnsubscribeLogsMessage:
		if m.ContainerID == "" {
			return errContainerIDRequired
		}
		cg.logs.Unsubscribe(c, m.ContainerID)
		c.Send(Frame{Type: MessageTypeUnsubscribedLogs, ContainerID: m.ContainerID})
		return nil
	case *SubscribeStatsMessage:
		return cg.subscribeStats(ctx, c, m)
	case *UnsubscribeStatsMessage:
		if m.ContainerID == "" {
			return errContainerIDRequired
		}
		cg.stats.Stop(c, statsTopic+m.ContainerID)
		c.Send(Frame{Type: MessageTypeUnsubscribedStats, ContainerID: m.ContainerID})
		return nil
	default:
		return unknownMessageType(msg.Type())
	}
}

// Disconnect implements Handler.
func (cg *ContainerGateway) Disconnect(c *Conn) {
	cg.logs.Disconnect(c)
	cg.stats.StopAll(c)
}

func (cg *ContainerGateway) subscribeLogs(ctx context.Context, c *Conn, containerID string) error {
	target, err := authorize(ctx, cg.resolver, c, containerID, "Permission denied")
	if err != nil {
		return err
	}

	ack := Frame{
		Type:        MessageTypeSubscribedLogs,
		ContainerID: containerID,
		Message:     "Successfully subscribed to container logs",
	}
	if err := cg.logs.Subscribe(c, containerID, target.RuntimeID, ack); err != nil {
		if errors.Is(err, container.ErrNoSuchContainer) {
			return errContainerNotFound
		}
		return upstreamError("Failed to start log stream", err)
	}
	return nil
}

func (cg *ContainerGateway) subscribeStats(ctx context.Context, c *Conn, m *SubscribeStatsMessage) error {
	target, err := authorize(ctx, cg.resolver, c, m.ContainerID, "Permission denied")
	if err != nil {
		return err
	}

	interval := pollInterval(m.Interval, cg.opts.StatsDefaultInterval, cg.opts.StatsMinInterval)
	c.Send(Frame{
		Type:        MessageTypeSubscribedStats,
		ContainerID: m.ContainerID,
		Interval:    intervalMillis(interval),
		Message:     "Successfully subscribed to container stats",
	})
	cg.stats.Start(c, statsTopic+m.ContainerID, interval, cg.statsTick(c, m.ContainerID, target))
	return nil
}

func (cg *ContainerGateway) statsTick(c *Conn, containerID string, target access.Target) func(context.Context) {
	return func(ctx context.Context) {
		stats, err := cg.runtime.StatsSnapshot(ctx, target.RuntimeID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			cg.telemetry.UpstreamErrors.WithLabelValues("stats").Inc()
			c.logger().Warn("Failed to get container stats", "containerId", containerID, "error", err)
			return
		}
		c.Send(statsFrame(containerID, stats))
	}
}

// Stats reports connection and session counts.
func (cg *ContainerGateway) Stats() Stats {
	st := cg.Gateway.Stats()
	st.LogStreams = cg.logs.Len()
	st.StatsSubscriptions = cg.stats.Len()
	return st
}
