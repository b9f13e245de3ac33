package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/workspace/ops-gateway/internal/container"
)

var errEventStreamEnded = errors.New("event stream ended")

// EventsGateway broadcasts runtime container events to every authenticated
// connection. Clients only authenticate and ping.
type EventsGateway struct {
	*Gateway
	runtime container.Provider
}

// NewEventsGateway creates the daemon events gateway.
func NewEventsGateway(opts Options, deps Deps) *EventsGateway {
	eg := &EventsGateway{runtime: deps.Runtime}
	eg.Gateway = newGateway("events", opts, deps, eg)
	return eg
}

// Handle implements Handler.
func (eg *EventsGateway) Handle(_ context.Context, _ *Conn, msg ClientMessage) error {
	return unknownMessageType(msg.Type())
}

// Disconnect implements Handler.
func (eg *EventsGateway) Disconnect(*Conn) {}

// Run follows the runtime event feed and probes connections until ctx is
// cancelled.
func (eg *EventsGateway) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		eg.follow(ctx)
	}()
	err := eg.Gateway.Run(ctx)
	<-done
	return err
}

// follow keeps one event stream open, reopening it after a fixed delay
// whenever it fails or ends.
func (eg *EventsGateway) follow(ctx context.Context) {
	for {
		err := eg.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		eg.telemetry.UpstreamErrors.WithLabelValues("events").Inc()
		eg.log.Error("Event stream interrupted, retrying", "error", err, "retryIn", eg.opts.EventsRetryDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(eg.opts.EventsRetryDelay):
		}
	}
}

func (eg *EventsGateway) consume(ctx context.Context) error {
	stream, err := eg.runtime.StreamEvents(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	eg.log.Info("Event stream opened")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return errEventStreamEnded
			}
			eg.broadcast(ev)
		}
	}
}

func (eg *EventsGateway) broadcast(ev container.Event) {
	data, err := json.Marshal(Frame{
		Type:      MessageTypeDockerEvent,
		Event:     &ev,
		Timestamp: timestamp(time.Now()),
	})
	if err != nil {
		eg.log.Error("Failed to encode event frame", "error", err)
		return
	}
	for _, c := range eg.registry.Authenticated() {
		c.sendRaw(data)
	}
}
