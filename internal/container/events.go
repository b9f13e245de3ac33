package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Event is one container lifecycle event reported by the runtime.
type Event struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	ID     string `json:"id"`
	From   string `json:"from,omitempty"`
	Status string `json:"status,omitempty"`
	Name   string `json:"name,omitempty"`
	Time   int64  `json:"time"`
}

type dockerEventLine struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	From   string `json:"from"`
	Type   string `json:"Type"`
	Action string `json:"Action"`
	Actor  struct {
		ID         string            `json:"ID"`
		Attributes map[string]string `json:"Attributes"`
	} `json:"Actor"`
	Time int64 `json:"time"`
}

// StreamEvents follows container events from the runtime until the context is
// cancelled, the stream is closed, or the daemon connection drops.
func (d *DockerCLI) StreamEvents(ctx context.Context) (EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := d.exec(ctx, d.config.Binary, "events", "--filter", "type=container", "--format", "{{json .}}")
	cmd.WaitDelay = d.config.CloseTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrRuntime, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start docker events: %v", ErrRuntime, err)
	}

	s := newStream[Event](cancel, d.config.CloseTimeout)

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

		for scanner.Scan() {
			ev, ok := parseEvent(scanner.Text())
			if !ok {
				continue
			}
			if !s.emit(ctx, ev) {
				break
			}
		}

		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			s.finish(nil)
			return
		}
		if waitErr != nil {
			s.finish(fmt.Errorf("%w: docker events exited: %v", ErrRuntime, waitErr))
			return
		}
		s.finish(fmt.Errorf("%w: docker events stream ended", ErrRuntime))
	}()

	return eventStream{s}, nil
}

func parseEvent(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}

	var raw dockerEventLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, false
	}

	ev := Event{
		Action: raw.Action,
		Type:   raw.Type,
		ID:     raw.ID,
		From:   raw.From,
		Status: raw.Status,
		Time:   raw.Time,
	}
	if ev.ID == "" {
		ev.ID = raw.Actor.ID
	}
	if ev.Action == "" {
		ev.Action = raw.Status
	}
	if ev.Type == "" {
		ev.Type = "container"
	}
	if ev.From == "" {
		ev.From = raw.Actor.Attributes["image"]
	}
	ev.Name = raw.Actor.Attributes["name"]

	if ev.Action == "" || ev.ID == "" {
		return Event{}, false
	}
	return ev, true
}
