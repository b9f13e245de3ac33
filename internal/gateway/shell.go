package gateway

import (
	"context"

	"github.com/workspace/ops-gateway/internal/container"
)

// TerminalGateway serves interactive shells. Inbound messages are paced by
// an input throttle instead of the windowed rate limiter.
type TerminalGateway struct {
	*Gateway
	resolver  PermissionResolver
	terminals *TerminalManager
}

// NewTerminalGateway creates the terminal gateway.
func NewTerminalGateway(opts Options, deps Deps) *TerminalGateway {
	tg := &TerminalGateway{resolver: deps.Resolver}
	tg.Gateway = newGateway("terminal", opts, deps, tg)
	tg.throttle = &InputThrottle{Interval: opts.TerminalInputInterval}
	tg.terminals = NewTerminalManager(deps.Runtime, tg.telemetry, tg.log)
	return tg
}

// Handle implements Handler.
func (tg *TerminalGateway) Handle(ctx context.Context, c *Conn, msg ClientMessage) error {
	switch m := msg.(type) {
	case *OpenTerminalMessage:
		return tg.open(ctx, c, m)
	case *InputMessage:
		tg.terminals.Input(c, m.Data)
		return nil
	case *ResizeMessage:
		return tg.terminals.Resize(c, m.Rows, m.Cols)
	case *CloseTerminalMessage:
		tg.terminals.Close(c)
		c.Send(Frame{Type: MessageTypeTerminalClosed, Message: "Terminal session closed"})
		return nil
	default:
		return unknownMessageType(msg.Type())
	}
}

// Disconnect implements Handler.
func (tg *TerminalGateway) Disconnect(c *Conn) {
	tg.terminals.Close(c)
}

func (tg *TerminalGateway) open(ctx context.Context, c *Conn, m *OpenTerminalMessage) error {
	if tg.terminals.Has(c) {
		return errTerminalAlreadyOpen
	}
	target, err := authorize(ctx, tg.resolver, c, m.ContainerID, "Access denied")
	if err != nil {
		return err
	}

	shell := m.Shell
	if shell == "" {
		shell = tg.opts.DefaultShell
	}
	return tg.terminals.Open(ctx, c, m.ContainerID, target.RuntimeID, container.ExecOptions{
		Shell: shell,
		User:  tg.opts.ContainerUser,
		Rows:  tg.opts.TerminalRows,
		Cols:  tg.opts.TerminalCols,
	})
}

// Stats reports connection and session counts.
func (tg *TerminalGateway) Stats() Stats {
	st := tg.Gateway.Stats()
	st.TerminalSessions = tg.terminals.Len()
	return st
}
