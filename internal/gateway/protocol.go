package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/workspace/ops-gateway/internal/container"
)

// MessageType is the mandatory "type" discriminator of every frame.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeAuth             MessageType = "auth"
	MessageTypePing             MessageType = "ping"
	MessageTypeSubscribeLogs    MessageType = "subscribe_logs"
	MessageTypeUnsubscribeLogs  MessageType = "unsubscribe_logs"
	MessageTypeSubscribeStats   MessageType = "subscribe_stats"
	MessageTypeUnsubscribeStats MessageType = "unsubscribe_stats"
	MessageTypeOpenTerminal     MessageType = "open_terminal"
	MessageTypeInput            MessageType = "input"
	MessageTypeResize           MessageType = "resize"
	MessageTypeCloseTerminal    MessageType = "close_terminal"
	MessageTypeSubscribe        MessageType = "subscribe"
	MessageTypeUnsubscribe      MessageType = "unsubscribe"

	// Server -> Client message types
	MessageTypeConnected         MessageType = "connected"
	MessageTypeAuthenticated     MessageType = "authenticated"
	MessageTypeError             MessageType = "error"
	MessageTypePong              MessageType = "pong"
	MessageTypeLog               MessageType = "log"
	MessageTypeSubscribedLogs    MessageType = "subscribed_logs"
	MessageTypeUnsubscribedLogs  MessageType = "unsubscribed_logs"
	MessageTypeStats             MessageType = "stats"
	MessageTypeSubscribedStats   MessageType = "subscribed_stats"
	MessageTypeUnsubscribedStats MessageType = "unsubscribed_stats"
	MessageTypeTerminalOpened    MessageType = "terminal_opened"
	MessageTypeOutput            MessageType = "output"
	MessageTypeTerminalClosed    MessageType = "terminal_closed"
	MessageTypeDockerEvent       MessageType = "docker_event"
	MessageTypeMetrics           MessageType = "metrics"
	MessageTypeSubscribed        MessageType = "subscribed"
	MessageTypeUnsubscribed      MessageType = "unsubscribed"
)

// ClientMessage is one decoded inbound frame. The concrete types below are the
// only implementations.
type ClientMessage interface {
	Type() MessageType
}

// AuthMessage presents a bearer token.
type AuthMessage struct {
	Token string `json:"token"`
}

// PingMessage is an application-level keepalive.
type PingMessage struct{}

// SubscribeLogsMessage starts tailing a container's logs.
type SubscribeLogsMessage struct {
	ContainerID string `json:"containerId"`
}

// UnsubscribeLogsMessage stops tailing a container's logs.
type UnsubscribeLogsMessage struct {
	ContainerID string `json:"containerId"`
}

// SubscribeStatsMessage starts periodic stats snapshots. Interval is in
// milliseconds.
type SubscribeStatsMessage struct {
	ContainerID string `json:"containerId"`
	Interval    *int64 `json:"interval,omitempty"`
}

// UnsubscribeStatsMessage stops periodic stats snapshots.
type UnsubscribeStatsMessage struct {
	ContainerID string `json:"containerId"`
}

// OpenTerminalMessage opens an interactive shell in a container.
type OpenTerminalMessage struct {
	ContainerID string `json:"containerId"`
	Shell       string `json:"shell,omitempty"`
}

// InputMessage carries terminal keystrokes.
type InputMessage struct {
	Data string `json:"data"`
}

// ResizeMessage changes the terminal window size.
type ResizeMessage struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// CloseTerminalMessage ends the connection's terminal session.
type CloseTerminalMessage struct{}

// SubscribeMetricsMessage starts periodic host metrics. Interval is in
// milliseconds.
type SubscribeMetricsMessage struct {
	Interval *int64 `json:"interval,omitempty"`
}

// UnsubscribeMetricsMessage stops periodic host metrics.
type UnsubscribeMetricsMessage struct{}

func (*AuthMessage) Type() MessageType               { return MessageTypeAuth }
func (*PingMessage) Type() MessageType               { return MessageTypePing }
func (*SubscribeLogsMessage) Type() MessageType      { return MessageTypeSubscribeLogs }
func (*UnsubscribeLogsMessage) Type() MessageType    { return MessageTypeUnsubscribeLogs }
func (*SubscribeStatsMessage) Type() MessageType     { return MessageTypeSubscribeStats }
func (*UnsubscribeStatsMessage) Type() MessageType   { return MessageTypeUnsubscribeStats }
func (*OpenTerminalMessage) Type() MessageType       { return MessageTypeOpenTerminal }
func (*InputMessage) Type() MessageType              { return MessageTypeInput }
func (*ResizeMessage) Type() MessageType             { return MessageTypeResize }
func (*CloseTerminalMessage) Type() MessageType      { return MessageTypeCloseTerminal }
func (*SubscribeMetricsMessage) Type() MessageType   { return MessageTypeSubscribe }
func (*UnsubscribeMetricsMessage) Type() MessageType { return MessageTypeUnsubscribe }

// DecodeClientMessage parses one inbound text frame. Malformed JSON and
// unknown tags yield a protocol error.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errInvalidFormat
	}

	var msg ClientMessage
	switch envelope.Type {
	case MessageTypeAuth:
		msg = &AuthMessage{}
	case MessageTypePing:
		return &PingMessage{}, nil
	case MessageTypeSubscribeLogs:
		msg = &SubscribeLogsMessage{}
	case MessageTypeUnsubscribeLogs:
		msg = &UnsubscribeLogsMessage{}
	case MessageTypeSubscribeStats:
		msg = &SubscribeStatsMessage{}
	case MessageTypeUnsubscribeStats:
		msg = &UnsubscribeStatsMessage{}
	case MessageTypeOpenTerminal:
		msg = &OpenTerminalMessage{}
	case MessageTypeInput:
		msg = &InputMessage{}
	case MessageTypeResize:
		msg = &ResizeMessage{}
	case MessageTypeCloseTerminal:
		return &CloseTerminalMessage{}, nil
	case MessageTypeSubscribe:
		msg = &SubscribeMetricsMessage{}
	case MessageTypeUnsubscribe:
		return &UnsubscribeMetricsMessage{}, nil
	default:
		return nil, unknownMessageType(envelope.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errInvalidFormat
	}
	return msg, nil
}

// Frame is one outbound server message. Only the fields relevant to Type are
// set.
type Frame struct {
	Type        MessageType      `json:"type"`
	ClientID    string           `json:"clientId,omitempty"`
	UserID      string           `json:"userId,omitempty"`
	ContainerID string           `json:"containerId,omitempty"`
	Message     string           `json:"message,omitempty"`
	Data        any              `json:"data,omitempty"`
	Interval    int64            `json:"interval,omitempty"`
	Shell       string           `json:"shell,omitempty"`
	Event       *container.Event `json:"event,omitempty"`
	Timestamp   string           `json:"timestamp,omitempty"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func connectedFrame(clientID string, authTimeout time.Duration) Frame {
	return Frame{
		Type:      MessageTypeConnected,
		ClientID:  clientID,
		Message:   fmt.Sprintf("Please authenticate within %s", humanDuration(authTimeout)),
		Timestamp: timestamp(time.Now()),
	}
}

func errorFrame(message string) Frame {
	return Frame{Type: MessageTypeError, Message: message}
}

func pongFrame() Frame {
	return Frame{Type: MessageTypePong, Timestamp: timestamp(time.Now())}
}

func logFrame(containerID string, chunk []byte, at time.Time) Frame {
	return Frame{
		Type:        MessageTypeLog,
		ContainerID: containerID,
		Data:        string(chunk),
		Timestamp:   timestamp(at),
	}
}

func statsFrame(containerID string, stats *container.Stats) Frame {
	return Frame{
		Type:        MessageTypeStats,
		ContainerID: containerID,
		Data:        stats,
		Timestamp:   timestamp(time.Now()),
	}
}

func outputFrame(chunk []byte) Frame {
	return Frame{Type: MessageTypeOutput, Data: string(chunk)}
}

// humanDuration renders whole seconds as "30 seconds" and anything shorter
// as a Go duration.
func humanDuration(d time.Duration) string {
	if d >= time.Second && d%time.Second == 0 {
		secs := int64(d / time.Second)
		if secs == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", secs)
	}
	return d.String()
}

func intervalMillis(d time.Duration) int64 {
	return d.Milliseconds()
}
