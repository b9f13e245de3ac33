// Package container opens log, stats, event and exec streams against the
// container runtime by driving the docker CLI.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrNoSuchContainer is returned when the runtime does not know the container.
	ErrNoSuchContainer = errors.New("no such container")
	// ErrRuntime wraps failures talking to the runtime itself.
	ErrRuntime = errors.New("container runtime error")
)

// Provider is the set of upstream streams the gateways consume.
type Provider interface {
	StreamLogs(ctx context.Context, containerID string) (LogStream, error)
	StatsSnapshot(ctx context.Context, containerID string) (*Stats, error)
	StreamEvents(ctx context.Context) (EventStream, error)
	OpenExec(ctx context.Context, containerID string, opts ExecOptions) (ExecChannel, error)
}

// LogStream is a live follow of one container's combined stdout/stderr.
// Chunks is closed when the upstream ends or Close is called.
type LogStream interface {
	Chunks() <-chan []byte
	// Err reports why the stream ended. Valid once Chunks is closed.
	Err() error
	Close() error
}

// EventStream is a live feed of runtime container events.
type EventStream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// ExecChannel is an interactive process attached to a pseudo-terminal.
// Output is closed when the process exits or Close is called.
type ExecChannel interface {
	Output() <-chan []byte
	Write(p []byte) (int, error)
	Resize(rows, cols int) error
	Close() error
}

// CommandExecutor abstracts exec.CommandContext for testing.
type CommandExecutor func(ctx context.Context, name string, args ...string) *exec.Cmd

// Config holds docker CLI settings.
type Config struct {
	// Binary is the docker executable (default: "docker").
	Binary string
	// CommandTimeout bounds one-shot calls such as inspect and stats.
	CommandTimeout time.Duration
	// TailLines is the history replayed when a log stream opens.
	TailLines int
	// CloseTimeout bounds how long Close waits for a stream process to exit.
	CloseTimeout time.Duration
}

// DockerCLI implements Provider on top of the docker command line client.
type DockerCLI struct {
	exec   CommandExecutor
	config Config
}

// NewDockerCLI creates a provider with the default command executor.
func NewDockerCLI(cfg Config) *DockerCLI {
	return NewDockerCLIWithExecutor(cfg, defaultExec)
}

// NewDockerCLIWithExecutor creates a provider with a custom command executor (for testing).
func NewDockerCLIWithExecutor(cfg Config, executor CommandExecutor) *DockerCLI {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.TailLines < 0 {
		cfg.TailLines = 0
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	return &DockerCLI{exec: executor, config: cfg}
}

func defaultExec(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// output runs a one-shot docker command bounded by the command timeout.
func (d *DockerCLI) output(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.CommandTimeout)
	defer cancel()

	cmd := d.exec(ctx, d.config.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, commandError(args[0], err, stderr.String())
	}
	return out, nil
}

// inspect verifies the container exists and returns its full runtime id.
func (d *DockerCLI) inspect(ctx context.Context, containerID string) (string, error) {
	out, err := d.output(ctx, "inspect", "--type", "container", "--format", "{{.Id}}", containerID)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSuchContainer, containerID)
	}
	return id, nil
}

func commandError(verb string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if strings.Contains(msg, "No such container") || strings.Contains(msg, "No such object") {
		return fmt.Errorf("%w: %s", ErrNoSuchContainer, msg)
	}
	if msg != "" {
		return fmt.Errorf("%w: docker %s: %v: %s", ErrRuntime, verb, err, msg)
	}
	return fmt.Errorf("%w: docker %s: %v", ErrRuntime, verb, err)
}
