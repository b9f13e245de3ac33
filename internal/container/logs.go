package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
)

const logReadBufferSize = 32 * 1024

// StreamLogs follows a container's combined stdout and stderr. Each chunk is
// delivered verbatim as read from the runtime, with runtime timestamps.
func (d *DockerCLI) StreamLogs(ctx context.Context, containerID string) (LogStream, error) {
	if _, err := d.inspect(ctx, containerID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := d.exec(ctx, d.config.Binary, buildLogsArgs(containerID, d.config.TailLines)...)
	cmd.WaitDelay = d.config.CloseTimeout

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start docker logs: %v", ErrRuntime, err)
	}

	s := newStream[[]byte](cancel, d.config.CloseTimeout)

	go func() {
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			pw.CloseWithError(fmt.Errorf("%w: docker logs exited: %v", ErrRuntime, err))
			return
		}
		pw.Close()
	}()

	go func() {
		defer pr.Close()
		buf := make([]byte, logReadBufferSize)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !s.emit(ctx, chunk) {
					s.finish(nil)
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					err = nil
				}
				if err != nil {
					slog.Warn("Log stream ended with error", "container", containerID, "error", err)
				}
				s.finish(err)
				return
			}
		}
	}()

	return logStream{s}, nil
}

func buildLogsArgs(containerID string, tail int) []string {
	return []string{
		"logs",
		"--follow",
		"--timestamps",
		"--tail", strconv.Itoa(tail),
		containerID,
	}
}
