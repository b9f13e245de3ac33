package container

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// ExecOptions configures an interactive exec session.
type ExecOptions struct {
	Shell string
	User  string
	Rows  int
	Cols  int
	Env   []string
}

// ptyExec is an ExecChannel backed by `docker exec -it` running on a local pty.
type ptyExec struct {
	cmd    *exec.Cmd
	pty    *os.File
	output chan []byte
	cancel context.CancelFunc
	done   chan struct{}

	closeTimeout time.Duration
	closeOnce    sync.Once
	mu           sync.Mutex
}

// OpenExec starts an interactive shell inside the container.
func (d *DockerCLI) OpenExec(ctx context.Context, containerID string, opts ExecOptions) (ExecChannel, error) {
	if _, err := d.inspect(ctx, containerID); err != nil {
		return nil, err
	}

	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if err := checkSize(opts.Rows, opts.Cols); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := d.exec(ctx, d.config.Binary, buildExecArgs(containerID, opts)...)
	cmd.WaitDelay = d.config.CloseTimeout

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(opts.Rows),
		Cols: uint16(opts.Cols),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start docker exec: %v", ErrRuntime, err)
	}

	ch := &ptyExec{
		cmd:          cmd,
		pty:          ptmx,
		output:       make(chan []byte, 64),
		cancel:       cancel,
		done:         make(chan struct{}),
		closeTimeout: d.config.CloseTimeout,
	}
	go ch.pump(ctx)

	return ch, nil
}

func buildExecArgs(containerID string, opts ExecOptions) []string {
	args := []string{"exec", "-it", "-e", "TERM=xterm-256color"}
	for _, e := range opts.Env {
		args = append(args, "-e", e)
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	return append(args, containerID, opts.Shell)
}

// pump copies pty output to the channel until the shell exits.
func (p *ptyExec) pump(ctx context.Context) {
	defer close(p.done)
	defer close(p.output)

	buf := make([]byte, 4096)
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.output <- chunk:
			case <-ctx.Done():
				_ = p.cmd.Wait()
				return
			}
		}
		if err != nil {
			// EIO on the master side means the shell exited.
			_ = p.cmd.Wait()
			return
		}
	}
}

func (p *ptyExec) Output() <-chan []byte { return p.output }

func (p *ptyExec) Write(b []byte) (int, error) {
	return p.pty.Write(b)
}

func (p *ptyExec) Resize(rows, cols int) error {
	if err := checkSize(rows, cols); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return pty.Setsize(p.pty, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// checkSize rejects dimensions a pty window size cannot hold.
func checkSize(rows, cols int) error {
	if rows <= 0 || cols <= 0 || rows > math.MaxUint16 || cols > math.MaxUint16 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return nil
}

// Close kills the exec process and releases the pty. Safe to call more than once.
func (p *ptyExec) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.pty.Close()
	})
	select {
	case <-p.done:
	case <-time.After(p.closeTimeout):
	}
	return err
}
