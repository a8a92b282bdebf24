package gitcmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long a cancelled process may linger before
// its pipes are forced closed and it is given up on.
const DefaultWaitDelay = 10 * time.Second

// CommandOptions carry the per-invocation variations of a service run.
type CommandOptions struct {
	// AdvertiseRefs runs the service in ref advertisement mode: the
	// process prints its advertisement and exits instead of performing a
	// negotiation round.
	AdvertiseRefs bool

	// Protocol is the client's Git-Protocol header value, handed to the
	// process as the GIT_PROTOCOL environment variable. Empty selects the
	// protocol v0 default.
	Protocol string
}

// Commander creates Command instances for service invocations. Bridge is
// written against this interface so tests can substitute an in-memory
// process.
type Commander interface {
	// Command prepares svc against the repository directory dir. The
	// command is not started; it is bound to ctx and killed when ctx is
	// cancelled.
	Command(ctx context.Context, svc Service, dir string, opts *CommandOptions) (Command, error)
}

// Command is a single service process, modeled after exec.Cmd: pipes are
// created before Start, Wait reaps the process after its streams are
// drained, and Close releases everything without waiting for a clean exit.
type Command interface {
	// StdinPipe returns the process input. Closing it signals
	// end-of-input to the process.
	StdinPipe() (io.WriteCloser, error)
	// StdoutPipe returns the process output stream.
	StdoutPipe() (io.Reader, error)
	// StderrPipe returns the process diagnostic stream.
	StderrPipe() (io.Reader, error)
	// Start starts the process without waiting for it.
	Start() error
	// Wait blocks until the process exits and reaps it. It returns nil
	// only for a zero exit status.
	Wait() error
	// Close kills the process if it is still running and releases its
	// resources. It is safe to call after Wait.
	Close() error
}

// Local spawns service processes with a git binary on this machine. All
// spawn configuration lives here; nothing is read from process globals.
type Local struct {
	// GitPath is the binary to run. Defaults to "git".
	GitPath string

	// Env is the base environment for spawned processes. nil inherits the
	// server's environment.
	Env []string

	// WaitDelay overrides DefaultWaitDelay when positive.
	WaitDelay time.Duration
}

// Command implements Commander with os/exec.
func (l *Local) Command(ctx context.Context, svc Service, dir string, opts *CommandOptions) (Command, error) {
	if opts == nil {
		opts = &CommandOptions{}
	}

	args := []string{svc.argument(), "--stateless-rpc"}
	if opts.AdvertiseRefs {
		args = append(args, "--advertise-refs")
	}
	args = append(args, dir)

	cmd := exec.CommandContext(ctx, l.gitPath(), args...)
	cmd.Env = l.Env
	if opts.Protocol != "" {
		cmd.Env = append(cmd.Environ(), "GIT_PROTOCOL="+opts.Protocol)
	}
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	return &localCommand{cmd: cmd}, nil
}

// RefreshServerInfo regenerates the info/refs and objects/info/packs
// files that dumb HTTP clients read.
func (l *Local) RefreshServerInfo(ctx context.Context, dir string) error {
	cmd := exec.CommandContext(ctx, l.gitPath(), "-C", dir, "update-server-info")
	cmd.Env = l.Env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("update-server-info: %v: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func (l *Local) gitPath() string {
	if l.GitPath != "" {
		return l.GitPath
	}
	return "git"
}

type localCommand struct {
	cmd    *exec.Cmd
	closed bool
}

func (c *localCommand) StdinPipe() (io.WriteCloser, error) {
	return c.cmd.StdinPipe()
}

func (c *localCommand) StdoutPipe() (io.Reader, error) {
	return c.cmd.StdoutPipe()
}

func (c *localCommand) StderrPipe() (io.Reader, error) {
	return c.cmd.StderrPipe()
}

func (c *localCommand) Start() error {
	return c.cmd.Start()
}

func (c *localCommand) Wait() error {
	return c.cmd.Wait()
}

func (c *localCommand) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cmd.Process != nil && c.cmd.ProcessState == nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	return nil
}
