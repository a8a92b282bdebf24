package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"testing/iotest"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// fakeCommand emulates a service process over in-memory pipes. The script
// plays the process role; cancelling the command's context behaves like a
// kill, dropping every stream.
type fakeCommand struct {
	ctx    context.Context
	script func(stdin io.Reader, stdout, stderr io.Writer) int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done   chan struct{}
	exit   int
	killed atomic.Bool
}

func newFakeCommand(ctx context.Context, script func(io.Reader, io.Writer, io.Writer) int) *fakeCommand {
	c := &fakeCommand{ctx: ctx, script: script, done: make(chan struct{})}
	c.stdinR, c.stdinW = io.Pipe()
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()
	return c
}

func (c *fakeCommand) StdinPipe() (io.WriteCloser, error) { return c.stdinW, nil }
func (c *fakeCommand) StdoutPipe() (io.Reader, error)     { return c.stdoutR, nil }
func (c *fakeCommand) StderrPipe() (io.Reader, error)     { return c.stderrR, nil }

func (c *fakeCommand) Start() error {
	go func() {
		defer close(c.done)
		c.exit = c.script(c.stdinR, c.stdoutW, c.stderrW)
		c.stdoutW.Close()
		c.stderrW.Close()
		c.stdinR.CloseWithError(io.ErrClosedPipe)
	}()
	go func() {
		select {
		case <-c.done:
		case <-c.ctx.Done():
			select {
			case <-c.done:
			default:
				c.killed.Store(true)
			}
			c.stdinR.CloseWithError(io.ErrClosedPipe)
			c.stdoutW.Close()
			c.stderrW.Close()
		}
	}()
	return nil
}

func (c *fakeCommand) Wait() error {
	<-c.done
	if c.killed.Load() {
		return errors.New("signal: killed")
	}
	if c.exit != 0 {
		return fmt.Errorf("exit status %d", c.exit)
	}
	return nil
}

func (c *fakeCommand) Close() error {
	c.stdinW.Close()
	c.stdoutR.Close()
	c.stderrR.Close()
	return nil
}

func (c *fakeCommand) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeCommander struct {
	script   func(stdin io.Reader, stdout, stderr io.Writer) int
	spawnErr error

	mu       sync.Mutex
	commands []*fakeCommand
}

func (f *fakeCommander) Command(ctx context.Context, svc Service, dir string, opts *CommandOptions) (Command, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	c := newFakeCommand(ctx, f.script)
	f.mu.Lock()
	f.commands = append(f.commands, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeCommander) last() *fakeCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return nil
	}
	return f.commands[len(f.commands)-1]
}

func testBridge(cmdr Commander, opts *BridgeOptions) (*Bridge, *logrustest.Hook) {
	logger, hook := logrustest.NewNullLogger()
	merged := BridgeOptions{Logger: logger}
	if opts != nil {
		merged = *opts
		merged.Logger = logger
	}
	return NewBridge(cmdr, &merged), hook
}

func TestBridgeEcho(t *testing.T) {
	cmdr := &fakeCommander{script: func(stdin io.Reader, stdout, stderr io.Writer) int {
		if _, err := io.Copy(stdout, stdin); err != nil {
			return 1
		}
		return 0
	}}
	b, _ := testBridge(cmdr, nil)

	res, err := b.Run(context.Background(), ReceivePack, "/repo", strings.NewReader("0000hello"), nil)
	require.NoError(t, err)
	defer res.Close()

	out, err := io.ReadAll(res.Output())
	require.NoError(t, err)
	require.Equal(t, "0000hello", string(out))
	require.NoError(t, res.Close())
}

func TestBridgeDeliversWholeBody(t *testing.T) {
	collected := make(chan string, 1)
	cmdr := &fakeCommander{script: func(stdin io.Reader, stdout, stderr io.Writer) int {
		b, _ := io.ReadAll(stdin)
		collected <- string(b)
		fmt.Fprint(stdout, "ack")
		return 0
	}}
	b, _ := testBridge(cmdr, nil)

	res, err := b.Run(context.Background(), UploadPack, "/repo", strings.NewReader("0123456789"), nil)
	require.NoError(t, err)
	defer res.Close()

	out, err := io.ReadAll(res.Output())
	require.NoError(t, err)
	require.Equal(t, "ack", string(out))

	// The process saw every body byte and then end-of-input.
	require.Equal(t, "0123456789", <-collected)
}

func TestBridgeAdvertisement(t *testing.T) {
	cmdr := &fakeCommander{script: func(stdin io.Reader, stdout, stderr io.Writer) int {
		fmt.Fprint(stdout, "00a1cafe refs/heads/main")
		return 0
	}}
	b, _ := testBridge(cmdr, nil)

	res, err := b.Run(context.Background(), UploadPack, "/repo", nil, &CommandOptions{AdvertiseRefs: true})
	require.NoError(t, err)
	defer res.Close()

	out, err := io.ReadAll(res.Output())
	require.NoError(t, err)
	require.Equal(t, "00a1cafe refs/heads/main", string(out))
}

func TestBridgeFailureBeforeOutput(t *testing.T) {
	cmdr := &fakeCommander{script: func(stdin io.Reader, stdout, stderr io.Writer) int {
		fmt.Fprintln(stderr, "fatal: not a git repository")
		return 128
	}}
	b, hook := testBridge(cmdr, nil)

	_, err := b.Run(context.Background(), UploadPack, "/repo", strings.NewReader(""), nil)
	require.ErrorIs(t, err, ErrProcessFailed)

	var logged bool
	for _, e := range hook.AllEntries() {
		if s, ok := e.Data["stderr"].(string); ok && strings.Contains(s, "not a git repository") {
			logged = true
			require.Equal(t, logrus.ErrorLevel, e.Level)
		}
	}
	require.True(t, logged, "stderr should be logged, never forwarded")
}

func TestBridgeEmptyOutput(t *testing.T) {
	cmdr := &fakeCommander{script: func(stdin io.Reader, stdout, stderr io.Writer) int {
		io.Copy(io.Discard, stdin)
		return 0
	}}
	b, _ := testBridge(cmdr, nil)

	_, err := b.Run(context.Background(), UploadPack, "/repo", strings.NewReader("x"), nil)
	require.ErrorIs(t, err, ErrProcessFailed)
	require.ErrorContains(t, err, "no output")
}

func TestBridgeMidStreamFailure(t *testing.T) {
	payload := bytes.Repeat([]byte{0xcd}, 64*1024)
	cmdr := &fakeCommander{script: func(stdin io.Reader, stdout, stderr io.Writer) int {
		stdout.Write(payload)
		fmt.Fprintln(stderr, "fatal: pack truncated")
		return 1
	}}
	b, _ := testBridge(cmdr, nil)

	res, err := b.Run(context.Background(), UploadPack, "/repo", strings.NewReader(""), nil)
	require.NoError(t, err)
	defer res.Close()

	got, err := io.ReadAll(res.Output())
	require.ErrorIs(t, err, ErrProcessFailed)
	require.Equal(t, payload, got)
}

func TestBridgeIdleTimeout(t *testing.T) {
	stall := make(chan struct{})
	defer close(stall)

	cmdr := &fakeCommander{script: func(stdin io.Reader, stdout, stderr io.Writer) int {
		fmt.Fprint(stdout, "partial")
		io.Copy(io.Discard, stdin) // blocks until the kill drops stdin
		return 0
	}}
	b, _ := testBridge(cmdr, &BridgeOptions{IdleTimeout: 500 * time.Millisecond})

	res, err := b.Run(context.Background(), UploadPack, "/repo", blockingReader{stall}, nil)
	require.NoError(t, err)
	defer res.Close()

	_, err = io.ReadAll(res.Output())
	require.ErrorIs(t, err, ErrIdleTimeout)
}

// blockingReader blocks every Read until the channel closes, then reports
// EOF.
type blockingReader struct {
	ch chan struct{}
}

func (b blockingReader) Read([]byte) (int, error) {
	<-b.ch
	return 0, io.EOF
}

func TestBridgeCloseKillsProcess(t *testing.T) {
	chunk := bytes.Repeat([]byte{1}, 8*1024)
	cmdr := &fakeCommander{script: func(stdin io.Reader, stdout, stderr io.Writer) int {
		for {
			if _, err := stdout.Write(chunk); err != nil {
				return 7
			}
		}
	}}
	b, _ := testBridge(cmdr, nil)

	res, err := b.Run(context.Background(), UploadPack, "/repo", strings.NewReader(""), nil)
	require.NoError(t, err)

	_, err = io.ReadFull(res.Output(), make([]byte, 1024))
	require.NoError(t, err)
	require.NoError(t, res.Close())

	require.Eventually(t, cmdr.last().exited, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeBodyErrorTearsDown(t *testing.T) {
	boom := errors.New("connection reset")
	cmdr := &fakeCommander{script: func(stdin io.Reader, stdout, stderr io.Writer) int {
		if _, err := io.ReadAll(stdin); err != nil {
			return 1
		}
		fmt.Fprint(stdout, "done")
		return 0
	}}
	b, _ := testBridge(cmdr, nil)

	body := io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(boom))
	res, err := b.Run(context.Background(), ReceivePack, "/repo", body, nil)
	if err == nil {
		_, err = io.ReadAll(res.Output())
		res.Close()
	}
	require.ErrorIs(t, err, boom)
}

func TestBridgeSpawnErrorClassification(t *testing.T) {
	b, _ := testBridge(&fakeCommander{spawnErr: syscall.EMFILE}, nil)
	_, err := b.Run(context.Background(), UploadPack, "/repo", nil, nil)
	require.ErrorIs(t, err, ErrResourceExhausted)

	b, _ = testBridge(&fakeCommander{spawnErr: errors.New("exec format error")}, nil)
	_, err = b.Run(context.Background(), UploadPack, "/repo", nil, nil)
	require.ErrorIs(t, err, ErrProcessFailed)
	require.NotErrorIs(t, err, ErrResourceExhausted)
}

func TestBridgeStderrAvailableAfterClose(t *testing.T) {
	cmdr := &fakeCommander{script: func(stdin io.Reader, stdout, stderr io.Writer) int {
		fmt.Fprint(stdout, "data")
		fmt.Fprint(stderr, "warning: bitmap missing")
		return 0
	}}
	b, _ := testBridge(cmdr, nil)

	res, err := b.Run(context.Background(), UploadPack, "/repo", nil, &CommandOptions{AdvertiseRefs: true})
	require.NoError(t, err)

	_, err = io.ReadAll(res.Output())
	require.NoError(t, err)
	require.NoError(t, res.Close())
	require.Equal(t, "warning: bitmap missing", string(res.Stderr()))
}
