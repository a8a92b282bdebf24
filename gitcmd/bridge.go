package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mensi/githttpd/internal/ioflow"
	"github.com/mensi/githttpd/internal/metrics"
)

var (
	// ErrProcessFailed reports a service process that could not be
	// spawned, exited nonzero, or produced no output at all.
	ErrProcessFailed = errors.New("gitcmd: service process failed")

	// ErrResourceExhausted reports spawn failures caused by descriptor or
	// memory pressure rather than by the request itself.
	ErrResourceExhausted = errors.New("gitcmd: resources exhausted")

	// ErrIdleTimeout reports a transfer torn down because neither
	// direction made progress within the configured window.
	ErrIdleTimeout = errors.New("gitcmd: no progress within idle timeout")
)

// firstProbeSize is how much output is read before a Run is declared
// successful. Failures before the first byte map to clean HTTP errors;
// failures after it abort the response mid-stream.
const firstProbeSize = 512

// BridgeOptions tune per-request streaming behavior.
type BridgeOptions struct {
	// Credits is the per-direction fragment budget. Each direction
	// buffers at most Credits+2 fragments of ioflow.FragmentSize bytes.
	Credits int

	// IdleTimeout tears a transfer down when no fragment moves in either
	// direction for this long. Negative disables it; zero selects the
	// default.
	IdleTimeout time.Duration

	// StderrLimit caps how much process diagnostic output is retained
	// for logging. The rest is drained and dropped.
	StderrLimit int

	// Logger receives process failure diagnostics. Defaults to the
	// standard logrus logger.
	Logger logrus.FieldLogger
}

// DefaultBridgeOptions fill unset BridgeOptions fields.
var DefaultBridgeOptions = BridgeOptions{
	Credits:     8,
	IdleTimeout: 5 * time.Minute,
	StderrLimit: 64 * 1024,
}

// Bridge runs service processes and connects their standard streams to
// HTTP byte streams. Both directions flow through bounded pipes, so a
// slow peer stalls the transfer instead of growing a buffer.
type Bridge struct {
	cmdr Commander
	opts BridgeOptions
}

// NewBridge returns a Bridge spawning processes through cmdr. Zero fields
// of opts fall back to DefaultBridgeOptions; a nil opts selects all
// defaults.
func NewBridge(cmdr Commander, opts *BridgeOptions) *Bridge {
	merged := BridgeOptions{}
	if opts != nil {
		merged = *opts
	}
	_ = mergo.Merge(&merged, DefaultBridgeOptions)
	if merged.Logger == nil {
		merged.Logger = logrus.StandardLogger()
	}
	return &Bridge{cmdr: cmdr, opts: merged}
}

// Result is one running service invocation. Output streams the process
// output; Close releases the process and must be called on every path.
type Result struct {
	output io.Reader

	cancel   context.CancelCauseFunc
	cmd      Command
	outR     *ioflow.PipeReader
	stderr   *bytes.Buffer
	finished chan struct{} // closed once the process is reaped
	verdict  error         // valid after finished

	closeOnce sync.Once
}

// Output returns the process output stream. It ends with io.EOF only when
// the process exited cleanly after the stream was fully delivered; any
// other error means the response must be aborted rather than completed.
func (r *Result) Output() io.Reader {
	return r.output
}

// Stderr returns the retained diagnostic output of the process. It
// returns nil until the process has been reaped.
func (r *Result) Stderr() []byte {
	select {
	case <-r.finished:
		return r.stderr.Bytes()
	default:
		return nil
	}
}

// Close tears the invocation down: the process is killed if it is still
// running, the output pipe is released and the exit collected. Close is
// idempotent and safe to call while Output is being read.
func (r *Result) Close() error {
	r.closeOnce.Do(func() {
		r.cancel(nil)
		r.outR.Close()
		<-r.finished
		_ = r.cmd.Close()
	})
	return nil
}

// Run invokes svc against the repository directory dir, feeding body to
// the process (nil for advertisement runs). It blocks until the process
// produced its first output and then hands the stream over; the input
// side keeps being fed in the background while the caller reads.
//
// An error return means no response bytes were produced and the failure
// can still be mapped to an HTTP status.
func (b *Bridge) Run(ctx context.Context, svc Service, dir string, body io.Reader, opts *CommandOptions) (*Result, error) {
	log := b.opts.Logger.WithFields(logrus.Fields{
		"service": svc.Name(),
		"dir":     dir,
	})

	cctx, cancel := context.WithCancelCause(ctx)

	cmd, err := b.cmdr.Command(cctx, svc, dir, opts)
	if err != nil {
		cancel(nil)
		return nil, b.spawnFailure(svc, log, err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel(nil)
		_ = cmd.Close()
		return nil, b.spawnFailure(svc, log, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel(nil)
		_ = cmd.Close()
		return nil, b.spawnFailure(svc, log, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel(nil)
		_ = cmd.Close()
		return nil, b.spawnFailure(svc, log, err)
	}
	if err := cmd.Start(); err != nil {
		cancel(nil)
		_ = cmd.Close()
		return nil, b.spawnFailure(svc, log, err)
	}

	wd := ioflow.NewWatchdog(b.opts.IdleTimeout, func() {
		cancel(ErrIdleTimeout)
	})

	res := &Result{
		cancel:   cancel,
		cmd:      cmd,
		stderr:   &bytes.Buffer{},
		finished: make(chan struct{}),
	}

	// Input direction: body -> bounded pipe -> process stdin. The feeder
	// is not joined anywhere; it exits once the body source ends or
	// fails, which the HTTP layer guarantees by closing the connection.
	if body != nil {
		inR, inW := ioflow.Pipe(b.opts.Credits)
		go func() {
			n, cerr := ioflow.Copy(inW, body, wd.Touch)
			if cerr != nil && !errors.Is(cerr, io.ErrClosedPipe) {
				// The request input broke mid-stream. Tear the process
				// down rather than let it act on a truncated request.
				cancel(fmt.Errorf("request body: %w", cerr))
			}
			inW.CloseWithError(cerr)
			metrics.BytesTransferred.WithLabelValues("in").Add(float64(n))
		}()
		go func() {
			// A write error here means the process stopped reading input,
			// which is its prerogative; the exit status is the signal that
			// matters. Plain Close makes the feeder fail with
			// io.ErrClosedPipe, distinguishable from real body errors.
			_, _ = ioflow.Copy(stdin, inR, nil)
			_ = stdin.Close()
			inR.Close()
		}()
	} else {
		_ = stdin.Close()
	}

	// Output direction: process stdout -> bounded pipe -> caller.
	outR, outW := ioflow.Pipe(b.opts.Credits)
	res.outR = outR

	var g errgroup.Group
	g.Go(func() error {
		_, cerr := ioflow.Copy(outW, stdout, wd.Touch)
		if cerr != nil {
			// Either the caller stopped reading or stdout broke.
			cancel(fmt.Errorf("process output: %w", cerr))
		}
		return cerr
	})
	g.Go(func() error {
		_, cerr := ioflow.Copy(res.stderr, io.LimitReader(stderr, int64(b.opts.StderrLimit)), nil)
		if cerr == nil {
			_, cerr = ioflow.Copy(io.Discard, stderr, nil)
		}
		return cerr
	})

	go func() {
		copyErr := g.Wait()
		waitErr := cmd.Wait()
		wd.Stop()
		res.verdict = b.verdict(cctx, svc, log, waitErr, copyErr, res.stderr)
		if res.verdict != nil {
			outW.CloseWithError(res.verdict)
		} else {
			outW.Close()
		}
		close(res.finished)
	}()

	// Hold the request until the first output fragment: failures before
	// it still map to a clean HTTP status for the caller.
	first := make([]byte, firstProbeSize)
	n, rerr := outR.Read(first)
	if rerr != nil {
		<-res.finished
		verdict := res.verdict
		if verdict == nil {
			// Clean exit with nothing to say. Something is wrong with the
			// repository or the invocation; an empty 200 would only
			// confuse clients.
			verdict = fmt.Errorf("%w: produced no output", ErrProcessFailed)
			log.WithError(verdict).Error("service process produced no output")
			metrics.ProcessFailures.WithLabelValues(svc.Name()).Inc()
		}
		_ = res.Close()
		return nil, verdict
	}

	res.output = io.MultiReader(bytes.NewReader(first[:n]), outR)
	return res, nil
}

// verdict folds the exit status, the stream copy results and any
// cancellation cause into the error the output reader will surface.
func (b *Bridge) verdict(ctx context.Context, svc Service, log logrus.FieldLogger, waitErr, copyErr error, stderr *bytes.Buffer) error {
	var verdict error
	switch cause := context.Cause(ctx); {
	case cause != nil:
		verdict = cause
	case waitErr != nil:
		verdict = fmt.Errorf("%w: %v", ErrProcessFailed, waitErr)
	case copyErr != nil:
		verdict = fmt.Errorf("%w: %v", ErrProcessFailed, copyErr)
	}
	if verdict == nil {
		return nil
	}

	entry := log.WithError(verdict)
	if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
		entry = entry.WithField("stderr", string(msg))
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		entry = entry.WithField("exit_code", exitErr.ExitCode())
	}
	if errors.Is(verdict, context.Canceled) {
		entry.Debug("service process cancelled")
	} else {
		entry.Error("service process failed")
		metrics.ProcessFailures.WithLabelValues(svc.Name()).Inc()
	}
	return verdict
}

// spawnFailure classifies and logs an error that prevented the process
// from starting.
func (b *Bridge) spawnFailure(svc Service, log logrus.FieldLogger, err error) error {
	classified := classifySpawn(err)
	log.WithError(err).Error("spawning service process failed")
	metrics.ProcessFailures.WithLabelValues(svc.Name()).Inc()
	return classified
}

// classifySpawn separates descriptor and memory pressure, which callers
// report as retryable, from plain spawn failures.
func classifySpawn(err error) error {
	switch {
	case errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ENOMEM),
		errors.Is(err, syscall.EAGAIN):
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	return fmt.Errorf("%w: %v", ErrProcessFailed, err)
}
