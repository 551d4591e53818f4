package repl

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/logging"
	"github.com/runbox/runbox/internal/sandbox"
)

//go:embed repl_server.py
var driverScript []byte

// driverFileName is the name the driver is staged under inside the data
// dir. Dot-prefixed so output harvesting never picks it up.
const driverFileName = ".repl_server.py"

// responseGrace is added to the request timeout when waiting on the
// driver. Variable so tests can shrink the deadline.
var responseGrace = 10 * time.Second

// healthTimeout bounds a health-check round trip.
const healthTimeout = 5 * time.Second

// healthSentinel is executed by CheckHealth; the driver answers it without
// touching or returning namespace state.
const healthSentinel = "print('health_check_ok')"

var (
	// ErrUnhealthy marks a driver that stopped answering.
	ErrUnhealthy = errors.New("repl process unhealthy")
	// ErrDeadline means the driver missed the response deadline.
	ErrDeadline = errors.New("repl response deadline exceeded")
)

// ExecResult is one REPL execution outcome. User-code exceptions and
// timeouts are results, not errors: the traceback lands in Stderr and the
// exit code is nonzero (124 for timeouts).
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// State is the base64 namespace blob after the run, empty when nothing
	// was picklable.
	State string
	// StateErrors lists variables that could not be restored or captured.
	StateErrors []string
}

// Process is a live driver inside a sandbox. All methods are safe for the
// single-owner usage the pool enforces; a Process is never shared across
// concurrent executions.
type Process struct {
	SB *sandbox.Sandbox

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	codec   *Codec
	workDir string
	log     *zap.Logger
	healthy atomic.Bool

	closeOnce sync.Once
}

// Start stages the driver script into the sandbox and launches it through
// the isolation wrapper, then waits for the ready handshake.
func Start(ctx context.Context, mgr *sandbox.Manager, iso *sandbox.Isolator, sb *sandbox.Sandbox) (*Process, error) {
	if err := mgr.WriteFile(sb, driverFileName, driverScript); err != nil {
		return nil, fmt.Errorf("stage driver: %w", err)
	}

	script := "/mnt/data/" + driverFileName
	workDir := "/mnt/data"
	if !iso.Enabled {
		script = filepath.Join(sb.DataDir, driverFileName)
		workDir = sb.DataDir
	}
	argv := iso.Wrap("exec python3 -u "+script, sb.Lang, sb.DataDir)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if !iso.Enabled {
		cmd.Dir = sb.DataDir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("driver stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("driver stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start driver: %w", err)
	}

	p := &Process{
		SB:      sb,
		cmd:     cmd,
		stdin:   stdin,
		codec:   NewCodec(stdout, stdin),
		workDir: workDir,
		log:     logging.L().Named("repl").With(zap.String("sandbox", sb.ID)),
	}
	p.healthy.Store(true)

	if err := p.waitReady(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// newTestProcess builds a Process over an in-memory stream. Test hook.
func newTestProcess(r io.Reader, w io.WriteCloser) *Process {
	p := &Process{
		stdin: w,
		codec: NewCodec(r, w),
		log:   logging.L().Named("repl"),
	}
	p.healthy.Store(true)
	return p
}

// Healthy reports whether the driver is still believed responsive.
func (p *Process) Healthy() bool {
	return p.healthy.Load()
}

// waitReady consumes the handshake frame.
func (p *Process) waitReady(ctx context.Context) error {
	resp, err := p.read(ctx, 30*time.Second)
	if err != nil {
		return fmt.Errorf("driver handshake: %w", err)
	}
	if resp.Kind != KindReady {
		return fmt.Errorf("driver handshake: unexpected frame kind %d", resp.Kind)
	}
	p.log.Debug("driver ready")
	return nil
}

// ExecuteWithState runs code in the persistent namespace. state is the
// base64 blob to restore first ("" keeps the current namespace); args
// become sys.argv[1:]. The response deadline is the request timeout plus
// a grace period; a driver that misses it is killed and the call reports
// a timeout result (exit code 124) rather than an error.
func (p *Process) ExecuteWithState(ctx context.Context, code, state string, args []string, timeout time.Duration) (*ExecResult, error) {
	if !p.healthy.Load() {
		return nil, ErrUnhealthy
	}
	sec := int(timeout / time.Second)
	if sec < 1 {
		sec = 1
	}
	req := Request{
		Code:         code,
		Timeout:      sec,
		WorkingDir:   p.workDir,
		Args:         args,
		InitialState: state,
		CaptureState: true,
	}
	if err := p.codec.WriteRequest(req); err != nil {
		p.markDead()
		return nil, fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	resp, err := p.read(ctx, timeout+responseGrace)
	if errors.Is(err, ErrDeadline) {
		// The driver's own timer should have fired long before this; an
		// unresponsive driver is killed and reported as a timeout.
		return &ExecResult{
			ExitCode: 124,
			Stderr:   fmt.Sprintf("Execution timed out after %d seconds\n", sec),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	switch resp.Kind {
	case KindResult:
		return &ExecResult{
			ExitCode:    resp.ExitCode,
			Stdout:      resp.Stdout,
			Stderr:      resp.Stderr,
			State:       resp.State,
			StateErrors: resp.StateErrors,
		}, nil
	case KindError:
		return nil, fmt.Errorf("driver error: %s", resp.Error)
	default:
		p.markDead()
		return nil, fmt.Errorf("%w: unexpected frame kind %d", ErrUnhealthy, resp.Kind)
	}
}

// CheckHealth verifies the driver answers within the health deadline.
func (p *Process) CheckHealth(ctx context.Context) error {
	if !p.healthy.Load() {
		return ErrUnhealthy
	}
	if err := p.codec.WriteRequest(Request{Code: healthSentinel, Timeout: int(healthTimeout.Seconds())}); err != nil {
		p.markDead()
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	resp, err := p.read(ctx, healthTimeout)
	if err != nil {
		return err
	}
	if resp.Kind != KindResult || !strings.Contains(resp.Stdout, "health_check_ok") {
		p.markDead()
		return fmt.Errorf("%w: bad health response", ErrUnhealthy)
	}
	return nil
}

// read waits for the next frame with a deadline. A missed deadline kills
// the process: the blocked reader goroutine then unblocks on EOF.
func (p *Process) read(ctx context.Context, deadline time.Duration) (*Response, error) {
	type frame struct {
		resp *Response
		err  error
	}
	ch := make(chan frame, 1)
	go func() {
		resp, err := p.codec.ReadResponse()
		ch <- frame{resp, err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case f := <-ch:
		if f.err != nil {
			p.markDead()
			return nil, fmt.Errorf("%w: %v", ErrUnhealthy, f.err)
		}
		return f.resp, nil
	case <-timer.C:
		p.markDead()
		p.Close()
		return nil, ErrDeadline
	case <-ctx.Done():
		p.markDead()
		p.Close()
		return nil, ctx.Err()
	}
}

func (p *Process) markDead() {
	p.healthy.Store(false)
}

// Close kills the driver process group. Idempotent.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		p.healthy.Store(false)
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if p.cmd != nil && p.cmd.Process != nil {
			_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
			_ = p.cmd.Wait()
		}
	})
}
