package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/logging"
)

// truncationMarker is appended to a stream that hit the output cap.
const truncationMarker = "\n[Output truncated - size limit exceeded]"

// killGrace is how long we wait for a killed process group to reap.
const killGrace = 5 * time.Second

// Result is the outcome of a one-shot execution.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Executor runs one-shot payloads inside sandboxes.
type Executor struct {
	mgr       *Manager
	iso       *Isolator
	maxOutput int
	log       *zap.Logger
}

// NewExecutor wires an Executor. maxOutput caps each of stdout and stderr.
func NewExecutor(mgr *Manager, iso *Isolator, maxOutput int) *Executor {
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	return &Executor{mgr: mgr, iso: iso, maxOutput: maxOutput, log: logging.L().Named("exec")}
}

// Run executes code in the sandbox. Stdin-based languages receive the code
// on stdin; file-based languages get it written as the canonical code file,
// which is removed afterwards so it is never harvested as an output file.
// The effective deadline is timeout scaled by the language multiplier; a
// payload that outlives it is killed (process group) and reported with
// exit code 124.
func (e *Executor) Run(ctx context.Context, sb *Sandbox, code string, stdin string, args []string, timeout time.Duration) (*Result, error) {
	lang := sb.Lang

	var payload string
	var stdinData string
	if lang.UsesStdin {
		payload = lang.Command
		if len(args) > 0 {
			if lang.Code == "py" {
				// python3 needs "-" so args are script args, not a filename.
				payload += " -"
			}
			payload += " " + quoteArgs(args)
		}
		stdinData = code
	} else {
		name := lang.CodeFileName()
		if err := e.mgr.WriteFile(sb, name, []byte(code)); err != nil {
			return nil, fmt.Errorf("stage code file: %w", err)
		}
		defer func() {
			_ = e.mgr.RemoveFile(sb, name)
		}()
		file := "/mnt/data/" + name
		if !e.iso.Enabled {
			file = filepath.Join(sb.DataDir, name)
		}
		basename := strings.TrimSuffix(name, filepath.Ext(name))
		payload = lang.RenderCommand(file, basename)
		if len(args) > 0 {
			payload += " " + quoteArgs(args)
		}
		stdinData = stdin
	}

	argv := e.iso.Wrap(payload, lang, sb.DataDir)
	effective := time.Duration(float64(timeout) * lang.TimeoutMultiplier)
	return e.runArgv(ctx, sb, argv, stdinData, effective)
}

// RunRaw executes an arbitrary shell command in the sandbox with the
// language's isolation profile. Used by the REPL process launcher.
func (e *Executor) RunRaw(ctx context.Context, sb *Sandbox, command string, timeout time.Duration) (*Result, error) {
	argv := e.iso.Wrap(command, sb.Lang, sb.DataDir)
	return e.runArgv(ctx, sb, argv, "", timeout)
}

func (e *Executor) runArgv(ctx context.Context, sb *Sandbox, argv []string, stdinData string, timeout time.Duration) (*Result, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if !e.iso.Enabled {
		cmd.Dir = sb.DataDir
	}
	if stdinData != "" {
		cmd.Stdin = strings.NewReader(stdinData)
	}
	stdout := newLimitedBuffer(e.maxOutput)
	stderr := newLimitedBuffer(e.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start payload: %w", err)
	}
	pgid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		killGroup(pgid)
		select {
		case waitErr = <-done:
		case <-time.After(killGrace):
			return nil, fmt.Errorf("payload did not exit after kill (sandbox %s)", sb.ID)
		}
	case <-ctx.Done():
		killGroup(pgid)
		<-done
		return nil, ctx.Err()
	}

	res := &Result{
		Stdout:   sanitizeOutput(stdout.String(), stdout.Truncated()),
		Stderr:   sanitizeOutput(stderr.String(), stderr.Truncated()),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	if timedOut {
		res.ExitCode = 124
		res.Stderr = "Execution timed out"
	} else if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
		} else {
			return nil, fmt.Errorf("wait payload: %w", waitErr)
		}
	}
	e.log.Debug("payload finished",
		zap.String("sandbox", sb.ID),
		zap.Int("exit", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("took", res.Duration))
	return res, nil
}

func killGroup(pgid int) {
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// sanitizeOutput strips C0 control characters (except tab, LF, CR) and DEL
// so raw terminal escapes never reach API clients, then appends the
// truncation marker when the cap was hit.
func sanitizeOutput(s string, truncated bool) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	if truncated {
		cleaned += truncationMarker
	}
	return cleaned
}

// limitedBuffer accepts writes up to a cap and silently discards the rest,
// remembering that it overflowed.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remain := b.limit - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
