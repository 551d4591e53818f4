package repl

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox/runbox/internal/languages"
	"github.com/runbox/runbox/internal/sandbox"
)

// fakeDriver runs a scripted driver over in-process pipes.
type fakeDriver struct {
	proc *Process
	// requests receives each decoded request the driver saw.
	requests chan Request
}

// startFakeDriver wires a Process to a goroutine that answers each request
// with the given responder.
func startFakeDriver(t *testing.T, respond func(Request) string) *fakeDriver {
	t.Helper()

	toDriver := newPipe()
	fromDriver := newPipe()
	fd := &fakeDriver{
		proc:     newTestProcess(fromDriver, toDriver),
		requests: make(chan Request, 16),
	}

	go func() {
		for {
			raw, err := readRawFrame(toDriver)
			if err != nil {
				return
			}
			var req Request
			if json.Unmarshal([]byte(raw), &req) == nil {
				fd.requests <- req
			}
			if resp := respond(req); resp != "" {
				fromDriver.Write([]byte(resp + Delimiter))
			}
		}
	}()
	t.Cleanup(func() {
		toDriver.Close()
		fromDriver.Close()
	})
	return fd
}

func TestExecuteWithStateResult(t *testing.T) {
	fd := startFakeDriver(t, func(req Request) string {
		return `{"status":"ok","exit_code":0,"stdout":"hi\n","stderr":"","state":"AQ=="}`
	})

	res, err := fd.proc.ExecuteWithState(context.Background(), "print('hi')", "c3RhdGU=", []string{"a", "b"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, "AQ==", res.State)

	req := <-fd.requests
	assert.Equal(t, "print('hi')", req.Code)
	assert.Equal(t, "c3RhdGU=", req.InitialState)
	assert.Equal(t, []string{"a", "b"}, req.Args)
	assert.Equal(t, 5, req.Timeout)
	assert.True(t, req.CaptureState)
}

func TestExecuteWithStateUserError(t *testing.T) {
	fd := startFakeDriver(t, func(Request) string {
		return `{"status":"ok","exit_code":1,"stdout":"","stderr":"Traceback (most recent call last):\nZeroDivisionError: division by zero\n","state":""}`
	})

	res, err := fd.proc.ExecuteWithState(context.Background(), "1/0", "", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "ZeroDivisionError")
	// A user exception leaves the driver alive.
	assert.True(t, fd.proc.Healthy())
}

func TestExecuteWithStateTimeoutResult(t *testing.T) {
	fd := startFakeDriver(t, func(Request) string {
		return `{"status":"ok","exit_code":124,"stdout":"","stderr":"TimeoutError: Execution exceeded 1 seconds\n","state":""}`
	})

	res, err := fd.proc.ExecuteWithState(context.Background(), "while True: pass", "", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 124, res.ExitCode)
	assert.Contains(t, res.Stderr, "TimeoutError")
	assert.True(t, fd.proc.Healthy())
}

func TestExecuteWithStateRestoreWarnings(t *testing.T) {
	fd := startFakeDriver(t, func(Request) string {
		return `{"status":"ok","exit_code":0,"stdout":"ran\n","stderr":"","state":"","state_errors":["state restore failed: bad version"]}`
	})

	res, err := fd.proc.ExecuteWithState(context.Background(), "print('ran')", "broken", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "ran\n", res.Stdout)
	require.Len(t, res.StateErrors, 1)
	assert.Contains(t, res.StateErrors[0], "restore failed")
}

func TestExecuteWithStateDriverError(t *testing.T) {
	fd := startFakeDriver(t, func(Request) string {
		return `{"status":"error","error":"malformed frame"}`
	})

	_, err := fd.proc.ExecuteWithState(context.Background(), "x", "", nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed frame")
}

func TestUnresponsiveDriverReportsTimeout(t *testing.T) {
	old := responseGrace
	responseGrace = 50 * time.Millisecond
	t.Cleanup(func() { responseGrace = old })

	fd := startFakeDriver(t, func(Request) string {
		return "" // never answer
	})

	res, err := fd.proc.ExecuteWithState(context.Background(), "while True: pass", "", nil, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 124, res.ExitCode)
	assert.Contains(t, res.Stderr, "timed out")
	assert.False(t, fd.proc.Healthy())

	// A dead process refuses further work.
	_, err = fd.proc.ExecuteWithState(context.Background(), "x=1", "", nil, time.Second)
	assert.ErrorIs(t, err, ErrUnhealthy)
}

func TestExecuteContextCanceled(t *testing.T) {
	fd := startFakeDriver(t, func(Request) string {
		return "" // never answer
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := fd.proc.ExecuteWithState(ctx, "while True: pass", "", nil, time.Minute)
	require.Error(t, err)
	assert.False(t, fd.proc.Healthy())
}

func TestCheckHealth(t *testing.T) {
	fd := startFakeDriver(t, func(req Request) string {
		if req.Code == healthSentinel {
			return `{"status":"ok","exit_code":0,"stdout":"health_check_ok\n","stderr":"","state":""}`
		}
		return `{"status":"error","error":"unexpected"}`
	})
	require.NoError(t, fd.proc.CheckHealth(context.Background()))
	assert.True(t, fd.proc.Healthy())
}

func TestCheckHealthBadAnswer(t *testing.T) {
	fd := startFakeDriver(t, func(Request) string {
		return `{"status":"ok","exit_code":0,"stdout":"garbage","stderr":"","state":""}`
	})
	err := fd.proc.CheckHealth(context.Background())
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.False(t, fd.proc.Healthy())
}

// TestRealDriverRoundTrip exercises the embedded Python driver end to end.
// Needs python3 on the host.
func TestRealDriverRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available, skipping driver test")
	}
	base := t.TempDir()
	mgr := sandbox.NewManager(base)
	iso := sandbox.NewIsolator(false, "sandbox", base)

	py, err := languages.Lookup("py")
	require.NoError(t, err)
	sb, err := mgr.Create(context.Background(), py)
	require.NoError(t, err)
	defer mgr.Destroy(context.Background(), sb.ID)

	proc, err := Start(context.Background(), mgr, iso, sb)
	require.NoError(t, err)
	defer proc.Close()

	res, err := proc.ExecuteWithState(context.Background(), "x = 41\nprint(x)", "", nil, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "41\n", res.Stdout)
	require.NotEmpty(t, res.State)

	// A bare expression is evaluated and its repr printed.
	res, err = proc.ExecuteWithState(context.Background(), "1 + 1", "", nil, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2\n", res.Stdout)

	// Invalid syntax is a result, not a driver failure.
	res, err = proc.ExecuteWithState(context.Background(), "def f(:", "", nil, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "SyntaxError")

	// A corrupt initial state is a warning; the code still runs.
	res, err = proc.ExecuteWithState(context.Background(), "print('still here')", "AAAA", nil, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still here\n", res.Stdout)
	assert.NotEmpty(t, res.StateErrors)

	// Args land in sys.argv.
	res, err = proc.ExecuteWithState(context.Background(), "import sys\nprint(sys.argv[1])", "", []string{"hello"}, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)

	require.NoError(t, proc.CheckHealth(context.Background()))
}

// TestRealDriverInterruptsRunawayCode verifies the in-driver timer fires
// and the interpreter survives to serve the next request.
func TestRealDriverInterruptsRunawayCode(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available, skipping driver test")
	}
	base := t.TempDir()
	mgr := sandbox.NewManager(base)
	iso := sandbox.NewIsolator(false, "sandbox", base)

	py, err := languages.Lookup("py")
	require.NoError(t, err)
	sb, err := mgr.Create(context.Background(), py)
	require.NoError(t, err)
	defer mgr.Destroy(context.Background(), sb.ID)

	proc, err := Start(context.Background(), mgr, iso, sb)
	require.NoError(t, err)
	defer proc.Close()

	res, err := proc.ExecuteWithState(context.Background(), "while True: pass", "", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 124, res.ExitCode)
	assert.Contains(t, res.Stderr, "TimeoutError")

	res, err = proc.ExecuteWithState(context.Background(), "print('alive')", "", nil, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alive\n", res.Stdout)
}

// TestRealDriverStateRoundTrip restores a captured namespace into a fresh
// driver.
func TestRealDriverStateRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available, skipping driver test")
	}
	base := t.TempDir()
	mgr := sandbox.NewManager(base)
	iso := sandbox.NewIsolator(false, "sandbox", base)

	py, err := languages.Lookup("py")
	require.NoError(t, err)
	sb, err := mgr.Create(context.Background(), py)
	require.NoError(t, err)
	defer mgr.Destroy(context.Background(), sb.ID)

	proc, err := Start(context.Background(), mgr, iso, sb)
	require.NoError(t, err)
	defer proc.Close()

	res, err := proc.ExecuteWithState(context.Background(), "x = 41", "", nil, 10*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, res.State)

	sb2, err := mgr.Create(context.Background(), py)
	require.NoError(t, err)
	defer mgr.Destroy(context.Background(), sb2.ID)

	proc2, err := Start(context.Background(), mgr, iso, sb2)
	require.NoError(t, err)
	defer proc2.Close()

	res2, err := proc2.ExecuteWithState(context.Background(), "print(x + 1)", res.State, nil, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "42\n", res2.Stdout)
	assert.Empty(t, res2.Stderr)
	assert.Empty(t, res2.StateErrors)
}

// --- test plumbing ---

// pipe is a minimal blocking in-memory byte stream.
type pipe struct {
	ch     chan byte
	closed chan struct{}
}

func newPipe() *pipe {
	return &pipe{ch: make(chan byte, 1<<16), closed: make(chan struct{})}
}

func (p *pipe) Read(b []byte) (int, error) {
	select {
	case c := <-p.ch:
		b[0] = c
		n := 1
		for n < len(b) {
			select {
			case c := <-p.ch:
				b[n] = c
				n++
			default:
				return n, nil
			}
		}
		return n, nil
	case <-p.closed:
		return 0, errClosed{}
	}
}

func (p *pipe) Write(b []byte) (int, error) {
	for _, c := range b {
		select {
		case p.ch <- c:
		case <-p.closed:
			return 0, errClosed{}
		}
	}
	return len(b), nil
}

func (p *pipe) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

type errClosed struct{}

func (errClosed) Error() string { return "pipe closed" }

// readRawFrame reads one frame without a Codec (the fake driver side).
func readRawFrame(r *pipe) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := r.Read(buf); err != nil {
			return "", err
		}
		sb.WriteByte(buf[0])
		if strings.HasSuffix(sb.String(), Delimiter) {
			return strings.TrimSuffix(sb.String(), Delimiter), nil
		}
	}
}
