package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/files"
	"github.com/runbox/runbox/internal/kv"
	"github.com/runbox/runbox/internal/languages"
	"github.com/runbox/runbox/internal/pool"
	"github.com/runbox/runbox/internal/pystate"
	"github.com/runbox/runbox/internal/repl"
	"github.com/runbox/runbox/internal/sandbox"
	"github.com/runbox/runbox/internal/session"
	"github.com/runbox/runbox/internal/state"
	"github.com/runbox/runbox/internal/storage"
)

// scriptedREPL answers ExecuteWithState with a canned function and records
// what it was asked.
type scriptedREPL struct {
	mu      sync.Mutex
	calls   []repl.Request
	handler func(sb *sandbox.Sandbox, code, stateB64 string) *repl.ExecResult
	sb      *sandbox.Sandbox
}

func (s *scriptedREPL) ExecuteWithState(_ context.Context, code, stateB64 string, args []string, timeout time.Duration) (*repl.ExecResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, repl.Request{Code: code, InitialState: stateB64, Args: args, Timeout: int(timeout.Seconds())})
	s.mu.Unlock()
	if s.handler != nil {
		return s.handler(s.sb, code, stateB64), nil
	}
	return &repl.ExecResult{Stdout: "ok\n"}, nil
}

func (s *scriptedREPL) CheckHealth(context.Context) error { return nil }
func (s *scriptedREPL) Healthy() bool                     { return true }
func (s *scriptedREPL) Close()                            {}

// fakeRunner is a one-shot Runner stub.
type fakeRunner struct {
	mu      sync.Mutex
	lastSB  *sandbox.Sandbox
	last    struct {
		code, stdin string
		args        []string
		timeout     time.Duration
	}
	result *sandbox.Result
	before func(sb *sandbox.Sandbox)
}

func (f *fakeRunner) Run(_ context.Context, sb *sandbox.Sandbox, code, stdin string, args []string, timeout time.Duration) (*sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSB = sb
	f.last.code, f.last.stdin, f.last.args, f.last.timeout = code, stdin, args, timeout
	if f.before != nil {
		f.before(sb)
	}
	if f.result != nil {
		return f.result, nil
	}
	return &sandbox.Result{ExitCode: 0, Stdout: "done\n"}, nil
}

type fixture struct {
	orch     *Orchestrator
	sessions *session.Service
	files    *files.Service
	states   *state.Store
	mgr      *sandbox.Manager
	bus      *events.Bus
	runner   *fakeRunner
	replFn   func(sb *sandbox.Sandbox, code, stateB64 string) *repl.ExecResult
	replErr  error
	replMu   sync.Mutex
	repls    []*scriptedREPL
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := kv.NewMemory()
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	fx := &fixture{
		sessions: session.New(mem, time.Hour),
		files:    files.New(mem, blobs, time.Hour, time.Minute),
		states:   state.New(mem, blobs, time.Hour, time.Minute),
		mgr:      sandbox.NewManager(t.TempDir()),
		bus:      events.NewBus(256),
		runner:   &fakeRunner{},
	}

	factory := func(ctx context.Context, lang languages.Language) (pool.REPL, *sandbox.Sandbox, error) {
		fx.replMu.Lock()
		failErr := fx.replErr
		fx.replMu.Unlock()
		if failErr != nil {
			return nil, nil, failErr
		}
		sb, err := fx.mgr.Create(ctx, lang)
		if err != nil {
			return nil, nil, err
		}
		r := &scriptedREPL{sb: sb}
		fx.replMu.Lock()
		r.handler = fx.replFn
		fx.repls = append(fx.repls, r)
		fx.replMu.Unlock()
		return r, sb, nil
	}
	// Pool never pre-warms in tests: every acquire is fresh and scripted.
	p := pool.New(factory, fx.mgr, fx.bus, pool.Config{Languages: []string{"py"}, ReplenishInterval: time.Hour})

	fx.orch = New(fx.sessions, fx.files, fx.states, p, fx.runner, fx.mgr, fx.bus,
		Config{DefaultTimeout: 30 * time.Second, MaxTimeout: time.Minute})
	t.Cleanup(func() {
		fx.orch.Close()
		p.Close()
		fx.bus.Close()
	})
	return fx
}

func (fx *fixture) setREPL(h func(sb *sandbox.Sandbox, code, stateB64 string) *repl.ExecResult) {
	fx.replMu.Lock()
	fx.replFn = h
	fx.replMu.Unlock()
}

// replCalls flattens the requests every scripted interpreter recorded.
func (fx *fixture) replCalls() []repl.Request {
	fx.replMu.Lock()
	defer fx.replMu.Unlock()
	var out []repl.Request
	for _, r := range fx.repls {
		r.mu.Lock()
		out = append(out, r.calls...)
		r.mu.Unlock()
	}
	return out
}

func encodedState(t *testing.T, payload string) ([]byte, string) {
	t.Helper()
	blob, err := pystate.Encode([]byte(payload))
	require.NoError(t, err)
	return blob, pystate.ToBase64(blob)
}

func TestRunValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.orch.Run(ctx, Request{Code: "  ", Lang: "py"})
	assert.ErrorIs(t, err, ErrEmptyCode)

	_, err = fx.orch.Run(ctx, Request{Code: "x", Lang: "brainfuck"})
	assert.Error(t, err)
}

func TestRunOneShot(t *testing.T) {
	fx := newFixture(t)
	resp, err := fx.orch.Run(context.Background(), Request{Code: "package main", Lang: "go"})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "done\n", resp.Stdout)
	assert.Equal(t, 0, resp.ExitCode)
	assert.False(t, resp.HasState)
	assert.Equal(t, []ResponseFile{}, resp.Files)
	assert.Equal(t, "package main", fx.runner.last.code)
}

func TestRunTimeoutClamping(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.orch.Run(ctx, Request{Code: "x", Lang: "c"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, fx.runner.last.timeout)

	_, err = fx.orch.Run(ctx, Request{Code: "x", Lang: "c", TimeoutSec: 9999})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, fx.runner.last.timeout)
}

func TestRunStderrPromotedToError(t *testing.T) {
	fx := newFixture(t)
	fx.runner.result = &sandbox.Result{ExitCode: 1, Stderr: "compile failed"}

	resp, err := fx.orch.Run(context.Background(), Request{Code: "x", Lang: "c"})
	require.NoError(t, err)
	assert.Equal(t, "compile failed", resp.ErrorMessage)
	assert.Equal(t, "compile failed", resp.Stderr)
	assert.Equal(t, 1, resp.ExitCode)
}

func TestRunStdoutTrailingNewline(t *testing.T) {
	fx := newFixture(t)
	fx.runner.result = &sandbox.Result{Stdout: "no newline"}

	resp, err := fx.orch.Run(context.Background(), Request{Code: "x", Lang: "c"})
	require.NoError(t, err)
	assert.Equal(t, "no newline\n", resp.Stdout)
}

func TestRunPythonSavesState(t *testing.T) {
	fx := newFixture(t)
	blob, b64 := encodedState(t, "pickled namespace")
	fx.setREPL(func(_ *sandbox.Sandbox, code, _ string) *repl.ExecResult {
		return &repl.ExecResult{Stdout: "41\n", State: b64}
	})

	resp, err := fx.orch.Run(context.Background(), Request{Code: "x = 41\nprint(x)", Lang: "py"})
	require.NoError(t, err)

	assert.True(t, resp.HasState)
	assert.Equal(t, len(blob), resp.StateSize)
	assert.Equal(t, pystate.Hash16(blob), resp.StateHash)

	sess, err := fx.sessions.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.HasState)
	assert.Equal(t, pystate.Hash16(blob), sess.StateHash)

	stored, err := fx.states.Load(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, blob, stored)
}

func TestRunPythonRestoresState(t *testing.T) {
	fx := newFixture(t)
	_, b64 := encodedState(t, "round one")
	fx.setREPL(func(_ *sandbox.Sandbox, _, _ string) *repl.ExecResult {
		return &repl.ExecResult{State: b64}
	})

	first, err := fx.orch.Run(context.Background(), Request{Code: "x = 1", Lang: "py"})
	require.NoError(t, err)

	// Second execution in the same session must hand the blob back to the
	// interpreter.
	fx.setREPL(func(_ *sandbox.Sandbox, _, stateB64 string) *repl.ExecResult {
		assert.Equal(t, b64, stateB64)
		return &repl.ExecResult{Stdout: "2\n", State: b64}
	})
	second, err := fx.orch.Run(context.Background(), Request{
		Code: "print(x + 1)", Lang: "py", SessionID: first.SessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "2\n", second.Stdout)
}

func TestRunRestoresStateFromMountedFile(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	blob, b64 := encodedState(t, "pinned")
	hash, err := fx.states.Save(ctx, "donor-session", blob)
	require.NoError(t, err)

	sess, err := fx.sessions.Create(ctx, "", "")
	require.NoError(t, err)
	f, err := fx.files.Store(ctx, sess.ID, "results.csv", []byte("a,b\n"), files.SourceUpload)
	require.NoError(t, err)
	require.NoError(t, fx.files.MarkUsed(ctx, f, hash, "earlier-exec"))

	var got string
	fx.setREPL(func(_ *sandbox.Sandbox, _, stateB64 string) *repl.ExecResult {
		got = stateB64
		return &repl.ExecResult{}
	})

	_, err = fx.orch.Run(ctx, Request{
		Code: "print(x)", Lang: "py", SessionID: sess.ID,
		Files: []FileRef{{ID: f.ID, RestoreState: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, b64, got)
}

func TestRunMountWithoutRestoreKeepsSessionState(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	blob, _ := encodedState(t, "donor")
	hash, err := fx.states.Save(ctx, "donor-session", blob)
	require.NoError(t, err)

	sess, err := fx.sessions.Create(ctx, "", "")
	require.NoError(t, err)
	f, err := fx.files.Store(ctx, sess.ID, "results.csv", []byte("a,b\n"), files.SourceUpload)
	require.NoError(t, err)
	require.NoError(t, fx.files.MarkUsed(ctx, f, hash, "earlier-exec"))

	var got string
	fx.setREPL(func(_ *sandbox.Sandbox, _, stateB64 string) *repl.ExecResult {
		got = stateB64
		return &repl.ExecResult{}
	})

	// The ref does not ask for restoration, so the fresh session runs
	// stateless despite the stamped hash.
	_, err = fx.orch.Run(ctx, Request{
		Code: "print(1)", Lang: "py", SessionID: sess.ID,
		Files: []FileRef{{ID: f.ID}},
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRunStampsMountedFiles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sess, err := fx.sessions.Create(ctx, "", "")
	require.NoError(t, err)
	f, err := fx.files.Store(ctx, sess.ID, "notes.txt", []byte("v1"), files.SourceUpload)
	require.NoError(t, err)

	_, b64 := encodedState(t, "after run")
	fx.setREPL(func(_ *sandbox.Sandbox, _, _ string) *repl.ExecResult {
		return &repl.ExecResult{State: b64}
	})

	resp, err := fx.orch.Run(ctx, Request{Code: "x = 1", Lang: "py", SessionID: sess.ID})
	require.NoError(t, err)
	require.NotEmpty(t, resp.StateHash)

	got, err := fx.files.Get(ctx, sess.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.StateHash, got.StateHash)
	assert.NotEmpty(t, got.ExecutionID)
	assert.False(t, got.LastUsedAt.IsZero())
}

func TestRunAgentFileNotStamped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sess, err := fx.sessions.Create(ctx, "", "")
	require.NoError(t, err)
	f, err := fx.files.Store(ctx, sess.ID, "brief.md", []byte("ro"), files.SourceAgent)
	require.NoError(t, err)

	_, b64 := encodedState(t, "after run")
	fx.setREPL(func(_ *sandbox.Sandbox, _, _ string) *repl.ExecResult {
		return &repl.ExecResult{State: b64}
	})

	_, err = fx.orch.Run(ctx, Request{Code: "x = 1", Lang: "py", SessionID: sess.ID})
	require.NoError(t, err)

	got, err := fx.files.Get(ctx, sess.ID, f.ID)
	require.NoError(t, err)
	assert.Empty(t, got.StateHash)
	assert.Empty(t, got.ExecutionID)
}

func TestRunStampsHarvestedFiles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, b64 := encodedState(t, "after run")
	fx.setREPL(func(sb *sandbox.Sandbox, _, _ string) *repl.ExecResult {
		_ = os.WriteFile(filepath.Join(sb.DataDir, "out.txt"), []byte("result"), 0o644)
		return &repl.ExecResult{State: b64}
	})

	resp, err := fx.orch.Run(ctx, Request{Code: "x = 1", Lang: "py"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.StateHash)

	stored, err := fx.files.List(ctx, resp.SessionID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, files.SourceOutput, stored[0].Source)
	assert.Equal(t, resp.StateHash, stored[0].StateHash)
	assert.NotEmpty(t, stored[0].ExecutionID)
}

func TestRunTimeoutIsAResult(t *testing.T) {
	fx := newFixture(t)
	fx.setREPL(func(_ *sandbox.Sandbox, _, _ string) *repl.ExecResult {
		return &repl.ExecResult{ExitCode: 124, Stderr: "TimeoutError: Execution exceeded 5 seconds\n"}
	})

	resp, err := fx.orch.Run(context.Background(), Request{Code: "while True: pass", Lang: "py", TimeoutSec: 5})
	require.NoError(t, err)
	assert.Equal(t, 124, resp.ExitCode)
	assert.True(t, resp.TimedOut)
	assert.Contains(t, resp.Stderr, "TimeoutError")
}

func TestRunPassesArgsToInterpreter(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.orch.Run(context.Background(), Request{
		Code: "import sys", Lang: "py", Args: []string{"--n", "3"},
	})
	require.NoError(t, err)

	calls := fx.replCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"--n", "3"}, calls[0].Args)
}

func TestRunSurfacesStateWarnings(t *testing.T) {
	fx := newFixture(t)
	fx.setREPL(func(_ *sandbox.Sandbox, _, _ string) *repl.ExecResult {
		return &repl.ExecResult{Stdout: "ran\n", StateErrors: []string{"cannot serialize 'sock' (socket): unpicklable"}}
	})

	resp, err := fx.orch.Run(context.Background(), Request{Code: "x", Lang: "py"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ExitCode)
	require.Len(t, resp.StateErrors, 1)
	assert.Contains(t, resp.StateErrors[0], "cannot serialize")
}

func TestRunSandboxUnavailable(t *testing.T) {
	fx := newFixture(t)
	fx.replMu.Lock()
	fx.replErr = errors.New("no capacity")
	fx.replMu.Unlock()

	_, err := fx.orch.Run(context.Background(), Request{Code: "x = 1", Lang: "py"})
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestRunSessionReuseByEntity(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.orch.Run(ctx, Request{Code: "x", Lang: "c", EntityID: "agent-7"})
	require.NoError(t, err)
	second, err := fx.orch.Run(ctx, Request{Code: "y", Lang: "c", EntityID: "agent-7"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	other, err := fx.orch.Run(ctx, Request{Code: "z", Lang: "c", EntityID: "agent-8"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, other.SessionID)
}

func TestRunUnknownSessionIDFallsThrough(t *testing.T) {
	fx := newFixture(t)
	resp, err := fx.orch.Run(context.Background(), Request{Code: "x", Lang: "c", SessionID: "gone"})
	require.NoError(t, err)
	assert.NotEqual(t, "gone", resp.SessionID)
}

func TestRunAutoMountsSessionFiles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sess, err := fx.sessions.Create(ctx, "", "")
	require.NoError(t, err)
	_, err = fx.files.Store(ctx, sess.ID, "data.csv", []byte("a,b\n"), files.SourceUpload)
	require.NoError(t, err)

	fx.runner.before = func(sb *sandbox.Sandbox) {
		data, err := os.ReadFile(filepath.Join(sb.DataDir, "data.csv"))
		assert.NoError(t, err)
		assert.Equal(t, "a,b\n", string(data))
	}

	resp, err := fx.orch.Run(ctx, Request{Code: "x", Lang: "c", SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "data.csv", resp.Files[0].Name)
}

func TestRunExplicitFileRefByName(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sess, err := fx.sessions.Create(ctx, "", "")
	require.NoError(t, err)
	_, err = fx.files.Store(ctx, sess.ID, "a.txt", []byte("a"), files.SourceUpload)
	require.NoError(t, err)
	_, err = fx.files.Store(ctx, sess.ID, "b.txt", []byte("b"), files.SourceUpload)
	require.NoError(t, err)

	resp, err := fx.orch.Run(ctx, Request{
		Code: "x", Lang: "c", SessionID: sess.ID,
		Files: []FileRef{{Name: "b.txt"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "b.txt", resp.Files[0].Name)
}

func TestRunMissingFileRef(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sess, err := fx.sessions.Create(ctx, "", "")
	require.NoError(t, err)

	_, err = fx.orch.Run(ctx, Request{
		Code: "x", Lang: "c", SessionID: sess.ID,
		Files: []FileRef{{ID: "does-not-exist"}},
	})
	assert.Error(t, err)
}

func TestRunUpdatesModifiedMountedFile(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sess, err := fx.sessions.Create(ctx, "", "")
	require.NoError(t, err)
	f, err := fx.files.Store(ctx, sess.ID, "notes.txt", []byte("before"), files.SourceUpload)
	require.NoError(t, err)

	fx.runner.before = func(sb *sandbox.Sandbox) {
		require.NoError(t, os.WriteFile(filepath.Join(sb.DataDir, "notes.txt"), []byte("after"), 0o644))
	}

	_, err = fx.orch.Run(ctx, Request{Code: "x", Lang: "c", SessionID: sess.ID})
	require.NoError(t, err)

	got, err := fx.files.Get(ctx, sess.ID, f.ID)
	require.NoError(t, err)
	content, err := fx.files.Content(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "after", string(content))
}

func TestRunAgentFileNotWrittenBack(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sess, err := fx.sessions.Create(ctx, "", "")
	require.NoError(t, err)
	f, err := fx.files.Store(ctx, sess.ID, "plan.md", []byte("original"), files.SourceAgent)
	require.NoError(t, err)

	fx.runner.before = func(sb *sandbox.Sandbox) {
		_ = os.WriteFile(filepath.Join(sb.DataDir, "plan.md"), []byte("tampered"), 0o644)
	}

	_, err = fx.orch.Run(ctx, Request{Code: "x", Lang: "c", SessionID: sess.ID})
	require.NoError(t, err)

	content, err := fx.files.Content(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
}

func TestRunHarvestsGeneratedFiles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.runner.before = func(sb *sandbox.Sandbox) {
		_ = os.WriteFile(filepath.Join(sb.DataDir, "plot.png"), []byte{0x89, 'P', 'N', 'G'}, 0o644)
		_ = os.WriteFile(filepath.Join(sb.DataDir, ".hidden"), []byte("x"), 0o644)
		// The staged code file name must never be harvested.
		_ = os.WriteFile(filepath.Join(sb.DataDir, "code.c"), []byte("int main(){}"), 0o644)
	}

	resp, err := fx.orch.Run(ctx, Request{Code: "x", Lang: "c"})
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "plot.png", resp.Files[0].Name)

	stored, err := fx.files.List(ctx, resp.SessionID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, files.SourceOutput, stored[0].Source)
}

func TestRunHarvestCap(t *testing.T) {
	fx := newFixture(t)
	fx.runner.before = func(sb *sandbox.Sandbox) {
		for i := 0; i < 20; i++ {
			name := filepath.Join(sb.DataDir, "out"+string(rune('a'+i))+".txt")
			_ = os.WriteFile(name, []byte("x"), 0o644)
		}
	}

	resp, err := fx.orch.Run(context.Background(), Request{Code: "x", Lang: "c"})
	require.NoError(t, err)
	assert.Len(t, resp.Files, harvestLimit)
}

func TestRunDestroysOneShotSandbox(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.orch.Run(context.Background(), Request{Code: "x", Lang: "c"})
	require.NoError(t, err)

	sb := fx.runner.lastSB
	deadline := time.Now().Add(2 * time.Second)
	for fx.mgr.Exists(sb.ID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, fx.mgr.Exists(sb.ID))
}

func TestRunPublishesExecutionCompleted(t *testing.T) {
	fx := newFixture(t)
	sub := fx.bus.Subscribe()

	resp, err := fx.orch.Run(context.Background(), Request{Code: "x", Lang: "c", APIKeyHash: "deadbeefdeadbeef"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type != events.TypeExecutionCompleted {
				continue
			}
			assert.Equal(t, "c", ev.Language)
			assert.Equal(t, resp.SessionID, ev.SessionID)
			assert.Equal(t, "deadbeefdeadbeef", ev.APIKeyHash)
			assert.NotEmpty(t, ev.ExecutionID)
			return
		case <-deadline:
			t.Fatal("no completion event")
		}
	}
}

func TestNormalizeArgs(t *testing.T) {
	args, err := NormalizeArgs(nil)
	require.NoError(t, err)
	assert.Nil(t, args)

	args, err = NormalizeArgs(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, args)

	args, err = NormalizeArgs(json.RawMessage(`"--verbose"`))
	require.NoError(t, err)
	assert.Equal(t, []string{"--verbose"}, args)

	args, err = NormalizeArgs(json.RawMessage(`["a","b"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, args)

	// Blank strings collapse to no args.
	args, err = NormalizeArgs(json.RawMessage(`"   "`))
	require.NoError(t, err)
	assert.Nil(t, args)

	// Scalars coerce to their string forms.
	args, err = NormalizeArgs(json.RawMessage(`42`))
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, args)

	args, err = NormalizeArgs(json.RawMessage(`true`))
	require.NoError(t, err)
	assert.Equal(t, []string{"true"}, args)

	// Mixed lists keep convertible elements and drop the rest.
	args, err = NormalizeArgs(json.RawMessage(`["a", 1, true, "", null, {"x":1}]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "1", "true"}, args)

	// A list of nothing convertible is no args at all.
	args, err = NormalizeArgs(json.RawMessage(`[null, {}]`))
	require.NoError(t, err)
	assert.Nil(t, args)

	_, err = NormalizeArgs(json.RawMessage(`{"x":1}`))
	assert.Error(t, err)
}
