// Package orchestrator runs the execution pipeline: session resolution,
// state loading, file mounting, sandbox acquisition, execution, and
// output/state/file harvesting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/files"
	"github.com/runbox/runbox/internal/languages"
	"github.com/runbox/runbox/internal/logging"
	"github.com/runbox/runbox/internal/pool"
	"github.com/runbox/runbox/internal/pystate"
	"github.com/runbox/runbox/internal/sandbox"
	"github.com/runbox/runbox/internal/session"
	"github.com/runbox/runbox/internal/state"
)

const (
	// autoMountLimit caps files mounted into a sandbox per execution.
	autoMountLimit = 50
	// harvestLimit caps new files collected after an execution.
	harvestLimit = 10
)

var (
	// ErrEmptyCode rejects requests with nothing to run.
	ErrEmptyCode = errors.New("code is required")
	// ErrSandboxUnavailable wraps sandbox or interpreter startup failures;
	// the HTTP layer maps it to 503.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
)

// Runner executes one-shot payloads. *sandbox.Executor implements it.
type Runner interface {
	Run(ctx context.Context, sb *sandbox.Sandbox, code, stdin string, args []string, timeout time.Duration) (*sandbox.Result, error)
}

// FileRef names a file to mount: by ID, by name within the session, or
// from another session the caller owns.
type FileRef struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// RestoreState seeds the interpreter from the namespace recorded
	// against this file (its stamped state hash) instead of the session's
	// own state.
	RestoreState bool `json:"restore_state,omitempty"`
}

// Request is one execution.
type Request struct {
	Code      string    `json:"code"`
	Lang      string    `json:"lang"`
	SessionID string    `json:"session_id,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Files     []FileRef `json:"files,omitempty"`
	Args      []string  `json:"-"`
	Stdin     string    `json:"stdin,omitempty"`
	// TimeoutSec 0 takes the configured default.
	TimeoutSec float64 `json:"timeout,omitempty"`

	// APIKeyHash identifies the caller for events; set by the server.
	APIKeyHash string `json:"-"`
}

// ResponseFile is one file attached to the execution result.
type ResponseFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Response is the execution result.
type Response struct {
	SessionID    string         `json:"session_id"`
	Files        []ResponseFile `json:"files"`
	Stdout       string         `json:"stdout"`
	Stderr       string         `json:"stderr"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ExitCode     int            `json:"exit_code"`
	TimedOut     bool           `json:"timed_out,omitempty"`
	HasState     bool           `json:"has_state"`
	StateSize    int            `json:"state_size,omitempty"`
	StateHash    string         `json:"state_hash,omitempty"`
	// StateErrors carries non-fatal state restore/capture warnings.
	StateErrors []string `json:"state_errors,omitempty"`
}

// Config tunes the pipeline.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// Workers size the background queue (cold archival, sandbox teardown).
	Workers int
}

// Orchestrator wires the pipeline's collaborators. All dependencies are
// injected; there are no package-level singletons.
type Orchestrator struct {
	sessions *session.Service
	files    *files.Service
	states   *state.Store
	pool     *pool.Pool
	exec     Runner
	mgr      *sandbox.Manager
	bus      *events.Bus
	cfg      Config
	log      *zap.Logger

	jobs chan func()
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// New builds an Orchestrator and starts its background workers.
func New(sessions *session.Service, fileSvc *files.Service, states *state.Store,
	repls *pool.Pool, exec Runner, mgr *sandbox.Manager,
	bus *events.Bus, cfg Config) *Orchestrator {

	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	o := &Orchestrator{
		sessions: sessions,
		files:    fileSvc,
		states:   states,
		pool:     repls,
		exec:     exec,
		mgr:      mgr,
		bus:      bus,
		cfg:      cfg,
		log:      logging.L().Named("orchestrator"),
		jobs:     make(chan func(), 128),
	}
	for i := 0; i < cfg.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for job := range o.jobs {
				job()
			}
		}()
	}
	return o
}

// Close drains the background queue.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.jobs)
		o.wg.Wait()
	})
}

// enqueue schedules background work, running it inline when the queue is
// saturated so nothing is dropped.
func (o *Orchestrator) enqueue(job func()) {
	select {
	case o.jobs <- job:
	default:
		job()
	}
}

// Run executes one request through the full pipeline.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	execID := uuid.NewString()

	// 1. Validate.
	if strings.TrimSpace(req.Code) == "" {
		return nil, ErrEmptyCode
	}
	lang, err := languages.Lookup(req.Lang)
	if err != nil {
		return nil, err
	}
	timeout := o.clampTimeout(req.TimeoutSec)

	// 2. Resolve the session.
	sess, err := o.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}

	// 3. Resolve the files to mount. This runs before state loading so a
	// restore_state ref can supply its recorded hash.
	mounts, err := o.resolveMounts(ctx, sess, req.Files)
	if err != nil {
		return nil, err
	}

	// 4. Load namespace state for the stateful path.
	var stateBlob []byte
	if lang.SupportsREPL {
		stateBlob, err = o.loadState(ctx, sess, mounts)
		if err != nil {
			return nil, err
		}
	}

	// 5. Acquire a sandbox.
	resp := &Response{}
	useREPL := lang.SupportsREPL
	var lease *pool.Lease
	var sb *sandbox.Sandbox
	if useREPL {
		lease, err = o.pool.Acquire(ctx, lang)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
		}
		sb = lease.SB
	} else {
		sb, err = o.mgr.Create(ctx, lang)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
		}
		o.bus.Publish(events.Event{Type: events.TypeCreatedFresh, Language: lang.Code, SandboxID: sb.ID})
	}
	// 12 (scheduled now, runs last): tear the sandbox down off the hot path.
	defer o.releaseSandbox(lease, sb, sess, lang, start, execID, req.APIKeyHash, resp)

	mountedNames, err := o.writeMounts(ctx, sb, mounts)
	if err != nil {
		return nil, err
	}

	// 6. Execute.
	resp.SessionID = sess.ID
	var newStateB64 string
	if useREPL {
		res, err := lease.REPL.ExecuteWithState(ctx, req.Code, pystate.ToBase64(stateBlob), req.Args, timeout)
		if err != nil {
			return nil, fmt.Errorf("repl execute: %w", err)
		}
		resp.Stdout, resp.Stderr = res.Stdout, res.Stderr
		resp.ExitCode = res.ExitCode
		resp.TimedOut = res.ExitCode == 124
		resp.StateErrors = res.StateErrors
		newStateB64 = res.State
	} else {
		res, err := o.exec.Run(ctx, sb, req.Code, req.Stdin, req.Args, timeout)
		if err != nil {
			return nil, fmt.Errorf("execute: %w", err)
		}
		resp.Stdout, resp.Stderr = res.Stdout, res.Stderr
		resp.ExitCode = res.ExitCode
		resp.TimedOut = res.TimedOut
	}

	// 7. Normalize outputs.
	normalizeOutputs(resp)

	// 8. Save new namespace state.
	if newStateB64 != "" {
		if err := o.saveState(ctx, sess, newStateB64, resp); err != nil {
			o.log.Error("state save failed", zap.String("session", sess.ID), zap.Error(err))
			if resp.ErrorMessage == "" {
				resp.ErrorMessage = "state save failed"
			}
		}
	} else if sess.HasState && useREPL {
		// Namespace emptied out; the previous blob still stands.
		resp.HasState = true
		resp.StateSize = sess.StateSize
		resp.StateHash = sess.StateHash
	}

	// 9. Write back mounted files the payload modified and stamp them with
	// the state they were last used with.
	o.updateMountedFiles(ctx, sb, sess, mounts, resp.StateHash, execID)

	// 10. Harvest newly generated files.
	harvested := o.harvestFiles(ctx, sb, sess, lang, mountedNames, resp.StateHash, execID)

	// 11. Attach files to the response.
	for _, m := range mounts {
		resp.Files = append(resp.Files, o.responseFile(ctx, m.file))
	}
	for _, f := range harvested {
		resp.Files = append(resp.Files, o.responseFile(ctx, f))
	}
	if resp.Files == nil {
		resp.Files = []ResponseFile{}
	}
	if err := o.sessions.Touch(ctx, sess.ID); err != nil {
		o.log.Warn("session touch failed", zap.String("session", sess.ID), zap.Error(err))
	}
	return resp, nil
}

func (o *Orchestrator) clampTimeout(sec float64) time.Duration {
	t := time.Duration(sec * float64(time.Second))
	if t <= 0 {
		t = o.cfg.DefaultTimeout
	}
	if t > o.cfg.MaxTimeout {
		t = o.cfg.MaxTimeout
	}
	return t
}

// resolveSession walks the fallback chain: explicit session ID, sessions
// referenced by mounted files, the entity's latest session, a new session.
func (o *Orchestrator) resolveSession(ctx context.Context, req Request) (*session.Session, error) {
	if req.SessionID != "" {
		sess, err := o.sessions.Get(ctx, req.SessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}
	for _, ref := range req.Files {
		if ref.SessionID == "" {
			continue
		}
		sess, err := o.sessions.Get(ctx, ref.SessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}
	if req.EntityID != "" {
		sess, err := o.sessions.FindByEntity(ctx, req.EntityID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}
	return o.sessions.Create(ctx, req.EntityID, req.UserID)
}

// loadState picks the starting namespace blob: a mounted file flagged
// restore_state with a recorded hash, then the hot tier when a client
// just uploaded, then the two-tier fetch.
func (o *Orchestrator) loadState(ctx context.Context, sess *session.Session, mounts []mount) ([]byte, error) {
	for _, m := range mounts {
		if !m.restore || m.file.StateHash == "" {
			continue
		}
		blob, err := o.states.FetchByHash(ctx, m.file.StateHash)
		if err != nil {
			return nil, fmt.Errorf("restore state %s for file %s: %w", m.file.StateHash, m.file.ID, err)
		}
		return blob, nil
	}
	if o.states.HasRecentUpload(ctx, sess.ID) {
		blob, err := o.states.Load(ctx, sess.ID)
		if err == nil {
			return blob, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
	}
	if !sess.HasState {
		return nil, nil
	}
	blob, err := o.states.Fetch(ctx, sess.ID)
	if errors.Is(err, state.ErrNotFound) {
		// Metadata outlived the blob; run stateless rather than failing.
		o.log.Warn("session state missing from both tiers", zap.String("session", sess.ID))
		return nil, nil
	}
	return blob, err
}

type mount struct {
	file    *files.File
	content []byte
	restore bool
}

// resolveMounts loads the content of every file to be placed in the
// sandbox: the explicit refs when given, otherwise every session file,
// capped either way.
func (o *Orchestrator) resolveMounts(ctx context.Context, sess *session.Session, refs []FileRef) ([]mount, error) {
	var pending []mount
	if len(refs) > 0 {
		seen := make(map[string]bool)
		for _, ref := range refs {
			sid := ref.SessionID
			if sid == "" {
				sid = sess.ID
			}
			var f *files.File
			var err error
			if ref.ID != "" {
				f, err = o.files.Get(ctx, sid, ref.ID)
				if errors.Is(err, files.ErrNotFound) && ref.Name != "" {
					f, err = o.files.GetByName(ctx, sess.ID, ref.Name)
				}
			} else if ref.Name != "" {
				f, err = o.files.GetByName(ctx, sess.ID, ref.Name)
			} else {
				continue
			}
			if errors.Is(err, files.ErrNotFound) {
				return nil, fmt.Errorf("mount file %s%s: %w", ref.ID, ref.Name, err)
			}
			if err != nil {
				return nil, err
			}
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			pending = append(pending, mount{file: f, restore: ref.RestoreState})
		}
	} else {
		all, err := o.files.List(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		for _, f := range all {
			pending = append(pending, mount{file: f})
		}
	}
	if len(pending) > autoMountLimit {
		pending = pending[:autoMountLimit]
	}

	mounts := make([]mount, 0, len(pending))
	for _, m := range pending {
		content, err := o.files.Content(ctx, m.file)
		if err != nil {
			return nil, fmt.Errorf("load file %s: %w", m.file.ID, err)
		}
		m.content = content
		mounts = append(mounts, m)
	}
	return mounts, nil
}

func (o *Orchestrator) writeMounts(ctx context.Context, sb *sandbox.Sandbox, mounts []mount) (map[string]bool, error) {
	names := make(map[string]bool, len(mounts))
	for _, m := range mounts {
		if err := o.mgr.WriteFile(sb, m.file.Name, m.content); err != nil {
			return nil, fmt.Errorf("mount %s: %w", m.file.Name, err)
		}
		names[m.file.Name] = true
	}
	return names, nil
}

func (o *Orchestrator) saveState(ctx context.Context, sess *session.Session, stateB64 string, resp *Response) error {
	blob, err := pystate.FromBase64(stateB64)
	if err != nil {
		return err
	}
	if _, err := pystate.Validate(blob); err != nil {
		return err
	}
	hash, err := o.states.Save(ctx, sess.ID, blob)
	if err != nil {
		return err
	}
	if err := o.sessions.SetState(ctx, sess.ID, len(blob), hash); err != nil {
		return err
	}
	resp.HasState = true
	resp.StateSize = len(blob)
	resp.StateHash = hash

	sid := sess.ID
	o.enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.states.Archive(ctx, sid, blob); err != nil {
			o.log.Warn("cold archive failed", zap.String("session", sid), zap.Error(err))
		}
	})
	return nil
}

// updateMountedFiles persists payload modifications to writable,
// non-agent files that belong to the executing session, and stamps each
// with the execution and state hash that just used it.
func (o *Orchestrator) updateMountedFiles(ctx context.Context, sb *sandbox.Sandbox, sess *session.Session, mounts []mount, stateHash, execID string) {
	for _, m := range mounts {
		f := m.file
		if !f.Writable || f.Source == files.SourceAgent || f.SessionID != sess.ID {
			continue
		}
		current, err := o.mgr.ReadFile(sb, f.Name)
		if err != nil {
			continue // deleted or unreadable inside the sandbox
		}
		if string(current) != string(m.content) {
			if err := o.files.UpdateContent(ctx, f, current); err != nil {
				o.log.Warn("mounted file update failed",
					zap.String("file", f.ID), zap.String("name", f.Name), zap.Error(err))
				continue
			}
		}
		if err := o.files.MarkUsed(ctx, f, stateHash, execID); err != nil {
			o.log.Warn("mounted file stamp failed",
				zap.String("file", f.ID), zap.String("name", f.Name), zap.Error(err))
		}
	}
}

// harvestFiles stores files the payload created, skipping the staged code
// file, mounted files and dotfiles.
func (o *Orchestrator) harvestFiles(ctx context.Context, sb *sandbox.Sandbox, sess *session.Session, lang languages.Language, mounted map[string]bool, stateHash, execID string) []*files.File {
	entries, err := o.mgr.ListFiles(sb)
	if err != nil {
		o.log.Warn("harvest list failed", zap.String("sandbox", sb.ID), zap.Error(err))
		return nil
	}
	var out []*files.File
	for _, e := range entries {
		if len(out) >= harvestLimit {
			break
		}
		if mounted[e.Name] || e.Name == lang.CodeFileName() || strings.HasPrefix(e.Name, ".") {
			continue
		}
		content, err := o.mgr.ReadFile(sb, e.Name)
		if err != nil {
			continue
		}
		f, err := o.files.Store(ctx, sess.ID, e.Name, content, files.SourceOutput)
		if err != nil {
			o.log.Warn("harvest store failed", zap.String("name", e.Name), zap.Error(err))
			continue
		}
		if err := o.files.MarkUsed(ctx, f, stateHash, execID); err != nil {
			o.log.Warn("harvested file stamp failed", zap.String("file", f.ID), zap.Error(err))
		}
		out = append(out, f)
	}
	return out
}

func (o *Orchestrator) responseFile(ctx context.Context, f *files.File) ResponseFile {
	return ResponseFile{
		ID:          f.ID,
		Name:        f.Name,
		Size:        f.Size,
		ContentType: f.ContentType,
		DownloadURL: o.files.DownloadURL(ctx, f),
	}
}

// releaseSandbox retires the sandbox off the request path and publishes
// the completion event.
func (o *Orchestrator) releaseSandbox(lease *pool.Lease, sb *sandbox.Sandbox, sess *session.Session, lang languages.Language, start time.Time, execID, apiKeyHash string, resp *Response) {
	if lease != nil {
		o.pool.Release(lease.SB.ID)
	} else if sb != nil {
		id := sb.ID
		o.enqueue(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.mgr.Destroy(ctx, id); err != nil {
				o.log.Warn("sandbox destroy failed", zap.String("sandbox", id), zap.Error(err))
			}
		})
	}
	o.bus.Publish(events.Event{
		Type:        events.TypeExecutionCompleted,
		ExecutionID: execID,
		Language:    lang.Code,
		SessionID:   sess.ID,
		EntityID:    sess.EntityID,
		SandboxID:   sb.ID,
		APIKeyHash:  apiKeyHash,
		Duration:    time.Since(start),
		ExitCode:    resp.ExitCode,
		TimedOut:    resp.TimedOut,
		StateSize:   resp.StateSize,
	})
}

// normalizeOutputs applies the output conventions: a run with no stdout
// and no explicit error promotes stderr to the error message; non-empty
// stdout always ends with a newline.
func normalizeOutputs(resp *Response) {
	if resp.Stdout == "" && resp.ErrorMessage == "" && resp.Stderr != "" {
		resp.ErrorMessage = resp.Stderr
	}
	if resp.Stdout != "" && !strings.HasSuffix(resp.Stdout, "\n") {
		resp.Stdout += "\n"
	}
}
