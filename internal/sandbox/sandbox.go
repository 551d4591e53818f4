// Package sandbox manages per-execution sandbox directories and runs
// payloads inside namespace isolation.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/languages"
	"github.com/runbox/runbox/internal/logging"
)

var (
	// ErrNotFound is returned when a sandbox ID has no directory.
	ErrNotFound = errors.New("sandbox not found")
	// ErrBadFileName is returned for file names that escape the data dir.
	ErrBadFileName = errors.New("invalid file name")
)

// Sandbox is one isolated execution workspace. The payload sees DataDir
// bind-mounted at /mnt/data.
type Sandbox struct {
	ID        string
	Lang      languages.Language
	DataDir   string
	CreatedAt time.Time
}

// Manager creates and destroys sandbox directories under a base dir.
type Manager struct {
	baseDir string
	chown   bool
	log     *zap.Logger
}

// NewManager returns a Manager rooted at baseDir. File ownership is only
// applied when running as root.
func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir: baseDir,
		chown:   os.Geteuid() == 0,
		log:     logging.L().Named("sandbox"),
	}
}

// Create allocates a sandbox directory tree: <base>/<id>/data, with the
// data dir world-writable so the unprivileged payload UID can create files.
func (m *Manager) Create(ctx context.Context, lang languages.Language) (*Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	dataDir := filepath.Join(m.baseDir, id, "data")
	if err := os.MkdirAll(dataDir, 0o777); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	// MkdirAll is umask-filtered; force the mode.
	if err := os.Chmod(dataDir, 0o777); err != nil {
		return nil, fmt.Errorf("chmod sandbox dir: %w", err)
	}
	sb := &Sandbox{
		ID:        id,
		Lang:      lang,
		DataDir:   dataDir,
		CreatedAt: time.Now(),
	}
	m.log.Debug("sandbox created", zap.String("id", id), zap.String("lang", lang.Code))
	return sb, nil
}

// Destroy removes the sandbox directory tree. Removing a sandbox that no
// longer exists is not an error.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(m.baseDir, id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("destroy sandbox %s: %w", id, err)
	}
	return nil
}

// Exists reports whether the sandbox directory is present.
func (m *Manager) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(m.baseDir, id, "data"))
	return err == nil
}

// DataDir returns the host path of a sandbox's data directory.
func (m *Manager) DataDir(id string) string {
	return filepath.Join(m.baseDir, id, "data")
}

// BaseDir returns the sandbox root on the host.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// WriteFile places a file into the sandbox data dir, owned by the
// language's UID so the payload can read and rewrite it.
func (m *Manager) WriteFile(sb *Sandbox, name string, content []byte) error {
	path, err := m.safeJoin(sb, name)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != sb.DataDir {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if m.chown {
		if err := os.Chown(path, sb.Lang.UID, sb.Lang.UID); err != nil {
			m.log.Warn("chown failed", zap.String("file", name), zap.Error(err))
		}
	}
	return nil
}

// ReadFile reads a file from the sandbox data dir.
func (m *Manager) ReadFile(sb *Sandbox, name string) ([]byte, error) {
	path, err := m.safeJoin(sb, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// RemoveFile deletes a file from the data dir. Missing files are fine.
func (m *Manager) RemoveFile(sb *Sandbox, name string) error {
	path, err := m.safeJoin(sb, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// FileEntry describes one file in a sandbox data dir.
type FileEntry struct {
	Name string
	Size int64
}

// ListFiles returns the regular files in the data dir (top level only).
func (m *Manager) ListFiles(sb *Sandbox) ([]FileEntry, error) {
	entries, err := os.ReadDir(sb.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("list sandbox files: %w", err)
	}
	var out []FileEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileEntry{Name: e.Name(), Size: info.Size()})
	}
	return out, nil
}

// safeJoin joins name under the data dir and rejects traversal.
func (m *Manager) safeJoin(sb *Sandbox, name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	path := filepath.Join(sb.DataDir, name)
	if !strings.HasPrefix(path, sb.DataDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	return path, nil
}
