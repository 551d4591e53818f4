package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/runbox/runbox/internal/languages"
)

// basePath is the PATH every payload sees; covers all language toolchains.
const basePath = "/usr/local/go/bin:/usr/local/cargo/bin:/usr/local/bin:/usr/bin:/bin"

// overlayDirs are host paths hidden from payloads with tiny tmpfs mounts.
// The sandbox base dir is prepended at runtime so one sandbox cannot see
// its siblings.
var overlayDirs = []string{
	"/app/data",
	"/var/log",
	"/app/ssl",
	"/app/dashboard",
	"/app/src",
}

// Isolator builds the argv that wraps a payload shell command in mount,
// PID, UTS, IPC and network namespaces with a dropped UID.
type Isolator struct {
	// Enabled false runs payloads directly (the deployment platform is
	// trusted to provide container isolation).
	Enabled  bool
	Hostname string
	// BaseDir is the sandbox root to hide from payloads.
	BaseDir string
}

// NewIsolator returns an Isolator for the given sandbox base dir.
func NewIsolator(enabled bool, hostname, baseDir string) *Isolator {
	if hostname == "" {
		hostname = "sandbox"
	}
	return &Isolator{Enabled: enabled, Hostname: hostname, BaseDir: baseDir}
}

// Wrap turns a payload shell command into the full argv to execute. With
// isolation enabled the result is an unshare invocation that sets up the
// mount sandbox and then enters fresh PID/UTS/IPC/net namespaces before
// dropping to the language UID. With isolation disabled it is a plain
// sh -c with the whitelisted environment applied by env -i.
func (iso *Isolator) Wrap(payload string, lang languages.Language, dataDir string) []string {
	if !iso.Enabled {
		argv := append([]string{"env", "-i"}, envPairs(lang)...)
		return append(argv, "sh", "-c", payload)
	}
	script := iso.mountScript(lang, dataDir) +
		" && exec unshare --pid --fork --kill-child --uts --ipc --net sh -c " +
		shellQuote(iso.innerScript(payload, lang))
	return []string{"unshare", "--mount", "sh", "-c", script}
}

// mountScript produces the mount setup run inside the private mount
// namespace: the data dir appears at /mnt/data, /tmp is fresh, and host
// paths that could leak other tenants' data are papered over with tmpfs.
func (iso *Isolator) mountScript(lang languages.Language, dataDir string) string {
	lines := []string{
		"mount --make-rprivate /",
		"mkdir -p /mnt/data",
		fmt.Sprintf("mount --bind %s /mnt/data", shellQuote(dataDir)),
		"mount -t tmpfs tmpfs /tmp",
	}
	overlays := append([]string{iso.BaseDir}, overlayDirs...)
	for _, dir := range overlays {
		if dir == "" {
			continue
		}
		q := shellQuote(dir)
		lines = append(lines, fmt.Sprintf("{ [ ! -d %s ] || mount -t tmpfs -o size=1k tmpfs %s; }", q, q))
	}
	if lang.MaskProc {
		lines = append(lines, "mount -t tmpfs -o size=1k tmpfs /proc")
	}
	return strings.Join(lines, " && ")
}

// innerScript runs inside the PID/UTS/IPC/net namespaces: set the
// hostname, move to the workspace, drop privileges and exec the payload
// under a clean whitelisted environment.
func (iso *Isolator) innerScript(payload string, lang languages.Language) string {
	return fmt.Sprintf(
		"hostname %s && cd /mnt/data && exec setpriv --reuid %d --regid %d --clear-groups --inh-caps=-all env -i %s sh -c %s",
		shellQuote(iso.Hostname), lang.UID, lang.UID,
		strings.Join(envAssignments(lang), " "),
		shellQuote(payload),
	)
}

// Env returns the whitelisted environment as KEY=VALUE pairs, for the
// direct-execution path where the kernel namespaces are skipped.
func (iso *Isolator) Env(lang languages.Language) []string {
	return envPairs(lang)
}

func envPairs(lang languages.Language) []string {
	env := map[string]string{
		"PATH":   basePath,
		"HOME":   "/tmp",
		"TMPDIR": "/tmp",
		"LANG":   "C.UTF-8",
	}
	for k, v := range lang.Env {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func envAssignments(lang languages.Language) []string {
	pairs := envPairs(lang)
	out := make([]string, len(pairs))
	for i, p := range pairs {
		k, v, _ := strings.Cut(p, "=")
		out[i] = k + "=" + shellQuote(v)
	}
	return out
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
