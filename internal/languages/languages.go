// Package languages defines the static registry of supported execution
// languages: command templates, runtime environment, sandbox UIDs and
// timeout scaling.
package languages

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupported is returned by Lookup for unknown codes.
var ErrUnsupported = errors.New("unsupported language")

// Language describes one supported runtime.
type Language struct {
	// Code is the canonical short code ("py", "cpp", ...).
	Code string
	// Name is the human-readable name.
	Name string
	// FileExtension is used when the code must be written to disk.
	FileExtension string
	// Command is the shell command template. {file} and {basename} are
	// substituted for file-based languages; stdin-based languages run the
	// command as-is with the code piped in.
	Command string
	// UsesStdin selects stdin delivery instead of a code file.
	UsesStdin bool
	// TimeoutMultiplier scales the requested timeout (compiled languages
	// need headroom for the compiler).
	TimeoutMultiplier float64
	// UID is the dedicated unix user the payload runs as.
	UID int
	// Env is the whitelisted environment for the payload.
	Env map[string]string
	// SupportsREPL marks languages with a persistent-interpreter path.
	SupportsREPL bool
	// MaskProc hides /proc inside the sandbox. The JVM and rustc need a
	// readable /proc to start.
	MaskProc bool
}

// CodeFileName returns the filename the payload source is written under.
// Java requires the file to match the public class name.
func (l Language) CodeFileName() string {
	if l.Code == "java" {
		return "Code.java"
	}
	return "code." + l.FileExtension
}

// RenderCommand substitutes {file} and {basename} into the command template.
func (l Language) RenderCommand(filePath, basename string) string {
	cmd := strings.ReplaceAll(l.Command, "{file}", filePath)
	return strings.ReplaceAll(cmd, "{basename}", basename)
}

var registry = map[string]Language{
	"py": {
		Code: "py", Name: "Python", FileExtension: "py",
		Command: "python3", UsesStdin: true, TimeoutMultiplier: 1.0, UID: 1001,
		Env: map[string]string{
			"PYTHONUNBUFFERED":        "1",
			"PYTHONDONTWRITEBYTECODE": "1",
			"PYTHONPATH":              "/mnt/data",
			"MPLBACKEND":              "Agg",
			"MPLCONFIGDIR":            "/tmp/mplconfig",
			"XDG_CACHE_HOME":          "/tmp/.cache",
		},
		SupportsREPL: true, MaskProc: true,
	},
	"js": {
		Code: "js", Name: "JavaScript", FileExtension: "js",
		Command: "node", UsesStdin: true, TimeoutMultiplier: 1.0, UID: 1002,
		Env: map[string]string{
			"NODE_OPTIONS": "--max-old-space-size=512",
			"NODE_PATH":    "/usr/local/lib/node_modules",
		},
		MaskProc: true,
	},
	"ts": {
		Code: "ts", Name: "TypeScript", FileExtension: "ts",
		Command:   "tsc {file} --outDir /tmp --module commonjs --target es2020 && node /tmp/{basename}.js",
		UsesStdin: false, TimeoutMultiplier: 1.2, UID: 1003,
		Env: map[string]string{
			"NODE_OPTIONS": "--max-old-space-size=512",
			"NODE_PATH":    "/usr/local/lib/node_modules",
		},
		MaskProc: true,
	},
	"go": {
		Code: "go", Name: "Go", FileExtension: "go",
		Command:   "go run {file}",
		UsesStdin: false, TimeoutMultiplier: 1.5, UID: 1004,
		Env: map[string]string{
			"GO111MODULE": "on",
			"GOROOT":      "/usr/local/go",
			"GOPATH":      "/tmp/go",
			"GOCACHE":     "/tmp/go-build",
		},
		MaskProc: true,
	},
	"java": {
		Code: "java", Name: "Java", FileExtension: "java",
		Command:   "javac -d /tmp {file} && java -cp /tmp:/opt/java/lib/* Code",
		UsesStdin: false, TimeoutMultiplier: 2.0, UID: 1005,
		Env: map[string]string{
			"JAVA_HOME": "/usr/lib/jvm/temurin-21-jdk-amd64",
			"CLASSPATH": "/mnt/data:/opt/java/lib/*",
			"JAVA_OPTS": "-Xmx512m -Xms128m",
		},
		MaskProc: false,
	},
	"c": {
		Code: "c", Name: "C", FileExtension: "c",
		Command:   "gcc {file} -o /tmp/code -lm && /tmp/code",
		UsesStdin: false, TimeoutMultiplier: 1.5, UID: 1006,
		MaskProc:  true,
	},
	"cpp": {
		Code: "cpp", Name: "C++", FileExtension: "cpp",
		Command:   "g++ {file} -o /tmp/code && /tmp/code",
		UsesStdin: false, TimeoutMultiplier: 1.5, UID: 1007,
		MaskProc:  true,
	},
	"php": {
		Code: "php", Name: "PHP", FileExtension: "php",
		Command: "php", UsesStdin: true, TimeoutMultiplier: 1.0, UID: 1008,
		Env: map[string]string{
			"PHP_INI_SCAN_DIR": "/usr/local/etc/php/conf.d",
			"COMPOSER_HOME":    "/opt/composer/global",
		},
		MaskProc: true,
	},
	"rs": {
		Code: "rs", Name: "Rust", FileExtension: "rs",
		Command:   "rustc {file} -o /tmp/code && /tmp/code",
		UsesStdin: false, TimeoutMultiplier: 3.0, UID: 1009,
		Env: map[string]string{
			"CARGO_HOME": "/usr/local/cargo", "RUSTUP_HOME": "/usr/local/rustup",
		},
		MaskProc: false,
	},
	"r": {
		Code: "r", Name: "R", FileExtension: "r",
		Command: "Rscript /dev/stdin", UsesStdin: true, TimeoutMultiplier: 1.5, UID: 1010,
		Env: map[string]string{
			"R_LIBS_USER": "/usr/local/lib/R/site-library",
		},
		MaskProc: true,
	},
	"f90": {
		Code: "f90", Name: "Fortran", FileExtension: "f90",
		Command:   "gfortran {file} -o /tmp/code && /tmp/code",
		UsesStdin: false, TimeoutMultiplier: 2.0, UID: 1011,
		Env:       map[string]string{"FC": "gfortran"},
		MaskProc:  true,
	},
	"d": {
		Code: "d", Name: "D", FileExtension: "d",
		Command:   "ldc2 {file} -of=/tmp/code && /tmp/code",
		UsesStdin: false, TimeoutMultiplier: 2.0, UID: 1012,
		MaskProc:  true,
	},
}

var aliases = map[string]string{
	"python":     "py",
	"python3":    "py",
	"javascript": "js",
	"nodejs":     "js",
	"node":       "js",
	"typescript": "ts",
	"golang":     "go",
	"rust":       "rs",
	"c++":        "cpp",
	"fortran":    "f90",
}

// Lookup resolves a language code or alias, case-insensitively.
func Lookup(code string) (Language, error) {
	c := strings.ToLower(strings.TrimSpace(code))
	if canonical, ok := aliases[c]; ok {
		c = canonical
	}
	lang, ok := registry[c]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrUnsupported, code)
	}
	return lang, nil
}

// All returns every registered language, sorted by code.
func All() []Language {
	out := make([]Language, 0, len(registry))
	for _, l := range registry {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Codes returns the canonical language codes, sorted.
func Codes() []string {
	out := make([]string, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
