// Package repl implements the persistent-interpreter protocol: delimiter
// framed JSON over the driver process's stdin/stdout.
package repl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Delimiter terminates every frame in both directions.
const Delimiter = "\n---END---\n"

// MaxFrameSize bounds a single frame; a compressed 50 MiB state plus
// output fits comfortably.
const MaxFrameSize = 64 << 20

// ErrTruncatedFrame is returned when the stream ends mid-frame.
var ErrTruncatedFrame = errors.New("truncated frame")

// Request is one execution sent to the driver.
type Request struct {
	Code string `json:"code"`
	// Timeout is the in-driver execution limit, in whole seconds. The
	// driver enforces it with a SIGALRM timer and answers exit code 124.
	Timeout int `json:"timeout"`
	// WorkingDir is where the payload runs, normally the mounted data dir.
	WorkingDir string `json:"working_dir,omitempty"`
	// Args become sys.argv[1:] inside the driver.
	Args []string `json:"args,omitempty"`
	// InitialState is the base64 namespace blob to restore before running,
	// empty to keep the interpreter's current namespace.
	InitialState string `json:"initial_state,omitempty"`
	// CaptureState asks the driver to serialize the namespace afterwards.
	CaptureState bool `json:"capture_state"`
}

// Kind discriminates driver responses.
type Kind int

const (
	// KindReady is the startup handshake frame.
	KindReady Kind = iota
	// KindResult is a completed execution; user-code failures and
	// timeouts arrive here as nonzero exit codes with stderr text.
	KindResult
	// KindError is a driver-level failure; no result fields are valid.
	KindError
)

// Response is the closed set of frames the driver can send.
type Response struct {
	Kind Kind
	// ExitCode is 0 on success, 1 on a user-code exception, 124 when the
	// driver's timer fired.
	ExitCode int
	Stdout   string
	Stderr   string
	// State is the base64 namespace blob after execution, empty when the
	// namespace had nothing picklable.
	State string
	// StateErrors carries non-fatal restore/capture warnings, one line
	// per affected variable.
	StateErrors []string
	Error       string
}

// wireResponse is the raw JSON shape.
type wireResponse struct {
	Status      string   `json:"status"`
	ExitCode    int      `json:"exit_code"`
	Stdout      string   `json:"stdout"`
	Stderr      string   `json:"stderr"`
	State       string   `json:"state"`
	StateErrors []string `json:"state_errors"`
	Error       string   `json:"error"`
}

// Codec frames requests and responses over a byte stream.
type Codec struct {
	w  io.Writer
	sc *bufio.Scanner
}

// NewCodec wraps the driver's stdout (r) and stdin (w).
func NewCodec(r io.Reader, w io.Writer) *Codec {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxFrameSize)
	sc.Split(splitFrames)
	return &Codec{w: w, sc: sc}
}

// WriteRequest marshals req and appends the frame delimiter.
func (c *Codec) WriteRequest(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if _, err := c.w.Write(append(data, []byte(Delimiter)...)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadResponse reads the next frame and decodes it into the response sum.
// Unknown statuses and partial frames are errors, never zero values.
func (c *Codec) ReadResponse() (*Response, error) {
	if !c.sc.Scan() {
		if err := c.sc.Err(); err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		return nil, io.EOF
	}
	var wire wireResponse
	if err := json.Unmarshal(c.sc.Bytes(), &wire); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch wire.Status {
	case "ready":
		return &Response{Kind: KindReady}, nil
	case "ok":
		return &Response{
			Kind:        KindResult,
			ExitCode:    wire.ExitCode,
			Stdout:      wire.Stdout,
			Stderr:      wire.Stderr,
			State:       wire.State,
			StateErrors: wire.StateErrors,
		}, nil
	case "error":
		return &Response{Kind: KindError, Error: wire.Error, Stdout: wire.Stdout, Stderr: wire.Stderr}, nil
	default:
		return nil, fmt.Errorf("decode frame: unknown status %q", wire.Status)
	}
}

// splitFrames is a bufio.SplitFunc yielding delimiter-separated frames.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte(Delimiter)); i >= 0 {
		return i + len(Delimiter), data[:i], nil
	}
	if atEOF {
		if len(data) == 0 {
			return 0, nil, nil
		}
		return 0, nil, ErrTruncatedFrame
	}
	return 0, nil, nil
}
