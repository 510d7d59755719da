package utils

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps exec.Cmd and keeps the child's stderr so a crash report
// survives the process (engine tracebacks, ffmpeg device errors).
type SafeCommand struct {
	*exec.Cmd
	Stderr *SyncBuffer
}

// NewSafeCommand prepares a command with captured stderr. It does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &SyncBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Kill terminates a started process. Safe to call on a process that already exited.
func (s *SafeCommand) Kill() error {
	if s.Cmd == nil || s.Process == nil {
		return nil
	}
	return s.Process.Kill()
}

// SyncBuffer is a bytes.Buffer that can be written by the exec copier while
// being read for diagnostics.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *SyncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// ShowError prints a boxed error, followed by the captured child logs when s has any.
func ShowError(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 SENTINEL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(w, "\nPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// --- 2. Video Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is a bufio.SplitFunc that yields whole JPEG images from an MJPEG stream
// by locating the SOI (FFD8) and EOI (FFD9) markers.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureInput describes a live ffmpeg input.
type CaptureInput struct {
	Binary string // defaults to "ffmpeg"
	Format string // e.g. "v4l2", "avfoundation", "dshow"; empty lets ffmpeg probe (RTSP, files)
	Device string
	Width  int
	Height int
	FPS    int
}

// CaptureArgs builds the ffmpeg argument list that streams MJPEG frames to stdout.
func CaptureArgs(in CaptureInput) []string {
	// -loglevel error keeps the stderr buffer small over a long-running capture.
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if in.Format != "" {
		args = append(args, "-f", in.Format)
	}
	if in.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(in.FPS))
	}
	if in.Width > 0 && in.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", in.Width, in.Height))
	}
	args = append(args, "-i", in.Device, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	return args
}

// NewFFmpegCaptureCmd prepares an ffmpeg process emitting MJPEG frames on stdout.
func NewFFmpegCaptureCmd(in CaptureInput) *SafeCommand {
	bin := in.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	return NewSafeCommand(bin, CaptureArgs(in)...)
}
