package capture

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/types"
	"github.com/not-amarnath/final-year-project/internal/utils"
)

// maxFrameSize bounds one MJPEG frame in the scanner buffer.
const maxFrameSize = 8 << 20

// FFmpegSource acquires a camera by running ffmpeg with MJPEG output.
// A source hands out at most one stream at a time.
type FFmpegSource struct {
	input utils.CaptureInput

	mu   sync.Mutex
	held *ffmpegStream
}

// NewFFmpegSource creates a source for the given ffmpeg input.
func NewFFmpegSource(input utils.CaptureInput) *FFmpegSource {
	if input.Binary == "" {
		input.Binary = "ffmpeg"
	}
	return &FFmpegSource{input: input}
}

// Acquire starts ffmpeg. Readiness is signalled by the first complete frame.
func (f *FFmpegSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewCaptureError(types.ReasonPlaybackFailed, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.held != nil {
		return nil, types.NewCaptureError(types.ReasonBusy, goerr.New("device already held", goerr.V("device", f.input.Device)))
	}
	if _, err := exec.LookPath(f.input.Binary); err != nil {
		return nil, types.NewCaptureError(types.ReasonUnsupported, goerr.Wrap(err, "ffmpeg not found", goerr.V("binary", f.input.Binary)))
	}
	if err := checkDevice(f.input); err != nil {
		return nil, err
	}

	cmd := utils.NewFFmpegCaptureCmd(f.input)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, types.NewCaptureError(types.ReasonPlaybackFailed, goerr.Wrap(err, "failed to create stdout pipe"))
	}
	if err := cmd.Start(); err != nil {
		return nil, types.NewCaptureError(types.ReasonUnsupported, goerr.Wrap(err, "failed to start ffmpeg"))
	}

	s := &ffmpegStream{
		cmd:   cmd,
		out:   stdout,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.pump()

	f.held = s
	return s, nil
}

// Release stops the stream's ffmpeg process and frees the device.
func (f *FFmpegSource) Release(st Stream) error {
	s, ok := st.(*ffmpegStream)
	if !ok {
		return goerr.New("stream not owned by this source")
	}

	f.mu.Lock()
	if f.held == s {
		f.held = nil
	}
	f.mu.Unlock()

	return s.stop()
}

// checkDevice classifies local device paths before ffmpeg is spawned.
func checkDevice(in utils.CaptureInput) error {
	if !strings.HasPrefix(in.Device, "/dev/") {
		return nil
	}
	fh, err := os.Open(in.Device)
	switch {
	case err == nil:
		_ = fh.Close()
		return nil
	case errors.Is(err, os.ErrNotExist):
		return types.NewCaptureError(types.ReasonNotFound, goerr.Wrap(err, "camera device missing", goerr.V("device", in.Device)))
	case errors.Is(err, os.ErrPermission):
		return types.NewCaptureError(types.ReasonPermissionDenied, goerr.Wrap(err, "camera device not accessible", goerr.V("device", in.Device)))
	default:
		return types.NewCaptureError(ClassifyFFmpegError(err.Error(), false), goerr.Wrap(err, "failed to open camera device", goerr.V("device", in.Device)))
	}
}

// ClassifyFFmpegError maps ffmpeg diagnostics to a capture reason.
// sawFrame tells whether the stream had produced frames before it ended.
func ClassifyFFmpegError(stderr string, sawFrame bool) types.CaptureReason {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "operation not permitted"):
		return types.ReasonPermissionDenied
	case strings.Contains(msg, "device or resource busy"):
		return types.ReasonBusy
	case strings.Contains(msg, "no such file or directory"), strings.Contains(msg, "no such device"):
		if sawFrame {
			return types.ReasonDisconnected
		}
		return types.ReasonNotFound
	case strings.Contains(msg, "unknown input format"), strings.Contains(msg, "protocol not found"),
		strings.Contains(msg, "not supported"):
		return types.ReasonUnsupported
	case sawFrame:
		return types.ReasonDisconnected
	default:
		return types.ReasonPlaybackFailed
	}
}

type ffmpegStream struct {
	cmd *utils.SafeCommand
	out io.ReadCloser

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	released  atomic.Bool

	mu     sync.RWMutex
	latest types.Frame
	count  int
	err    error
}

func (s *ffmpegStream) Ready() <-chan struct{} { return s.ready }
func (s *ffmpegStream) Done() <-chan struct{}  { return s.done }

func (s *ffmpegStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *ffmpegStream) Frame() (types.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return types.Frame{}, types.NewCaptureError(types.ReasonPlaybackFailed, goerr.New("no frame decoded yet"))
	}
	f := s.latest
	f.Data = append([]byte(nil), s.latest.Data...)
	return f, nil
}

func (s *ffmpegStream) pump() {
	defer close(s.done)

	scanner := bufio.NewScanner(s.out)
	scanner.Buffer(make([]byte, 0, 256<<10), maxFrameSize)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		data := append([]byte(nil), scanner.Bytes()...)
		s.mu.Lock()
		s.latest = types.Frame{Index: s.count, Data: data, CapturedAt: time.Now()}
		s.count++
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
	}
	scanErr := scanner.Err()
	waitErr := s.cmd.Wait()

	if s.released.Load() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	reason := ClassifyFFmpegError(s.cmd.Stderr.String(), s.count > 0)
	cause := waitErr
	if cause == nil {
		cause = scanErr
	}
	if cause == nil {
		cause = goerr.New("capture stream ended")
	}
	s.err = types.NewCaptureError(reason, goerr.Wrap(cause, "ffmpeg exited", goerr.V("stderr", strings.TrimSpace(s.cmd.Stderr.String()))))
}

func (s *ffmpegStream) stop() error {
	if !s.released.CompareAndSwap(false, true) {
		<-s.done
		return nil
	}
	killErr := s.cmd.Kill()
	<-s.done
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return goerr.Wrap(killErr, "failed to stop ffmpeg")
	}
	return nil
}
