// Package worker speaks to an external face engine process that detects faces and
// computes their embeddings.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/logging"
	"github.com/not-amarnath/final-year-project/internal/types"
	"github.com/not-amarnath/final-year-project/internal/utils"
)

// Response status bytes.
const (
	StatusOK    byte = 0
	StatusError byte = 1
	StatusReady byte = 2
)

// Request modes.
const (
	ModeAll    byte = 0
	ModeSingle byte = 1
)

// maxMessage guards against a corrupted length header.
const maxMessage = 64 << 20

// closeGrace is how long Close waits for the engine to exit after stdin closes.
const closeGrace = 5 * time.Second

var (
	ErrWorkerClosed = goerr.New("face engine is not running")
	ErrProtocol     = goerr.New("face engine protocol violation")
)

// Config describes how to launch the engine.
type Config struct {
	Command        string
	Args           []string
	StartupTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig runs engine/worker.py with python3.
func DefaultConfig() Config {
	return Config{
		Command:        "python3",
		Args:           []string{"-u", "engine/worker.py"},
		StartupTimeout: 2 * time.Minute,
		RequestTimeout: 10 * time.Second,
	}
}

type state int

const (
	stateLoading state = iota
	stateReady
	stateRestarting
	stateDown
	stateClosed
)

// engine is one engine process and its pipes.
type engine struct {
	cmd   *utils.SafeCommand
	stdin io.WriteCloser
	data  io.ReadCloser

	once    sync.Once
	waitErr error
}

// close ends the process. Closing stdin is the engine's signal to exit; kill forces it.
func (e *engine) close(kill bool) error {
	e.once.Do(func() {
		e.stdin.Close()
		if kill && e.cmd != nil {
			_ = e.cmd.Kill()
		}
		e.data.Close()
		if e.cmd == nil {
			return
		}
		waited := make(chan error, 1)
		go func() { waited <- e.cmd.Wait() }()
		grace := time.NewTimer(closeGrace)
		defer grace.Stop()
		select {
		case err := <-waited:
			if err != nil && !kill {
				e.waitErr = err
			}
		case <-grace.C:
			_ = e.cmd.Kill()
			<-waited
			e.waitErr = goerr.New("face engine ignored shutdown and was killed")
		}
	})
	return e.waitErr
}

func (e *engine) stderr() string {
	if e == nil || e.cmd == nil {
		return ""
	}
	return e.cmd.Stderr.String()
}

// PythonWorker owns the engine process. Requests are serialized. An engine that
// stops answering is killed and replaced in the background.
type PythonWorker struct {
	ID int

	cfg   Config
	spawn func() (*engine, error)

	mu sync.Mutex // one request in flight

	stateMu  sync.Mutex
	state    state
	eng      *engine
	loaded   bool
	restarts int

	dim atomic.Int32

	readyCh  chan struct{}
	startErr error
	closeOne sync.Once
}

// NewPythonWorker starts the engine and waits for its readiness handshake in the background.
// Until the handshake arrives every request fails with types.ErrProviderNotReady.
func NewPythonWorker(id int, cfg Config) (*PythonWorker, error) {
	if cfg.Command == "" {
		cfg = DefaultConfig()
	}
	eng, err := launch(id, cfg)
	if err != nil {
		return nil, err
	}
	pw := newWorker(id, cfg, eng)
	pw.spawn = func() (*engine, error) { return launch(id, cfg) }
	go pw.boot(eng)
	return pw, nil
}

func launch(id int, cfg Config) (*engine, error) {
	py := utils.NewSafeCommand(cfg.Command, cfg.Args...)

	// Side-channel pipe; the child sees the write end as FD 3 so stray prints on stdout
	// cannot corrupt the protocol.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create pipe")
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, goerr.Wrap(err, "failed to create stdin pipe")
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, goerr.Wrap(err, "worker failed to start", goerr.V("id", id), goerr.V("command", cfg.Command))
	}

	// Only the child holds the write end now.
	w.Close()
	return &engine{cmd: py, stdin: stdin, data: r}, nil
}

// newWorker wraps an already started engine. Without a spawn function a dead
// engine stays dead.
func newWorker(id int, cfg Config, eng *engine) *PythonWorker {
	return &PythonWorker{
		ID:      id,
		cfg:     cfg,
		eng:     eng,
		readyCh: make(chan struct{}),
	}
}

func (w *PythonWorker) boot(eng *engine) {
	defer close(w.readyCh)
	logger := logging.Default().With("worker", w.ID)

	dim, err := handshake(eng, w.cfg.StartupTimeout)
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.state == stateClosed {
		return
	}
	if err != nil {
		w.startErr = err
		w.state = stateDown
		eng.close(true)
		logger.Error("face engine failed to start", "error", err)
		return
	}
	w.dim.Store(int32(dim))
	w.loaded = true
	w.state = stateReady
	logger.Info("face engine ready", "dimension", dim)
}

// handshake waits for [status=2][uint32 dim]. A timed out engine is killed.
func handshake(eng *engine, timeout time.Duration) (int, error) {
	type result struct {
		dim int
		err error
	}
	done := make(chan result, 1)
	go func() {
		dim, err := readHandshake(eng.data)
		done <- result{dim, err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			return 0, goerr.Wrap(res.err, "engine handshake failed", goerr.V("stderr", eng.stderr()))
		}
		return res.dim, nil
	case <-timer:
		eng.close(true)
		return 0, goerr.New("engine handshake timed out", goerr.V("timeout", timeout.String()))
	}
}

func readHandshake(r io.Reader) (int, error) {
	body, err := readMessage(r)
	if err != nil {
		return 0, err
	}
	if len(body) != 5 || body[0] != StatusReady {
		if len(body) > 0 && body[0] == StatusError {
			return 0, parseEngineError(body[1:])
		}
		return 0, goerr.Wrap(ErrProtocol, "unexpected handshake", goerr.V("length", len(body)))
	}
	dim := int(binary.BigEndian.Uint32(body[1:5]))
	if dim <= 0 {
		return 0, goerr.Wrap(ErrProtocol, "invalid embedding dimension", goerr.V("dimension", dim))
	}
	return dim, nil
}

// AwaitReady blocks until the first handshake finished or ctx ends.
func (w *PythonWorker) AwaitReady(ctx context.Context) error {
	select {
	case <-w.readyCh:
		return w.startErr
	case <-ctx.Done():
		return goerr.Wrap(types.ErrProviderNotReady, "still waiting for face engine", goerr.V("cause", ctx.Err().Error()))
	}
}

// Ready reports whether the engine has loaded its models and the worker is open.
// It stays true while a crashed engine is replaced; requests then fail with a
// retryable error until the replacement answers.
func (w *PythonWorker) Ready() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.loaded && w.state != stateClosed
}

// Healthy reports whether an engine is up and answering requests right now.
func (w *PythonWorker) Healthy() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state == stateReady
}

func (w *PythonWorker) currentState() state {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// Restarts counts the replacement engines started so far.
func (w *PythonWorker) Restarts() int {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.restarts
}

// Command returns the current engine process for crash reports. It is nil for
// engines not started by NewPythonWorker.
func (w *PythonWorker) Command() *utils.SafeCommand {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.eng == nil {
		return nil
	}
	return w.eng.cmd
}

// Dimension is the embedding length announced by the engine, or 0 before the handshake.
func (w *PythonWorker) Dimension() int {
	return int(w.dim.Load())
}

// Detect returns every face in image.
func (w *PythonWorker) Detect(ctx context.Context, image []byte) ([]types.Probe, error) {
	return w.request(ctx, ModeAll, image)
}

// DetectSingle returns the engine's best face in image, or nil when there is none.
func (w *PythonWorker) DetectSingle(ctx context.Context, image []byte) (*types.Probe, error) {
	probes, err := w.request(ctx, ModeSingle, image)
	if err != nil {
		return nil, err
	}
	if len(probes) == 0 {
		return nil, nil
	}
	p := probes[0]
	return &p, nil
}

func (w *PythonWorker) request(ctx context.Context, mode byte, image []byte) ([]types.Probe, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	eng, err := w.current()
	if err != nil {
		return nil, err
	}

	if w.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.RequestTimeout)
		defer cancel()
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := communicate(eng, mode, image)
		done <- result{body, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			stderr := eng.stderr()
			w.fail(eng)
			return nil, goerr.Wrap(ErrWorkerClosed, "face engine i/o failed",
				goerr.V("id", w.ID), goerr.V("cause", res.err.Error()), goerr.V("stderr", stderr))
		}
		return decodeResponse(res.body, w.Dimension())
	case <-ctx.Done():
		// The stream position is unknown now; the engine cannot be reused.
		w.fail(eng)
		return nil, goerr.Wrap(ErrWorkerClosed, "face engine request aborted",
			goerr.V("id", w.ID), goerr.V("cause", ctx.Err().Error()))
	}
}

// current returns the engine to talk to, or the retryable reason there is none.
func (w *PythonWorker) current() (*engine, error) {
	w.stateMu.Lock()
	st, eng := w.state, w.eng
	w.stateMu.Unlock()

	switch st {
	case stateReady:
		return eng, nil
	case stateLoading:
		return nil, goerr.Wrap(types.ErrProviderNotReady, "face engine is loading", goerr.V("id", w.ID))
	case stateRestarting:
		return nil, goerr.Wrap(types.ErrProviderNotReady, "face engine is restarting", goerr.V("id", w.ID))
	case stateDown:
		w.restart()
		return nil, goerr.Wrap(ErrWorkerClosed, "face engine is down", goerr.V("id", w.ID))
	default:
		return nil, goerr.Wrap(ErrWorkerClosed, "request refused", goerr.V("id", w.ID))
	}
}

// fail kills eng after a broken exchange and schedules its replacement.
func (w *PythonWorker) fail(eng *engine) {
	eng.close(true)

	w.stateMu.Lock()
	if w.eng == eng && w.state == stateReady {
		w.state = stateDown
	}
	w.stateMu.Unlock()

	w.restart()
}

// restart replaces a dead engine in the background. A failed attempt leaves the
// worker down and the next request tries again.
func (w *PythonWorker) restart() {
	w.stateMu.Lock()
	if w.state != stateDown || w.spawn == nil {
		w.stateMu.Unlock()
		return
	}
	w.state = stateRestarting
	w.restarts++
	attempt := w.restarts
	w.stateMu.Unlock()

	logger := logging.Default().With("worker", w.ID)
	logger.Warn("restarting face engine", "attempt", attempt)

	go func() {
		eng, err := w.spawn()
		var dim int
		if err == nil {
			dim, err = handshake(eng, w.cfg.StartupTimeout)
			if err == nil && w.Dimension() != 0 && dim != w.Dimension() {
				err = goerr.Wrap(ErrProtocol, "restarted engine changed its embedding length",
					goerr.V("was", w.Dimension()), goerr.V("now", dim))
			}
			if err != nil {
				eng.close(true)
			}
		}

		w.stateMu.Lock()
		defer w.stateMu.Unlock()
		if w.state == stateClosed {
			if err == nil {
				eng.close(true)
			}
			return
		}
		if err != nil {
			w.state = stateDown
			logger.Error("face engine restart failed", "attempt", attempt, "error", err)
			return
		}
		w.eng = eng
		w.dim.Store(int32(dim))
		w.loaded = true
		w.state = stateReady
		logger.Info("face engine restarted", "attempt", attempt)
	}()
}

// communicate writes one request and reads one response body.
// Request: [uint32 length][mode][image]. Response: [uint32 length][body].
func communicate(eng *engine, mode byte, data []byte) ([]byte, error) {
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, uint32(len(data)+1))
	header[4] = mode
	if _, err := eng.stdin.Write(header); err != nil {
		return nil, err
	}
	if _, err := eng.stdin.Write(data); err != nil {
		return nil, err
	}
	return readMessage(eng.data)
}

func readMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxMessage {
		return nil, goerr.Wrap(ErrProtocol, "message too large", goerr.V("length", n))
	}
	body := make([]byte, n)
	_, err := io.ReadFull(r, body)
	return body, err
}

// decodeResponse parses [status] then either
// [uint32 n] n x ([4]float32 box, [dim]float32 embedding) or [uint32 msgLen][msg].
func decodeResponse(body []byte, dim int) ([]types.Probe, error) {
	if len(body) == 0 {
		return nil, goerr.Wrap(ErrProtocol, "empty response")
	}
	r := bytes.NewReader(body[1:])

	switch body[0] {
	case StatusOK:
	case StatusError:
		return nil, parseEngineError(body[1:])
	default:
		return nil, goerr.Wrap(ErrProtocol, "unknown status", goerr.V("status", body[0]))
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, goerr.Wrap(ErrProtocol, "missing face count")
	}
	faceSize := 4 * (4 + dim)
	if dim <= 0 || int(n)*faceSize != r.Len() {
		return nil, goerr.Wrap(types.ErrDimensionMismatch, "response size does not match dimension",
			goerr.V("faces", n), goerr.V("dimension", dim), goerr.V("bytes", r.Len()))
	}

	probes := make([]types.Probe, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, goerr.Wrap(ErrProtocol, "truncated box", goerr.V("face", i))
		}
		vec := make(types.Embedding, dim)
		if err := binary.Read(r, binary.BigEndian, []float32(vec)); err != nil {
			return nil, goerr.Wrap(ErrProtocol, "truncated embedding", goerr.V("face", i))
		}
		for _, v := range vec {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, goerr.Wrap(ErrProtocol, "non-finite embedding", goerr.V("face", i))
			}
		}
		probes = append(probes, types.Probe{
			Box: types.BoundingBox{
				X:      float64(box[0]),
				Y:      float64(box[1]),
				Width:  float64(box[2]),
				Height: float64(box[3]),
			},
			Embedding: vec,
		})
	}
	return probes, nil
}

func parseEngineError(rest []byte) error {
	if len(rest) < 4 {
		return goerr.Wrap(ErrProtocol, "truncated error message")
	}
	n := binary.BigEndian.Uint32(rest[:4])
	if int(n) > len(rest)-4 {
		return goerr.Wrap(ErrProtocol, "truncated error message")
	}
	return goerr.New("python worker error: " + string(rest[4:4+n]))
}

// Close shuts the engine down and stops any restart from taking effect.
func (w *PythonWorker) Close() error {
	var err error
	w.closeOne.Do(func() {
		w.stateMu.Lock()
		w.state = stateClosed
		eng := w.eng
		w.stateMu.Unlock()
		if eng != nil {
			if cerr := eng.close(false); cerr != nil {
				err = goerr.Wrap(cerr, "face engine exited uncleanly", goerr.V("id", w.ID))
			}
		}
	})
	return err
}
