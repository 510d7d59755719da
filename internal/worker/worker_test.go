package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/not-amarnath/final-year-project/internal/types"
)

// MockCloser lets in-memory buffers stand in for OS pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func frame(body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}

func handshakeMsg(dim uint32) []byte {
	body := []byte{StatusReady, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(body[1:], dim)
	return frame(body)
}

func okMsg(dim int, faces ...float32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(StatusOK)
	binary.Write(payload, binary.BigEndian, uint32(len(faces)))
	for i, first := range faces {
		binary.Write(payload, binary.BigEndian, [4]float32{float32(10 * i), 20, 30, 40})
		vec := make([]float32, dim)
		vec[0] = first
		binary.Write(payload, binary.BigEndian, vec)
	}
	return frame(payload.Bytes())
}

func errMsg(msg string) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(StatusError)
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)
	return frame(payload.Bytes())
}

// readyWorker returns a worker whose engine already completed the handshake,
// with the given responses queued on the data pipe.
func readyWorker(t *testing.T, dim uint32, responses ...[]byte) (*PythonWorker, *MockCloser) {
	t.Helper()
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: new(bytes.Buffer)}
	data.Write(handshakeMsg(dim))
	for _, r := range responses {
		data.Write(r)
	}

	eng := &engine{stdin: stdin, data: data}
	w := newWorker(1, Config{StartupTimeout: time.Second, RequestTimeout: time.Second}, eng)
	go w.boot(eng)
	gt.NoError(t, w.AwaitReady(context.Background()))
	return w, stdin
}

func TestDetect(t *testing.T) {
	w, stdin := readyWorker(t, 128, okMsg(128, 0.5, 0.25))
	gt.True(t, w.Ready())
	gt.Equal(t, w.Dimension(), 128)

	input := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	probes, err := w.Detect(context.Background(), input)
	gt.NoError(t, err)

	// [len][mode][image]
	sent := stdin.Bytes()
	gt.Equal(t, len(sent), 4+1+len(input))
	gt.Equal(t, binary.BigEndian.Uint32(sent[:4]), uint32(len(input)+1))
	gt.Equal(t, sent[4], ModeAll)
	gt.Equal(t, sent[5:], input)

	gt.Equal(t, len(probes), 2)
	gt.Equal(t, len(probes[0].Embedding), 128)
	gt.Equal(t, probes[0].Embedding[0], float32(0.5))
	gt.Equal(t, probes[1].Embedding[0], float32(0.25))
	gt.Equal(t, probes[1].Box, types.BoundingBox{X: 10, Y: 20, Width: 30, Height: 40})
}

func TestDetectSingle(t *testing.T) {
	w, stdin := readyWorker(t, 128, okMsg(128, 0.75), okMsg(128))

	p, err := w.DetectSingle(context.Background(), []byte("photo"))
	gt.NoError(t, err)
	gt.V(t, p).NotNil()
	gt.Equal(t, p.Embedding[0], float32(0.75))
	gt.Equal(t, stdin.Bytes()[4], ModeSingle)

	p, err = w.DetectSingle(context.Background(), []byte("empty"))
	gt.NoError(t, err)
	gt.True(t, p == nil)
}

func TestDetectEngineError(t *testing.T) {
	w, _ := readyWorker(t, 128, errMsg("Python Exception: Import Error"))

	_, err := w.Detect(context.Background(), []byte("frame"))
	gt.Error(t, err)
	gt.S(t, err.Error()).Contains("python worker error: Python Exception: Import Error")
	// An engine-reported error leaves the stream aligned.
	gt.True(t, w.Ready())
}

func TestDetectDimensionMismatch(t *testing.T) {
	w, _ := readyWorker(t, 128, okMsg(64, 0.5))

	_, err := w.Detect(context.Background(), []byte("frame"))
	gt.True(t, errors.Is(err, types.ErrDimensionMismatch))
}

func TestNotReadyBeforeHandshake(t *testing.T) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	pr, pw := io.Pipe()
	defer pw.Close()

	eng := &engine{stdin: stdin, data: pr}
	w := newWorker(1, Config{RequestTimeout: time.Second}, eng)
	go w.boot(eng)

	gt.False(t, w.Ready())
	_, err := w.Detect(context.Background(), []byte("frame"))
	gt.True(t, errors.Is(err, types.ErrProviderNotReady))
	gt.Equal(t, types.CategoryOf(err), types.CategoryProviderNotReady)
	gt.Equal(t, stdin.Len(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	gt.True(t, errors.Is(w.AwaitReady(ctx), types.ErrProviderNotReady))

	_, err = pw.Write(handshakeMsg(128))
	gt.NoError(t, err)
	gt.NoError(t, w.AwaitReady(context.Background()))
	gt.True(t, w.Ready())
}

func TestHandshakeFailure(t *testing.T) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: bytes.NewBuffer(errMsg("model weights missing"))}

	eng := &engine{stdin: stdin, data: data}
	w := newWorker(1, Config{StartupTimeout: time.Second, RequestTimeout: time.Second}, eng)
	go w.boot(eng)

	err := w.AwaitReady(context.Background())
	gt.Error(t, err)
	gt.S(t, err.Error()).Contains("model weights missing")
	gt.False(t, w.Ready())

	_, err = w.Detect(context.Background(), []byte("frame"))
	gt.True(t, errors.Is(err, ErrWorkerClosed))
}

// silentWorker returns a ready worker whose engine never answers a request.
func silentWorker(t *testing.T, timeout time.Duration) *PythonWorker {
	t.Helper()
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	eng := &engine{stdin: stdin, data: pr}
	w := newWorker(1, Config{StartupTimeout: time.Second, RequestTimeout: timeout}, eng)
	go w.boot(eng)
	go pw.Write(handshakeMsg(128))
	gt.NoError(t, w.AwaitReady(context.Background()))
	return w
}

func waitHealthy(t *testing.T, w *PythonWorker) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !w.Healthy() {
		if time.Now().After(deadline) {
			t.Fatal("engine was not replaced")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequestTimeoutWithoutRestartLeavesEngineDown(t *testing.T) {
	w := silentWorker(t, 20*time.Millisecond)

	_, err := w.Detect(context.Background(), []byte("frame"))
	gt.True(t, errors.Is(err, ErrWorkerClosed))
	gt.S(t, err.Error()).Contains("aborted")
	gt.False(t, w.Healthy())
	// Models were loaded once, so the failure is reported per request, not hidden.
	gt.True(t, w.Ready())

	_, err = w.Detect(context.Background(), []byte("frame"))
	gt.True(t, errors.Is(err, ErrWorkerClosed))
	gt.Equal(t, w.Restarts(), 0)
}

func TestRequestTimeoutReplacesEngine(t *testing.T) {
	w := silentWorker(t, 20*time.Millisecond)

	spawned := make(chan struct{}, 4)
	w.spawn = func() (*engine, error) {
		spawned <- struct{}{}
		data := &MockCloser{Buffer: new(bytes.Buffer)}
		data.Write(handshakeMsg(128))
		data.Write(okMsg(128, 0.5))
		return &engine{stdin: &MockCloser{Buffer: new(bytes.Buffer)}, data: data}, nil
	}

	_, err := w.Detect(context.Background(), []byte("frame"))
	gt.True(t, errors.Is(err, ErrWorkerClosed))
	gt.True(t, w.Ready())

	waitHealthy(t, w)
	gt.Equal(t, len(spawned), 1)
	gt.Equal(t, w.Restarts(), 1)

	probes, err := w.Detect(context.Background(), []byte("frame"))
	gt.NoError(t, err)
	gt.Equal(t, len(probes), 1)
}

func TestFailedRestartIsRetriedOnNextRequest(t *testing.T) {
	w := silentWorker(t, 20*time.Millisecond)

	var attempts int
	w.spawn = func() (*engine, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("exec: python3: not found")
		}
		data := &MockCloser{Buffer: new(bytes.Buffer)}
		data.Write(handshakeMsg(128))
		return &engine{stdin: &MockCloser{Buffer: new(bytes.Buffer)}, data: data}, nil
	}

	_, err := w.Detect(context.Background(), []byte("frame"))
	gt.True(t, errors.Is(err, ErrWorkerClosed))

	// The first replacement fails; the worker settles down again.
	deadline := time.Now().Add(2 * time.Second)
	for w.Restarts() != 1 || w.currentState() != stateDown {
		if time.Now().After(deadline) {
			t.Fatal("first restart did not settle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err = w.Detect(context.Background(), []byte("frame"))
	gt.True(t, errors.Is(err, ErrWorkerClosed))
	gt.S(t, err.Error()).Contains("down")

	waitHealthy(t, w)
	gt.Equal(t, w.Restarts(), 2)
}

func TestRestartChangingDimensionIsRejected(t *testing.T) {
	w := silentWorker(t, 20*time.Millisecond)
	w.spawn = func() (*engine, error) {
		data := &MockCloser{Buffer: new(bytes.Buffer)}
		data.Write(handshakeMsg(512))
		return &engine{stdin: &MockCloser{Buffer: new(bytes.Buffer)}, data: data}, nil
	}

	_, err := w.Detect(context.Background(), []byte("frame"))
	gt.Error(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for w.currentState() != stateDown {
		if time.Now().After(deadline) {
			t.Fatal("restart did not settle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	gt.Equal(t, w.Dimension(), 128)
}

func TestClosedWorkerRefusesRequests(t *testing.T) {
	w, _ := readyWorker(t, 128)
	gt.NoError(t, w.Close())
	gt.False(t, w.Ready())

	_, err := w.Detect(context.Background(), []byte("frame"))
	gt.True(t, errors.Is(err, ErrWorkerClosed))
}

func TestDecodeResponseRejectsGarbage(t *testing.T) {
	_, err := decodeResponse(nil, 128)
	gt.True(t, errors.Is(err, ErrProtocol))

	_, err = decodeResponse([]byte{9}, 128)
	gt.True(t, errors.Is(err, ErrProtocol))

	_, err = decodeResponse([]byte{StatusOK, 0, 0}, 128)
	gt.True(t, errors.Is(err, ErrProtocol))
}
