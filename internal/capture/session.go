// Package capture owns the camera resource and exposes it as a small state machine.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/logging"
	"github.com/not-amarnath/final-year-project/internal/types"
)

// State is the lifecycle position of a Session.
type State int

const (
	Off State = iota
	Starting
	Active
	Error
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stream is an acquired capture resource.
type Stream interface {
	// Ready is closed once the stream produces decodable frames.
	Ready() <-chan struct{}
	// Done is closed when the stream terminates for any reason.
	Done() <-chan struct{}
	// Err explains an unexpected termination. Nil after a deliberate release.
	Err() error
	// Frame returns the most recent frame.
	Frame() (types.Frame, error)
}

// Source hands out exclusive access to a camera.
type Source interface {
	// Acquire returns a *types.CaptureError on failure.
	Acquire(ctx context.Context) (Stream, error)
	Release(Stream) error
}

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	Reason types.CaptureReason
	At     time.Time
}

// Status is the display projection of a Session.
type Status struct {
	State   State               `json:"state"`
	Reason  types.CaptureReason `json:"reason,omitempty"`
	Message string              `json:"message,omitempty"`
}

// DefaultReadyTimeout bounds how long Starting may wait for the first frame.
const DefaultReadyTimeout = 10 * time.Second

// Session is the only holder of the camera. Off is both initial and re-enterable;
// there is no terminal state.
type Session struct {
	mu       sync.Mutex
	notifyMu sync.Mutex

	source       Source
	readyTimeout time.Duration
	logger       *slog.Logger

	state     State
	reason    types.CaptureReason
	stream    Stream
	gen       uint64
	stopWatch context.CancelFunc
	listeners []func(Transition)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithReadyTimeout overrides DefaultReadyTimeout. Zero disables the timeout.
func WithReadyTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.readyTimeout = d }
}

// WithLogger sets the transition logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a session in the Off state.
func NewSession(source Source, opts ...SessionOption) *Session {
	s := &Session{
		source:       source,
		readyTimeout: DefaultReadyTimeout,
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for every future transition. Listeners run in
// transition order and must not call Start, Stop, OnReady or OnFailure.
func (s *Session) Subscribe(fn func(Transition)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the state with the failure reason, if any.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state}
	if s.state == Error {
		st.Reason = s.reason
		st.Message = s.reason.Message()
	}
	return st
}

// Start requests the camera. While Starting or Active it is a no-op that
// returns the current state. A failed acquisition moves the session to Error.
func (s *Session) Start(ctx context.Context) (State, error) {
	s.mu.Lock()
	if s.state == Starting || s.state == Active {
		st := s.state
		s.mu.Unlock()
		return st, nil
	}
	s.releaseLocked()
	s.gen++
	gen := s.gen
	s.transitionLocked(Starting, "")

	stream, err := s.source.Acquire(ctx)

	s.mu.Lock()
	if s.gen != gen {
		// Stopped while acquiring.
		st := s.state
		s.mu.Unlock()
		if stream != nil {
			_ = s.source.Release(stream)
		}
		return st, nil
	}
	if err != nil {
		reason := reasonOf(err, types.ReasonPlaybackFailed)
		s.transitionLocked(Error, reason)
		return Error, goerr.Wrap(err, "failed to acquire camera")
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.stream = stream
	s.stopWatch = cancel
	s.mu.Unlock()

	go s.watch(watchCtx, gen, stream)
	return Starting, nil
}

// Stop releases the camera unconditionally and returns to Off.
func (s *Session) Stop() {
	s.mu.Lock()
	s.gen++
	s.releaseLocked()
	if s.state == Off {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(Off, "")
}

// OnReady marks the current acquisition as producing frames.
func (s *Session) OnReady() {
	s.mu.Lock()
	s.markReadyLocked(s.gen)
}

// OnFailure moves a Starting or Active session to Error and releases the camera.
func (s *Session) OnFailure(reason types.CaptureReason) {
	s.mu.Lock()
	s.failLocked(s.gen, reason)
}

// Frame returns the latest frame. Only an Active session has frames.
func (s *Session) Frame() (types.Frame, error) {
	s.mu.Lock()
	state, stream := s.state, s.stream
	s.mu.Unlock()

	if state != Active || stream == nil {
		return types.Frame{}, goerr.Wrap(types.ErrCaptureUnavailable, "capture session is not active", goerr.V("state", state.String()))
	}
	return stream.Frame()
}

func (s *Session) watch(ctx context.Context, gen uint64, stream Stream) {
	var timeout <-chan time.Time
	if s.readyTimeout > 0 {
		timer := time.NewTimer(s.readyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-stream.Ready():
		s.mu.Lock()
		s.markReadyLocked(gen)
	case <-stream.Done():
		s.mu.Lock()
		s.failLocked(gen, reasonOf(stream.Err(), types.ReasonPlaybackFailed))
		return
	case <-timeout:
		s.mu.Lock()
		s.failLocked(gen, types.ReasonPlaybackFailed)
		return
	case <-ctx.Done():
		return
	}

	select {
	case <-stream.Done():
		s.mu.Lock()
		s.failLocked(gen, reasonOf(stream.Err(), types.ReasonDisconnected))
	case <-ctx.Done():
	}
}

// markReadyLocked expects s.mu held and releases it.
func (s *Session) markReadyLocked(gen uint64) {
	if gen != s.gen || s.state != Starting {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(Active, "")
}

// failLocked expects s.mu held and releases it.
func (s *Session) failLocked(gen uint64, reason types.CaptureReason) {
	if gen != s.gen || (s.state != Starting && s.state != Active) {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.releaseLocked()
	s.transitionLocked(Error, reason)
}

func (s *Session) releaseLocked() {
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	if s.stream != nil {
		if err := s.source.Release(s.stream); err != nil {
			s.logger.Warn("failed to release camera", "error", err)
		}
		s.stream = nil
	}
}

// transitionLocked expects s.mu held and releases it before notifying listeners.
func (s *Session) transitionLocked(to State, reason types.CaptureReason) {
	t := Transition{From: s.state, To: to, Reason: reason, At: time.Now()}
	s.state = to
	s.reason = reason

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	if reason != "" {
		s.logger.Warn("camera state changed", "from", t.From.String(), "to", to.String(), "reason", string(reason))
	} else {
		s.logger.Info("camera state changed", "from", t.From.String(), "to", to.String())
	}
	for _, fn := range s.listeners {
		fn(t)
	}
}

func reasonOf(err error, fallback types.CaptureReason) types.CaptureReason {
	var capErr *types.CaptureError
	if errors.As(err, &capErr) && capErr.Reason != "" {
		return capErr.Reason
	}
	return fallback
}

// ReasonFromName maps browser-style media error names to a capture reason.
func ReasonFromName(name string) types.CaptureReason {
	switch name {
	case "NotAllowedError", "PermissionDeniedError", "SecurityError":
		return types.ReasonPermissionDenied
	case "NotFoundError", "DevicesNotFoundError", "OverconstrainedError":
		return types.ReasonNotFound
	case "NotReadableError", "TrackStartError", "AbortError":
		return types.ReasonBusy
	case "NotSupportedError", "TypeError":
		return types.ReasonUnsupported
	case "EndedError":
		return types.ReasonDisconnected
	default:
		return types.ReasonPlaybackFailed
	}
}
