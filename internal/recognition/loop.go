// Package recognition runs the periodic detect, match and publish cycle over a live capture.
package recognition

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/capture"
	"github.com/not-amarnath/final-year-project/internal/logging"
	"github.com/not-amarnath/final-year-project/internal/matcher"
	"github.com/not-amarnath/final-year-project/internal/types"
)

const (
	DefaultInterval      = 2000 * time.Millisecond
	DefaultDegradedAfter = 3
)

// Provider detects every face in an image.
type Provider interface {
	Ready() bool
	Detect(ctx context.Context, image []byte) ([]types.Probe, error)
}

// FrameSource is the capture session as seen by the loop.
type FrameSource interface {
	Status() capture.Status
	Frame() (types.Frame, error)
}

// Candidates returns the current enrolled set. It is read fresh on every tick.
type Candidates interface {
	List() []types.EnrolledPerson
}

// Encoder turns a frame into an evidence snapshot.
type Encoder interface {
	Encode(frame []byte) ([]byte, error)
}

// Recorder accepts evidence entries.
type Recorder interface {
	Record(types.EvidenceEntry)
}

// Gate decides whether a tick's best result becomes evidence.
type Gate interface {
	Admits(types.MatchResult) bool
}

// SkipReason explains why a tick did nothing.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipBusy             SkipReason = "tick_in_flight"
	SkipCaptureInactive  SkipReason = "capture_inactive"
	SkipProviderNotReady SkipReason = "provider_not_ready"
	SkipEmptyEnrollment  SkipReason = "empty_enrollment"
	SkipStopped          SkipReason = "stopped"
)

// TickReport summarizes one tick.
type TickReport struct {
	Skipped    bool
	SkipReason SkipReason
	Results    []types.MatchResult
	Best       *types.MatchResult
	Evidence   *types.EvidenceEntry
}

// Face is one overlay box.
type Face struct {
	PersonID          string            `json:"person_id,omitempty"`
	Label             string            `json:"label"`
	Authorized        bool              `json:"authorized"`
	Distance          *float64          `json:"distance,omitempty"`
	ConfidencePercent int               `json:"confidence_percent"`
	Box               types.BoundingBox `json:"box"`
}

// Overlay is the live result set of the most recent published tick.
type Overlay struct {
	Faces     []Face    `json:"faces"`
	UpdatedAt time.Time `json:"updated_at"`
}

func faceOf(r types.MatchResult) Face {
	f := Face{
		PersonID:          r.PersonID,
		Label:             r.Label,
		Authorized:        r.Authorized(),
		ConfidencePercent: r.ConfidencePercent(),
		Box:               r.Box,
	}
	if !math.IsInf(r.Distance, 0) && !math.IsNaN(r.Distance) {
		d := r.Distance
		f.Distance = &d
	}
	return f
}

// Loop is a single-worker polling process. Ticks never overlap.
type Loop struct {
	source   FrameSource
	provider Provider
	people   Candidates
	matcher  *matcher.Matcher
	gate     Gate
	recorder Recorder
	encoder  Encoder

	interval      time.Duration
	degradedAfter int
	now           func() time.Time
	logger        *slog.Logger

	onError    func(error)
	onEvidence func(types.EvidenceEntry)
	onDegraded func(bool)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	// epoch changes on every Stop; a tick publishes only if it is unchanged.
	epoch    atomic.Uint64
	inFlight atomic.Bool

	stateMu  sync.RWMutex
	overlay  Overlay
	lastErr  error
	failures int
	degraded bool
}

// Option configures a Loop.
type Option func(*Loop)

func WithInterval(d time.Duration) Option {
	return func(l *Loop) { l.interval = d }
}

// WithDegradedAfter sets how many consecutive provider failures trip the breaker. Zero disables it.
func WithDegradedAfter(n int) Option {
	return func(l *Loop) { l.degradedAfter = n }
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func WithEncoder(enc Encoder) Option {
	return func(l *Loop) { l.encoder = enc }
}

// WithOnError receives every tick failure.
func WithOnError(fn func(error)) Option {
	return func(l *Loop) { l.onError = fn }
}

// WithOnDegraded receives true when the breaker trips and false on recovery.
func WithOnDegraded(fn func(bool)) Option {
	return func(l *Loop) { l.onDegraded = fn }
}

func WithOnEvidence(fn func(types.EvidenceEntry)) Option {
	return func(l *Loop) { l.onEvidence = fn }
}

// New creates a stopped loop. Without an encoder evidence entries carry no snapshot.
func New(source FrameSource, provider Provider, people Candidates, m *matcher.Matcher, gate Gate, recorder Recorder, opts ...Option) *Loop {
	l := &Loop{
		source:        source,
		provider:      provider,
		people:        people,
		matcher:       m,
		gate:          gate,
		recorder:      recorder,
		interval:      DefaultInterval,
		degradedAfter: DefaultDegradedAfter,
		now:           time.Now,
		logger:        logging.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins ticking every interval (the configured default when zero).
// It refuses unless the capture session is Active and is a no-op while running.
func (l *Loop) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = l.interval
	}

	// Session listeners call Stop, so the status is read without holding mu.
	// A Stop landing in between bumps the epoch and the start is refused.
	epoch := l.epoch.Load()
	st := l.source.Status()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}
	if st.State != capture.Active {
		if st.State == capture.Error {
			return goerr.Wrap(types.NewCaptureError(st.Reason, nil), "recognition requires an active camera")
		}
		return goerr.Wrap(types.ErrCaptureUnavailable, "recognition requires an active camera", goerr.V("state", st.State.String()))
	}
	if l.epoch.Load() != epoch {
		return goerr.Wrap(types.ErrCaptureUnavailable, "recognition stopped while starting")
	}

	l.running = true
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(ctx, interval, epoch, l.stopCh, l.done)

	l.logger.Info("recognition started", "interval", interval.String())
	return nil
}

// Stop halts the loop before its next tick. An in-flight tick completes but
// publishes nothing. The overlay is cleared.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	l.epoch.Add(1)
	if !l.running {
		return
	}
	l.running = false
	close(l.stopCh)

	l.stateMu.Lock()
	l.overlay = Overlay{UpdatedAt: l.now()}
	l.stateMu.Unlock()

	l.logger.Info("recognition stopped")
}

// Wait blocks until the ticking goroutine of the last Start has exited.
func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the loop is scheduled.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context, interval time.Duration, epoch uint64, stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			l.mu.Lock()
			if l.stopCh == stopCh {
				l.stopLocked()
			}
			l.mu.Unlock()
			return
		case <-ticker.C:
			// Ticker drops ticks while Tick is running, so a slow provider defers the next one.
			_, _ = l.tick(ctx, epoch)
		}
	}
}

// Tick performs one detect, match and publish cycle. Failures are returned and
// also reported through LastError and the error callback; they never stop the loop.
func (l *Loop) Tick(ctx context.Context) (TickReport, error) {
	return l.tick(ctx, l.epoch.Load())
}

func (l *Loop) tick(ctx context.Context, epoch uint64) (TickReport, error) {
	if !l.inFlight.CompareAndSwap(false, true) {
		return skipped(SkipBusy), nil
	}
	defer l.inFlight.Store(false)

	if l.epoch.Load() != epoch {
		return skipped(SkipStopped), nil
	}

	if l.source.Status().State != capture.Active {
		return skipped(SkipCaptureInactive), nil
	}
	if !l.provider.Ready() {
		return skipped(SkipProviderNotReady), nil
	}
	people := l.people.List()
	if len(people) == 0 {
		return skipped(SkipEmptyEnrollment), nil
	}

	frame, err := l.source.Frame()
	if err != nil {
		return TickReport{}, l.report(goerr.Wrap(err, "failed to grab frame"))
	}

	probes, err := l.provider.Detect(ctx, frame.Data)
	if err != nil {
		err = goerr.Wrap(err, "face detection failed", goerr.V("frame", frame.Index))
		l.providerFailed()
		return TickReport{}, l.report(err)
	}
	l.providerRecovered()

	results := l.matcher.MatchAll(probes, people)
	if !l.publish(epoch, results) {
		return skipped(SkipStopped), nil
	}

	report := TickReport{Results: results}
	best, ok := matcher.Best(results)
	if !ok {
		l.clearError()
		return report, nil
	}
	report.Best = &best
	if !l.gate.Admits(best) {
		l.clearError()
		return report, nil
	}

	var snap []byte
	if l.encoder != nil {
		snap, err = l.encoder.Encode(frame.Data)
		if err != nil {
			if !errors.Is(err, types.ErrEncodeFailure) {
				err = goerr.Wrap(types.ErrEncodeFailure, "snapshot encoder failed", goerr.V("cause", err.Error()))
			}
			return report, l.report(goerr.Wrap(err, "evidence snapshot skipped"))
		}
	}
	capturedAt := frame.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = l.now()
	}
	entry := types.EvidenceEntry{
		ID:                uuid.NewString(),
		CapturedAt:        capturedAt,
		Label:             best.Label,
		Authorized:        best.Authorized(),
		ConfidencePercent: best.ConfidencePercent(),
		Snapshot:          snap,
	}
	if !l.whileLive(epoch, func() { l.recorder.Record(entry) }) {
		return report, nil
	}
	report.Evidence = &entry
	l.clearError()

	l.logger.Info("evidence recorded", "label", entry.Label, "authorized", entry.Authorized, "confidence", entry.ConfidencePercent)
	if l.onEvidence != nil {
		l.onEvidence(entry)
	}
	return report, nil
}

func skipped(reason SkipReason) TickReport {
	return TickReport{Skipped: true, SkipReason: reason}
}

func (l *Loop) publish(epoch uint64, results []types.MatchResult) bool {
	faces := make([]Face, 0, len(results))
	for _, r := range results {
		faces = append(faces, faceOf(r))
	}
	return l.whileLive(epoch, func() {
		l.overlay = Overlay{Faces: faces, UpdatedAt: l.now()}
	})
}

// whileLive runs fn under stateMu unless a Stop has happened since epoch.
// Stop bumps the epoch before it takes stateMu, so fn never runs after Stop returns.
func (l *Loop) whileLive(epoch uint64, fn func()) bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.epoch.Load() != epoch {
		return false
	}
	fn()
	return true
}

func (l *Loop) report(err error) error {
	l.stateMu.Lock()
	l.lastErr = err
	l.stateMu.Unlock()

	l.logger.Warn("recognition tick failed", "error", err, "category", string(types.CategoryOf(err)))
	if l.onError != nil {
		l.onError(err)
	}
	return err
}

func (l *Loop) clearError() {
	l.stateMu.Lock()
	l.lastErr = nil
	l.stateMu.Unlock()
}

func (l *Loop) providerFailed() {
	l.stateMu.Lock()
	l.failures++
	trip := l.degradedAfter > 0 && !l.degraded && l.failures >= l.degradedAfter
	if trip {
		l.degraded = true
	}
	failures := l.failures
	l.stateMu.Unlock()

	if trip {
		l.logger.Error("recognition degraded", "consecutive_failures", failures)
		if l.onDegraded != nil {
			l.onDegraded(true)
		}
	}
}

func (l *Loop) providerRecovered() {
	l.stateMu.Lock()
	recovered := l.degraded
	l.failures = 0
	l.degraded = false
	l.stateMu.Unlock()

	if recovered {
		l.logger.Info("recognition recovered")
		if l.onDegraded != nil {
			l.onDegraded(false)
		}
	}
}

// Overlay returns a copy of the live overlay.
func (l *Loop) Overlay() Overlay {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	out := l.overlay
	out.Faces = append([]Face(nil), l.overlay.Faces...)
	return out
}

// LastError returns the most recent tick failure, cleared by the next successful tick.
func (l *Loop) LastError() error {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.lastErr
}

// Degraded reports whether consecutive provider failures crossed the breaker threshold.
func (l *Loop) Degraded() bool {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.degraded
}
