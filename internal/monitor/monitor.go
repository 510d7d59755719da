// Package monitor wires the capture session, enrollment store, recognition loop
// and evidence log into the single object the dashboard and CLI drive.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/capture"
	"github.com/not-amarnath/final-year-project/internal/enrollment"
	"github.com/not-amarnath/final-year-project/internal/evidence"
	"github.com/not-amarnath/final-year-project/internal/logging"
	"github.com/not-amarnath/final-year-project/internal/matcher"
	"github.com/not-amarnath/final-year-project/internal/recognition"
	"github.com/not-amarnath/final-year-project/internal/types"
)

// archiveRetention is how many capacities worth of evidence the archive keeps.
const archiveRetention = 10

// archiveTimeout bounds each archive write made from the recognition goroutine.
const archiveTimeout = 5 * time.Second

// Provider is the embedding engine as used for both recognition and enrollment.
type Provider interface {
	recognition.Provider
	enrollment.Detector
}

// Archive is durable storage for persons and evidence. Optional.
type Archive interface {
	enrollment.Persister
	ListPersons(ctx context.Context) ([]types.EnrolledPerson, error)
	InsertEvidence(ctx context.Context, e types.EvidenceEntry) error
	PruneEvidence(ctx context.Context, keep int) (int64, error)
}

// Settings are the tunables of a Monitor. Zero values fall back to package defaults.
type Settings struct {
	MatchThreshold    float64
	EvidenceThreshold float64
	EvidenceCapacity  int
	TickInterval      time.Duration
	DegradedAfter     int
	ReadyTimeout      time.Duration
}

// DefaultSettings returns the reference tunables.
func DefaultSettings() Settings {
	return Settings{
		MatchThreshold:    matcher.DefaultThreshold,
		EvidenceThreshold: evidence.DefaultThreshold,
		EvidenceCapacity:  evidence.DefaultCapacity,
		TickInterval:      recognition.DefaultInterval,
		DegradedAfter:     recognition.DefaultDegradedAfter,
		ReadyTimeout:      capture.DefaultReadyTimeout,
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithArchive mirrors enrollments and evidence into a.
func WithArchive(a Archive) Option {
	return func(m *Monitor) { m.archive = a }
}

// WithEncoder sets the snapshot encoder for evidence stills.
func WithEncoder(enc recognition.Encoder) Option {
	return func(m *Monitor) { m.encoder = enc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithBaseContext bounds the lifetime of the recognition goroutine.
// Request contexts are too short-lived for it.
func WithBaseContext(ctx context.Context) Option {
	return func(m *Monitor) { m.base = ctx }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor is the composition root of a running station.
type Monitor struct {
	settings Settings
	provider Provider
	archive  Archive
	encoder  recognition.Encoder
	logger   *slog.Logger
	base     context.Context
	now      func() time.Time

	session  *capture.Session
	people   *enrollment.Store
	evidence *evidence.Log
	loop     *recognition.Loop
}

// New builds a monitor around source and provider. The camera starts Off and
// recognition stopped.
func New(source capture.Source, provider Provider, settings Settings, opts ...Option) *Monitor {
	m := &Monitor{
		settings: withDefaults(settings),
		provider: provider,
		logger:   logging.Default(),
		base:     context.Background(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.session = capture.NewSession(source,
		capture.WithReadyTimeout(m.settings.ReadyTimeout),
		capture.WithLogger(m.logger),
	)

	var storeOpts []enrollment.Option
	if m.archive != nil {
		storeOpts = append(storeOpts, enrollment.WithPersister(m.archive))
	}
	storeOpts = append(storeOpts, enrollment.WithClock(m.now))
	m.people = enrollment.New(provider, storeOpts...)

	m.evidence = evidence.New(m.settings.EvidenceCapacity)

	loopOpts := []recognition.Option{
		recognition.WithInterval(m.settings.TickInterval),
		recognition.WithDegradedAfter(m.settings.DegradedAfter),
		recognition.WithClock(m.now),
		recognition.WithLogger(m.logger),
	}
	if m.encoder != nil {
		loopOpts = append(loopOpts, recognition.WithEncoder(m.encoder))
	}
	if m.archive != nil {
		loopOpts = append(loopOpts, recognition.WithOnEvidence(m.archiveEvidence))
	}
	m.loop = recognition.New(m.session, provider, m.people,
		matcher.New(m.settings.MatchThreshold),
		evidence.NewGate(m.settings.EvidenceThreshold),
		m.evidence,
		loopOpts...,
	)

	// Recognition never outlives the camera.
	m.session.Subscribe(func(t capture.Transition) {
		if t.To != capture.Active {
			m.loop.Stop()
		}
	})
	return m
}

func withDefaults(s Settings) Settings {
	d := DefaultSettings()
	if s.MatchThreshold <= 0 {
		s.MatchThreshold = d.MatchThreshold
	}
	if s.EvidenceThreshold <= 0 {
		s.EvidenceThreshold = d.EvidenceThreshold
	}
	if s.EvidenceCapacity < 1 {
		s.EvidenceCapacity = d.EvidenceCapacity
	}
	if s.TickInterval <= 0 {
		s.TickInterval = d.TickInterval
	}
	if s.DegradedAfter < 0 {
		s.DegradedAfter = d.DegradedAfter
	}
	if s.ReadyTimeout < 0 {
		s.ReadyTimeout = d.ReadyTimeout
	}
	return s
}

func (m *Monitor) archiveEvidence(e types.EvidenceEntry) {
	ctx, cancel := context.WithTimeout(m.base, archiveTimeout)
	defer cancel()

	if err := m.archive.InsertEvidence(ctx, e); err != nil {
		m.logger.Warn("failed to archive evidence", "id", e.ID, "error", err)
		return
	}
	if _, err := m.archive.PruneEvidence(ctx, m.settings.EvidenceCapacity*archiveRetention); err != nil {
		m.logger.Warn("failed to prune evidence archive", "error", err)
	}
}

// RestorePersons loads the archived enrolled set. Without an archive it does nothing.
func (m *Monitor) RestorePersons(ctx context.Context) (int, error) {
	if m.archive == nil {
		return 0, nil
	}
	persons, err := m.archive.ListPersons(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to restore enrolled persons")
	}
	n := m.people.Restore(persons)
	m.logger.Info("restored enrolled persons", "count", n, "archived", len(persons))
	return n, nil
}

// StartCamera requests the camera. See capture.Session.Start.
func (m *Monitor) StartCamera(ctx context.Context) (capture.State, error) {
	return m.session.Start(ctx)
}

// StopCamera releases the camera. Recognition stops with it.
func (m *Monitor) StopCamera() {
	m.session.Stop()
}

// CameraFailed reports an externally observed capture failure.
func (m *Monitor) CameraFailed(reason types.CaptureReason) {
	m.session.OnFailure(reason)
}

// StartRecognition begins ticking. A zero interval uses the configured one.
func (m *Monitor) StartRecognition(interval time.Duration) error {
	return m.loop.Start(m.base, interval)
}

func (m *Monitor) StopRecognition() {
	m.loop.Stop()
}

// Tick runs one recognition cycle immediately, regardless of whether the loop is scheduled.
func (m *Monitor) Tick(ctx context.Context) (recognition.TickReport, error) {
	return m.loop.Tick(ctx)
}

// Enroll adds name using the best face in image.
func (m *Monitor) Enroll(ctx context.Context, name string, image []byte) (types.PersonSummary, error) {
	p, err := m.people.Add(ctx, name, image)
	if err != nil {
		return types.PersonSummary{}, err
	}
	m.logger.Info("person enrolled", "id", p.ID, "name", p.Name)
	return p.Summary(), nil
}

// Remove unenrolls id. It reports whether the person existed; an archive
// failure leaves the person enrolled and is returned.
func (m *Monitor) Remove(ctx context.Context, id string) (bool, error) {
	ok, err := m.people.Remove(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		m.logger.Info("person removed", "id", id)
	}
	return ok, nil
}

func (m *Monitor) Persons() []types.PersonSummary {
	return m.people.Summaries()
}

// Evidence returns the retained entries, most recent first.
func (m *Monitor) Evidence() []types.EvidenceEntry {
	return m.evidence.Recent()
}

// EvidenceByID returns a retained evidence entry.
func (m *Monitor) EvidenceByID(id string) (types.EvidenceEntry, error) {
	e, ok := m.evidence.Find(id)
	if !ok {
		return types.EvidenceEntry{}, goerr.Wrap(types.ErrNotFound, "no such evidence entry", goerr.V("id", id))
	}
	return e, nil
}

func (m *Monitor) Overlay() recognition.Overlay {
	return m.loop.Overlay()
}

// Status is the dashboard summary.
type Status struct {
	Camera        capture.Status `json:"camera"`
	Recognizing   bool           `json:"recognizing"`
	ProviderReady bool           `json:"provider_ready"`
	Degraded      bool           `json:"degraded"`
	Enrolled      int            `json:"enrolled"`
	Evidence      int            `json:"evidence"`
	LastError     string         `json:"last_error,omitempty"`
	LastCategory  types.Category `json:"last_error_category,omitempty"`
}

func (m *Monitor) Status() Status {
	st := Status{
		Camera:        m.session.Status(),
		Recognizing:   m.loop.Running(),
		ProviderReady: m.provider.Ready(),
		Degraded:      m.loop.Degraded(),
		Enrolled:      m.people.Len(),
		Evidence:      m.evidence.Len(),
	}
	if err := m.loop.LastError(); err != nil {
		st.LastError = types.UserMessage(err)
		st.LastCategory = types.CategoryOf(err)
	}
	return st
}

// Shutdown stops recognition, releases the camera and waits for the loop to exit.
func (m *Monitor) Shutdown() {
	m.loop.Stop()
	m.session.Stop()
	m.loop.Wait()
}
