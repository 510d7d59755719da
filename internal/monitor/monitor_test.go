package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/not-amarnath/final-year-project/internal/capture"
	"github.com/not-amarnath/final-year-project/internal/recognition"
	"github.com/not-amarnath/final-year-project/internal/types"
)

type fakeStream struct {
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *fakeStream) Ready() <-chan struct{} { return s.ready }
func (s *fakeStream) Done() <-chan struct{}  { return s.done }
func (s *fakeStream) Err() error             { return nil }

func (s *fakeStream) Frame() (types.Frame, error) {
	return types.Frame{Index: 1, Data: []byte("jpeg"), CapturedAt: time.Unix(1700000000, 0)}, nil
}

func (s *fakeStream) signalReady() { s.once.Do(func() { close(s.ready) }) }

type fakeSource struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (f *fakeSource) Acquire(ctx context.Context) (capture.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{ready: make(chan struct{}), done: make(chan struct{})}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSource) Release(capture.Stream) error { return nil }

func (f *fakeSource) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

type fakeProvider struct {
	mu     sync.Mutex
	ready  bool
	probes []types.Probe
	single *types.Probe
}

func (f *fakeProvider) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeProvider) Detect(ctx context.Context, image []byte) ([]types.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes, nil
}

func (f *fakeProvider) DetectSingle(ctx context.Context, image []byte) (*types.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.single, nil
}

type fakeArchive struct {
	mu       sync.Mutex
	persons  []types.EnrolledPerson
	deleted  []string
	evidence []types.EvidenceEntry
	keep     int
	delErr   error
}

func (a *fakeArchive) SavePerson(ctx context.Context, p types.EnrolledPerson) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persons = append(a.persons, p)
	return nil
}

func (a *fakeArchive) DeletePerson(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.delErr != nil {
		return a.delErr
	}
	a.deleted = append(a.deleted, id)
	return nil
}

func (a *fakeArchive) ListPersons(ctx context.Context) ([]types.EnrolledPerson, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.EnrolledPerson(nil), a.persons...), nil
}

func (a *fakeArchive) InsertEvidence(ctx context.Context, e types.EvidenceEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evidence = append(a.evidence, e)
	return nil
}

func (a *fakeArchive) PruneEvidence(ctx context.Context, keep int) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keep = keep
	return 0, nil
}

func embedding(first float32) types.Embedding {
	e := make(types.Embedding, types.EmbeddingDim)
	e[0] = first
	return e
}

func face(first float32) *types.Probe {
	return &types.Probe{Box: types.BoundingBox{Width: 50, Height: 50}, Embedding: embedding(first)}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMonitor(t *testing.T, opts ...Option) (*Monitor, *fakeSource, *fakeProvider) {
	t.Helper()
	src := &fakeSource{}
	prov := &fakeProvider{ready: true}
	settings := DefaultSettings()
	settings.TickInterval = time.Hour // ticks are driven by hand
	m := New(src, prov, settings, append([]Option{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(m.Shutdown)
	return m, src, prov
}

func activate(t *testing.T, m *Monitor, src *fakeSource) {
	t.Helper()
	state, err := m.StartCamera(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, state, capture.Starting)
	src.last().signalReady()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status().Camera.State == capture.Active {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("camera state = %s, want Active", m.Status().Camera.State)
}

func TestEnrollAndRecognize(t *testing.T) {
	m, src, prov := newMonitor(t)
	activate(t, m, src)

	prov.single = face(1)
	alice, err := m.Enroll(context.Background(), "Alice", []byte("photo"))
	gt.NoError(t, err)
	gt.Equal(t, alice.Name, "Alice")
	gt.True(t, alice.HasEmbedding)
	gt.Equal(t, len(m.Persons()), 1)

	prov.probes = []types.Probe{*face(1.2)}
	gt.NoError(t, m.StartRecognition(0))

	report, err := m.Tick(context.Background())
	gt.NoError(t, err)
	gt.False(t, report.Skipped)
	gt.V(t, report.Evidence).NotNil()

	overlay := m.Overlay()
	gt.Equal(t, len(overlay.Faces), 1)
	gt.Equal(t, overlay.Faces[0].Label, "Alice")
	gt.True(t, overlay.Faces[0].Authorized)
	gt.Equal(t, overlay.Faces[0].ConfidencePercent, 80)

	ev := m.Evidence()
	gt.Equal(t, len(ev), 1)
	gt.Equal(t, ev[0].Label, "Alice")
	gt.Equal(t, ev[0].ConfidencePercent, 80)

	entry, err := m.EvidenceByID(ev[0].ID)
	gt.NoError(t, err)
	gt.Equal(t, entry.Label, "Alice")

	_, err = m.EvidenceByID("missing")
	gt.True(t, errors.Is(err, types.ErrNotFound))

	st := m.Status()
	gt.True(t, st.Recognizing)
	gt.True(t, st.ProviderReady)
	gt.Equal(t, st.Enrolled, 1)
	gt.Equal(t, st.Evidence, 1)
}

func TestCaptureFailureStopsRecognition(t *testing.T) {
	m, src, prov := newMonitor(t)
	activate(t, m, src)

	prov.single = face(1)
	_, err := m.Enroll(context.Background(), "Alice", []byte("photo"))
	gt.NoError(t, err)
	prov.probes = []types.Probe{*face(1.2)}

	gt.NoError(t, m.StartRecognition(0))
	_, err = m.Tick(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, len(m.Evidence()), 1)

	m.CameraFailed(types.ReasonBusy)

	st := m.Status()
	gt.Equal(t, st.Camera.State, capture.Error)
	gt.Equal(t, st.Camera.Reason, types.ReasonBusy)
	gt.Equal(t, st.Camera.Message, "Camera is being used by another application.")
	gt.False(t, st.Recognizing)
	gt.Equal(t, len(m.Overlay().Faces), 0)

	report, err := m.Tick(context.Background())
	gt.NoError(t, err)
	gt.True(t, report.Skipped)
	gt.Equal(t, report.SkipReason, recognition.SkipCaptureInactive)
	gt.Equal(t, len(m.Evidence()), 1)

	// Restarting recognition needs the camera back.
	err = m.StartRecognition(0)
	gt.True(t, errors.Is(err, types.ErrCaptureUnavailable))
	var capErr *types.CaptureError
	gt.True(t, errors.As(err, &capErr))
	gt.Equal(t, capErr.Reason, types.ReasonBusy)
}

func TestStopCameraStopsRecognition(t *testing.T) {
	m, src, _ := newMonitor(t)
	activate(t, m, src)

	gt.NoError(t, m.StartRecognition(0))
	m.StopCamera()

	gt.Equal(t, m.Status().Camera.State, capture.Off)
	gt.False(t, m.Status().Recognizing)
}

func TestStartRecognitionRequiresCamera(t *testing.T) {
	m, _, _ := newMonitor(t)

	err := m.StartRecognition(0)
	gt.True(t, errors.Is(err, types.ErrCaptureUnavailable))
	gt.Equal(t, types.CategoryOf(err), types.CategoryCaptureUnavailable)
	gt.False(t, m.Status().Recognizing)
}

func TestEnrollRejectsImageWithoutFace(t *testing.T) {
	m, _, _ := newMonitor(t)

	_, err := m.Enroll(context.Background(), "Bob", []byte("landscape"))
	gt.True(t, errors.Is(err, types.ErrNoFaceDetected))
	gt.Equal(t, len(m.Persons()), 0)
}

func TestRemove(t *testing.T) {
	m, _, prov := newMonitor(t)
	prov.single = face(1)

	p, err := m.Enroll(context.Background(), "Alice", []byte("photo"))
	gt.NoError(t, err)
	removed, err := m.Remove(context.Background(), p.ID)
	gt.NoError(t, err)
	gt.True(t, removed)

	removed, err = m.Remove(context.Background(), p.ID)
	gt.NoError(t, err)
	gt.False(t, removed)
	gt.Equal(t, len(m.Persons()), 0)
}

func TestArchiveMirrorsPersonsAndEvidence(t *testing.T) {
	archive := &fakeArchive{}
	m, src, prov := newMonitor(t, WithArchive(archive))
	activate(t, m, src)

	prov.single = face(1)
	p, err := m.Enroll(context.Background(), "Alice", []byte("photo"))
	gt.NoError(t, err)
	gt.Equal(t, len(archive.persons), 1)
	gt.Equal(t, archive.persons[0].ID, p.ID)

	prov.probes = []types.Probe{*face(1.1)}
	_, err = m.Tick(context.Background())
	gt.NoError(t, err)

	archive.mu.Lock()
	gt.Equal(t, len(archive.evidence), 1)
	gt.Equal(t, archive.evidence[0].Label, "Alice")
	gt.Equal(t, archive.keep, DefaultSettings().EvidenceCapacity*archiveRetention)
	archive.mu.Unlock()

	_, err = m.Remove(context.Background(), p.ID)
	gt.NoError(t, err)
	gt.Equal(t, archive.deleted, []string{p.ID})
}

func TestRemoveKeepsPersonWhenArchiveFails(t *testing.T) {
	archive := &fakeArchive{delErr: errors.New("connection reset")}
	m, _, prov := newMonitor(t, WithArchive(archive))
	prov.single = face(1)

	p, err := m.Enroll(context.Background(), "Alice", []byte("photo"))
	gt.NoError(t, err)

	removed, err := m.Remove(context.Background(), p.ID)
	gt.Error(t, err)
	gt.False(t, removed)
	gt.Equal(t, len(m.Persons()), 1)
	gt.Equal(t, len(archive.deleted), 0)
}

func TestRestorePersons(t *testing.T) {
	archive := &fakeArchive{persons: []types.EnrolledPerson{
		{ID: "a", Name: "Alice", Embedding: embedding(1)},
		{ID: "b", Name: "Bob", Embedding: embedding(2)},
		{ID: "c", Name: "No Face"},
	}}
	m, _, _ := newMonitor(t, WithArchive(archive))

	n, err := m.RestorePersons(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, n, 2)

	persons := m.Persons()
	gt.Equal(t, len(persons), 2)
	gt.Equal(t, persons[0].Name, "Alice")
	gt.Equal(t, persons[1].Name, "Bob")
}

func TestRestorePersonsWithoutArchive(t *testing.T) {
	m, _, _ := newMonitor(t)
	n, err := m.RestorePersons(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, n, 0)
}

func TestSettingsDefaults(t *testing.T) {
	s := withDefaults(Settings{})
	d := DefaultSettings()
	gt.Equal(t, s.MatchThreshold, d.MatchThreshold)
	gt.Equal(t, s.EvidenceThreshold, d.EvidenceThreshold)
	gt.Equal(t, s.EvidenceCapacity, d.EvidenceCapacity)
	gt.Equal(t, s.TickInterval, d.TickInterval)

	// Zero keeps its meaning: no breaker, no ready timeout.
	gt.Equal(t, s.DegradedAfter, 0)
	gt.Equal(t, s.ReadyTimeout, time.Duration(0))
}
