// Package enrollment owns the set of authorized persons and their reference embeddings.
package enrollment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/types"
)

// Detector extracts the best face of an enrollment photo.
// A nil probe with a nil error means no face was found.
type Detector interface {
	DetectSingle(ctx context.Context, image []byte) (*types.Probe, error)
}

// Persister mirrors store mutations into durable storage.
type Persister interface {
	SavePerson(ctx context.Context, p types.EnrolledPerson) error
	DeletePerson(ctx context.Context, id string) error
}

// Store is the ground truth for matching. Insertion order is preserved for display.
// Mutations are serialized and talk to the persister without holding the read lock,
// so a slow database never stalls List.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	detector  Detector
	persister Persister
	persons   []types.EnrolledPerson
	dim       int
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPersister mirrors adds and removes into p.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithDimension fixes the embedding length instead of learning it from the first enrollment.
func WithDimension(dim int) Option {
	return func(s *Store) { s.dim = dim }
}

// WithClock overrides the enrollment timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(detector Detector, opts ...Option) *Store {
	s := &Store{detector: detector, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add enrolls name using the best face in image. On any failure the store is unchanged.
func (s *Store) Add(ctx context.Context, name string, image []byte) (types.EnrolledPerson, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.EnrolledPerson{}, types.ErrInvalidName
	}
	if len(image) == 0 {
		return types.EnrolledPerson{}, goerr.Wrap(types.ErrNoFaceDetected, "empty image", goerr.V("name", name))
	}

	face, err := s.detector.DetectSingle(ctx, image)
	if err != nil {
		return types.EnrolledPerson{}, goerr.Wrap(err, "failed to compute enrollment embedding", goerr.V("name", name))
	}
	if face == nil || len(face.Embedding) == 0 {
		return types.EnrolledPerson{}, goerr.Wrap(types.ErrNoFaceDetected, "enrollment rejected", goerr.V("name", name))
	}

	person := types.EnrolledPerson{
		ID:         uuid.New().String(),
		Name:       name,
		Embedding:  face.Embedding.Clone(),
		EnrolledAt: s.now().UTC(),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	err = s.checkDimLocked(person.Embedding)
	s.mu.RUnlock()
	if err != nil {
		return types.EnrolledPerson{}, err
	}
	if s.persister != nil {
		if err := s.persister.SavePerson(ctx, person); err != nil {
			return types.EnrolledPerson{}, goerr.Wrap(err, "failed to persist enrolled person", goerr.V("name", name))
		}
	}

	s.mu.Lock()
	s.persons = append(s.persons, person)
	if s.dim == 0 {
		s.dim = len(person.Embedding)
	}
	s.mu.Unlock()
	return clonePerson(person), nil
}

// Replace swaps the embedding and name of an existing person, keeping its id and position.
func (s *Store) Replace(ctx context.Context, id, name string, image []byte) (types.EnrolledPerson, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.EnrolledPerson{}, types.ErrInvalidName
	}

	face, err := s.detector.DetectSingle(ctx, image)
	if err != nil {
		return types.EnrolledPerson{}, goerr.Wrap(err, "failed to compute enrollment embedding", goerr.V("id", id))
	}
	if face == nil || len(face.Embedding) == 0 {
		return types.EnrolledPerson{}, goerr.Wrap(types.ErrNoFaceDetected, "replacement rejected", goerr.V("id", id))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	idx := s.indexLocked(id)
	err = s.checkDimLocked(face.Embedding)
	s.mu.RUnlock()
	if idx < 0 {
		return types.EnrolledPerson{}, goerr.Wrap(types.ErrNotFound, "person not enrolled", goerr.V("id", id))
	}
	if err != nil {
		return types.EnrolledPerson{}, err
	}

	person := types.EnrolledPerson{
		ID:         id,
		Name:       name,
		Embedding:  face.Embedding.Clone(),
		EnrolledAt: s.now().UTC(),
	}
	if s.persister != nil {
		if err := s.persister.SavePerson(ctx, person); err != nil {
			return types.EnrolledPerson{}, goerr.Wrap(err, "failed to persist enrolled person", goerr.V("id", id))
		}
	}
	s.mu.Lock()
	s.persons[idx] = person
	s.mu.Unlock()
	return clonePerson(person), nil
}

// Remove deletes the person with id and reports whether an entry existed.
// A missing id is not an error. When the persister fails nothing is removed,
// so a retry deletes both copies.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	idx := s.indexLocked(id)
	s.mu.RUnlock()
	if idx < 0 {
		return false, nil
	}

	if s.persister != nil {
		// A row that is already gone is the state we want.
		if err := s.persister.DeletePerson(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
			return false, goerr.Wrap(err, "failed to delete persisted person", goerr.V("id", id))
		}
	}

	s.mu.Lock()
	s.persons = append(s.persons[:idx], s.persons[idx+1:]...)
	s.mu.Unlock()
	return true, nil
}

// Restore loads previously persisted persons, skipping any without a usable embedding.
// It does not write back to the persister.
func (s *Store) Restore(persons []types.EnrolledPerson) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, p := range persons {
		if len(p.Embedding) == 0 || s.indexLocked(p.ID) >= 0 {
			continue
		}
		if s.checkDimLocked(p.Embedding) != nil {
			continue
		}
		s.persons = append(s.persons, clonePerson(p))
		if s.dim == 0 {
			s.dim = len(p.Embedding)
		}
		loaded++
	}
	return loaded
}

// List returns a snapshot in enrollment order. Callers may not mutate the store through it.
func (s *Store) List() []types.EnrolledPerson {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.EnrolledPerson, len(s.persons))
	for i, p := range s.persons {
		out[i] = clonePerson(p)
	}
	return out
}

// Summaries returns the display projection of List.
func (s *Store) Summaries() []types.PersonSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.PersonSummary, len(s.persons))
	for i, p := range s.persons {
		out[i] = p.Summary()
	}
	return out
}

// Get returns the person with id.
func (s *Store) Get(id string) (types.EnrolledPerson, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return types.EnrolledPerson{}, false
	}
	return clonePerson(s.persons[idx]), true
}

// Len returns the number of enrolled persons.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.persons)
}

func (s *Store) indexLocked(id string) int {
	for i := range s.persons {
		if s.persons[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) checkDimLocked(vec types.Embedding) error {
	if s.dim != 0 && len(vec) != s.dim {
		return goerr.Wrap(types.ErrDimensionMismatch, "embedding length differs from enrolled set",
			goerr.V("want", s.dim), goerr.V("got", len(vec)))
	}
	return nil
}

func clonePerson(p types.EnrolledPerson) types.EnrolledPerson {
	p.Embedding = p.Embedding.Clone()
	return p
}
