package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/not-amarnath/final-year-project/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs against a real pgvector Postgres container. It requires Docker.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers may panic when the docker socket is missing.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("sentinel_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	gt.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	gt.NoError(t, err)

	s, err := New(ctx, connStr, 4)
	gt.NoError(t, err)
	defer s.Close()

	t.Run("persons", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		alice := types.EnrolledPerson{ID: "a", Name: "Alice", Embedding: types.Embedding{1, 0, 0, 0}, EnrolledAt: now}
		bob := types.EnrolledPerson{ID: "b", Name: "Bob", Embedding: types.Embedding{0, 1, 0, 0}, EnrolledAt: now}
		gt.NoError(t, s.SavePerson(ctx, alice))
		gt.NoError(t, s.SavePerson(ctx, bob))

		// Replacing keeps enrollment order.
		alice.Name = "Alice B."
		gt.NoError(t, s.SavePerson(ctx, alice))

		persons, err := s.ListPersons(ctx)
		gt.NoError(t, err)
		gt.Equal(t, len(persons), 2)
		gt.Equal(t, persons[0].Name, "Alice B.")
		gt.Equal(t, persons[1].ID, "b")
		gt.Equal(t, []float32(persons[1].Embedding), []float32{0, 1, 0, 0})

		err = s.SavePerson(ctx, types.EnrolledPerson{ID: "c", Name: "Short", Embedding: types.Embedding{1}})
		gt.True(t, errors.Is(err, types.ErrDimensionMismatch))

		// Exact match.
		r, err := s.FindClosestPerson(ctx, types.Embedding{1, 0, 0, 0}, 0.5)
		gt.NoError(t, err)
		gt.Equal(t, r.PersonID, "a")
		gt.True(t, r.Distance < 1e-6)

		// Nearest is Bob at 0.3, within threshold.
		r, err = s.FindClosestPerson(ctx, types.Embedding{0, 1.3, 0, 0}, 0.5)
		gt.NoError(t, err)
		gt.Equal(t, r.Label, "Bob")

		// Orthogonal probe is sqrt(2) from both: unknown.
		r, err = s.FindClosestPerson(ctx, types.Embedding{0, 0, 1, 0}, 0.5)
		gt.NoError(t, err)
		gt.Equal(t, r.Label, types.UnknownLabel)
		gt.False(t, r.Authorized())
		gt.True(t, math.Abs(r.Distance-math.Sqrt2) < 1e-6)

		gt.NoError(t, s.DeletePerson(ctx, "a"))
		gt.True(t, errors.Is(s.DeletePerson(ctx, "a"), types.ErrNotFound))
		persons, err = s.ListPersons(ctx)
		gt.NoError(t, err)
		gt.Equal(t, len(persons), 1)
	})

	t.Run("evidence", func(t *testing.T) {
		base := time.Now().UTC().Truncate(time.Second)
		for i := 0; i < 5; i++ {
			gt.NoError(t, s.InsertEvidence(ctx, types.EvidenceEntry{
				ID:                fmt.Sprintf("e%d", i),
				CapturedAt:        base.Add(time.Duration(i) * time.Second),
				Label:             "Alice",
				Authorized:        true,
				ConfidencePercent: 80 + i,
				Snapshot:          []byte{0xFF, 0xD8, byte(i)},
			}))
		}

		recent, err := s.RecentEvidence(ctx, 3)
		gt.NoError(t, err)
		gt.Equal(t, len(recent), 3)
		gt.Equal(t, recent[0].ID, "e4")
		gt.Equal(t, recent[2].ID, "e2")

		snap, err := s.GetEvidenceSnapshot(ctx, "e1")
		gt.NoError(t, err)
		gt.Equal(t, snap, []byte{0xFF, 0xD8, 1})

		_, err = s.GetEvidenceSnapshot(ctx, "missing")
		gt.True(t, errors.Is(err, types.ErrNotFound))

		removed, err := s.PruneEvidence(ctx, 2)
		gt.NoError(t, err)
		gt.Equal(t, removed, int64(3))

		recent, err = s.RecentEvidence(ctx, 10)
		gt.NoError(t, err)
		gt.Equal(t, len(recent), 2)
	})

	t.Run("reset", func(t *testing.T) {
		gt.NoError(t, s.Reset(ctx))
		_, err := s.ListPersons(ctx)
		gt.Error(t, err)
	})
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
