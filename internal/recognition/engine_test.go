package recognition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/not-amarnath/final-year-project/internal/evidence"
	"github.com/not-amarnath/final-year-project/internal/matcher"
	"github.com/not-amarnath/final-year-project/internal/types"
	"github.com/not-amarnath/final-year-project/internal/worker"
)

// hungEngine completes the handshake for 128-float embeddings, then swallows
// every request without answering.
const hungEngine = `printf '\000\000\000\005\002\000\000\000\200' >&3; exec cat >/dev/null`

func TestUnresponsiveEngineFailsEveryTick(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}

	engine, err := worker.NewPythonWorker(1, worker.Config{
		Command:        "sh",
		Args:           []string{"-c", hungEngine},
		StartupTimeout: 5 * time.Second,
		RequestTimeout: 100 * time.Millisecond,
	})
	gt.NoError(t, err)
	defer engine.Close()
	gt.NoError(t, engine.AwaitReady(context.Background()))
	gt.Equal(t, engine.Dimension(), types.EmbeddingDim)

	var trips atomic.Int32
	l := New(activeSource(), engine, alice(), matcher.New(0.5), evidence.NewGate(0.55), evidence.New(10),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDegradedAfter(3),
		WithOnDegraded(func(degraded bool) {
			if degraded {
				trips.Add(1)
			}
		}),
	)

	for i := 0; i < 5; i++ {
		report, err := l.Tick(context.Background())
		gt.Error(t, err)
		gt.False(t, report.Skipped)
		gt.True(t, errors.Is(err, worker.ErrWorkerClosed) || errors.Is(err, types.ErrProviderNotReady))
		gt.Equal(t, l.LastError(), err)
	}

	gt.True(t, l.Degraded())
	gt.Equal(t, trips.Load(), int32(1))
	gt.True(t, engine.Ready())
	gt.True(t, engine.Restarts() >= 1)
}
