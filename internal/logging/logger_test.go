package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/m-mizutani/gt"
)

func TestFromFallsBackToDefault(t *testing.T) {
	gt.Equal(t, From(context.Background()), Default())
}

func TestWithAttachesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", &buf)
	ctx := With(context.Background(), logger)

	From(ctx).Debug("tick skipped", "reason", "empty enrollment")

	gt.Equal(t, From(ctx), logger)
	gt.S(t, buf.String()).Contains("tick skipped")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", &buf)

	logger.Info("camera started")
	gt.Equal(t, buf.Len(), 0)

	logger.Warn("provider failed")
	gt.S(t, buf.String()).Contains("provider failed")
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", "warn", "warning", "error"} {
		gt.True(t, ValidLevel(lvl))
	}
	gt.False(t, ValidLevel("verbose"))
}
