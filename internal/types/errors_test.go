package types

import (
	"errors"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryNone},
		{"provider not ready", goerr.Wrap(ErrProviderNotReady, "detect"), CategoryProviderNotReady},
		{"no face", goerr.Wrap(ErrNoFaceDetected, "enroll", goerr.V("name", "alice")), CategoryNoFaceDetected},
		{"capture", NewCaptureError(ReasonBusy, nil), CategoryCaptureUnavailable},
		{"capture wrapped", goerr.Wrap(NewCaptureError(ReasonNotFound, errors.New("ENOENT")), "start"), CategoryCaptureUnavailable},
		{"encode", goerr.Wrap(ErrEncodeFailure, "snapshot"), CategoryEncodeFailure},
		{"empty enrollment", ErrEmptyEnrollment, CategoryEmptyEnrollment},
		{"invalid name", ErrInvalidName, CategoryInvalidInput},
		{"dimension", goerr.Wrap(ErrDimensionMismatch, "add"), CategoryInvalidInput},
		{"not found", ErrNotFound, CategoryNotFound},
		{"other", errors.New("boom"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gt.Equal(t, CategoryOf(tt.err), tt.want)
		})
	}
}

func TestUserMessageDistinctPerCategory(t *testing.T) {
	errs := []error{
		ErrProviderNotReady,
		ErrNoFaceDetected,
		NewCaptureError(ReasonPermissionDenied, nil),
		ErrEncodeFailure,
		ErrEmptyEnrollment,
		ErrInvalidName,
		ErrNotFound,
		errors.New("boom"),
	}

	seen := map[string]bool{}
	for _, err := range errs {
		msg := UserMessage(err)
		gt.True(t, msg != "")
		gt.False(t, seen[msg])
		seen[msg] = true
	}
	gt.Equal(t, UserMessage(nil), "")
}

func TestCaptureErrorUsesReasonMessage(t *testing.T) {
	err := goerr.Wrap(NewCaptureError(ReasonPermissionDenied, errors.New("EACCES")), "starting camera")

	gt.True(t, errors.Is(err, ErrCaptureUnavailable))
	gt.Equal(t, UserMessage(err), "Camera permission denied. Please allow camera access.")

	var capErr *CaptureError
	gt.True(t, errors.As(err, &capErr))
	gt.Equal(t, capErr.Reason, ReasonPermissionDenied)
}

func TestMatchResultConfidence(t *testing.T) {
	tests := []struct {
		distance float64
		want     int
	}{
		{0.0, 100},
		{0.2, 80},
		{0.45, 55},
		{1.0, 0},
		{1.7, 0},
	}

	for _, tt := range tests {
		r := MatchResult{Distance: tt.distance}
		gt.Equal(t, r.ConfidencePercent(), tt.want)
	}
}
