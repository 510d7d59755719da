package types

import (
	"errors"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrProviderNotReady means the embedding models are not loaded yet. Callers retry later.
	ErrProviderNotReady = goerr.New("face recognition models are not loaded")
	// ErrNoFaceDetected rejects an enrollment image without a usable face.
	ErrNoFaceDetected = goerr.New("no face detected in image")
	// ErrCaptureUnavailable covers every failure to obtain or keep the camera.
	ErrCaptureUnavailable = goerr.New("capture source unavailable")
	// ErrEncodeFailure is raised by the evidence snapshot step only.
	ErrEncodeFailure = goerr.New("failed to encode snapshot")
	// ErrEmptyEnrollment is the no-op precondition of a tick with nobody enrolled.
	ErrEmptyEnrollment = goerr.New("no persons enrolled")

	ErrDimensionMismatch = goerr.New("embedding dimension mismatch")
	ErrInvalidName       = goerr.New("person name is required")
	ErrNotFound          = goerr.New("not found")
)

// CaptureReason is the closed set of causes for a capture failure.
type CaptureReason string

const (
	ReasonPermissionDenied CaptureReason = "permission-denied"
	ReasonNotFound         CaptureReason = "not-found"
	ReasonBusy             CaptureReason = "busy"
	ReasonDisconnected     CaptureReason = "disconnected"
	ReasonPlaybackFailed   CaptureReason = "playback-failed"
	ReasonUnsupported      CaptureReason = "unsupported"
)

// Message returns the user-facing guidance for the reason.
func (r CaptureReason) Message() string {
	switch r {
	case ReasonPermissionDenied:
		return "Camera permission denied. Please allow camera access."
	case ReasonNotFound:
		return "No camera found on this device."
	case ReasonBusy:
		return "Camera is being used by another application."
	case ReasonDisconnected:
		return "Camera was disconnected."
	case ReasonPlaybackFailed:
		return "Failed to start video playback."
	case ReasonUnsupported:
		return "Camera not supported on this system."
	default:
		return "Failed to access camera."
	}
}

// CaptureError is CaptureUnavailable{reason}. It matches ErrCaptureUnavailable under errors.Is.
type CaptureError struct {
	Reason CaptureReason
	Cause  error
}

func (e *CaptureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("capture unavailable (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("capture unavailable (%s)", e.Reason)
}

func (e *CaptureError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrCaptureUnavailable}
	}
	return []error{ErrCaptureUnavailable, e.Cause}
}

// NewCaptureError builds a CaptureError for reason, optionally wrapping cause.
func NewCaptureError(reason CaptureReason, cause error) *CaptureError {
	return &CaptureError{Reason: reason, Cause: cause}
}

// Category is a stable failure class the presentation layer can switch on.
type Category string

const (
	CategoryNone               Category = ""
	CategoryProviderNotReady   Category = "provider_not_ready"
	CategoryNoFaceDetected     Category = "no_face_detected"
	CategoryCaptureUnavailable Category = "capture_unavailable"
	CategoryEncodeFailure      Category = "encode_failure"
	CategoryEmptyEnrollment    Category = "empty_enrollment"
	CategoryInvalidInput       Category = "invalid_input"
	CategoryNotFound           Category = "not_found"
	CategoryInternal           Category = "internal"
)

// CategoryOf classifies err. A nil error has no category.
func CategoryOf(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrProviderNotReady):
		return CategoryProviderNotReady
	case errors.Is(err, ErrNoFaceDetected):
		return CategoryNoFaceDetected
	case errors.Is(err, ErrCaptureUnavailable):
		return CategoryCaptureUnavailable
	case errors.Is(err, ErrEncodeFailure):
		return CategoryEncodeFailure
	case errors.Is(err, ErrEmptyEnrollment):
		return CategoryEmptyEnrollment
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrDimensionMismatch):
		return CategoryInvalidInput
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	default:
		return CategoryInternal
	}
}

// UserMessage renders err as guidance for the operator.
func UserMessage(err error) string {
	var capErr *CaptureError
	if errors.As(err, &capErr) {
		return capErr.Reason.Message()
	}

	switch CategoryOf(err) {
	case CategoryNone:
		return ""
	case CategoryProviderNotReady:
		return "Face recognition models are still loading. Try again shortly."
	case CategoryNoFaceDetected:
		return "No face could be detected in the uploaded image."
	case CategoryCaptureUnavailable:
		return "Failed to access camera."
	case CategoryEncodeFailure:
		return "Could not capture an evidence snapshot."
	case CategoryEmptyEnrollment:
		return "No authorized persons are enrolled yet."
	case CategoryInvalidInput:
		return "Please provide both a name and a valid image."
	case CategoryNotFound:
		return "The requested item does not exist."
	default:
		return "An error occurred while processing the request."
	}
}
