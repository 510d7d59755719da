package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/not-amarnath/final-year-project/internal/capture"
	"github.com/not-amarnath/final-year-project/internal/types"
)

// maxUploadSize bounds an enrollment photo upload.
const maxUploadSize = 16 << 20

type errorBody struct {
	Error    string         `json:"error"`
	Category types.Category `json:"category"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError renders err with the status of its category.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	category := types.CategoryOf(err)
	status := statusOf(category)
	if status >= http.StatusInternalServerError && category != types.CategoryProviderNotReady {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	respondJSON(w, status, errorBody{Error: types.UserMessage(err), Category: category})
}

func statusOf(c types.Category) int {
	switch c {
	case types.CategoryProviderNotReady:
		return http.StatusServiceUnavailable
	case types.CategoryNoFaceDetected:
		return http.StatusUnprocessableEntity
	case types.CategoryCaptureUnavailable, types.CategoryEmptyEnrollment:
		return http.StatusConflict
	case types.CategoryInvalidInput:
		return http.StatusBadRequest
	case types.CategoryNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusBadRequest, errorBody{Error: message, Category: types.CategoryInvalidInput})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.station.Status())
}

func (s *Server) startCamera(w http.ResponseWriter, r *http.Request) {
	state, err := s.station.StartCamera(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, capture.Status{State: state})
}

func (s *Server) stopCamera(w http.ResponseWriter, r *http.Request) {
	s.station.StopCamera()
	respondJSON(w, http.StatusOK, s.station.Status().Camera)
}

type startRecognitionRequest struct {
	IntervalMs int `json:"interval_ms"`
}

func (s *Server) startRecognition(w http.ResponseWriter, r *http.Request) {
	var req startRecognitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body")
		return
	}
	if req.IntervalMs < 0 {
		badRequest(w, "interval_ms must not be negative")
		return
	}

	if err := s.station.StartRecognition(time.Duration(req.IntervalMs) * time.Millisecond); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.station.Status())
}

func (s *Server) stopRecognition(w http.ResponseWriter, r *http.Request) {
	s.station.StopRecognition()
	respondJSON(w, http.StatusOK, s.station.Status())
}

func (s *Server) overlay(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.station.Overlay())
}

type evidenceView struct {
	ID                string    `json:"id"`
	CapturedAt        time.Time `json:"captured_at"`
	Label             string    `json:"label"`
	Authorized        bool      `json:"authorized"`
	ConfidencePercent int       `json:"confidence_percent"`
	SnapshotURL       string    `json:"snapshot_url,omitempty"`
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request) {
	entries := s.station.Evidence()
	out := make([]evidenceView, 0, len(entries))
	for _, e := range entries {
		v := evidenceView{
			ID:                e.ID,
			CapturedAt:        e.CapturedAt,
			Label:             e.Label,
			Authorized:        e.Authorized,
			ConfidencePercent: e.ConfidencePercent,
		}
		if len(e.Snapshot) > 0 {
			v.SnapshotURL = "/api/v1/evidence/" + url.PathEscape(e.ID) + "/snapshot"
		}
		out = append(out, v)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) evidenceSnapshot(w http.ResponseWriter, r *http.Request) {
	entry, err := s.station.EvidenceByID(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(entry.Snapshot) == 0 {
		respondJSON(w, http.StatusNotFound, errorBody{Error: "entry has no snapshot", Category: types.CategoryNotFound})
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Snapshot)
}

func (s *Server) listPersons(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.station.Persons())
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		badRequest(w, "failed to parse multipart form")
		return
	}

	name := r.FormValue("name")
	file, _, err := r.FormFile("image")
	if err != nil {
		badRequest(w, "image is required")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		badRequest(w, "failed to read image")
		return
	}

	person, err := s.station.Enroll(r.Context(), name, image)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, person)
}

func (s *Server) removePerson(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.station.Remove(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !removed {
		s.respondError(w, r, types.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
